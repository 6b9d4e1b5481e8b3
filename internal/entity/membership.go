package entity

import "fmt"

// Membership statuses.
const (
	MembershipActive    Status = "active"
	MembershipInactive  Status = "inactive"
	MembershipSuspended Status = "suspended"
)

// FieldIsActive is the membership activity flag.
const FieldIsActive = "is_active"

// Membership is the typed view of a wolfpack membership.
//
// IsActive implies Status == active. The converse does not hold: a member
// can be active while the flag is still catching up.
type Membership struct {
	ID         string
	Version    int64
	UserID     string
	LocationID string
	Status     Status
	IsActive   bool
}

// MembershipFrom decodes the typed view of a membership entity.
func MembershipFrom(e Entity) (Membership, error) {
	if e.Kind != KindMembership {
		return Membership{}, fmt.Errorf("entity %s is a %s, not a membership", e.ID, e.Kind)
	}
	switch e.Status {
	case MembershipActive, MembershipInactive, MembershipSuspended:
	default:
		return Membership{}, fmt.Errorf("membership %s: unknown status %q", e.ID, e.Status)
	}
	m := Membership{ID: e.ID, Version: e.Version, Status: e.Status}
	m.UserID, _ = e.Fields.String(FieldUserID)
	m.LocationID, _ = e.Fields.String(FieldLocationID)
	m.IsActive, _ = e.Fields.Bool(FieldIsActive)
	return m, nil
}

// Validate enforces is_active ⇒ status == active.
func (m Membership) Validate() error {
	if m.IsActive && m.Status != MembershipActive {
		return fmt.Errorf("membership %s: is_active set while status is %q", m.ID, m.Status)
	}
	return nil
}

// Entity encodes the membership as a generic entity.
func (m Membership) Entity() Entity {
	return Entity{
		Kind:    KindMembership,
		ID:      m.ID,
		Version: m.Version,
		Status:  m.Status,
		Fields: Fields{
			FieldUserID:     String(m.UserID),
			FieldLocationID: String(m.LocationID),
			FieldIsActive:   Bool(m.IsActive),
		},
	}
}
