package persist

import (
	"time"

	"github.com/roach88/wolfpack/internal/entity"
)

// Apply computes the server-side result of a validated mutation. current is
// the stored entity, or nil when none exists. The returned entity carries
// the next version. Backends call Apply inside their write transaction.
func Apply(current *entity.Entity, req Request, now time.Time) (entity.Entity, error) {
	now = now.UTC()
	switch req.Kind {
	case entity.KindOrder:
		return applyOrder(current, req, now)
	case entity.KindPost:
		return applyPost(current, req, now)
	case entity.KindMembership:
		return applyMembership(current, req, now)
	default:
		return entity.Entity{}, Errorf(CodeValidation, "unknown kind %q", req.Kind)
	}
}

func applyOrder(current *entity.Entity, req Request, now time.Time) (entity.Entity, error) {
	if req.Op == OpCreateOrder {
		if current != nil {
			return entity.Entity{}, Errorf(CodeConflict, "order %s already exists", req.EntityID)
		}
		items, err := entity.ItemsFromValue(req.Payload[entity.FieldItems])
		if err != nil {
			return entity.Entity{}, Wrap(CodeValidation, "decode items", err)
		}
		if err := entity.ValidateItems(items); err != nil {
			return entity.Entity{}, Wrap(CodeValidation, "invalid order", err)
		}
		placed, err := placedAt(req.Payload, now)
		if err != nil {
			return entity.Entity{}, err
		}
		o := entity.Order{
			ID:          req.EntityID,
			Version:     1,
			Status:      entity.OrderPending,
			Items:       items,
			TotalAmount: entity.OrderTotal(items),
			CreatedAt:   placed,
			UpdatedAt:   now,
		}
		o.UserID, _ = req.Payload.String(entity.FieldUserID)
		o.LocationID, _ = req.Payload.String(entity.FieldLocationID)
		e := o.Entity()
		for _, extra := range []string{"notes", "promo", "delivery_fee", "discount"} {
			if v, ok := req.Payload[extra]; ok {
				e.Fields[extra] = entity.CloneValue(v)
			}
		}
		return e, nil
	}

	if current == nil {
		return entity.Entity{}, Errorf(CodeNotFound, "order %s", req.EntityID)
	}
	next := current.Clone()
	next.Version++
	next.UpdatedAt = now

	switch req.Op {
	case OpCancelOrder:
		if entity.OrderTerminal(current.Status) {
			return entity.Entity{}, Errorf(CodeConflict, "order %s is already %s", current.ID, current.Status)
		}
		next.Status = entity.OrderCancelled
		if reason, ok := req.Payload.String("reason"); ok {
			next.Fields["cancel_reason"] = entity.String(reason)
		}
	case OpSetStatus:
		raw, _ := req.Payload.String(entity.StatusField)
		to, err := entity.NormalizeOrderStatus(entity.Status(raw))
		if err != nil {
			return entity.Entity{}, Wrap(CodeValidation, "invalid status", err)
		}
		if !entity.CanTransition(current.Status, to) {
			return entity.Entity{}, Errorf(CodeConflict, "order %s cannot move from %s to %s", current.ID, current.Status, to)
		}
		next.Status = to
		if eta, ok := req.Payload.String(entity.FieldEstimatedTime); ok {
			next.Fields[entity.FieldEstimatedTime] = entity.String(eta)
		}
	default:
		return entity.Entity{}, Errorf(CodeValidation, "operation %q is not supported for orders", req.Op)
	}
	return next, nil
}

// placedAt returns the client's creation time from a create payload. A
// missing value, or one later than now, is replaced by now.
func placedAt(payload entity.Fields, now time.Time) (time.Time, error) {
	raw, ok := payload.String(entity.FieldCreatedAt)
	if !ok {
		return now, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, Wrap(CodeValidation, "invalid created_at", err)
	}
	if t.After(now) {
		return now, nil
	}
	return t.UTC(), nil
}

func applyPost(current *entity.Entity, req Request, now time.Time) (entity.Entity, error) {
	if current == nil {
		return entity.Entity{}, Errorf(CodeNotFound, "post %s", req.EntityID)
	}
	next := current.Clone()
	if next.Fields == nil {
		next.Fields = entity.Fields{}
	}
	var d entity.Delta
	switch req.Op {
	case OpLike:
		d = entity.LikeDelta(1)
	case OpUnlike:
		if n, _ := current.Fields.Int(entity.FieldLikeCount); n <= 0 {
			return entity.Entity{}, Errorf(CodeConflict, "post %s has no likes", current.ID)
		}
		d = entity.LikeDelta(-1)
	case OpComment:
		d = entity.CommentDelta()
	default:
		return entity.Entity{}, Errorf(CodeValidation, "operation %q is not supported for posts", req.Op)
	}
	out := d.Apply(&next)
	out.Version++
	out.UpdatedAt = now
	return *out, nil
}

func applyMembership(current *entity.Entity, req Request, now time.Time) (entity.Entity, error) {
	switch req.Op {
	case OpJoin:
		m := entity.Membership{ID: req.EntityID, Status: entity.MembershipActive, IsActive: true}
		m.UserID, _ = req.Payload.String(entity.FieldUserID)
		m.LocationID, _ = req.Payload.String(entity.FieldLocationID)
		if current != nil {
			existing, err := entity.MembershipFrom(*current)
			if err != nil {
				return entity.Entity{}, Wrap(CodeInternal, "decode membership", err)
			}
			if existing.Status == entity.MembershipSuspended {
				return entity.Entity{}, Errorf(CodePermission, "membership %s is suspended", current.ID)
			}
			m.Version = current.Version
		}
		e := m.Entity()
		e.Version++
		e.UpdatedAt = now
		e.CreatedAt = now
		if current != nil {
			e.CreatedAt = current.CreatedAt
		}
		return e, nil
	case OpLeave:
		if current == nil {
			return entity.Entity{}, Errorf(CodeNotFound, "membership %s", req.EntityID)
		}
		next := current.Clone()
		next.Version++
		next.UpdatedAt = now
		next.Status = entity.MembershipInactive
		next.Fields[entity.FieldIsActive] = entity.Bool(false)
		return next, nil
	default:
		return entity.Entity{}, Errorf(CodeValidation, "operation %q is not supported for memberships", req.Op)
	}
}
