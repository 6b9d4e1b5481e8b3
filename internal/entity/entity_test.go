package entity

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)

func testOrder(id string, version int64, status Status) Entity {
	return Order{
		ID:          id,
		Version:     version,
		Status:      status,
		UserID:      "u-1",
		LocationID:  "loc-1",
		Items:       []OrderItem{{ItemID: "A", Qty: 2, UnitPrice: 500}, {ItemID: "B", Qty: 1, UnitPrice: 300}},
		TotalAmount: 1300,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}.Entity()
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"order", KindOrder},
		{"Orders", KindOrder},
		{"videos", KindPost},
		{"wolfpack_memberships", KindMembership},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := ParseKind("menu_items")
	assert.Error(t, err)
}

func TestOrder_RoundTrip(t *testing.T) {
	e := testOrder("o-1", 3, OrderPending)
	o, err := OrderFrom(e)
	require.NoError(t, err)

	assert.Equal(t, int64(1300), o.TotalAmount)
	assert.Equal(t, int64(1300), OrderTotal(o.Items))
	assert.Equal(t, "u-1", o.UserID)
	assert.True(t, o.Entity().Equal(e))
}

func TestOrder_DeliveredIsCompleted(t *testing.T) {
	e := testOrder("o-1", 1, "delivered")
	o, err := OrderFrom(e)
	require.NoError(t, err)
	assert.Equal(t, OrderCompleted, o.Status)
}

func TestOrder_UnknownStatusRejected(t *testing.T) {
	e := testOrder("o-1", 1, "teleported")
	assert.Error(t, Validate(e))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(OrderPending, OrderPreparing))
	assert.True(t, CanTransition(OrderPreparing, OrderReady))
	assert.True(t, CanTransition(OrderReady, OrderCompleted))
	assert.True(t, CanTransition(OrderPreparing, OrderCancelled))

	assert.False(t, CanTransition(OrderPending, OrderReady))
	assert.False(t, CanTransition(OrderCompleted, OrderCancelled))
	assert.False(t, CanTransition(OrderCancelled, OrderPending))
	assert.False(t, CanTransition(OrderReady, OrderReady))
}

func TestValidateItems(t *testing.T) {
	assert.Error(t, ValidateItems(nil))
	assert.Error(t, ValidateItems([]OrderItem{{ItemID: "A", Qty: 0, UnitPrice: 100}}))
	assert.Error(t, ValidateItems([]OrderItem{{Qty: 1, UnitPrice: 100}}))
	assert.NoError(t, ValidateItems([]OrderItem{{ItemID: "A", Qty: 1, UnitPrice: 0}}))
}

func TestMembership_ActiveFlagRequiresActiveStatus(t *testing.T) {
	m := Membership{ID: "m-1", Version: 1, Status: MembershipSuspended, IsActive: true}
	assert.Error(t, Validate(m.Entity()))

	m.Status = MembershipActive
	assert.NoError(t, Validate(m.Entity()))

	// Active status with the flag still catching up is allowed.
	m.IsActive = false
	assert.NoError(t, Validate(m.Entity()))
}

func TestPost_Counters(t *testing.T) {
	p := Post{ID: "p-1", Version: 4, AuthorID: "u-9", LikeCount: 10, CommentCount: 2, CreatedAt: t0}
	e := p.Entity()

	liked := LikeDelta(1).Apply(&e)
	require.NotNil(t, liked)
	got, err := PostFrom(*liked)
	require.NoError(t, err)
	assert.Equal(t, int64(11), got.LikeCount)
	assert.Equal(t, int64(10), p.LikeCount, "base must not be modified")
}

func TestEntity_JSON(t *testing.T) {
	e := testOrder("o-1", 2, OrderReady)
	data, err := json.Marshal(e)
	require.NoError(t, err)

	var back Entity
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Equal(e), "got %+v", back)
}

func TestEntity_JSONRejectsFloatFields(t *testing.T) {
	var e Entity
	err := json.Unmarshal([]byte(`{"kind":"post","id":"p","version":1,"fields":{"like_count":1.5}}`), &e)
	assert.Error(t, err)
}
