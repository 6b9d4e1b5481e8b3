package persist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wolfpack/internal/entity"
)

var applyNow = time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)

func createdOrder(t *testing.T) entity.Entity {
	t.Helper()
	e, err := Apply(nil, createOrderRequest(), applyNow)
	require.NoError(t, err)
	return e
}

func TestApply_CreateOrderComputesTotal(t *testing.T) {
	e := createdOrder(t)

	assert.Equal(t, int64(1), e.Version)
	assert.Equal(t, entity.OrderPending, e.Status)
	assert.Equal(t, applyNow, e.CreatedAt)
	total, _ := e.Fields.Int(entity.FieldTotalAmount)
	assert.Equal(t, int64(1300), total)
	user, _ := e.Fields.String(entity.FieldUserID)
	assert.Equal(t, "u-1", user)
}

func TestApply_CreateOrderKeepsClientCreationTime(t *testing.T) {
	placed := applyNow.Add(-1500 * time.Millisecond)
	req := createOrderRequest()
	req.Payload[entity.FieldCreatedAt] = entity.String(placed.Format(time.RFC3339Nano))

	e, err := Apply(nil, req, applyNow)
	require.NoError(t, err)
	assert.True(t, placed.Equal(e.CreatedAt), "got %s", e.CreatedAt)
	assert.Equal(t, applyNow, e.UpdatedAt)
	_, leaked := e.Fields[entity.FieldCreatedAt]
	assert.False(t, leaked)

	req.Payload[entity.FieldCreatedAt] = entity.String(applyNow.Add(time.Hour).Format(time.RFC3339Nano))
	e, err = Apply(nil, req, applyNow)
	require.NoError(t, err)
	assert.Equal(t, applyNow, e.CreatedAt, "a future client time is clamped")

	req.Payload[entity.FieldCreatedAt] = entity.String("yesterday")
	_, err = Apply(nil, req, applyNow)
	assert.True(t, IsValidation(err), "got %v", err)
}

func TestApply_CreateExistingOrderConflicts(t *testing.T) {
	e := createdOrder(t)
	_, err := Apply(&e, createOrderRequest(), applyNow)
	assert.True(t, IsConflict(err))
}

func TestApply_CancelOrder(t *testing.T) {
	e := createdOrder(t)
	req := Request{MutationID: "m-2", Kind: entity.KindOrder, Op: OpCancelOrder, EntityID: "o-1",
		Payload: entity.Fields{"reason": entity.String("changed my mind")}}

	next, err := Apply(&e, req, applyNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, entity.OrderCancelled, next.Status)
	assert.Equal(t, int64(2), next.Version)
	assert.Equal(t, applyNow.Add(time.Minute), next.UpdatedAt)
	assert.Equal(t, entity.OrderPending, e.Status, "input must not be modified")

	_, err = Apply(&next, req, applyNow)
	assert.True(t, IsConflict(err), "cancelling a cancelled order")
}

func TestApply_SetStatusFollowsLifecycle(t *testing.T) {
	e := createdOrder(t)
	set := func(cur entity.Entity, s string) (entity.Entity, error) {
		return Apply(&cur, Request{MutationID: "m-s", Kind: entity.KindOrder, Op: OpSetStatus, EntityID: "o-1",
			Payload: entity.Fields{"status": entity.String(s)}}, applyNow)
	}

	_, err := set(e, "ready")
	assert.True(t, IsConflict(err), "pending cannot skip to ready")

	prep, err := set(e, "preparing")
	require.NoError(t, err)
	ready, err := set(prep, "ready")
	require.NoError(t, err)
	done, err := set(ready, "delivered")
	require.NoError(t, err)
	assert.Equal(t, entity.OrderCompleted, done.Status)
	assert.Equal(t, int64(4), done.Version)
}

func TestApply_MissingOrderIsNotFound(t *testing.T) {
	_, err := Apply(nil, Request{MutationID: "m-1", Kind: entity.KindOrder, Op: OpCancelOrder, EntityID: "nope"}, applyNow)
	assert.True(t, IsNotFound(err))
}

func TestApply_PostCounters(t *testing.T) {
	post := entity.Post{ID: "p-1", Version: 3, AuthorID: "u-2", LikeCount: 0, CreatedAt: applyNow}.Entity()

	_, err := Apply(&post, Request{MutationID: "m-1", Kind: entity.KindPost, Op: OpUnlike, EntityID: "p-1"}, applyNow)
	assert.True(t, IsConflict(err), "like count cannot go negative")

	liked, err := Apply(&post, Request{MutationID: "m-2", Kind: entity.KindPost, Op: OpLike, EntityID: "p-1"}, applyNow)
	require.NoError(t, err)
	n, _ := liked.Fields.Int(entity.FieldLikeCount)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, int64(4), liked.Version)

	commented, err := Apply(&liked, Request{MutationID: "m-3", Kind: entity.KindPost, Op: OpComment, EntityID: "p-1"}, applyNow)
	require.NoError(t, err)
	c, _ := commented.Fields.Int(entity.FieldCommentCount)
	assert.Equal(t, int64(1), c)
}

func TestApply_MembershipJoinAndLeave(t *testing.T) {
	join := Request{MutationID: "m-1", Kind: entity.KindMembership, Op: OpJoin, EntityID: "w-1",
		Payload: entity.Fields{"user_id": entity.String("u-1"), "location_id": entity.String("loc-1")}}

	joined, err := Apply(nil, join, applyNow)
	require.NoError(t, err)
	m, err := entity.MembershipFrom(joined)
	require.NoError(t, err)
	assert.True(t, m.IsActive)
	assert.Equal(t, int64(1), m.Version)

	left, err := Apply(&joined, Request{MutationID: "m-2", Kind: entity.KindMembership, Op: OpLeave, EntityID: "w-1"}, applyNow)
	require.NoError(t, err)
	m, err = entity.MembershipFrom(left)
	require.NoError(t, err)
	assert.False(t, m.IsActive)
	assert.Equal(t, entity.MembershipInactive, m.Status)
	require.NoError(t, m.Validate())

	suspended := left.Clone()
	suspended.Status = entity.MembershipSuspended
	_, err = Apply(&suspended, join, applyNow)
	assert.Equal(t, CodePermission, CodeOf(err))
}
