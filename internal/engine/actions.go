package engine

import (
	"context"
	"time"

	"github.com/roach88/wolfpack/internal/cart"
	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
)

// SubmitOrder checks out a cart. The order appears immediately as a pending
// pseudo-order whose id is generated here and reused as the idempotency
// key, so a retried submission can never create a second order. The
// pseudo-order's creation time is sent along and kept by the server, so
// confirming it does not move the order in a newest-first feed.
func (e *Engine) SubmitOrder(ctx context.Context, userID, locationID string, c cart.State) (Result, error) {
	payload, err := c.Checkout(userID, locationID)
	if err != nil {
		return Result{}, &Error{Code: ErrCodeInvalid, Message: "checkout", Err: err}
	}
	id := e.ids.Generate()
	now := e.clock.Now().UTC()
	payload[entity.FieldCreatedAt] = entity.String(now.Format(time.RFC3339Nano))
	pseudo := entity.Order{
		ID:          id,
		Status:      entity.OrderPending,
		UserID:      userID,
		LocationID:  locationID,
		Items:       c.OrderItems(),
		TotalAmount: c.Subtotal(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}.Entity()
	return e.SubmitMutation(ctx, Mutation{
		MutationID: id,
		Kind:       entity.KindOrder,
		EntityID:   id,
		Op:         persist.OpCreateOrder,
		Payload:    payload,
		Forward:    entity.Delta{Create: &pseudo},
	})
}

// CancelOrder asks the server to cancel an order. The view is flagged as
// cancel-requested until the server answers with a status.
func (e *Engine) CancelOrder(ctx context.Context, orderID, reason string) (Result, error) {
	payload := entity.Fields{}
	if reason != "" {
		payload["reason"] = entity.String(reason)
	}
	return e.SubmitMutation(ctx, Mutation{
		Kind:     entity.KindOrder,
		EntityID: orderID,
		Op:       persist.OpCancelOrder,
		Payload:  payload,
		Forward:  entity.Delta{Ops: []entity.FieldOp{entity.Set(entity.FieldCancelRequested, entity.Bool(true))}},
	})
}

// SetOrderStatus is the staff operation advancing an order. Status is
// server-owned, so nothing changes on screen until the server answers.
func (e *Engine) SetOrderStatus(ctx context.Context, orderID string, status entity.Status) (Result, error) {
	return e.SubmitMutation(ctx, Mutation{
		Kind:     entity.KindOrder,
		EntityID: orderID,
		Op:       persist.OpSetStatus,
		Payload:  entity.Fields{entity.StatusField: entity.String(status)},
	})
}

// Like adds a like to a post.
func (e *Engine) Like(ctx context.Context, postID string) (Result, error) {
	return e.SubmitMutation(ctx, Mutation{
		Kind:     entity.KindPost,
		EntityID: postID,
		Op:       persist.OpLike,
		Forward:  entity.LikeDelta(1),
	})
}

// Unlike removes a like from a post.
func (e *Engine) Unlike(ctx context.Context, postID string) (Result, error) {
	return e.SubmitMutation(ctx, Mutation{
		Kind:     entity.KindPost,
		EntityID: postID,
		Op:       persist.OpUnlike,
		Forward:  entity.LikeDelta(-1),
	})
}

// Comment adds a comment to a post. Only the counter is optimistic.
func (e *Engine) Comment(ctx context.Context, postID, userID, body string) (Result, error) {
	payload := entity.Fields{"body": entity.String(body)}
	if userID != "" {
		payload[entity.FieldUserID] = entity.String(userID)
	}
	return e.SubmitMutation(ctx, Mutation{
		Kind:     entity.KindPost,
		EntityID: postID,
		Op:       persist.OpComment,
		Payload:  payload,
		Forward:  entity.CommentDelta(),
	})
}

// Join activates a wolfpack membership, creating it if needed.
func (e *Engine) Join(ctx context.Context, membershipID, userID, locationID string) (Result, error) {
	pseudo := entity.Membership{
		ID:         membershipID,
		UserID:     userID,
		LocationID: locationID,
		Status:     entity.MembershipInactive,
	}.Entity()
	return e.SubmitMutation(ctx, Mutation{
		Kind:     entity.KindMembership,
		EntityID: membershipID,
		Op:       persist.OpJoin,
		Payload: entity.Fields{
			entity.FieldUserID:     entity.String(userID),
			entity.FieldLocationID: entity.String(locationID),
		},
		Forward: entity.Delta{
			Create: &pseudo,
			Ops: []entity.FieldOp{
				entity.SetStatus(entity.MembershipActive),
				entity.Set(entity.FieldIsActive, entity.Bool(true)),
			},
		},
	})
}

// Leave deactivates a wolfpack membership.
func (e *Engine) Leave(ctx context.Context, membershipID string) (Result, error) {
	return e.SubmitMutation(ctx, Mutation{
		Kind:     entity.KindMembership,
		EntityID: membershipID,
		Op:       persist.OpLeave,
		Forward: entity.Delta{Ops: []entity.FieldOp{
			entity.Set(entity.FieldIsActive, entity.Bool(false)),
			entity.SetStatus(entity.MembershipInactive),
		}},
	})
}
