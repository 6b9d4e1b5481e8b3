package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/wolfpack/internal/entity"
	"github.com/roach88/wolfpack/internal/persist"
)

var t0 = time.Date(2026, 3, 14, 13, 0, 0, 0, time.UTC)

// createTestStore creates a store in a temporary directory whose clock
// reads *now.
func createTestStore(t *testing.T, now *time.Time) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithNow(func() time.Time { return *now }))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func orderRequest(mutationID, orderID string) persist.Request {
	return persist.Request{
		MutationID: mutationID,
		Kind:       entity.KindOrder,
		Op:         persist.OpCreateOrder,
		EntityID:   orderID,
		Payload: entity.Fields{
			"user_id":     entity.String("u-1"),
			"location_id": entity.String("loc-1"),
			"items": entity.ItemsValue([]entity.OrderItem{
				{ItemID: "A", Qty: 2, UnitPrice: 450},
				{ItemID: "B", Qty: 1, UnitPrice: 400},
			}),
		},
	}
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "database file was not created")
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "Open() iteration %d", i)
		require.NoError(t, s.Close())
	}

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	for _, table := range []string{"entities", "mutations", "changes", "devices"} {
		var name string
		err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		assert.NoError(t, err, "table %q not found", table)
	}
}

func TestOpen_PragmasAndVersion(t *testing.T) {
	now := t0
	s := createTestStore(t, &now)
	ctx := context.Background()

	assert.NoError(t, s.verifyPragma(ctx, "journal_mode", "wal"))
	assert.NoError(t, s.verifyPragma(ctx, "foreign_keys", "1"))
	assert.NoError(t, s.verifyPragma(ctx, "user_version", "1"))

	var name string
	err := s.db.QueryRow("SELECT name FROM sqlite_master WHERE type='index' AND name='idx_changes_entity'").Scan(&name)
	assert.NoError(t, err)
}

func TestStore_CreateOrderComputesTotal(t *testing.T) {
	now := t0
	s := createTestStore(t, &now)

	got, err := s.CreateMutation(context.Background(), orderRequest("m-1", "o-1"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, entity.OrderPending, got.Status)
	assert.Equal(t, t0, got.CreatedAt)
	total, _ := got.Fields.Int(entity.FieldTotalAmount)
	assert.Equal(t, int64(1300), total)

	stored, err := s.Get(context.Background(), entity.KindOrder, "o-1")
	require.NoError(t, err)
	assert.True(t, got.Equal(stored), "stored %+v", stored)
}

func TestStore_CreateMutationIsIdempotent(t *testing.T) {
	now := t0
	s := createTestStore(t, &now)
	ctx := context.Background()
	var commits []persist.Commit
	s.OnCommit(func(c persist.Commit) { commits = append(commits, c) })

	first, err := s.CreateMutation(ctx, orderRequest("m-1", "o-1"))
	require.NoError(t, err)
	now = t0.Add(time.Minute)
	again, err := s.CreateMutation(ctx, orderRequest("m-1", "o-1"))
	require.NoError(t, err)

	assert.True(t, first.Equal(again))
	require.Len(t, commits, 1)
	assert.Equal(t, entity.OpInsert, commits[0].Op)
	assert.Equal(t, "m-1", commits[0].MutationID)

	changes, err := s.Changes(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestStore_UpdatesBumpVersion(t *testing.T) {
	now := t0
	s := createTestStore(t, &now)
	ctx := context.Background()
	_, err := s.Put(ctx, entity.Post{ID: "p-1", LikeCount: 3, CreatedAt: t0}.Entity())
	require.NoError(t, err)

	now = t0.Add(time.Second)
	liked, err := s.CreateMutation(ctx, persist.Request{MutationID: "m-1", Kind: entity.KindPost, Op: persist.OpLike, EntityID: "p-1"})
	require.NoError(t, err)

	n, _ := liked.Fields.Int(entity.FieldLikeCount)
	assert.Equal(t, int64(4), n)
	assert.Equal(t, int64(2), liked.Version)
	assert.Equal(t, t0, liked.CreatedAt)
	assert.Equal(t, now, liked.UpdatedAt)
}

func TestStore_BusinessRuleErrors(t *testing.T) {
	now := t0
	s := createTestStore(t, &now)
	ctx := context.Background()

	_, err := s.CreateMutation(ctx, persist.Request{MutationID: "m-1", Kind: entity.KindPost, Op: persist.OpLike, EntityID: "missing"})
	assert.True(t, persist.IsNotFound(err), "got %v", err)

	_, err = s.CreateMutation(ctx, orderRequest("m-2", "o-1"))
	require.NoError(t, err)
	_, err = s.CreateMutation(ctx, orderRequest("m-3", "o-1"))
	assert.True(t, persist.IsConflict(err), "got %v", err)

	bad := orderRequest("m-4", "o-2")
	delete(bad.Payload, "items")
	_, err = s.CreateMutation(ctx, bad)
	assert.True(t, persist.IsValidation(err), "got %v", err)

	// Failed mutations leave no trace.
	changes, err := s.Changes(ctx, 0, 10)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestStore_FetchCollectionPagesInFeedOrder(t *testing.T) {
	now := t0
	s := createTestStore(t, &now)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		o := entity.Order{
			ID:         id,
			Status:     entity.OrderPending,
			UserID:     "u-1",
			LocationID: "loc-1",
			CreatedAt:  t0.Add(time.Duration(i/2) * time.Minute),
		}
		if id == "e" {
			o.LocationID = "loc-2"
		}
		_, err := s.Put(ctx, o.Entity())
		require.NoError(t, err)
	}

	var ids []string
	cursor := ""
	for pages := 0; pages < 5; pages++ {
		page, err := s.FetchCollection(ctx, entity.KindOrder, entity.Filter{"location_id": "loc-1"}, cursor, 2)
		require.NoError(t, err)
		for _, e := range page.Items {
			ids = append(ids, e.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, []string{"c", "d", "a", "b"}, ids)

	page, err := s.FetchCollection(ctx, entity.KindOrder, entity.Filter{"status": "pending", "id": "e"}, "", 10)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Empty(t, page.NextCursor)
}

func TestStore_FetchCollectionRejectsBadInput(t *testing.T) {
	now := t0
	s := createTestStore(t, &now)
	ctx := context.Background()

	_, err := s.FetchCollection(ctx, entity.KindOrder, nil, "", 0)
	assert.True(t, persist.IsValidation(err))
	_, err = s.FetchCollection(ctx, entity.KindOrder, entity.Filter{"x') OR 1=1 --": "y"}, "", 10)
	assert.True(t, persist.IsValidation(err))
	_, err = s.FetchCollection(ctx, entity.KindOrder, nil, "%%%", 10)
	assert.True(t, persist.IsValidation(err))
}

func TestStore_DeleteRecordsChange(t *testing.T) {
	now := t0
	s := createTestStore(t, &now)
	ctx := context.Background()
	var commits []persist.Commit
	s.OnCommit(func(c persist.Commit) { commits = append(commits, c) })

	_, err := s.Put(ctx, entity.Post{ID: "p-1", CreatedAt: t0}.Entity())
	require.NoError(t, err)
	ok, err := s.Delete(ctx, entity.KindPost, "p-1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Delete(ctx, entity.KindPost, "p-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, entity.KindPost, "p-1")
	assert.ErrorIs(t, err, persist.ErrNotFound)

	require.Len(t, commits, 2)
	assert.Equal(t, entity.OpDelete, commits[1].Op)
	assert.Equal(t, "p-1", commits[1].Subject().ID)

	changes, err := s.Changes(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, int64(2), changes[0].Seq)
	assert.Equal(t, entity.OpDelete, changes[0].Op)
	assert.Nil(t, changes[0].After)
	require.NotNil(t, changes[0].Before)
	assert.Equal(t, int64(1), changes[0].Before.Version)
}

func TestStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, WithNow(func() time.Time { return t0 }))
	require.NoError(t, err)
	_, err = s.CreateMutation(context.Background(), orderRequest("m-1", "o-1"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(context.Background(), entity.KindOrder, "o-1")
	require.NoError(t, err)
	assert.Equal(t, t0, got.CreatedAt)

	// The mutation record survives, so a late retry is still deduplicated.
	again, err := s.CreateMutation(context.Background(), orderRequest("m-1", "o-1"))
	require.NoError(t, err)
	assert.True(t, got.Equal(again))
}

func TestStore_Devices(t *testing.T) {
	now := t0
	s := createTestStore(t, &now)
	ctx := context.Background()

	require.NoError(t, s.RegisterDevice(ctx, persist.Device{UserID: "u-1", Token: "tok-b", Platform: "web"}))
	require.NoError(t, s.RegisterDevice(ctx, persist.Device{UserID: "u-1", Token: "tok-a"}))
	require.NoError(t, s.RegisterDevice(ctx, persist.Device{UserID: "u-2", Token: "tok-c"}))
	assert.True(t, persist.IsValidation(s.RegisterDevice(ctx, persist.Device{Token: "x"})))

	got, err := s.Devices(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "tok-a", got[0].Token)
	assert.Equal(t, "web", got[1].Platform)
	assert.Equal(t, t0, got[1].RegisteredAt)

	// Moving a token to another user.
	require.NoError(t, s.RegisterDevice(ctx, persist.Device{UserID: "u-2", Token: "tok-a"}))
	require.NoError(t, s.UnregisterDevice(ctx, "tok-b"))
	require.NoError(t, s.UnregisterDevice(ctx, "unknown"))
	got, err = s.Devices(ctx, "u-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
