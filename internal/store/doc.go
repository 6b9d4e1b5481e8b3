// Package store is the in-memory entity cache that every view renders from.
//
// Each record holds two images of an entity:
//   - the base: the last server-confirmed value, written only through the
//     version gate in Upsert and Remove
//   - the view: the base with any unconfirmed optimistic deltas composed on
//     top by the registered Projector
//
// The version gate makes merges idempotent and order-independent:
//   - a strictly newer version always wins
//   - an equal version is applied only when its origin ranks at least as
//     high as the stored origin (server > poll > none) and its content differs
//   - a deleted id keeps a tombstone, and only a strictly newer version can
//     bring it back
//
// Writes are stamped by a logical Clock. Resync uses the stamp to avoid
// pruning records written after the resync request was issued.
//
// The store is guarded by a mutex and is safe for concurrent use. Change
// listeners run after the lock is released, in the writer's goroutine.
package store
