// Package sqlite is the reference persistence backend.
//
// It stores the current version of every entity, a record of every applied
// mutation keyed by mutation id, an append-only change log and the device
// tokens used for notifications.
//
// # Guarantees
//
//   - Idempotency: a mutation id is applied at most once. Resubmitting it
//     returns the stored result without writing.
//   - Versions: every write increments the entity version by one inside the
//     same transaction that records the change.
//   - Ordering: commit listeners observe changes in change-log order.
//   - Feed order: collections are read ordered by created_at DESC, id ASC.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package sqlite
