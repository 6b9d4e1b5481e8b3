// Package entity defines the data model shared by every part of the sync engine.
//
// An Entity is a generic, versioned record (an order, a feed post or a wolfpack
// membership). Canonical entities are owned by the store; optimistic shadows are
// expressed as Deltas composed on top of them and never persisted.
//
// # Values
//
// Entity fields are constrained to the sealed Value types: Null, String, Int,
// Bool, List and Object. There is deliberately no float type: money is stored
// as integer cents, which keeps totals exact and fingerprints deterministic.
//
// # Change events
//
// ChangeEvent is the single closed shape that push transports normalize into.
// Nothing past the push boundary inspects transport-specific payloads.
//
// # Fingerprints
//
// Fingerprint hashes the canonical JSON form of an entity (sorted keys, NFC
// strings, no HTML escaping) so that two entities with the same content always
// produce the same identity regardless of map iteration order.
package entity
