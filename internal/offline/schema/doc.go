// Package schema defines the records exchanged between the offline sync
// components.
//
// # Records
//
//   - MutationRecord: one pending local write, keyed by a client-generated
//     idempotency key that stays stable across retries.
//   - EntitySnapshot: the last known full state of an entity together with the
//     backend revision it corresponds to.
//   - ConflictRecord: produced when a mutation's base revision no longer matches
//     the backend's current revision.
//   - CacheEntry: a cached read result keyed by entity type and id or query.
//
// Entities are opaque to this package. Field values are held in Fields, a
// plain map decoded from JSON, so that business types stay outside the sync
// core.
//
// # Revisions
//
// Revisions are int64 counters assigned by the backend, starting at 1. A base
// revision of 0 means "no revision known", which is what a create carries.
package schema
