// Package store is the entity store handle of datakit.
//
// A Coordinator owns zero or more attached backing stores and is the single
// upstream of every root context. Backing stores come in three flavors:
//
//   - memory: copy-on-write maps, for tests and in-memory stacks
//   - sqlite: a database file opened through mattn/go-sqlite3
//   - postgres: a database reached through the pgx database/sql driver
//
// # Identity
//
// Every backing store carries a store identifier, minted when the store is
// first created and persisted in its metadata table. Permanent object
// identities embed that identifier, so updates and deletes route to the
// store that holds the object. New objects go to the primary store, which is
// the first one attached.
//
// # Model compatibility
//
// The metadata table also records the hash of the model the store was last
// opened with. Attaching with a different model fails with an
// IncompatibleModel error unless the caller asked for automigration (the new
// hash is recorded) or for deletion on mismatch (the store is wiped).
//
// # Commits
//
// Commit applies a change set atomically per backing store. Commits are
// serialized by the coordinator and stamped with a logical sequence number,
// never a wall-clock timestamp. Queries read records ordered by
// seq ASC, id ASC so results are deterministic.
//
// # Database Configuration (sqlite)
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
