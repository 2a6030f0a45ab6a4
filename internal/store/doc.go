// Package store provides key/value persistence for execution contexts.
//
// # Architecture
//
// Store is a small bucketed key/value interface. Values are JSON documents
// and buckets are a fixed set:
//
//   - jsonservers: directory entries as JSON
//   - htmlservers: directory entries rendered to HTML
//   - meta: bookkeeping (seeded_at and similar)
//   - panel: persisted panel state
//
// Two implementations exist:
//
//   - SQLiteStore: modernc.org/sqlite, used by shared contexts and the daemon
//   - MemoryStore: maps behind a RWMutex, used by private/direct contexts and tests
//
// # SQLite Configuration
//
// File databases run in WAL mode:
//
//	PRAGMA journal_mode=WAL;
//
// ":memory:" is pinned to a single connection so every query sees the same
// database.
//
// # Migrations
//
// createSchema builds the base kv table and runMigrations adds columns that
// older databases lack, checking pragma_table_info first.
//
// # Error Handling
//
//   - ErrNotFound: the key does not exist
//   - ErrUnknownBucket: the bucket is not one of the fixed set
package store
