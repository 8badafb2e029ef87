// Package store provides the SQLite operation journal.
//
// The journal holds:
//   - Operations: one row per operation, upserted from PENDING to its
//     terminal status
//   - Cart errors: one row per terminal failure
//   - Snapshots: the last server-confirmed cart per cart ID, as JSON
//
// # Critical Patterns
//
// Logical ordering:
//   - Rows are ordered by seq (submission order), NEVER timestamps
//   - All listings use ORDER BY seq ASC, id ASC COLLATE BINARY
//
// Monotonic status:
//   - A terminal row is never moved back to PENDING, so late or duplicate
//     writes are harmless
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: error rows must reference a journaled operation
//
// Store implements engine.Journal.
package store
