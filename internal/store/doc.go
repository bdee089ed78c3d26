// Package store provides the SQLite database shared by the local agent.
//
// The database hosts:
//   - Queue records, index and id high-water marks (sqlite queue backend)
//   - Payload blobs referenced by queue entries
//   - The synchronization log and resumable query state
//   - Resources persisted by store-backed repositories
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as Unix nanoseconds (INTEGER) in UTC.
package store
