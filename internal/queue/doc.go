// Package queue implements the durable synchronization queues.
//
// A Queue is a named, typed FIFO of Entries. Each entry is made of three
// independently persisted parts:
//
//   - a payload blob (the resource itself, addressed by DataFileKey)
//   - a backing record (entry metadata, keyed by a queue-scoped integer id)
//   - a position in the queue index (an ordered list of ids)
//
// # Durability
//
// Enqueue writes the blob first, then the record, then appends to the index
// and persists it. A crash at any point leaves either nothing new visible or
// a fully visible entry. The index is authoritative for ordering; an indexed
// id whose record is missing is treated as already consumed and skipped.
//
// # Concurrency
//
// Structural mutations (enqueue, dequeue, index rewrite) serialize on one
// writer lock per queue. Peek takes the read lock and only upgrades to the
// writer lock when it has to discard a stale head. The lock is never held
// across anything but local I/O.
//
// # Corruption
//
// An indexed id < 1 cannot have been produced by this package. It is
// reported as an *Error with CodeIndexCorrupted and an OnCorrupted event;
// the queue is never silently treated as empty. Repair removes such ids.
//
// # Storage engines
//
// Backend abstracts where records and the index live. FileBackend keeps a
// JSON index snapshot and one file per record; SQLiteBackend keeps rows in
// the shared local database. Both carry the same entry shape.
package queue
