// Package resource provides the tagged resource value exchanged between the
// local repositories, the synchronization queues and the remote server.
//
// This package contains type definitions and small helpers only. All other
// internal packages may import resource; resource imports nothing internal.
//
// Key design constraints:
//   - Resources are addressed by (Type, Key); Key is unique across types
//   - Body is opaque JSON, never interpreted by the sync engine
//   - Relationships are the only structure the engine walks (bundling)
//   - All JSON tags use snake_case
package resource
