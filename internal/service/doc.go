// Package service orchestrates synchronization between the local queues and
// the remote server.
//
// # Directions
//
// Pull resolves the subscriptions due for a trigger, pages each one from the
// remote into the incoming queue and then drains incoming into the local
// repositories. Paging progress is checkpointed in the sync log so an
// interrupted pull resumes at its last page.
//
// Push drains every LocalToUpstream queue concurrently. Each entry's
// operation maps to the matching remote call on the queue's endpoint. Retry
// entries are first expanded with dependencies that exist locally but not
// yet on the remote, so the server never sees a dangling reference.
//
// # Exclusion
//
// Each direction has its own non-reentrant gate acquired with a short
// timeout. A trigger that cannot acquire the gate is dropped, not queued.
// Pull and Push return immediately after scheduling work on the pool;
// RunPull and RunPush run synchronously.
//
// # Failure handling
//
//   - transient remote failures requeue the entry at the head with an
//     incremented retry counter and stop the drain; past MaxRetries the
//     entry is dead-lettered
//   - not-found on an obsolete is dropped
//   - any other failure is dead-lettered by the pump
//
// Completion listeners fire after every run, whether or not some entries
// failed. Failures are visible in the dead-letter queue.
package service
