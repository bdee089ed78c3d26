package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/medsync/internal/blob"
	"github.com/roach88/medsync/internal/resource"
)

// errMissing marks an indexed entry whose record or payload is gone.
var errMissing = errors.New("entry data missing")

// Interceptor inspects a pending entry before anything is persisted.
// Returning ErrEnqueueCancelled (or any error) vetoes the enqueue.
type Interceptor func(ctx context.Context, queue string, pending *Entry) error

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow overrides the clock used for CreatedAt.
func WithNow(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	retry      bool
	retryCount int
	front      bool
	origin     string
	tag        []byte
}

// WithRetry marks the entry as a retry with the given failure count.
func WithRetry(count int) EnqueueOption {
	return func(o *enqueueOptions) {
		o.retry = true
		o.retryCount = count
	}
}

// WithDeadLetter records the entry's provenance. Used when dead-lettering.
func WithDeadLetter(originalQueue string, tag []byte) EnqueueOption {
	return func(o *enqueueOptions) {
		o.origin = originalQueue
		o.tag = tag
	}
}

func atFront() EnqueueOption {
	return func(o *enqueueOptions) {
		o.front = true
	}
}

// Queue is a durable FIFO of entries. Safe for concurrent use.
type Queue struct {
	name    string
	pattern Pattern
	backend Backend
	blobs   blob.Store
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.RWMutex
	ids   []int64
	seq   *sequence
	dirty bool // in-memory index trimmed but not yet persisted

	hookMu       sync.RWMutex
	interceptors []Interceptor
	onEnqueued   []func(*Entry)
	onExhausted  []func(string)
	onCorrupted  []func(*Error)
}

// Open loads the queue's index from backend.
func Open(ctx context.Context, name string, pattern Pattern, backend Backend, blobs blob.Store, opts ...Option) (*Queue, error) {
	if name == "" {
		return nil, errors.New("queue name is empty")
	}
	if backend == nil || blobs == nil {
		return nil, fmt.Errorf("queue %s: backend and blob store are required", name)
	}
	q := &Queue{
		name:    name,
		pattern: pattern,
		backend: backend,
		blobs:   blobs,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("queue", name)

	state, err := backend.LoadIndex(ctx)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", name, err)
	}
	last := state.LastID
	for _, id := range state.IDs {
		last = max(last, id)
	}
	q.ids = state.IDs
	q.seq = newSequenceAt(last)
	return q, nil
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Pattern returns the queue's traffic pattern.
func (q *Queue) Pattern() Pattern {
	return q.pattern
}

// AddInterceptor registers an enqueue interceptor.
func (q *Queue) AddInterceptor(fn Interceptor) {
	q.hookMu.Lock()
	defer q.hookMu.Unlock()
	q.interceptors = append(q.interceptors, fn)
}

// OnEnqueued registers a listener fired after an entry is durable.
func (q *Queue) OnEnqueued(fn func(*Entry)) {
	q.hookMu.Lock()
	defer q.hookMu.Unlock()
	q.onEnqueued = append(q.onEnqueued, fn)
}

// OnExhausted registers a listener fired when Dequeue finds the queue empty.
func (q *Queue) OnExhausted(fn func(queue string)) {
	q.hookMu.Lock()
	defer q.hookMu.Unlock()
	q.onExhausted = append(q.onExhausted, fn)
}

// OnCorrupted registers a listener fired when an invalid index id is found.
func (q *Queue) OnCorrupted(fn func(*Error)) {
	q.hookMu.Lock()
	defer q.hookMu.Unlock()
	q.onCorrupted = append(q.onCorrupted, fn)
}

// Enqueue persists data as a new entry at the tail of the queue.
//
// Interceptors run first; a veto returns an error matching
// ErrEnqueueCancelled and persists nothing. Listeners fire after the
// index has been persisted.
func (q *Queue) Enqueue(ctx context.Context, data resource.Resource, op Operation, opts ...EnqueueOption) (*Entry, error) {
	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	if op == 0 {
		return nil, fmt.Errorf("enqueue %s: operation is required", q.name)
	}
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	entry := &Entry{
		CreatedAt:  q.now().UTC(),
		Type:       data.Type,
		Operation:  op,
		IsRetry:    o.retry,
		RetryCount: o.retryCount,
		Data:       &data,
	}
	if err := q.intercept(ctx, entry); err != nil {
		return nil, err
	}

	payload, err := resource.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	key, err := q.blobs.Put(ctx, payload)
	if err != nil {
		return nil, newPersistError(q.name, 0, "write payload", err)
	}
	entry.DataFileKey = key
	entry.ID = q.seq.Next()

	body, err := json.Marshal(record{Entry: *entry, OriginalQueue: o.origin, TagData: o.tag})
	if err != nil {
		q.discardBlob(key)
		return nil, fmt.Errorf("enqueue %s: encode record: %w", q.name, err)
	}
	if err := q.backend.PutRecord(ctx, entry.ID, body); err != nil {
		q.discardBlob(key)
		return nil, newPersistError(q.name, entry.ID, "write record", err)
	}

	q.mu.Lock()
	prev := q.ids
	if o.front {
		q.ids = append([]int64{entry.ID}, q.ids...)
	} else {
		q.ids = append(slices.Clip(q.ids), entry.ID)
	}
	if err := q.saveLocked(ctx); err != nil {
		q.ids = prev
		q.mu.Unlock()
		q.discard(entry.ID, key)
		return nil, newPersistError(q.name, entry.ID, "write index", err)
	}
	q.mu.Unlock()

	q.logger.Debug("entry enqueued", "id", entry.ID, "type", entry.Type, "operation", entry.Operation.String())
	q.fireEnqueued(entry)
	return entry, nil
}

// Requeue re-inserts a failed entry at the head of the queue with its
// retry count incremented. The returned entry has a new id.
func (q *Queue) Requeue(ctx context.Context, e *Entry) (*Entry, error) {
	if e == nil || e.Data == nil {
		return nil, fmt.Errorf("requeue %s: entry has no data", q.name)
	}
	return q.Enqueue(ctx, *e.Data, e.Operation, WithRetry(e.RetryCount+1), atFront())
}

// Peek returns the head entry without removing it, or nil when empty.
//
// A head whose record or payload is missing is dropped from the in-memory
// index; the trimmed index is persisted by the next mutation.
func (q *Queue) Peek(ctx context.Context) (*Entry, error) {
	for {
		q.mu.RLock()
		if len(q.ids) == 0 {
			q.mu.RUnlock()
			return nil, nil
		}
		id := q.ids[0]
		if id < 1 {
			q.mu.RUnlock()
			return nil, q.corrupted(0, id)
		}
		entry, _, err := q.load(ctx, id)
		q.mu.RUnlock()

		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, errMissing) {
			return nil, err
		}

		q.mu.Lock()
		if len(q.ids) > 0 && q.ids[0] == id {
			q.ids = q.ids[1:]
			q.dirty = true
			q.logger.Warn("skipping entry with missing data", "id", id)
		}
		q.mu.Unlock()
	}
}

// Dequeue removes and returns the head entry, or nil when empty.
//
// Indexed ids whose record is missing are skipped. An id < 1 returns a
// corruption error and leaves the index untouched.
func (q *Queue) Dequeue(ctx context.Context) (*Entry, error) {
	q.mu.Lock()
	for len(q.ids) > 0 {
		id := q.ids[0]
		if id < 1 {
			q.mu.Unlock()
			return nil, q.corrupted(0, id)
		}
		entry, _, err := q.load(ctx, id)
		if errors.Is(err, errMissing) {
			q.ids = q.ids[1:]
			q.dirty = true
			q.logger.Warn("skipping entry with missing data", "id", id)
			continue
		}
		if err != nil {
			q.mu.Unlock()
			return nil, err
		}

		prev := q.ids
		q.ids = q.ids[1:]
		if err := q.saveLocked(ctx); err != nil {
			q.ids = prev
			q.mu.Unlock()
			return nil, newPersistError(q.name, id, "write index", err)
		}
		q.mu.Unlock()

		q.discard(id, entry.DataFileKey)
		return entry, nil
	}

	if q.dirty {
		if err := q.saveLocked(ctx); err != nil {
			q.logger.Warn("failed to persist trimmed index", "error", err)
		}
	}
	q.mu.Unlock()

	q.fireExhausted()
	return nil, nil
}

// Get returns the entry with the given id, whether or not it is indexed.
func (q *Queue) Get(ctx context.Context, id int64) (*Entry, error) {
	entry, _, err := q.load(ctx, id)
	if errors.Is(err, errMissing) {
		return nil, fmt.Errorf("%w: %s/%d", ErrEntryNotFound, q.name, id)
	}
	return entry, err
}

// GetDeadLetter returns the entry with its dead-letter provenance.
func (q *Queue) GetDeadLetter(ctx context.Context, id int64) (*DeadLetterEntry, error) {
	entry, rec, err := q.load(ctx, id)
	if errors.Is(err, errMissing) {
		return nil, fmt.Errorf("%w: %s/%d", ErrEntryNotFound, q.name, id)
	}
	if err != nil {
		return nil, err
	}
	return &DeadLetterEntry{Entry: *entry, OriginalQueue: rec.OriginalQueue, TagData: rec.TagData}, nil
}

// Delete removes the backing record and payload of id. The index is not
// touched: an indexed id whose record is gone is skipped on dequeue.
func (q *Queue) Delete(ctx context.Context, id int64) error {
	rec, err := q.loadRecord(ctx, id)
	if errors.Is(err, errMissing) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := q.backend.DeleteRecord(ctx, id); err != nil {
		return err
	}
	return q.blobs.Delete(ctx, rec.DataFileKey)
}

// Remove takes id out of the index and deletes its record and payload.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	q.mu.Lock()
	pos := slices.Index(q.ids, id)
	if pos < 0 {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s/%d", ErrEntryNotFound, q.name, id)
	}
	prev := q.ids
	q.ids = slices.Delete(slices.Clone(q.ids), pos, pos+1)
	if err := q.saveLocked(ctx); err != nil {
		q.ids = prev
		q.mu.Unlock()
		return newPersistError(q.name, id, "write index", err)
	}
	q.mu.Unlock()
	return q.Delete(ctx, id)
}

// Repair drops invalid ids (< 1) from the index and persists it.
// Returns the number of ids removed.
func (q *Queue) Repair(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := make([]int64, 0, len(q.ids))
	for _, id := range q.ids {
		if id >= 1 {
			kept = append(kept, id)
		}
	}
	removed := len(q.ids) - len(kept)
	if removed == 0 && !q.dirty {
		return 0, nil
	}
	prev := q.ids
	q.ids = kept
	if err := q.saveLocked(ctx); err != nil {
		q.ids = prev
		return 0, newPersistError(q.name, 0, "write index", err)
	}
	if removed > 0 {
		q.logger.Warn("removed invalid index ids", "count", removed)
	}
	return removed, nil
}

// Count returns the number of indexed entries.
func (q *Queue) Count() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.ids)
}

// IDs returns a snapshot of the index.
func (q *Queue) IDs() []int64 {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return slices.Clone(q.ids)
}

// Entries returns every readable entry in FIFO order.
// Entries with missing data are skipped; invalid ids are an error.
func (q *Queue) Entries(ctx context.Context) ([]*Entry, error) {
	ids := q.IDs()
	out := make([]*Entry, 0, len(ids))
	for pos, id := range ids {
		if id < 1 {
			return nil, q.corrupted(pos, id)
		}
		entry, _, err := q.load(ctx, id)
		if errors.Is(err, errMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// DeadLetters returns every readable entry with dead-letter provenance.
func (q *Queue) DeadLetters(ctx context.Context) ([]*DeadLetterEntry, error) {
	ids := q.IDs()
	out := make([]*DeadLetterEntry, 0, len(ids))
	for pos, id := range ids {
		if id < 1 {
			return nil, q.corrupted(pos, id)
		}
		entry, rec, err := q.load(ctx, id)
		if errors.Is(err, errMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, &DeadLetterEntry{Entry: *entry, OriginalQueue: rec.OriginalQueue, TagData: rec.TagData})
	}
	return out, nil
}

// Close closes the backend.
func (q *Queue) Close() error {
	return q.backend.Close()
}

func (q *Queue) intercept(ctx context.Context, pending *Entry) error {
	q.hookMu.RLock()
	interceptors := slices.Clone(q.interceptors)
	q.hookMu.RUnlock()

	for _, fn := range interceptors {
		if err := fn(ctx, q.name, pending); err != nil {
			q.logger.Debug("enqueue cancelled", "type", pending.Type, "reason", err)
			return newCancelledError(q.name, err)
		}
	}
	return nil
}

// saveLocked persists the index. Caller holds q.mu.
func (q *Queue) saveLocked(ctx context.Context) error {
	state := IndexState{LastID: q.seq.Current(), IDs: slices.Clone(q.ids)}
	if err := q.backend.SaveIndex(ctx, state); err != nil {
		return err
	}
	q.dirty = false
	return nil
}

func (q *Queue) loadRecord(ctx context.Context, id int64) (record, error) {
	body, err := q.backend.GetRecord(ctx, id)
	if errors.Is(err, ErrRecordNotFound) {
		return record{}, errMissing
	}
	if err != nil {
		return record{}, err
	}
	var rec record
	if err := json.Unmarshal(body, &rec); err != nil {
		q.logger.Error("undecodable queue record", "id", id, "error", err)
		return record{}, errMissing
	}
	return rec, nil
}

// load materializes the entry and its payload.
func (q *Queue) load(ctx context.Context, id int64) (*Entry, record, error) {
	rec, err := q.loadRecord(ctx, id)
	if err != nil {
		return nil, record{}, err
	}
	payload, err := q.blobs.Get(ctx, rec.DataFileKey)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, record{}, errMissing
	}
	if err != nil {
		return nil, record{}, fmt.Errorf("read payload %s/%d: %w", q.name, id, err)
	}
	data, err := resource.Unmarshal(payload)
	if err != nil {
		q.logger.Error("undecodable payload", "id", id, "error", err)
		return nil, record{}, errMissing
	}
	entry := rec.Entry
	entry.ID = id
	entry.Data = &data
	return &entry, rec, nil
}

// discard deletes a record and its payload after they leave the index.
// Failures leave orphans, which are harmless.
func (q *Queue) discard(id int64, key string) {
	ctx := context.Background()
	if err := q.backend.DeleteRecord(ctx, id); err != nil {
		q.logger.Warn("failed to delete record", "id", id, "error", err)
	}
	q.discardBlob(key)
}

func (q *Queue) discardBlob(key string) {
	if key == "" {
		return
	}
	if err := q.blobs.Delete(context.Background(), key); err != nil {
		q.logger.Warn("failed to delete payload", "key", key, "error", err)
	}
}

func (q *Queue) corrupted(position int, id int64) *Error {
	qe := newCorruptionError(q.name, position, id)
	q.logger.Error("queue index corrupted", "position", position, "id", id)

	q.hookMu.RLock()
	listeners := slices.Clone(q.onCorrupted)
	q.hookMu.RUnlock()
	for _, fn := range listeners {
		fn(qe)
	}
	return qe
}

func (q *Queue) fireEnqueued(e *Entry) {
	q.hookMu.RLock()
	listeners := slices.Clone(q.onEnqueued)
	q.hookMu.RUnlock()
	for _, fn := range listeners {
		fn(e)
	}
}

func (q *Queue) fireExhausted() {
	q.hookMu.RLock()
	listeners := slices.Clone(q.onExhausted)
	q.hookMu.RUnlock()
	for _, fn := range listeners {
		fn(q.name)
	}
}
