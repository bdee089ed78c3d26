// Package pump drains a queue through a handler.
//
// A Handler gets a Before hook, one OnData call per entry, an optional
// OnError hook and an After hook. A failing entry is either handed to
// OnError (which decides whether draining continues) or, with a Pump,
// moved to the dead-letter queue.
package pump

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/medsync/internal/queue"
)

// Source is the part of a queue a drain needs. Requeue puts a failed
// entry back at the head when the drain aborts.
type Source interface {
	Name() string
	Dequeue(ctx context.Context) (*queue.Entry, error)
	Requeue(ctx context.Context, e *queue.Entry) (*queue.Entry, error)
}

// Handler processes entries drained from a queue. All hooks are optional
// except OnData.
type Handler struct {
	// Before runs once before the first dequeue. Returning false skips
	// the drain entirely.
	Before func(ctx context.Context) bool

	// OnData processes one entry. Returning false stops the drain after
	// this entry without error.
	OnData func(ctx context.Context, e *queue.Entry) (bool, error)

	// OnError receives entries whose OnData failed or panicked. It returns
	// whether draining continues. Without OnError, or when it returns
	// false, the drain aborts and the failure is returned.
	OnError func(ctx context.Context, e *queue.Entry, err error) bool

	// After runs once when the drain ends, whatever the reason.
	After func(ctx context.Context)
}

// ErrNoHandler is returned when Handler.OnData is nil.
var ErrNoHandler = errors.New("pump: handler has no OnData")

// PanicError wraps a value recovered from a panicking OnData.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

// Unwrap exposes a panic value that is itself an error, such as a
// runtime.Error.
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Drain dequeues from src until it is empty, the handler stops, ctx is
// done or an unhandled error occurs. It returns the number of entries
// handed to OnData.
//
// Cancelling ctx is a soft stop: the entry in hand finishes and Drain
// returns without error. When a failure aborts the drain the failed entry
// is requeued at the head of src before the error is returned.
func Drain(ctx context.Context, src Source, h Handler) (int, error) {
	if h.OnData == nil {
		return 0, ErrNoHandler
	}
	if h.Before != nil && !h.Before(ctx) {
		return 0, nil
	}
	if h.After != nil {
		defer h.After(ctx)
	}

	n := 0
	for {
		if ctx.Err() != nil {
			return n, nil
		}
		e, err := src.Dequeue(ctx)
		if err != nil {
			return n, fmt.Errorf("dequeue %s: %w", src.Name(), err)
		}
		if e == nil {
			return n, nil
		}
		n++

		more, err := invoke(ctx, h.OnData, e)
		if err != nil {
			if h.OnError != nil && h.OnError(ctx, e, err) {
				continue
			}
			return n, abort(ctx, src, e, err)
		}
		if !more {
			return n, nil
		}
	}
}

// abort puts e back on src and wraps cause.
func abort(ctx context.Context, src Source, e *queue.Entry, cause error) error {
	err := fmt.Errorf("process %s/%d: %w", src.Name(), e.ID, cause)
	if _, rerr := src.Requeue(context.WithoutCancel(ctx), e); rerr != nil {
		return errors.Join(err, fmt.Errorf("restore %s/%d: %w", src.Name(), e.ID, rerr))
	}
	return err
}

// invoke runs OnData, converting panics into a *PanicError. The entry is
// already off its queue, so runtime errors are recovered too and the
// failure policy decides where the entry goes.
func invoke(ctx context.Context, fn func(context.Context, *queue.Entry) (bool, error), e *queue.Entry) (more bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			more, err = false, &PanicError{Value: r}
		}
	}()
	return fn(ctx, e)
}

// Pump drains queues and moves failing entries to a dead-letter queue.
type Pump struct {
	deadLetter *queue.Queue
	logger     *slog.Logger
	now        func() time.Time

	onDeadLettered []func(source string, e *queue.Entry, err error)
}

// Option configures a Pump.
type Option func(*Pump)

// WithLogger sets the pump logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pump) {
		p.logger = logger
	}
}

// WithNow overrides the clock used in dead-letter tags.
func WithNow(now func() time.Time) Option {
	return func(p *Pump) {
		p.now = now
	}
}

// New returns a Pump dead-lettering into dl. With a nil dl every failure
// aborts the drain and the entry is requeued on its source.
func New(dl *queue.Queue, opts ...Option) *Pump {
	p := &Pump{deadLetter: dl, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnDeadLettered registers a listener fired after an entry is moved to the
// dead-letter queue. Not safe to call concurrently with Run.
func (p *Pump) OnDeadLettered(fn func(source string, e *queue.Entry, err error)) {
	p.onDeadLettered = append(p.onDeadLettered, fn)
}

// Tag is the diagnostic context stored with a dead letter.
type Tag struct {
	Error      string    `json:"error"`
	Queue      string    `json:"queue"`
	Time       time.Time `json:"time"`
	RetryCount int       `json:"retry_count"`
}

// ParseTag decodes the tag stored with a dead letter.
func ParseTag(data []byte) (*Tag, error) {
	if len(data) == 0 {
		return nil, errors.New("pump: empty dead-letter tag")
	}
	var t Tag
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("pump: decode dead-letter tag: %w", err)
	}
	return &t, nil
}

// Run drains src with h. When h has no OnError the dead-letter policy is
// used: the failing entry is moved to the dead-letter queue and draining
// continues. If the move fails the drain aborts and the entry goes back
// to src.
func (p *Pump) Run(ctx context.Context, src Source, h Handler) (int, error) {
	if h.OnError == nil {
		h.OnError = func(ctx context.Context, e *queue.Entry, err error) bool {
			if dlErr := p.deadLetterEntry(ctx, src.Name(), e, err); dlErr != nil {
				p.logger.Error("failed to dead-letter entry", "queue", src.Name(), "id", e.ID, "error", dlErr, "cause", err)
				return false
			}
			return true
		}
	}
	return Drain(ctx, src, h)
}

// ErrNoDeadLetter is returned when a failed entry cannot be dead-lettered
// because the pump has no dead-letter queue.
var ErrNoDeadLetter = errors.New("pump: no dead-letter queue")

func (p *Pump) deadLetterEntry(ctx context.Context, source string, e *queue.Entry, cause error) error {
	if p.deadLetter == nil {
		return ErrNoDeadLetter
	}
	if e.Data == nil {
		return errors.New("pump: entry has no data")
	}
	tag, err := json.Marshal(Tag{
		Error:      cause.Error(),
		Queue:      source,
		Time:       p.now().UTC(),
		RetryCount: e.RetryCount,
	})
	if err != nil {
		tag = nil
	}
	// The entry is already off the source queue; finish the move even if
	// the drain was cancelled.
	dctx := context.WithoutCancel(ctx)
	if _, err := p.deadLetter.Enqueue(dctx, *e.Data, e.Operation, queue.WithDeadLetter(source, tag)); err != nil {
		return err
	}
	p.logger.Warn("entry dead-lettered", "queue", source, "id", e.ID, "type", e.Type, "error", cause)
	for _, fn := range p.onDeadLettered {
		fn(source, e, cause)
	}
	return nil
}
