package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrEnqueueCancelled is returned when an interceptor vetoes an enqueue.
	// Interceptors return it (or wrap it) to cancel.
	ErrEnqueueCancelled = errors.New("enqueue cancelled")

	// ErrEntryNotFound is returned by Get and Remove for unknown ids.
	ErrEntryNotFound = errors.New("queue entry not found")

	// ErrRecordNotFound is returned by backends for missing records.
	ErrRecordNotFound = errors.New("queue record not found")

	// ErrUnknownQueue is returned when a queue name cannot be resolved.
	ErrUnknownQueue = errors.New("unknown queue")
)

// ErrorCode categorizes queue errors.
type ErrorCode string

const (
	// CodeIndexCorrupted indicates an indexed id < 1.
	CodeIndexCorrupted ErrorCode = "INDEX_CORRUPTED"

	// CodeEnqueueCancelled indicates an interceptor vetoed the enqueue.
	CodeEnqueueCancelled ErrorCode = "ENQUEUE_CANCELLED"

	// CodePersistFailed indicates the index or a record could not be written.
	CodePersistFailed ErrorCode = "PERSIST_FAILED"
)

// Error is a structured queue error.
type Error struct {
	Code    ErrorCode
	Queue   string
	EntryID int64

	// Position is the index position involved, when relevant.
	Position int

	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: queue %s: %s", e.Code, e.Queue, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsCorruption reports whether err is an index corruption error.
// Uses errors.As to handle wrapped errors.
func IsCorruption(err error) bool {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code == CodeIndexCorrupted
	}
	return false
}

// IsCancelled reports whether err is a cancelled enqueue.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrEnqueueCancelled)
}

func newCorruptionError(queue string, position int, id int64) *Error {
	return &Error{
		Code:     CodeIndexCorrupted,
		Queue:    queue,
		EntryID:  id,
		Position: position,
		Message:  fmt.Sprintf("invalid entry id %d at index position %d", id, position),
	}
}

func newCancelledError(queue string, err error) *Error {
	if !errors.Is(err, ErrEnqueueCancelled) {
		err = fmt.Errorf("%w: %w", ErrEnqueueCancelled, err)
	}
	return &Error{
		Code:    CodeEnqueueCancelled,
		Queue:   queue,
		Message: "interceptor vetoed enqueue",
		Err:     err,
	}
}

func newPersistError(queue string, id int64, what string, err error) *Error {
	return &Error{
		Code:    CodePersistFailed,
		Queue:   queue,
		EntryID: id,
		Message: what,
		Err:     err,
	}
}
