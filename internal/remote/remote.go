// Package remote defines the contract of the remote integration client and
// the classification of its failures.
//
// The HTTP transport itself lives outside this module. Fixture is an
// in-memory server used for offline runs and tests.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/roach88/medsync/internal/resource"
	"github.com/roach88/medsync/internal/subscription"
)

var (
	// ErrTransient marks failures worth retrying (timeouts, connection loss).
	ErrTransient = errors.New("transient remote failure")

	// ErrNotFound is returned when the remote has no such resource.
	ErrNotFound = errors.New("remote resource not found")
)

// RejectedError is a permanent refusal by the remote server.
type RejectedError struct {
	Ref    string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("remote rejected %s: %s", e.Ref, e.Reason)
}

// Class is the handling category of a remote failure.
type Class int

const (
	ClassNone Class = iota
	ClassTransient
	ClassNotFound
	ClassRejected
	ClassUnknown
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassNotFound:
		return "not-found"
	case ClassRejected:
		return "rejected"
	}
	return "unknown"
}

// Classify maps err to a handling category. Deadline and network timeout
// errors are transient.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ClassTransient
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return ClassTransient
	}
	if errors.Is(err, ErrNotFound) {
		return ClassNotFound
	}
	var re *RejectedError
	if errors.As(err, &re) {
		return ClassRejected
	}
	return ClassUnknown
}

// Query is a paged, conditional find.
type Query struct {
	Type   resource.Type
	Filter string

	// Since limits results to resources modified after it. Zero means all.
	Since time.Time
	// ETag is the etag of the previous complete pull, if any.
	ETag string

	// QueryID correlates the pages of one logical query.
	QueryID string
	Offset  int
	Count   int
}

// Page is one page of a Find.
type Page struct {
	Items []resource.Resource
	// Total is the size of the full result set.
	Total int
	// ETag identifies the server state the result was computed against.
	ETag string
}

// Client is the remote integration client.
type Client interface {
	subscription.Provider

	Insert(ctx context.Context, r resource.Resource, isRetry bool) error
	Update(ctx context.Context, r resource.Resource, isRetry bool) error
	Obsolete(ctx context.Context, r resource.Resource, isRetry bool) error
	Exists(ctx context.Context, typ resource.Type, key resource.Key) (bool, error)
	Find(ctx context.Context, q Query) (*Page, error)
}
