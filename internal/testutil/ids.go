package testutil

import (
	"fmt"
	"sync/atomic"
)

// SequentialIDs generates predictable query ids: "<prefix>-1", "<prefix>-2", ...
//
// Used in place of random UUIDs so golden snapshots stay byte-identical.
//
// Thread-safety: safe for concurrent use.
type SequentialIDs struct {
	prefix string
	n      atomic.Int64
}

// NewSequentialIDs creates a generator. An empty prefix means "query".
func NewSequentialIDs(prefix string) *SequentialIDs {
	if prefix == "" {
		prefix = "query"
	}
	return &SequentialIDs{prefix: prefix}
}

// Next returns the next id.
func (g *SequentialIDs) Next() string {
	return fmt.Sprintf("%s-%d", g.prefix, g.n.Add(1))
}
