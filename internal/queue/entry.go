package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/medsync/internal/resource"
)

// Operation is the change an entry asks the destination to apply.
// Values are bit flags.
type Operation uint8

const (
	// OpSync asks the destination to create or refresh the resource.
	OpSync Operation = 1 << iota
	// OpInsert creates the resource.
	OpInsert
	// OpUpdate updates an existing resource.
	OpUpdate
	// OpObsolete retires the resource.
	OpObsolete

	// OpAll is every operation.
	OpAll = OpSync | OpInsert | OpUpdate | OpObsolete
)

var operationNames = []struct {
	op   Operation
	name string
}{
	{OpSync, "sync"},
	{OpInsert, "insert"},
	{OpUpdate, "update"},
	{OpObsolete, "obsolete"},
}

// Has reports whether o includes every bit of flag.
func (o Operation) Has(flag Operation) bool {
	return flag != 0 && o&flag == flag
}

func (o Operation) String() string {
	if o == OpAll {
		return "all"
	}
	var parts []string
	for _, n := range operationNames {
		if o&n.op != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("operation(%d)", uint8(o))
	}
	return strings.Join(parts, "|")
}

// ParseOperation parses the names produced by Operation.String.
func ParseOperation(s string) (Operation, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "all" {
		return OpAll, nil
	}
	var op Operation
	for _, part := range strings.Split(s, "|") {
		found := false
		for _, n := range operationNames {
			if part == n.name {
				op |= n.op
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown operation %q", part)
		}
	}
	return op, nil
}

// Pattern declares a queue's traffic direction. Values are bit flags.
type Pattern uint8

const (
	// UpstreamToLocal carries records pulled from the remote server.
	UpstreamToLocal Pattern = 1 << iota
	// LocalToUpstream carries local changes waiting to be pushed.
	LocalToUpstream
	// LocalOnly queues never leave the device.
	LocalOnly
	// AdminRouted marks queues handled by administrative tooling.
	AdminRouted

	// BiDirectional carries traffic both ways.
	BiDirectional = UpstreamToLocal | LocalToUpstream
	// AdminUpstream is the pattern of the admin queue: pushed upstream
	// and routed to the administrative endpoint.
	AdminUpstream = LocalToUpstream | AdminRouted
	// DeadLetterPattern is the pattern of the dead-letter queue.
	DeadLetterPattern = LocalOnly | AdminRouted
)

// Intersects reports whether p shares any bit with other.
func (p Pattern) Intersects(other Pattern) bool {
	return p&other != 0
}

func (p Pattern) String() string {
	switch p {
	case UpstreamToLocal:
		return "upstream-to-local"
	case LocalToUpstream:
		return "local-to-upstream"
	case LocalOnly:
		return "local-only"
	case BiDirectional:
		return "bidirectional"
	case AdminUpstream:
		return "admin-upstream"
	case DeadLetterPattern:
		return "dead-letter"
	}
	return fmt.Sprintf("pattern(%d)", uint8(p))
}

// Well-known queue names.
const (
	Incoming   = "incoming"
	Outgoing   = "outgoing"
	Admin      = "admin"
	DeadLetter = "deadletter"
)

// legacySuffix is accepted on queue names recorded by older agents.
const legacySuffix = "_queue"

// NormalizeName maps legacy names ("outgoing_queue") to current ones.
func NormalizeName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.TrimSuffix(name, legacySuffix)
}

// Entry is a durable unit of work.
type Entry struct {
	// ID is unique within the queue's life. Always >= 1.
	ID int64 `json:"id"`

	CreatedAt time.Time     `json:"created_at"`
	Type      resource.Type `json:"type"`

	// DataFileKey references the payload in the blob store.
	DataFileKey string `json:"data_file_key"`

	Operation Operation `json:"operation"`

	// IsRetry is set when the entry is a re-submission of an earlier failure.
	IsRetry bool `json:"is_retry"`

	// RetryCount counts transient delivery failures.
	RetryCount int `json:"retry_count,omitempty"`

	// Data is the materialized payload. Populated by Peek, Dequeue and Get.
	Data *resource.Resource `json:"-"`
}

// DeadLetterEntry is an entry that failed processing, with provenance.
type DeadLetterEntry struct {
	Entry

	// OriginalQueue names the queue the entry came from. Used by Retry.
	OriginalQueue string

	// TagData is opaque diagnostic context captured at failure time.
	TagData []byte
}

// record is the persisted form of an entry.
type record struct {
	Entry
	OriginalQueue string `json:"original_queue,omitempty"`
	TagData       []byte `json:"tag_data,omitempty"`
}
