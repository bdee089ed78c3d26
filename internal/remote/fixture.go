package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/medsync/internal/resource"
	"github.com/roach88/medsync/internal/subscription"
)

// Method names used by call counters and failure injection.
const (
	MethodInsert   = "insert"
	MethodUpdate   = "update"
	MethodObsolete = "obsolete"
	MethodExists   = "exists"
	MethodFind     = "find"
)

// FixtureFile is the YAML layout read by LoadFixture.
type FixtureFile struct {
	Subscriptions []subscription.Definition `yaml:"subscriptions"`
	Resources     []FixtureResource         `yaml:"resources"`
}

// FixtureResource is a resource as written in a fixture file. Body is any
// YAML mapping and is stored as JSON.
type FixtureResource struct {
	Type          resource.Type           `yaml:"type"`
	Key           resource.Key            `yaml:"key"`
	Version       string                  `yaml:"version"`
	ModifiedAt    time.Time               `yaml:"modified_at"`
	Body          map[string]any          `yaml:"body"`
	Relationships []resource.Relationship `yaml:"relationships"`
}

// Call is one recorded mutation.
type Call struct {
	Method  string
	Ref     string
	IsRetry bool
}

// Fixture is an in-memory remote server. Safe for concurrent use.
type Fixture struct {
	mu            sync.Mutex
	subscriptions []subscription.Definition
	byType        map[resource.Type][]resource.Resource
	version       int

	calls    map[string]int
	recorded []Call
	failures map[string][]error
	gate     chan struct{}
}

// NewFixture creates an empty fixture.
func NewFixture() *Fixture {
	return &Fixture{
		byType:   make(map[resource.Type][]resource.Resource),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
		version:  1,
	}
}

// LoadFixture reads a fixture file. Unknown fields are rejected.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}

	var file FixtureFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	f := NewFixture()
	for _, d := range file.Subscriptions {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("invalid fixture: %w", err)
		}
	}
	f.subscriptions = file.Subscriptions
	for i, fr := range file.Resources {
		r, err := fr.toResource()
		if err != nil {
			return nil, fmt.Errorf("invalid fixture resource %d: %w", i, err)
		}
		f.Seed(r)
	}
	return f, nil
}

func (fr FixtureResource) toResource() (resource.Resource, error) {
	r := resource.Resource{
		Type:          fr.Type,
		Key:           fr.Key,
		Version:       fr.Version,
		ModifiedAt:    fr.ModifiedAt.UTC(),
		Relationships: fr.Relationships,
	}
	if fr.Body != nil {
		body, err := json.Marshal(fr.Body)
		if err != nil {
			return resource.Resource{}, err
		}
		r.Body = body
	}
	return r, r.Validate()
}

// SetSubscriptions replaces the served subscription definitions.
func (f *Fixture) SetSubscriptions(defs ...subscription.Definition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = defs
}

// Seed stores resources without recording calls.
func (f *Fixture) Seed(rs ...resource.Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range resource.Flatten(rs...) {
		f.putLocked(r)
	}
}

// FailNext makes the next len(errs) calls of method fail with errs, in order.
func (f *Fixture) FailNext(method string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], errs...)
}

// Block makes Find wait until the returned release func is called.
func (f *Fixture) Block() (release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	f.gate = gate
	var once sync.Once
	return func() {
		once.Do(func() {
			close(gate)
			f.mu.Lock()
			if f.gate == gate {
				f.gate = nil
			}
			f.mu.Unlock()
		})
	}
}

// Calls returns how many times method was invoked.
func (f *Fixture) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Recorded returns every mutation call in order.
func (f *Fixture) Recorded() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.recorded...)
}

// Get returns the stored resource.
func (f *Fixture) Get(typ resource.Type, key resource.Key) (resource.Resource, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.indexLocked(typ, key)
	if i < 0 {
		return resource.Resource{}, false
	}
	return f.byType[typ][i], true
}

func (f *Fixture) SubscriptionDefinitions(ctx context.Context) ([]subscription.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]subscription.Definition(nil), f.subscriptions...), nil
}

func (f *Fixture) Insert(ctx context.Context, r resource.Resource, isRetry bool) error {
	return f.mutate(ctx, MethodInsert, r, isRetry, func() error {
		if f.indexLocked(r.Type, r.Key) >= 0 {
			if isRetry {
				f.putLocked(r)
				return nil
			}
			return &RejectedError{Ref: r.Ref(), Reason: "already exists"}
		}
		f.putLocked(r)
		return nil
	})
}

func (f *Fixture) Update(ctx context.Context, r resource.Resource, isRetry bool) error {
	return f.mutate(ctx, MethodUpdate, r, isRetry, func() error {
		if f.indexLocked(r.Type, r.Key) < 0 {
			return fmt.Errorf("update %s: %w", r.Ref(), ErrNotFound)
		}
		f.putLocked(r)
		return nil
	})
}

func (f *Fixture) Obsolete(ctx context.Context, r resource.Resource, isRetry bool) error {
	return f.mutate(ctx, MethodObsolete, r, isRetry, func() error {
		i := f.indexLocked(r.Type, r.Key)
		if i < 0 {
			return fmt.Errorf("obsolete %s: %w", r.Ref(), ErrNotFound)
		}
		items := f.byType[r.Type]
		f.byType[r.Type] = append(items[:i:i], items[i+1:]...)
		f.version++
		return nil
	})
}

func (f *Fixture) Exists(ctx context.Context, typ resource.Type, key resource.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[MethodExists]++
	if err := f.popFailureLocked(MethodExists); err != nil {
		return false, err
	}
	return f.indexLocked(typ, key) >= 0, nil
}

// Find filters by type, filter ("field=value" pairs joined by "&", matched
// against top-level body fields) and Since, ordered by key.
func (f *Fixture) Find(ctx context.Context, q Query) (*Page, error) {
	f.mu.Lock()
	f.calls[MethodFind]++
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.popFailureLocked(MethodFind); err != nil {
		return nil, err
	}

	conds, err := parseFilter(q.Filter)
	if err != nil {
		return nil, err
	}
	var matched []resource.Resource
	for _, r := range f.byType[q.Type] {
		if !q.Since.IsZero() && !r.ModifiedAt.After(q.Since) {
			continue
		}
		if !matches(r, conds) {
			continue
		}
		matched = append(matched, r)
	}

	page := &Page{Total: len(matched), ETag: fmt.Sprintf("v%d", f.version)}
	if q.Offset < len(matched) {
		end := len(matched)
		if q.Count > 0 && q.Offset+q.Count < end {
			end = q.Offset + q.Count
		}
		page.Items = append(page.Items, matched[max(q.Offset, 0):end]...)
	}
	return page, nil
}

func (f *Fixture) mutate(ctx context.Context, method string, r resource.Resource, isRetry bool, apply func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.Validate(); err != nil {
		return &RejectedError{Ref: r.Ref(), Reason: err.Error()}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if err := f.popFailureLocked(method); err != nil {
		return err
	}
	if err := apply(); err != nil {
		return err
	}
	f.recorded = append(f.recorded, Call{Method: method, Ref: r.Ref(), IsRetry: isRetry})
	return nil
}

func (f *Fixture) popFailureLocked(method string) error {
	errs := f.failures[method]
	if len(errs) == 0 {
		return nil
	}
	f.failures[method] = errs[1:]
	return errs[0]
}

func (f *Fixture) indexLocked(typ resource.Type, key resource.Key) int {
	for i, r := range f.byType[typ] {
		if r.Key == key {
			return i
		}
	}
	return -1
}

func (f *Fixture) putLocked(r resource.Resource) {
	items := f.byType[r.Type]
	if i := f.indexLocked(r.Type, r.Key); i >= 0 {
		items[i] = r
	} else {
		items = append(items, r)
		sort.Slice(items, func(a, b int) bool { return items[a].Key < items[b].Key })
	}
	f.byType[r.Type] = items
	f.version++
}

func parseFilter(filter string) (map[string]string, error) {
	conds := make(map[string]string)
	if strings.TrimSpace(filter) == "" {
		return conds, nil
	}
	for _, part := range strings.Split(filter, "&") {
		k, v, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, &RejectedError{Ref: filter, Reason: "malformed filter"}
		}
		conds[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return conds, nil
}

func matches(r resource.Resource, conds map[string]string) bool {
	if len(conds) == 0 {
		return true
	}
	var body map[string]any
	if err := json.Unmarshal(r.Body, &body); err != nil {
		return false
	}
	for k, want := range conds {
		got, ok := body[k]
		if !ok || fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

var _ Client = (*Fixture)(nil)
