// Package repository is the local persistence contract for clinical
// resources and a registry resolving it by resource type.
//
// Repositories are registered once at startup. Resolving a type with no
// registration is a hard failure for the entry being processed.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/medsync/internal/resource"
	"github.com/roach88/medsync/internal/store"
)

var (
	// ErrNoRepository is returned by Lookup for unregistered types.
	ErrNoRepository = errors.New("no repository registered")

	// ErrNotFound is returned when a resource does not exist locally.
	ErrNotFound = errors.New("resource not found")

	// ErrExists is returned by Insert for existing resources.
	ErrExists = errors.New("resource already exists")
)

// Repository persists resources of one or more types.
type Repository interface {
	// Save inserts or replaces r.
	Save(ctx context.Context, r resource.Resource) error
	Insert(ctx context.Context, r resource.Resource) error
	Update(ctx context.Context, r resource.Resource) error
	Get(ctx context.Context, typ resource.Type, key resource.Key) (resource.Resource, error)
}

// Registry maps resource types to repositories. Safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	repos map[resource.Type]Repository
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{repos: make(map[resource.Type]Repository)}
}

// Register binds repo to each of types, replacing earlier bindings.
func (r *Registry) Register(repo Repository, types ...resource.Type) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.repos[t] = repo
	}
}

// Lookup returns the repository for typ.
func (r *Registry) Lookup(typ resource.Type) (Repository, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	repo, ok := r.repos[typ]
	if !ok {
		return nil, fmt.Errorf("%w for type %q", ErrNoRepository, typ)
	}
	return repo, nil
}

// Types returns the registered types, sorted.
func (r *Registry) Types() []resource.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]resource.Type, 0, len(r.repos))
	for t := range r.repos {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Get resolves the repository for typ and loads the resource.
func (r *Registry) Get(ctx context.Context, typ resource.Type, key resource.Key) (resource.Resource, error) {
	repo, err := r.Lookup(typ)
	if err != nil {
		return resource.Resource{}, err
	}
	return repo.Get(ctx, typ, key)
}

// StoreRepository keeps resources in the local database.
type StoreRepository struct {
	st  *store.Store
	now func() time.Time
}

// NewStoreRepository returns a repository backed by st.
func NewStoreRepository(st *store.Store) *StoreRepository {
	return &StoreRepository{st: st, now: time.Now}
}

func (s *StoreRepository) Save(ctx context.Context, r resource.Resource) error {
	if err := r.Validate(); err != nil {
		return err
	}
	body, err := resource.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.st.DB().ExecContext(ctx, `
		INSERT INTO resources (resource_type, key, version, body, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(resource_type, key) DO UPDATE SET
			version = excluded.version,
			body = excluded.body,
			updated_at = excluded.updated_at
	`, string(r.Type), string(r.Key), r.Version, body, store.ToUnix(s.now()))
	if err != nil {
		return fmt.Errorf("save %s: %w", r.Ref(), err)
	}
	return nil
}

func (s *StoreRepository) Insert(ctx context.Context, r resource.Resource) error {
	if err := r.Validate(); err != nil {
		return err
	}
	body, err := resource.Marshal(r)
	if err != nil {
		return err
	}
	res, err := s.st.DB().ExecContext(ctx, `
		INSERT INTO resources (resource_type, key, version, body, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(resource_type, key) DO NOTHING
	`, string(r.Type), string(r.Key), r.Version, body, store.ToUnix(s.now()))
	if err != nil {
		return fmt.Errorf("insert %s: %w", r.Ref(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("insert %s: %w", r.Ref(), ErrExists)
	}
	return nil
}

func (s *StoreRepository) Update(ctx context.Context, r resource.Resource) error {
	if err := r.Validate(); err != nil {
		return err
	}
	body, err := resource.Marshal(r)
	if err != nil {
		return err
	}
	res, err := s.st.DB().ExecContext(ctx, `
		UPDATE resources SET version = ?, body = ?, updated_at = ?
		WHERE resource_type = ? AND key = ?
	`, r.Version, body, store.ToUnix(s.now()), string(r.Type), string(r.Key))
	if err != nil {
		return fmt.Errorf("update %s: %w", r.Ref(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s: %w", r.Ref(), ErrNotFound)
	}
	return nil
}

func (s *StoreRepository) Get(ctx context.Context, typ resource.Type, key resource.Key) (resource.Resource, error) {
	var body []byte
	err := s.st.DB().QueryRowContext(ctx,
		`SELECT body FROM resources WHERE resource_type = ? AND key = ?`, string(typ), string(key)).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return resource.Resource{}, fmt.Errorf("%s/%s: %w", typ, key, ErrNotFound)
	}
	if err != nil {
		return resource.Resource{}, fmt.Errorf("get %s/%s: %w", typ, key, err)
	}
	return resource.Unmarshal(body)
}

// Count returns the number of stored resources of typ.
func (s *StoreRepository) Count(ctx context.Context, typ resource.Type) (int, error) {
	var n int
	err := s.st.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM resources WHERE resource_type = ?`, string(typ)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", typ, err)
	}
	return n, nil
}
