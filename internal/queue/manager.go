package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/roach88/medsync/internal/blob"
	"github.com/roach88/medsync/internal/store"
)

// Engine selects the storage backend for all managed queues.
type Engine string

const (
	EngineFile   Engine = "file"
	EngineSQLite Engine = "sqlite"
)

// ErrLocked is returned when another process holds the queue directory.
var ErrLocked = errors.New("queue directory is locked by another process")

// Definition names a managed queue and its pattern.
type Definition struct {
	Name    string
	Pattern Pattern
}

// DefaultQueues is the fixed queue set of a sync agent.
var DefaultQueues = []Definition{
	{Name: Incoming, Pattern: UpstreamToLocal},
	{Name: Outgoing, Pattern: LocalToUpstream},
	{Name: Admin, Pattern: AdminUpstream},
	{Name: DeadLetter, Pattern: DeadLetterPattern},
}

// ManagerConfig configures OpenManager.
type ManagerConfig struct {
	// Dir holds the process lock and, for EngineFile, the queue files.
	Dir string

	// Engine defaults to EngineFile.
	Engine Engine

	// Store is required for EngineSQLite.
	Store *store.Store

	// Blobs defaults to a FileStore under Dir/blobs (EngineFile) or
	// a SQLiteStore on Store (EngineSQLite).
	Blobs blob.Store

	// Queues defaults to DefaultQueues.
	Queues []Definition

	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns the queue set of one agent.
// A file lock on Dir keeps two processes from sharing queues.
type Manager struct {
	queues []*Queue
	byName map[string]*Queue
	lock   *flock.Flock
	logger *slog.Logger
}

// OpenManager opens every configured queue.
func OpenManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("queue directory is empty")
	}
	if cfg.Engine == "" {
		cfg.Engine = EngineFile
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = DefaultQueues
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}

	lock := flock.New(filepath.Join(cfg.Dir, "medsync.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock queue directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, cfg.Dir)
	}

	m := &Manager{
		byName: make(map[string]*Queue, len(cfg.Queues)),
		lock:   lock,
		logger: cfg.Logger,
	}
	if err := m.open(ctx, cfg); err != nil {
		_ = m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) open(ctx context.Context, cfg ManagerConfig) error {
	blobs := cfg.Blobs
	if blobs == nil {
		switch cfg.Engine {
		case EngineFile:
			fs, err := blob.NewFileStore(filepath.Join(cfg.Dir, "blobs"))
			if err != nil {
				return err
			}
			blobs = fs
		case EngineSQLite:
			if cfg.Store == nil {
				return errors.New("sqlite queue engine requires a store")
			}
			blobs = blob.NewSQLiteStore(cfg.Store)
		}
	}

	for _, def := range cfg.Queues {
		backend, err := m.backend(cfg, def.Name)
		if err != nil {
			return err
		}
		q, err := Open(ctx, def.Name, def.Pattern, backend, blobs,
			WithLogger(cfg.Logger), WithNow(cfg.Now))
		if err != nil {
			return err
		}
		m.queues = append(m.queues, q)
		m.byName[def.Name] = q
	}
	return nil
}

func (m *Manager) backend(cfg ManagerConfig, name string) (Backend, error) {
	switch cfg.Engine {
	case EngineFile:
		return NewFileBackend(filepath.Join(cfg.Dir, "queues", name))
	case EngineSQLite:
		if cfg.Store == nil {
			return nil, errors.New("sqlite queue engine requires a store")
		}
		return NewSQLiteBackend(cfg.Store, name), nil
	default:
		return nil, fmt.Errorf("unknown queue engine %q", cfg.Engine)
	}
}

// Get resolves a queue by name. Legacy "_queue" suffixed names resolve
// to the same queue. Returns nil for unknown names.
func (m *Manager) Get(name string) *Queue {
	return m.byName[NormalizeName(name)]
}

// Lookup is Get with an error for unknown names.
func (m *Manager) Lookup(name string) (*Queue, error) {
	q := m.Get(name)
	if q == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
	}
	return q, nil
}

// GetAll returns the queues whose pattern intersects p, in definition order.
func (m *Manager) GetAll(p Pattern) []*Queue {
	var out []*Queue
	for _, q := range m.queues {
		if q.pattern.Intersects(p) {
			out = append(out, q)
		}
	}
	return out
}

// Queues returns every managed queue in definition order.
func (m *Manager) Queues() []*Queue {
	return append([]*Queue(nil), m.queues...)
}

// DeadLetter returns the dead-letter queue, or nil if not configured.
func (m *Manager) DeadLetter() *Queue {
	return m.byName[DeadLetter]
}

// Retry re-enqueues a dead-letter entry on its original queue as a retry
// and removes it from the dead-letter queue.
func (m *Manager) Retry(ctx context.Context, dl *DeadLetterEntry) (*Entry, error) {
	dead := m.DeadLetter()
	if dead == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, DeadLetter)
	}
	target := m.Get(dl.OriginalQueue)
	if target == nil || target == dead {
		return nil, fmt.Errorf("retry %d: %w: original queue %q", dl.ID, ErrUnknownQueue, dl.OriginalQueue)
	}
	if dl.Data == nil {
		loaded, err := dead.GetDeadLetter(ctx, dl.ID)
		if err != nil {
			return nil, fmt.Errorf("retry %d: %w", dl.ID, err)
		}
		dl = loaded
	}

	entry, err := target.Enqueue(ctx, *dl.Data, dl.Operation, WithRetry(0))
	if err != nil {
		return nil, fmt.Errorf("retry %d: %w", dl.ID, err)
	}
	if err := dead.Remove(ctx, dl.ID); err != nil {
		return entry, fmt.Errorf("retry %d: remove from dead letters: %w", dl.ID, err)
	}
	m.logger.Info("dead letter retried", "id", dl.ID, "queue", target.Name(), "new_id", entry.ID)
	return entry, nil
}

// RetryAll retries every dead-letter entry. It stops at the first failure.
func (m *Manager) RetryAll(ctx context.Context) (int, error) {
	dead := m.DeadLetter()
	if dead == nil {
		return 0, nil
	}
	entries, err := dead.DeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, dl := range entries {
		if _, err := m.Retry(ctx, dl); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Close closes every queue and releases the directory lock.
func (m *Manager) Close() error {
	var errs []error
	for _, q := range m.queues {
		if err := q.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if m.lock != nil {
		if err := m.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
