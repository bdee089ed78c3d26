package service

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/medsync/internal/queue"
	"github.com/roach88/medsync/internal/remote"
	"github.com/roach88/medsync/internal/repository"
	"github.com/roach88/medsync/internal/resource"
	"github.com/roach88/medsync/internal/store"
	"github.com/roach88/medsync/internal/synclog"
	"github.com/roach88/medsync/internal/testutil"
	"github.com/roach88/medsync/internal/workpool"
)

var epoch = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// countingRepo counts Save calls on top of a store repository.
type countingRepo struct {
	*repository.StoreRepository
	saves atomic.Int64
}

func (c *countingRepo) Save(ctx context.Context, r resource.Resource) error {
	c.saves.Add(1)
	return c.StoreRepository.Save(ctx, r)
}

type env struct {
	svc    *Service
	queues *queue.Manager
	log    *synclog.Log
	remote *remote.Fixture
	repo   *countingRepo
	repos  *repository.Registry
	pool   *workpool.Pool
	clock  *testutil.StepClock

	mu        sync.Mutex
	completed []Completed
	skipped   []Direction
}

type envOption func(*Config, *Dependencies)

func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	ctx := context.Background()

	fixture, err := remote.LoadFixture("testdata/clinic.yaml")
	require.NoError(t, err)

	st, err := store.Open(filepath.Join(t.TempDir(), "medsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := testutil.NewStepClock(epoch, time.Second)
	queues, err := queue.OpenManager(ctx, queue.ManagerConfig{Dir: t.TempDir(), Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = queues.Close() })

	repo := &countingRepo{StoreRepository: repository.NewStoreRepository(st)}
	repos := repository.NewRegistry()
	repos.Register(repo, "Patient", "Encounter", "Location", "Organization", "User")

	pool := workpool.New(2, nil)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	log := synclog.New(st, synclog.WithNow(clock.Now))

	cfg := DefaultConfig()
	cfg.FetchBackoff = time.Millisecond
	cfg.LockTimeout = 10 * time.Millisecond
	deps := Dependencies{
		Queues:       queues,
		Log:          log,
		Remote:       fixture,
		Repositories: repos,
		Pool:         pool,
	}
	for _, opt := range opts {
		opt(&cfg, &deps)
	}

	svc, err := New(deps, cfg,
		WithNow(clock.Now),
		WithQueryIDs(testutil.NewSequentialIDs("").Next),
	)
	require.NoError(t, err)

	e := &env{
		svc:    svc,
		queues: queues,
		log:    log,
		remote: fixture,
		repo:   repo,
		repos:  repos,
		pool:   pool,
		clock:  clock,
	}
	svc.OnCompleted(func(c Completed) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.completed = append(e.completed, c)
	})
	svc.OnSkipped(func(d Direction) {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.skipped = append(e.skipped, d)
	})
	return e
}

func (e *env) events() ([]Completed, []Direction) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Completed(nil), e.completed...), append([]Direction(nil), e.skipped...)
}

func (e *env) deadLetters(t *testing.T) []*queue.DeadLetterEntry {
	t.Helper()
	dls, err := e.queues.DeadLetter().DeadLetters(context.Background())
	require.NoError(t, err)
	return dls
}
