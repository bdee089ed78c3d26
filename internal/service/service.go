package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/medsync/internal/pump"
	"github.com/roach88/medsync/internal/queue"
	"github.com/roach88/medsync/internal/remote"
	"github.com/roach88/medsync/internal/repository"
	"github.com/roach88/medsync/internal/resource"
	"github.com/roach88/medsync/internal/subscription"
	"github.com/roach88/medsync/internal/synclog"
	"github.com/roach88/medsync/internal/workpool"
)

// ErrAlreadyRunning is returned by RunPull and RunPush when the direction's
// gate could not be acquired in time.
var ErrAlreadyRunning = errors.New("synchronization already running")

// Direction is a synchronization direction.
type Direction string

const (
	DirectionPull Direction = "pull"
	DirectionPush Direction = "push"
)

// Completed is raised after every pull or push run.
type Completed struct {
	Direction Direction `json:"direction"`
	Time      time.Time `json:"time"`
	// Count is the number of entries handed to the drain callback.
	Count int `json:"count"`
}

// Config tunes the service.
type Config struct {
	// LockTimeout bounds how long a trigger waits for its direction gate.
	LockTimeout time.Duration
	// MaxRetries is the number of transient push failures tolerated per
	// entry before it is dead-lettered.
	MaxRetries int
	// PageSize is the remote Find page size.
	PageSize int
	// FetchTries bounds attempts per page on transient failures.
	FetchTries uint
	// FetchBackoff is the initial retry interval for page fetches.
	FetchBackoff time.Duration
	// AdminTypes are routed to the admin queue by Submit.
	AdminTypes []resource.Type
}

// DefaultConfig returns the default tuning.
func DefaultConfig() Config {
	return Config{
		LockTimeout:  100 * time.Millisecond,
		MaxRetries:   3,
		PageSize:     100,
		FetchTries:   3,
		FetchBackoff: 200 * time.Millisecond,
	}
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Queues *queue.Manager
	Log    *synclog.Log
	Remote remote.Client

	// Endpoints overrides Remote per queue name.
	Endpoints map[string]remote.Client

	// Subscriptions defaults to Remote.
	Subscriptions subscription.Provider

	Repositories *repository.Registry
	Pool         *workpool.Pool
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithNow overrides the clock.
func WithNow(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithQueryIDs overrides the paged query id generator.
func WithQueryIDs(next func() string) Option {
	return func(s *Service) {
		s.newQueryID = next
	}
}

// Service runs pull and push synchronization.
type Service struct {
	deps    Dependencies
	cfg     Config
	pump    *pump.Pump
	bundler *Bundler

	pullGate gate
	pushGate gate

	logger     *slog.Logger
	now        func() time.Time
	newQueryID func() string

	mu          sync.RWMutex
	onCompleted []func(Completed)
	onSkipped   []func(Direction)
}

// New validates deps and builds a Service.
func New(deps Dependencies, cfg Config, opts ...Option) (*Service, error) {
	if deps.Queues == nil || deps.Log == nil || deps.Remote == nil || deps.Repositories == nil || deps.Pool == nil {
		return nil, errors.New("service: queues, log, remote, repositories and pool are required")
	}
	if deps.Subscriptions == nil {
		deps.Subscriptions = deps.Remote
	}
	def := DefaultConfig()
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = def.LockTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.FetchTries == 0 {
		cfg.FetchTries = def.FetchTries
	}
	if cfg.FetchBackoff <= 0 {
		cfg.FetchBackoff = def.FetchBackoff
	}

	s := &Service{
		deps:       deps,
		cfg:        cfg,
		pullGate:   newGate(),
		pushGate:   newGate(),
		logger:     slog.Default(),
		now:        time.Now,
		newQueryID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pump = pump.New(deps.Queues.DeadLetter(), pump.WithLogger(s.logger), pump.WithNow(s.now))
	s.bundler = NewBundler(deps.Repositories, deps.Remote, s.logger)
	return s, nil
}

// OnCompleted registers a completion listener.
func (s *Service) OnCompleted(fn func(Completed)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCompleted = append(s.onCompleted, fn)
}

// OnSkipped registers a listener for triggers dropped because the
// direction was already running.
func (s *Service) OnSkipped(fn func(Direction)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSkipped = append(s.onSkipped, fn)
}

// OnDeadLettered registers a listener for entries moved to the dead-letter
// queue. Register before the first run.
func (s *Service) OnDeadLettered(fn func(source string, e *queue.Entry, err error)) {
	s.pump.OnDeadLettered(fn)
}

// Pull schedules a pull for trigger on the pool. It returns false when a
// pull is already running or the pool is closed.
func (s *Service) Pull(trigger subscription.Trigger) bool {
	return s.schedule(DirectionPull, s.pullGate, func(ctx context.Context) (int, error) {
		return s.pull(ctx, trigger)
	})
}

// Push schedules a push on the pool. It returns false when a push is
// already running or the pool is closed.
func (s *Service) Push() bool {
	return s.schedule(DirectionPush, s.pushGate, s.push)
}

// RunPull pulls synchronously.
func (s *Service) RunPull(ctx context.Context, trigger subscription.Trigger) (int, error) {
	return s.runNow(ctx, DirectionPull, s.pullGate, func(ctx context.Context) (int, error) {
		return s.pull(ctx, trigger)
	})
}

// RunPush pushes synchronously.
func (s *Service) RunPush(ctx context.Context) (int, error) {
	return s.runNow(ctx, DirectionPush, s.pushGate, s.push)
}

// Running reports whether a run holds the direction's gate.
func (s *Service) Running(d Direction) bool {
	if d == DirectionPull {
		return s.pullGate.busy()
	}
	return s.pushGate.busy()
}

// Submit enqueues a local change for upload. Admin types go to the admin
// queue, everything else to outgoing.
func (s *Service) Submit(ctx context.Context, r resource.Resource, op queue.Operation) (*queue.Entry, error) {
	name := queue.Outgoing
	if slices.Contains(s.cfg.AdminTypes, r.Type) {
		name = queue.Admin
	}
	q, err := s.deps.Queues.Lookup(name)
	if err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, r, op)
}

func (s *Service) schedule(d Direction, g gate, run func(context.Context) (int, error)) bool {
	if !g.tryAcquire(s.cfg.LockTimeout) {
		s.skipped(d)
		return false
	}
	ok := s.deps.Pool.QueueUserWorkItem(func(ctx context.Context) {
		defer g.release()
		n, err := run(ctx)
		s.finish(d, n, err)
	})
	if !ok {
		g.release()
		s.logger.Warn("pool closed, dropping trigger", "direction", d)
		return false
	}
	return true
}

func (s *Service) runNow(ctx context.Context, d Direction, g gate, run func(context.Context) (int, error)) (int, error) {
	if !g.tryAcquire(s.cfg.LockTimeout) {
		s.skipped(d)
		return 0, fmt.Errorf("%s: %w", d, ErrAlreadyRunning)
	}
	defer g.release()
	n, err := run(ctx)
	s.finish(d, n, err)
	return n, err
}

func (s *Service) finish(d Direction, n int, err error) {
	if err != nil {
		s.logger.Error("synchronization finished with errors", "direction", d, "count", n, "error", err)
	} else {
		s.logger.Info("synchronization completed", "direction", d, "count", n)
	}

	ev := Completed{Direction: d, Time: s.now().UTC(), Count: n}
	s.mu.RLock()
	listeners := slices.Clone(s.onCompleted)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (s *Service) skipped(d Direction) {
	s.logger.Debug("synchronization already running, trigger dropped", "direction", d)
	s.mu.RLock()
	listeners := slices.Clone(s.onSkipped)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(d)
	}
}

func (s *Service) endpoint(queueName string) remote.Client {
	if c, ok := s.deps.Endpoints[queueName]; ok && c != nil {
		return c
	}
	return s.deps.Remote
}
