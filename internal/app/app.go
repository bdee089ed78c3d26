// Package app wires the sync agent together from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/medsync/internal/config"
	"github.com/roach88/medsync/internal/metrics"
	"github.com/roach88/medsync/internal/queue"
	"github.com/roach88/medsync/internal/remote"
	"github.com/roach88/medsync/internal/repository"
	"github.com/roach88/medsync/internal/resource"
	"github.com/roach88/medsync/internal/service"
	"github.com/roach88/medsync/internal/store"
	"github.com/roach88/medsync/internal/subscription"
	"github.com/roach88/medsync/internal/synclog"
	"github.com/roach88/medsync/internal/workpool"
)

const (
	databaseFile    = "medsync.db"
	shutdownTimeout = 10 * time.Second
)

// App is a fully wired agent. Close releases everything New opened.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Store        *store.Store
	Queues       *queue.Manager
	SyncLog      *synclog.Log
	Remote       *remote.Fixture
	Repositories *repository.Registry
	Pool         *workpool.Pool
	Service      *service.Service
	Metrics      *metrics.Metrics
	PollJob      *service.Job
	PushJob      *service.Job

	metricsAddr chan string
}

// Option configures New.
type Option func(*options)

type options struct {
	now    func() time.Time
	remote *remote.Fixture
}

// WithNow overrides the clock of every component.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithRemote replaces the remote named in the configuration.
func WithRemote(f *remote.Fixture) Option {
	return func(o *options) {
		o.remote = f
	}
}

// New opens storage and queues and builds the service and its jobs.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	if err := os.MkdirAll(cfg.AppDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create app directory: %w", err)
	}

	a := &App{Config: cfg, Logger: logger, metricsAddr: make(chan string, 1)}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Store, err = store.Open(filepath.Join(cfg.AppDir, databaseFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	engine := queue.EngineFile
	if cfg.Storage == config.StorageSQLite {
		engine = queue.EngineSQLite
	}
	a.Queues, err = queue.OpenManager(ctx, queue.ManagerConfig{
		Dir:    cfg.AppDir,
		Engine: engine,
		Store:  a.Store,
		Logger: logger,
		Now:    o.now,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open queues: %w", err)
	}

	a.Remote = o.remote
	if a.Remote == nil {
		a.Remote, err = loadRemote(cfg.Remote)
		if err != nil {
			return nil, err
		}
	}

	var subs subscription.Provider = a.Remote
	if cfg.SubscriptionsDir != "" {
		subs = subscription.Merge{a.Remote, subscription.Dir(cfg.SubscriptionsDir)}
	}

	a.Repositories = repository.NewRegistry()
	a.Repositories.Register(repository.NewStoreRepository(a.Store), resourceTypes(cfg.ResourceTypes)...)

	a.SyncLog = synclog.New(a.Store, synclog.WithNow(o.now), synclog.WithLogger(logger))
	a.Pool = workpool.New(cfg.Workers, logger)

	a.Service, err = service.New(service.Dependencies{
		Queues:        a.Queues,
		Log:           a.SyncLog,
		Remote:        a.Remote,
		Subscriptions: subs,
		Repositories:  a.Repositories,
		Pool:          a.Pool,
	}, service.Config{
		LockTimeout: cfg.LockTimeout,
		MaxRetries:  cfg.MaxRetries,
		PageSize:    cfg.PageSize,
		AdminTypes:  resourceTypes(cfg.AdminTypes),
	}, service.WithLogger(logger), service.WithNow(o.now))
	if err != nil {
		return nil, err
	}

	// A push that delivered anything may change what the server sends back.
	a.Service.OnCompleted(func(c service.Completed) {
		if c.Direction == service.DirectionPush && c.Count > 0 {
			a.Service.Pull(subscription.OnPush)
		}
	})

	jobOpts := []service.JobOption{service.WithJobLogger(logger), service.WithJobNow(o.now)}
	a.PollJob = service.NewPollJob(a.Service, cfg.PollInterval, jobOpts...)
	a.PushJob = service.NewPushJob(a.Service, cfg.PushInterval, jobOpts...)

	a.Metrics = metrics.New()
	if err := a.Metrics.ObserveQueues(a.Queues); err != nil {
		return nil, fmt.Errorf("failed to register queue metrics: %w", err)
	}
	a.Metrics.ObserveService(a.Service)
	a.Metrics.ObserveJob(a.PollJob)
	a.Metrics.ObserveJob(a.PushJob)

	for _, q := range a.Queues.Queues() {
		q.OnCorrupted(func(e *queue.Error) {
			logger.Error("queue index corrupted, run `medsync queue repair`", "queue", e.Queue, "position", e.Position)
		})
	}
	return a, nil
}

func loadRemote(cfg config.RemoteConfig) (*remote.Fixture, error) {
	if cfg.Fixture == "" {
		return remote.NewFixture(), nil
	}
	f, err := remote.LoadFixture(cfg.Fixture)
	if err != nil {
		return nil, fmt.Errorf("failed to load remote fixture: %w", err)
	}
	return f, nil
}

func resourceTypes(names []string) []resource.Type {
	out := make([]resource.Type, 0, len(names))
	for _, n := range names {
		out = append(out, resource.Type(n))
	}
	return out
}

// Run triggers the start-up pull, then runs both jobs and the metrics
// endpoint until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.Service.Pull(subscription.OnStart)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCanceled(a.PollJob.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(a.PushJob.Run(ctx)) })
	if a.Config.MetricsAddr != "" {
		g.Go(func() error { return a.serveMetrics(ctx) })
	}
	return g.Wait()
}

func (a *App) serveMetrics(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.Config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.Config.MetricsAddr, err)
	}
	a.metricsAddr <- ln.Addr().String()

	mux := http.NewServeMux()
	mux.Handle("/metrics", a.Metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("serving metrics", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// MetricsAddr returns the bound metrics address once the server listens.
func (a *App) MetricsAddr() <-chan string {
	return a.metricsAddr
}

// Apply takes the live-reloadable part of cfg: job intervals.
func (a *App) Apply(cfg *config.Config) {
	if cfg.PollInterval != a.PollJob.Interval() {
		a.PollJob.SetInterval(cfg.PollInterval)
	}
	if cfg.PushInterval != a.PushJob.Interval() {
		a.PushJob.SetInterval(cfg.PushInterval)
	}
}

// Close waits for in-flight runs and releases queues and storage.
func (a *App) Close() error {
	var errs []error
	if a.Pool != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		errs = append(errs, a.Pool.Close(ctx))
		cancel()
	}
	if a.Queues != nil {
		errs = append(errs, a.Queues.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
