package service

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roach88/medsync/internal/subscription"
)

// JobState is the run state of a Job.
type JobState int

const (
	JobNotRun JobState = iota
	JobRunning
	JobCompleted
	JobAborted
	JobCancelled
)

func (s JobState) String() string {
	switch s {
	case JobNotRun:
		return "not-run"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobAborted:
		return "aborted"
	case JobCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Transition is one recorded state change.
type Transition struct {
	State JobState  `json:"state"`
	Time  time.Time `json:"time"`
	Count int       `json:"count,omitempty"`
	Error string    `json:"error,omitempty"`
}

const maxHistory = 50

// Job runs fn on an interval without overlapping itself.
//
// A run is not cancellable once started: it gets a context detached from
// the one passed to Run. Cancelled means the run was skipped because the
// job or the direction it drives was already running.
type Job struct {
	name   string
	fn     func(ctx context.Context) (int, error)
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	interval  time.Duration
	state     JobState
	running   bool
	history   []Transition
	listeners []func(JobState)

	reset chan struct{}
}

// JobOption configures a Job.
type JobOption func(*Job)

// WithJobLogger sets the job logger.
func WithJobLogger(logger *slog.Logger) JobOption {
	return func(j *Job) {
		j.logger = logger
	}
}

// WithJobNow overrides the clock used in the history.
func WithJobNow(now func() time.Time) JobOption {
	return func(j *Job) {
		j.now = now
	}
}

// NewJob creates a job running fn every interval.
func NewJob(name string, interval time.Duration, fn func(ctx context.Context) (int, error), opts ...JobOption) *Job {
	j := &Job{
		name:     name,
		fn:       fn,
		interval: interval,
		logger:   slog.Default(),
		now:      time.Now,
		reset:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("job", name)
	return j
}

// NewPollJob creates the periodic pull job.
func NewPollJob(s *Service, interval time.Duration, opts ...JobOption) *Job {
	return NewJob("poll", interval, func(ctx context.Context) (int, error) {
		return s.RunPull(ctx, subscription.PeriodicPoll)
	}, opts...)
}

// NewPushJob creates the periodic push job.
func NewPushJob(s *Service, interval time.Duration, opts ...JobOption) *Job {
	return NewJob("push", interval, s.RunPush, opts...)
}

// Name returns the job name.
func (j *Job) Name() string {
	return j.name
}

// Run ticks until ctx is done. A non-positive interval disables ticking
// until SetInterval enables it.
func (j *Job) Run(ctx context.Context) error {
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
	)
	start := func(d time.Duration) {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
		if d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}
	}
	start(j.Interval())
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-j.reset:
			start(j.Interval())
		case <-tick:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce runs the job now unless it is already running. It returns the
// resulting state.
func (j *Job) RunOnce(ctx context.Context) JobState {
	j.mu.Lock()
	if j.running {
		j.mu.Unlock()
		j.logger.Debug("previous run still in progress, skipping")
		return JobCancelled
	}
	j.running = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.running = false
		j.mu.Unlock()
	}()

	j.transition(Transition{State: JobRunning})
	n, err := j.fn(context.WithoutCancel(ctx))

	tr := Transition{Count: n}
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		tr.State = JobCancelled
	case err != nil:
		tr.State = JobAborted
		tr.Error = err.Error()
		j.logger.Warn("job run aborted", "error", err)
	default:
		tr.State = JobCompleted
	}
	j.transition(tr)
	return tr.State
}

// SetInterval changes the tick interval of a running job.
func (j *Job) SetInterval(d time.Duration) {
	j.mu.Lock()
	j.interval = d
	j.mu.Unlock()

	select {
	case j.reset <- struct{}{}:
	default:
	}
	j.logger.Info("job interval changed", "interval", d)
}

// Interval returns the tick interval.
func (j *Job) Interval() time.Duration {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.interval
}

// State returns the latest state.
func (j *Job) State() JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// History returns recent transitions, oldest first.
func (j *Job) History() []Transition {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.history)
}

// OnStateChange registers a listener for state transitions.
func (j *Job) OnStateChange(fn func(JobState)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.listeners = append(j.listeners, fn)
}

func (j *Job) transition(tr Transition) {
	tr.Time = j.now().UTC()

	j.mu.Lock()
	j.state = tr.State
	j.history = append(j.history, tr)
	if len(j.history) > maxHistory {
		j.history = slices.Clone(j.history[len(j.history)-maxHistory:])
	}
	listeners := slices.Clone(j.listeners)
	j.mu.Unlock()

	for _, fn := range listeners {
		fn(tr.State)
	}
}
