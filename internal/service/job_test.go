package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/medsync/internal/testutil"
)

func TestJob_RunOnce_Completed(t *testing.T) {
	clock := testutil.NewStepClock(epoch, time.Second)
	j := NewJob("test", 0, func(context.Context) (int, error) { return 7, nil }, WithJobNow(clock.Now))

	assert.Equal(t, JobNotRun, j.State())
	assert.Equal(t, JobCompleted, j.RunOnce(context.Background()))
	assert.Equal(t, JobCompleted, j.State())
	assert.Equal(t, []Transition{
		{State: JobRunning, Time: epoch},
		{State: JobCompleted, Time: epoch.Add(time.Second), Count: 7},
	}, j.History())
}

func TestJob_RunOnce_Aborted(t *testing.T) {
	j := NewJob("test", 0, func(context.Context) (int, error) { return 2, errors.New("remote down") })

	assert.Equal(t, JobAborted, j.RunOnce(context.Background()))
	h := j.History()
	require.Len(t, h, 2)
	assert.Equal(t, "remote down", h[1].Error)
	assert.Equal(t, 2, h[1].Count)
}

func TestJob_RunOnce_DirectionBusyIsCancelled(t *testing.T) {
	j := NewJob("test", 0, func(context.Context) (int, error) { return 0, ErrAlreadyRunning })
	assert.Equal(t, JobCancelled, j.RunOnce(context.Background()))
}

func TestJob_RunOnce_NoOverlap(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	j := NewJob("test", 0, func(context.Context) (int, error) {
		close(entered)
		<-release
		return 1, nil
	})

	done := make(chan JobState)
	go func() { done <- j.RunOnce(context.Background()) }()
	<-entered

	assert.Equal(t, JobRunning, j.State())
	assert.Equal(t, JobCancelled, j.RunOnce(context.Background()))
	close(release)
	assert.Equal(t, JobCompleted, <-done)
}

func TestJob_RunOnce_IgnoresCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var sawErr error
	j := NewJob("test", 0, func(ctx context.Context) (int, error) {
		sawErr = ctx.Err()
		return 0, nil
	})
	assert.Equal(t, JobCompleted, j.RunOnce(ctx))
	assert.NoError(t, sawErr)
}

func TestJob_HistoryIsBounded(t *testing.T) {
	j := NewJob("test", 0, func(context.Context) (int, error) { return 0, nil })
	for range maxHistory {
		j.RunOnce(context.Background())
	}
	assert.Len(t, j.History(), maxHistory)
}

func TestJob_OnStateChange(t *testing.T) {
	j := NewJob("test", 0, func(context.Context) (int, error) { return 0, nil })
	var (
		mu     sync.Mutex
		states []JobState
	)
	j.OnStateChange(func(s JobState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s)
	})
	j.RunOnce(context.Background())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []JobState{JobRunning, JobCompleted}, states)
}

func TestJob_Run_TicksAndStops(t *testing.T) {
	var runs atomic.Int64
	j := NewJob("test", 5*time.Millisecond, func(context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- j.Run(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestJob_SetInterval_EnablesTicking(t *testing.T) {
	var runs atomic.Int64
	j := NewJob("test", 0, func(context.Context) (int, error) {
		runs.Add(1)
		return 0, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = j.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, runs.Load(), "a zero interval never ticks")

	j.SetInterval(5 * time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, j.Interval())
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)
}

func TestNewPollJob_DrivesPull(t *testing.T) {
	e := newEnv(t)
	j := NewPollJob(e.svc, time.Minute)
	assert.Equal(t, "poll", j.Name())
	assert.Equal(t, JobCompleted, j.RunOnce(context.Background()))

	h := j.History()
	assert.Equal(t, 4, h[len(h)-1].Count)
}

func TestNewPushJob_CancelledWhilePushRunning(t *testing.T) {
	e := newEnv(t)
	require.True(t, e.svc.pushGate.tryAcquire(0))
	defer e.svc.pushGate.release()

	j := NewPushJob(e.svc, time.Minute)
	assert.Equal(t, JobCancelled, j.RunOnce(context.Background()))
}

func TestGate(t *testing.T) {
	g := newGate()
	assert.False(t, g.busy())
	require.True(t, g.tryAcquire(0))
	assert.True(t, g.busy())

	start := time.Now()
	assert.False(t, g.tryAcquire(10*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)

	go func() {
		time.Sleep(5 * time.Millisecond)
		g.release()
	}()
	assert.True(t, g.tryAcquire(time.Second), "acquired once released within the timeout")
	g.release()
	assert.False(t, g.busy())
}
