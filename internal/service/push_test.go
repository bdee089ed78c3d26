package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/medsync/internal/queue"
	"github.com/roach88/medsync/internal/remote"
	"github.com/roach88/medsync/internal/resource"
	"github.com/roach88/medsync/internal/testutil"
	"github.com/roach88/medsync/internal/workpool"
)

func submit(t *testing.T, e *env, typ, key string, op queue.Operation) *queue.Entry {
	t.Helper()
	entry, err := e.svc.Submit(context.Background(), testutil.Resource(typ, key), op)
	require.NoError(t, err)
	return entry
}

func TestRunPush_MapsOperations(t *testing.T) {
	e := newEnv(t)
	submit(t, e, "Patient", "new", queue.OpInsert)
	submit(t, e, "Patient", "p2", queue.OpUpdate)
	submit(t, e, "Patient", "p3", queue.OpObsolete)
	submit(t, e, "Patient", "p1", queue.OpSync)
	submit(t, e, "Patient", "fresh", queue.OpSync)

	n, err := e.svc.RunPush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 0, e.queues.Get(queue.Outgoing).Count())

	assert.Equal(t, []remote.Call{
		{Method: remote.MethodInsert, Ref: "Patient/new"},
		{Method: remote.MethodUpdate, Ref: "Patient/p2"},
		{Method: remote.MethodObsolete, Ref: "Patient/p3"},
		{Method: remote.MethodUpdate, Ref: "Patient/p1"},
		{Method: remote.MethodInsert, Ref: "Patient/fresh"},
	}, e.remote.Recorded())

	completed, _ := e.events()
	require.Len(t, completed, 1)
	assert.Equal(t, Completed{Direction: DirectionPush, Time: completed[0].Time, Count: 5}, completed[0])
}

func TestSubmit_RoutesAdminTypes(t *testing.T) {
	admin := remote.NewFixture()
	e := newEnv(t, func(cfg *Config, deps *Dependencies) {
		cfg.AdminTypes = []resource.Type{"User"}
		deps.Endpoints = map[string]remote.Client{queue.Admin: admin}
	})
	submit(t, e, "User", "u1", queue.OpInsert)
	submit(t, e, "Patient", "x1", queue.OpInsert)

	assert.Equal(t, 1, e.queues.Get(queue.Admin).Count())
	assert.Equal(t, 1, e.queues.Get(queue.Outgoing).Count())

	n, err := e.svc.RunPush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []remote.Call{{Method: remote.MethodInsert, Ref: "User/u1"}}, admin.Recorded())
	assert.Equal(t, []remote.Call{{Method: remote.MethodInsert, Ref: "Patient/x1"}}, e.remote.Recorded())
}

func TestSubmit_RejectsInvalid(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Submit(context.Background(), resource.Resource{Type: "Patient"}, queue.OpInsert)
	assert.Error(t, err)
}

func TestRunPush_TransientFailureRequeues(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.remote.FailNext(remote.MethodInsert, remote.ErrTransient)
	submit(t, e, "Patient", "a", queue.OpInsert)
	submit(t, e, "Patient", "b", queue.OpInsert)

	n, err := e.svc.RunPush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the drain stops at the first transient failure")

	out := e.queues.Get(queue.Outgoing)
	require.Equal(t, 2, out.Count())
	head, err := out.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, resource.Key("a"), head.Data.Key, "requeued at the head")
	assert.True(t, head.IsRetry)
	assert.Equal(t, 1, head.RetryCount)
	assert.Empty(t, e.deadLetters(t))

	n, err = e.svc.RunPush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []remote.Call{
		{Method: remote.MethodInsert, Ref: "Patient/a", IsRetry: true},
		{Method: remote.MethodInsert, Ref: "Patient/b"},
	}, e.remote.Recorded())
}

func TestRunPush_TransientRetriesExhausted(t *testing.T) {
	e := newEnv(t, func(cfg *Config, _ *Dependencies) {
		cfg.MaxRetries = 1
	})
	ctx := context.Background()
	e.remote.FailNext(remote.MethodInsert, remote.ErrTransient, remote.ErrTransient)
	submit(t, e, "Patient", "a", queue.OpInsert)

	_, err := e.svc.RunPush(ctx)
	require.NoError(t, err)
	_, err = e.svc.RunPush(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, e.queues.Get(queue.Outgoing).Count())
	dls := e.deadLetters(t)
	require.Len(t, dls, 1)
	assert.Equal(t, queue.Outgoing, dls[0].OriginalQueue)
	assert.Contains(t, string(dls[0].TagData), "giving up after 1 retries")
}

func TestRunPush_ObsoleteNotFoundIsDropped(t *testing.T) {
	e := newEnv(t)
	submit(t, e, "Patient", "ghost", queue.OpObsolete)

	n, err := e.svc.RunPush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, e.deadLetters(t))
	assert.Equal(t, 0, e.queues.Get(queue.Outgoing).Count())
}

func TestRunPush_UpdateNotFoundIsDeadLettered(t *testing.T) {
	e := newEnv(t)
	submit(t, e, "Patient", "ghost", queue.OpUpdate)

	_, err := e.svc.RunPush(context.Background())
	require.NoError(t, err)
	assert.Len(t, e.deadLetters(t), 1)
}

func TestRunPush_RejectionDeadLettersAndRetryRoundTrip(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	submit(t, e, "Patient", "p2", queue.OpInsert)
	submit(t, e, "Patient", "ok", queue.OpInsert)

	n, err := e.svc.RunPush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one bad record never stalls the queue")

	dls := e.deadLetters(t)
	require.Len(t, dls, 1)
	assert.Equal(t, queue.Outgoing, dls[0].OriginalQueue)
	assert.Equal(t, resource.Key("p2"), dls[0].Data.Key)

	_, err = e.queues.Retry(ctx, dls[0])
	require.NoError(t, err)
	assert.Empty(t, e.deadLetters(t))
	assert.Equal(t, 1, e.queues.Get(queue.Outgoing).Count())

	_, err = e.svc.RunPush(ctx)
	require.NoError(t, err)
	calls := e.remote.Recorded()
	assert.Equal(t, remote.Call{Method: remote.MethodInsert, Ref: "Patient/p2", IsRetry: true}, calls[len(calls)-1])
}

func TestRunPush_RetryUploadsMissingDependencies(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	local := testutil.Resource("Patient", "local1")
	require.NoError(t, e.repo.Save(ctx, local))
	enc := testutil.Resource("Encounter", "e9", resource.Relationship{
		Kind: resource.ActParticipation, Target: "local1", TargetType: "Patient",
	}, resource.Relationship{
		Kind: resource.ActParticipation, Target: "p1", TargetType: "Patient",
	})

	_, err := e.queues.Get(queue.Outgoing).Enqueue(ctx, enc, queue.OpInsert, queue.WithRetry(0))
	require.NoError(t, err)

	_, err = e.svc.RunPush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []remote.Call{
		{Method: remote.MethodInsert, Ref: "Patient/local1", IsRetry: true},
		{Method: remote.MethodInsert, Ref: "Encounter/e9", IsRetry: true},
	}, e.remote.Recorded(), "p1 already exists remotely and is not re-sent")
}

func TestRunPush_RetryExpandsBundleMembers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.repo.Save(ctx, testutil.Resource("Patient", "local1")))
	require.NoError(t, e.repo.Save(ctx, testutil.Resource("Location", "l9")))
	at := func(typ, key string) resource.Relationship {
		return resource.Relationship{Kind: resource.ActParticipation, Target: resource.Key(key), TargetType: resource.Type(typ)}
	}
	bundle := resource.NewBundle(
		testutil.Resource("Encounter", "e9", at("Patient", "local1")),
		testutil.Resource("Encounter", "e10", at("Patient", "local1"), at("Location", "l9")),
	)

	_, err := e.queues.Get(queue.Outgoing).Enqueue(ctx, bundle, queue.OpInsert, queue.WithRetry(0))
	require.NoError(t, err)

	n, err := e.svc.RunPush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []remote.Call{
		{Method: remote.MethodInsert, Ref: "Patient/local1", IsRetry: true},
		{Method: remote.MethodInsert, Ref: "Location/l9", IsRetry: true},
		{Method: remote.MethodInsert, Ref: "Encounter/e9", IsRetry: true},
		{Method: remote.MethodInsert, Ref: "Encounter/e10", IsRetry: true},
	}, e.remote.Recorded())
}

func TestRunPush_RetryUpdateInsertsDependenciesFirst(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.repo.Save(ctx, testutil.Resource("Patient", "local1")))
	enc := testutil.Resource("Encounter", "e1", resource.Relationship{
		Kind: resource.ActParticipation, Target: "local1", TargetType: "Patient",
	})

	_, err := e.queues.Get(queue.Outgoing).Enqueue(ctx, enc, queue.OpUpdate, queue.WithRetry(0))
	require.NoError(t, err)

	_, err = e.svc.RunPush(ctx)
	require.NoError(t, err)
	assert.Equal(t, []remote.Call{
		{Method: remote.MethodInsert, Ref: "Patient/local1", IsRetry: true},
		{Method: remote.MethodUpdate, Ref: "Encounter/e1", IsRetry: true},
	}, e.remote.Recorded())
	assert.Zero(t, e.queues.DeadLetter().Count())
}

func TestPush_PoolClosedWhileQueuedReleasesGate(t *testing.T) {
	pool := workpool.New(1, nil)
	e := newEnv(t, func(_ *Config, d *Dependencies) { d.Pool = pool })
	submit(t, e, "Patient", "new", queue.OpInsert)

	var completed atomic.Int32
	e.svc.OnCompleted(func(c Completed) {
		if c.Direction == DirectionPush {
			completed.Add(1)
		}
	})

	started := make(chan struct{})
	pool.QueueUserWorkItem(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})
	<-started

	require.True(t, e.svc.Push())
	assert.True(t, e.svc.Running(DirectionPush))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Close(ctx), context.DeadlineExceeded)

	assert.False(t, e.svc.Running(DirectionPush), "push gate is released")
	assert.Equal(t, int32(1), completed.Load())
	assert.Equal(t, 1, e.queues.Get(queue.Outgoing).Count(), "cancelled push leaves the entry queued")
}
