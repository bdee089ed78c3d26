package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/medsync/internal/queue"
	"github.com/roach88/medsync/internal/remote"
	"github.com/roach88/medsync/internal/repository"
	"github.com/roach88/medsync/internal/resource"
	"github.com/roach88/medsync/internal/subscription"
)

var patientsOnly = subscription.Definition{
	Name:         "patients",
	ResourceType: "Patient",
	Triggers:     []subscription.Trigger{subscription.PeriodicPoll},
}

func TestRunPull_PersistsSubscribedResources(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	n, err := e.svc.RunPull(ctx, subscription.Manual)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "3 patients and 1 active encounter")
	assert.Equal(t, int64(4), e.repo.saves.Load())
	assert.Equal(t, 0, e.queues.Get(queue.Incoming).Count())

	got, err := e.repos.Get(ctx, "Encounter", "e1")
	require.NoError(t, err)
	assert.Equal(t, resource.Key("e1"), got.Key)
	_, err = e.repos.Get(ctx, "Encounter", "e2")
	assert.Error(t, err, "filtered out by the subscription")

	etag, err := e.log.LastETag(ctx, "Patient", "")
	require.NoError(t, err)
	assert.NotEmpty(t, etag)
	last, ok, err := e.log.LastTime(ctx, "Encounter", "status=active")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, last.IsZero())

	queries, err := e.log.Queries(ctx)
	require.NoError(t, err)
	assert.Empty(t, queries, "completed queries leave no continuation state")

	completed, _ := e.events()
	require.Len(t, completed, 1)
	assert.Equal(t, DirectionPull, completed[0].Direction)
	assert.Equal(t, 4, completed[0].Count)
}

func TestRunPull_OnlyDueSubscriptions(t *testing.T) {
	e := newEnv(t)
	n, err := e.svc.RunPull(context.Background(), subscription.OnStart)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "only the patients subscription runs on start")
}

func TestRunPull_IsIncremental(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.svc.RunPull(ctx, subscription.Manual)
	require.NoError(t, err)

	n, err := e.svc.RunPull(ctx, subscription.Manual)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "nothing modified since the last pull")

	p4 := resource.Resource{Type: "Patient", Key: "p4", ModifiedAt: e.clock.Peek().Add(time.Hour)}
	e.remote.Seed(p4)
	n, err = e.svc.RunPull(ctx, subscription.Manual)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRunPull_ResumesInterruptedQuery(t *testing.T) {
	e := newEnv(t, func(cfg *Config, _ *Dependencies) {
		cfg.PageSize = 1
	})
	e.remote.SetSubscriptions(patientsOnly)
	ctx := context.Background()

	e.remote.FailNext(remote.MethodFind, nil, &remote.RejectedError{Ref: "Patient", Reason: "maintenance"})
	n, err := e.svc.RunPull(ctx, subscription.PeriodicPoll)
	require.Error(t, err)
	assert.Equal(t, 1, n, "the first page is still persisted")

	qs, err := e.log.FindQueryData(ctx, "Patient", "")
	require.NoError(t, err)
	require.NotNil(t, qs)
	assert.Equal(t, "query-1", qs.QueryID)
	assert.Equal(t, 1, qs.Offset)

	n, err = e.svc.RunPull(ctx, subscription.PeriodicPoll)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "resumes at offset 1")
	assert.Equal(t, 4, e.remote.Calls(remote.MethodFind))

	qs, err = e.log.FindQueryData(ctx, "Patient", "")
	require.NoError(t, err)
	assert.Nil(t, qs)

	for _, key := range []resource.Key{"p1", "p2", "p3"} {
		_, err := e.repos.Get(ctx, "Patient", key)
		assert.NoError(t, err, key)
	}
}

func TestRunPull_RetriesTransientFetch(t *testing.T) {
	e := newEnv(t)
	e.remote.SetSubscriptions(patientsOnly)
	e.remote.FailNext(remote.MethodFind, remote.ErrTransient)

	n, err := e.svc.RunPull(context.Background(), subscription.PeriodicPoll)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, e.remote.Calls(remote.MethodFind))
}

func TestRunPull_MissingRepositoryDeadLetters(t *testing.T) {
	e := newEnv(t, func(_ *Config, deps *Dependencies) {
		patients, err := deps.Repositories.Lookup("Patient")
		require.NoError(t, err)
		only := repository.NewRegistry()
		only.Register(patients, "Patient")
		deps.Repositories = only
	})

	n, err := e.svc.RunPull(context.Background(), subscription.Manual)
	require.NoError(t, err, "dead-lettered entries are not run errors")
	assert.Equal(t, 4, n)
	assert.Equal(t, int64(3), e.repo.saves.Load())

	dls := e.deadLetters(t)
	require.Len(t, dls, 1)
	assert.Equal(t, queue.Incoming, dls[0].OriginalQueue)
	assert.Equal(t, resource.Key("e1"), dls[0].Data.Key)
	assert.Contains(t, string(dls[0].TagData), "no repository registered")
}

func TestPull_SingleFlight(t *testing.T) {
	e := newEnv(t)
	release := e.remote.Block()

	require.True(t, e.svc.Pull(subscription.Manual))
	assert.False(t, e.svc.Pull(subscription.Manual), "second trigger is dropped while the first runs")
	assert.True(t, e.svc.Running(DirectionPull))

	release()
	e.pool.Wait()

	assert.Equal(t, int64(4), e.repo.saves.Load(), "exactly one pull saved the dataset")
	completed, skipped := e.events()
	require.Len(t, completed, 1)
	assert.Equal(t, []Direction{DirectionPull}, skipped)
	assert.False(t, e.svc.Running(DirectionPull))

	_, err := e.svc.RunPull(context.Background(), subscription.Manual)
	require.NoError(t, err, "gate is released after the scheduled run")
}

func TestRunPull_AlreadyRunning(t *testing.T) {
	e := newEnv(t)
	release := e.remote.Block()
	defer release()

	require.True(t, e.svc.Pull(subscription.Manual))
	_, err := e.svc.RunPull(context.Background(), subscription.Manual)
	assert.True(t, errors.Is(err, ErrAlreadyRunning))
}
