package app

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/medsync/internal/config"
	"github.com/roach88/medsync/internal/queue"
	"github.com/roach88/medsync/internal/remote"
	"github.com/roach88/medsync/internal/subscription"
	"github.com/roach88/medsync/internal/testutil"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.AppDir = t.TempDir()
	cfg.Remote.Fixture = "testdata/clinic.yaml"
	cfg.Workers = 2
	return cfg
}

func newApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestNew_PullsIntoRepositories(t *testing.T) {
	for _, storage := range []string{config.StorageFile, config.StorageSQLite} {
		t.Run(storage, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Storage = storage
			a := newApp(t, cfg)
			ctx := context.Background()

			n, err := a.Service.RunPull(ctx, subscription.Manual)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			_, err = a.Repositories.Get(ctx, "Encounter", "e1")
			assert.NoError(t, err)
		})
	}
}

func TestNew_DirectoryIsLocked(t *testing.T) {
	cfg := testConfig(t)
	newApp(t, cfg)

	_, err := New(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, queue.ErrLocked)
}

func TestNew_BadFixture(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.Fixture = "testdata/missing.yaml"
	_, err := New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "failed to load remote fixture")
}

func TestNew_SubscriptionsDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeFile(dir+"/extra.cue", `package subscriptions

subscription: "active-encounters": {
	resource_type: "Encounter"
	triggers: ["periodic-poll"]
}
`))
	cfg := testConfig(t)
	cfg.SubscriptionsDir = dir
	a := newApp(t, cfg)

	n, err := a.Service.RunPull(context.Background(), subscription.PeriodicPoll)
	require.NoError(t, err)
	assert.Equal(t, 3, n, "remote patients plus locally defined encounters")
}

func TestPush_TriggersOnPushPull(t *testing.T) {
	cfg := testConfig(t)
	a := newApp(t, cfg)
	ctx := context.Background()

	_, err := a.Service.Submit(ctx, testutil.Resource("Patient", "local1"), queue.OpInsert)
	require.NoError(t, err)

	n, err := a.Service.RunPush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a.Pool.Wait()
	assert.Equal(t, 1, a.Remote.Calls(remote.MethodFind), "only the on-push subscription is fetched")
	_, err = a.Repositories.Get(ctx, "Patient", "p2")
	assert.NoError(t, err)
}

func TestRun_ServesMetricsAndStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.MetricsAddr = "127.0.0.1:0"
	a := newApp(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	var addr string
	select {
	case addr = <-a.MetricsAddr():
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not start")
	}

	a.Pool.Wait()
	_, err := a.Repositories.Get(context.Background(), "Patient", "p1")
	require.NoError(t, err, "start-up pull")

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), `medsync_queue_depth{queue="incoming"}`)
	assert.Contains(t, string(body), `medsync_sync_runs_total{direction="pull"} 1`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestApply_UpdatesIntervals(t *testing.T) {
	cfg := testConfig(t)
	a := newApp(t, cfg)

	next := *cfg
	next.PollInterval = 10 * time.Second
	next.PushInterval = 0
	a.Apply(&next)

	assert.Equal(t, 10*time.Second, a.PollJob.Interval())
	assert.Equal(t, time.Duration(0), a.PushJob.Interval())
}
