package mcsdk_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenclawdbot/mission-control-sub000/internal/app"
	"github.com/greenclawdbot/mission-control-sub000/internal/config"
	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
	"github.com/greenclawdbot/mission-control-sub000/internal/engine"
	"github.com/greenclawdbot/mission-control-sub000/internal/server"
	mcsdk "github.com/greenclawdbot/mission-control-sub000/sdk/go"
)

func newBoard(t *testing.T) (*app.App, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Driver = app.DriverMemory
	a, err := app.Open(context.Background(), cfg, app.Options{})
	require.NoError(t, err)
	handler, err := server.New(server.Config{Engine: a.Engine, Hub: a.Hub, BasePath: "/api"})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		_ = a.Close()
	})
	return a, srv.URL + "/api"
}

func TestWorkerLoop(t *testing.T) {
	a, base := newBoard(t)
	ctx := context.Background()
	task, err := a.Engine.CreateTask(ctx, engine.TaskCreateOptions{Title: "write docs", Status: domain.StatusReady})
	require.NoError(t, err)

	worker := mcsdk.New(base, "bot-1")
	other := mcsdk.New(base, "bot-2")

	offer, err := worker.ReadyForWork(ctx)
	require.NoError(t, err)
	require.True(t, offer.Claimed())
	assert.Equal(t, task.ID, offer.Task.ID)
	assert.Equal(t, time.Minute, offer.HeartbeatInterval())

	offer, err = other.ReadyForWork(ctx)
	require.NoError(t, err)
	assert.False(t, offer.Claimed())

	_, err = other.Claim(ctx, task.ID)
	require.Error(t, err)
	assert.True(t, mcsdk.IsConflict(err))
	var apiErr *mcsdk.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "bot-1", apiErr.ClaimedBy)
	assert.NotNil(t, apiErr.LockedAt)

	_, err = worker.Heartbeat(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, mcsdk.IsForbidden(other.Release(ctx, task.ID)))

	run, err := worker.StartRun(ctx, task.ID, "attempt one")
	require.NoError(t, err)
	assert.Equal(t, 1, run.AttemptNumber)

	updated, err := worker.ReportProgress(ctx, task.ID, []string{"outline", "draft"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"outline", "draft"}, updated.Progress)

	_, err = worker.SetExecutionState(ctx, task.ID, "completed")
	require.NoError(t, err)
	run, err = worker.FinishRun(ctx, task.ID, run.ID, "completed", "done")
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)

	moved, err := worker.SetStatus(ctx, task.ID, "Review")
	require.NoError(t, err)
	assert.Equal(t, "Review", moved.Status)
	require.NoError(t, worker.Release(ctx, task.ID))

	_, err = worker.Claim(ctx, "missing")
	assert.True(t, mcsdk.IsNotFound(err))
}

func TestKeepAliveStopsWhenLeaseIsLost(t *testing.T) {
	a, base := newBoard(t)
	ctx := context.Background()
	task, err := a.Engine.CreateTask(ctx, engine.TaskCreateOptions{Title: "long job", Status: domain.StatusReady})
	require.NoError(t, err)

	worker := mcsdk.New(base, "bot-1")
	_, err = worker.Claim(ctx, task.ID)
	require.NoError(t, err)
	_, err = a.Engine.Release(ctx, task.ID, "bot-1")
	require.NoError(t, err)

	kctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err = worker.KeepAlive(kctx, task.ID, 10*time.Millisecond)
	assert.True(t, mcsdk.IsForbidden(err), "got %v", err)
}
