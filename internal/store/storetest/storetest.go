// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenclawdbot/mission-control-sub000/internal/audit"
	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
	"github.com/greenclawdbot/mission-control-sub000/internal/store"
)

// Factory returns an empty store. The test owns it and closes it.
type Factory func(t *testing.T) store.Store

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time { return t0.Add(time.Duration(minutes) * time.Minute) }

func seed(t *testing.T, s store.Store, id string, status domain.Status, created time.Time) domain.Task {
	t.Helper()
	task, _ := domain.NewTask(id, "task "+id, domain.DefaultAssignee, status, created)
	require.NoError(t, s.CreateTask(context.Background(), task, "intake"))
	return task
}

func open(t *testing.T, f Factory) store.Store {
	s := f(t)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Run exercises f against the whole store contract.
func Run(t *testing.T, f Factory) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, open(t, f)) })
	t.Run("UpdateAndList", func(t *testing.T) { testUpdateAndList(t, open(t, f)) })
	t.Run("TransitionStatus", func(t *testing.T) { testTransitionStatus(t, open(t, f)) })
	t.Run("ClaimLease", func(t *testing.T) { testClaimLease(t, open(t, f)) })
	t.Run("ConcurrentClaims", func(t *testing.T) { testConcurrentClaims(t, open(t, f)) })
	t.Run("ReleaseLease", func(t *testing.T) { testReleaseLease(t, open(t, f)) })
	t.Run("Heartbeat", func(t *testing.T) { testHeartbeat(t, open(t, f)) })
	t.Run("ClearStaleLeases", func(t *testing.T) { testClearStaleLeases(t, open(t, f)) })
	t.Run("Discovery", func(t *testing.T) { testDiscovery(t, open(t, f)) })
	t.Run("Runs", func(t *testing.T) { testRuns(t, open(t, f)) })
	t.Run("DeleteTask", func(t *testing.T) { testDeleteTask(t, open(t, f)) })
	t.Run("Audit", func(t *testing.T) { testAudit(t, open(t, f)) })
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	want := seed(t, s, "t1", domain.StatusReady, at(0))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, domain.StatusReady, got.Status)
	assert.Equal(t, domain.ExecIdle, got.ExecutionState)
	assert.Equal(t, domain.DefaultAssignee, got.Assignee)
	assert.Nil(t, got.SessionKey)
	assert.True(t, got.CreatedAt.Equal(at(0)))
	assert.True(t, got.CurrentStateStartedAt.Equal(at(0)))

	logs, err := s.StateLogs(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Open())
	assert.Equal(t, domain.StatusReady, logs[0].Status)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	task, _ := domain.NewTask("t1", "dup", "", domain.StatusNew, at(1))
	assert.ErrorIs(t, s.CreateTask(ctx, task, "intake"), domain.ErrConflict)
}

func testUpdateAndList(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "b", domain.StatusBacklog, at(2))
	seed(t, s, "a", domain.StatusReady, at(1))
	seed(t, s, "c", domain.StatusReady, at(3))

	title := "renamed"
	assignee := "reviewbot"
	content := domain.TaskContent{Description: "do it", Plan: []domain.PlanItem{{Text: "step", Done: true}}, Commits: []string{"abc123"}}
	got, err := s.UpdateTask(ctx, "c", store.TaskPatch{Title: &title, Assignee: &assignee, Content: &content}, at(4), "alice")
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Title)
	assert.Equal(t, "reviewbot", got.Assignee)
	assert.True(t, got.UpdatedAt.Equal(at(4)))

	reread, err := s.GetTask(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, content, reread.TaskContent)

	_, err = s.UpdateTask(ctx, "missing", store.TaskPatch{Title: &title}, at(4), "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	tests := map[string]struct {
		filter store.TaskFilter
		expIDs []string
	}{
		"All tasks oldest first":  {filter: store.TaskFilter{}, expIDs: []string{"a", "b", "c"}},
		"By status":               {filter: store.TaskFilter{Status: domain.StatusReady}, expIDs: []string{"a", "c"}},
		"By assignee":             {filter: store.TaskFilter{Assignee: "reviewbot"}, expIDs: []string{"c"}},
		"With limit":              {filter: store.TaskFilter{Limit: 2}, expIDs: []string{"a", "b"}},
		"Nothing matches":         {filter: store.TaskFilter{Status: domain.StatusDone}, expIDs: []string{}},
		"Status and assignee mix": {filter: store.TaskFilter{Status: domain.StatusBacklog, Assignee: "reviewbot"}, expIDs: []string{}},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			tasks, err := s.ListTasks(ctx, test.filter)
			require.NoError(t, err)
			ids := []string{}
			for _, task := range tasks {
				ids = append(ids, task.ID)
			}
			assert.Equal(t, test.expIDs, ids)
		})
	}
}

func testTransitionStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "t1", domain.StatusNew, at(0))

	task, changed, err := s.TransitionStatus(ctx, "t1", domain.StatusNew, at(1), "alice")
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, task.CurrentStateStartedAt.Equal(at(0)))

	steps := []domain.Status{domain.StatusPlanning, domain.StatusReady, domain.StatusInProgress, domain.StatusReview, domain.StatusDone}
	for i, st := range steps {
		task, changed, err = s.TransitionStatus(ctx, "t1", st, at(10*(i+1)), "alice")
		require.NoError(t, err)
		assert.True(t, changed)
		assert.Equal(t, st, task.Status)
		assert.True(t, task.CurrentStateStartedAt.Equal(at(10*(i+1))))
	}
	require.NotNil(t, task.StartedAt)
	assert.True(t, task.StartedAt.Equal(at(30)))
	require.NotNil(t, task.CompletedAt)
	assert.True(t, task.CompletedAt.Equal(at(50)))

	logs, err := s.StateLogs(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, logs, len(steps)+1)
	openCount := 0
	var total int64
	for _, l := range logs {
		if l.Open() {
			openCount++
			total += at(70).Sub(l.EnteredAt).Milliseconds()
			continue
		}
		require.NotNil(t, l.Duration)
		total += *l.Duration
	}
	assert.Equal(t, 1, openCount)
	assert.Equal(t, at(70).Sub(at(0)).Milliseconds(), total)

	task, _, err = s.TransitionStatus(ctx, "t1", domain.StatusReady, at(80), "alice")
	require.NoError(t, err)
	assert.Nil(t, task.CompletedAt)

	_, _, err = s.TransitionStatus(ctx, "missing", domain.StatusDone, at(1), "alice")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	evs, err := s.ListAudit(ctx, audit.Filter{EntityID: "t1", EventType: audit.TaskStatusChanged})
	require.NoError(t, err)
	assert.Len(t, evs, len(steps)+1)
	assert.JSONEq(t, `"Done"`, string(evs[0].Before))
	assert.JSONEq(t, `"Ready"`, string(evs[0].After))
	assert.Equal(t, "alice", evs[0].Actor)

	task, err = s.SetExecutionState(ctx, "t1", domain.ExecWaiting, at(90))
	require.NoError(t, err)
	assert.Equal(t, domain.ExecWaiting, task.ExecutionState)
	require.NotNil(t, task.LastActionAt)
	assert.True(t, task.LastActionAt.Equal(at(90)))
	logs, err = s.StateLogs(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, logs, len(steps)+2)

	_, err = s.SetExecutionState(ctx, "missing", domain.ExecWaiting, at(90))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testClaimLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "t1", domain.StatusReady, at(0))

	claim := store.LeaseClaim{
		TaskID: "t1", SessionKey: "a", At: at(1), Actor: "a",
		ToStatus: domain.StatusInProgress, ToExecution: domain.ExecRunning,
	}
	task, err := s.ClaimLease(ctx, claim)
	require.NoError(t, err)
	assert.Equal(t, "a", task.Holder())
	assert.True(t, task.SessionLockedAt.Equal(at(1)))
	assert.Equal(t, domain.StatusInProgress, task.Status)
	assert.Equal(t, domain.ExecRunning, task.ExecutionState)

	logs, err := s.StateLogs(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, domain.StatusInProgress, logs[1].Status)

	// Same session re-affirms the lease without a new stage change.
	claim.At = at(2)
	task, err = s.ClaimLease(ctx, claim)
	require.NoError(t, err)
	assert.True(t, task.SessionLockedAt.Equal(at(2)))
	logs, err = s.StateLogs(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	_, err = s.ClaimLease(ctx, store.LeaseClaim{TaskID: "t1", SessionKey: "b", At: at(3), Actor: "b"})
	var held *domain.LeaseHeldError
	require.ErrorAs(t, err, &held)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, "a", held.Holder)
	require.NotNil(t, held.LockedAt)
	assert.True(t, held.LockedAt.Equal(at(2)))

	got, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "a", got.Holder())

	_, err = s.ClaimLease(ctx, store.LeaseClaim{TaskID: "t1", SessionKey: "a", At: at(4), RequireStatus: domain.StatusReady})
	assert.ErrorIs(t, err, domain.ErrStatusChanged)

	_, err = s.ClaimLease(ctx, store.LeaseClaim{TaskID: "missing", SessionKey: "a", At: at(4)})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testConcurrentClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "t1", domain.StatusReady, at(0))

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.ClaimLease(ctx, store.LeaseClaim{
				TaskID: "t1", SessionKey: fmt.Sprintf("s%d", i), At: at(1),
				ToStatus: domain.StatusInProgress, ToExecution: domain.ExecRunning,
			})
		}(i)
	}
	wg.Wait()

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	winners := 0
	for i, err := range errs {
		if err == nil {
			winners++
			assert.Equal(t, fmt.Sprintf("s%d", i), task.Holder())
			continue
		}
		var held *domain.LeaseHeldError
		require.True(t, errors.As(err, &held), "unexpected error: %v", err)
		assert.Equal(t, task.Holder(), held.Holder)
	}
	assert.Equal(t, 1, winners)

	logs, err := s.StateLogs(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func testReleaseLease(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "t1", domain.StatusReady, at(0))
	_, err := s.ClaimLease(ctx, store.LeaseClaim{TaskID: "t1", SessionKey: "a", At: at(1)})
	require.NoError(t, err)

	_, err = s.ReleaseLease(ctx, "t1", "b", at(2), "b")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "a", task.Holder())

	task, err = s.ReleaseLease(ctx, "t1", "a", at(3), "a")
	require.NoError(t, err)
	assert.False(t, task.Held())
	assert.Nil(t, task.SessionLockedAt)
	assert.Equal(t, domain.StatusReady, task.Status)

	// Releasing an unheld lease is harmless.
	_, err = s.ReleaseLease(ctx, "t1", "b", at(4), "b")
	assert.NoError(t, err)

	_, err = s.ReleaseLease(ctx, "missing", "a", at(4), "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testHeartbeat(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "t1", domain.StatusReady, at(0))
	_, err := s.ClaimLease(ctx, store.LeaseClaim{TaskID: "t1", SessionKey: "a", At: at(1)})
	require.NoError(t, err)

	task, err := s.Heartbeat(ctx, "t1", "a", at(4))
	require.NoError(t, err)
	assert.True(t, task.SessionLockedAt.Equal(at(4)))
	require.NotNil(t, task.LastHeartbeatAt)
	assert.True(t, task.LastHeartbeatAt.Equal(at(4)))

	_, err = s.Heartbeat(ctx, "t1", "b", at(5))
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = s.Heartbeat(ctx, "missing", "a", at(5))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testClearStaleLeases(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "old", domain.StatusReady, at(0))
	seed(t, s, "fresh", domain.StatusReady, at(0))
	seed(t, s, "free", domain.StatusReady, at(0))
	_, err := s.ClaimLease(ctx, store.LeaseClaim{TaskID: "old", SessionKey: "a", At: at(1), ToStatus: domain.StatusInProgress, ToExecution: domain.ExecRunning})
	require.NoError(t, err)
	_, err = s.ClaimLease(ctx, store.LeaseClaim{TaskID: "fresh", SessionKey: "b", At: at(9), ToExecution: domain.ExecRunning})
	require.NoError(t, err)

	ids, err := s.ClearStaleLeases(ctx, at(6), at(11), "reaper")
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	old, err := s.GetTask(ctx, "old")
	require.NoError(t, err)
	assert.False(t, old.Held())
	assert.Nil(t, old.SessionLockedAt)
	assert.Equal(t, domain.ExecIdle, old.ExecutionState)
	assert.Equal(t, domain.StatusInProgress, old.Status)

	fresh, err := s.GetTask(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, "b", fresh.Holder())
	assert.Equal(t, domain.ExecRunning, fresh.ExecutionState)

	// A different session can now take the cleared lease.
	_, err = s.ClaimLease(ctx, store.LeaseClaim{TaskID: "old", SessionKey: "c", At: at(12)})
	require.NoError(t, err)

	ids, err = s.ClearStaleLeases(ctx, at(6), at(13), "reaper")
	require.NoError(t, err)
	assert.Empty(t, ids)

	evs, err := s.ListAudit(ctx, audit.Filter{EventType: audit.LeaseReaped})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "old", evs[0].EntityID)
	assert.Equal(t, "reaper", evs[0].Actor)
}

func testDiscovery(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "newer", domain.StatusReady, at(5))
	seed(t, s, "older", domain.StatusReady, at(1))
	seed(t, s, "backlog", domain.StatusBacklog, at(0))
	other, _ := domain.NewTask("other", "other", "reviewbot", domain.StatusReady, at(0))
	require.NoError(t, s.CreateTask(ctx, other, "intake"))

	task, err := s.NextReady(ctx, domain.DefaultAssignee, "a")
	require.NoError(t, err)
	assert.Equal(t, "older", task.ID)

	_, err = s.ClaimLease(ctx, store.LeaseClaim{TaskID: "older", SessionKey: "b", At: at(6)})
	require.NoError(t, err)

	task, err = s.NextReady(ctx, domain.DefaultAssignee, "a")
	require.NoError(t, err)
	assert.Equal(t, "newer", task.ID, "a task leased by another session is skipped")

	task, err = s.NextReady(ctx, domain.DefaultAssignee, "b")
	require.NoError(t, err)
	assert.Equal(t, "older", task.ID, "a task leased by the caller stays eligible")

	_, err = s.NextReady(ctx, "nobody", "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.NextOrphaned(ctx, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	for i, id := range []string{"newer", "older"} {
		_, _, err := s.TransitionStatus(ctx, id, domain.StatusInProgress, at(10+i), "alice")
		require.NoError(t, err)
	}
	_, err = s.ReleaseLease(ctx, "older", "b", at(20), "b")
	require.NoError(t, err)

	task, err = s.NextOrphaned(ctx, domain.DefaultAssignee)
	require.NoError(t, err)
	assert.Equal(t, "newer", task.ID, "least recently updated first")

	_, err = s.NextOrphaned(ctx, "reviewbot")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testRuns(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "t1", domain.StatusReady, at(0))

	_, err := s.StartRun(ctx, store.RunStart{ID: "r0", TaskID: "t1", SessionKey: "a", At: at(1)})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = s.ClaimLease(ctx, store.LeaseClaim{TaskID: "t1", SessionKey: "a", At: at(1)})
	require.NoError(t, err)

	r1, err := s.StartRun(ctx, store.RunStart{ID: "r1", TaskID: "t1", SessionKey: "a", Summary: "first", At: at(2)})
	require.NoError(t, err)
	assert.Equal(t, 1, r1.AttemptNumber)
	assert.Nil(t, r1.ParentRunID)
	assert.Equal(t, domain.RunRunning, r1.Status)

	r1, err = s.FinishRun(ctx, "t1", "r1", domain.RunFailed, "tests broke", at(3))
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, r1.Status)
	assert.Equal(t, "tests broke", r1.Summary)
	require.NotNil(t, r1.EndedAt)

	_, err = s.FinishRun(ctx, "t1", "r1", domain.RunCompleted, "", at(4))
	assert.ErrorIs(t, err, domain.ErrInvalid)

	r2, err := s.StartRun(ctx, store.RunStart{ID: "r2", TaskID: "t1", SessionKey: "a", At: at(5)})
	require.NoError(t, err)
	assert.Equal(t, 2, r2.AttemptNumber)
	require.NotNil(t, r2.ParentRunID)
	assert.Equal(t, "r1", *r2.ParentRunID)

	// A dangling run is sealed when the next attempt starts.
	r3, err := s.StartRun(ctx, store.RunStart{ID: "r3", TaskID: "t1", SessionKey: "a", At: at(6)})
	require.NoError(t, err)
	assert.Equal(t, 3, r3.AttemptNumber)
	require.NotNil(t, r3.ParentRunID)
	assert.Equal(t, "r2", *r3.ParentRunID)

	r3, err = s.FinishRun(ctx, "t1", "r3", domain.RunCompleted, "", at(7))
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, r3.Status)

	runs, err := s.ListRuns(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, domain.RunFailed, runs[1].Status)
	assert.NotEmpty(t, runs[1].Summary)

	_, err = s.FinishRun(ctx, "t1", "missing", domain.RunCompleted, "", at(8))
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.ListRuns(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testDeleteTask(t *testing.T, s store.Store) {
	ctx := context.Background()
	seed(t, s, "t1", domain.StatusReady, at(0))
	_, err := s.ClaimLease(ctx, store.LeaseClaim{TaskID: "t1", SessionKey: "a", At: at(1), ToStatus: domain.StatusInProgress})
	require.NoError(t, err)
	_, err = s.StartRun(ctx, store.RunStart{ID: "r1", TaskID: "t1", SessionKey: "a", At: at(2)})
	require.NoError(t, err)

	require.NoError(t, s.DeleteTask(ctx, "t1", at(3), "alice"))

	_, err = s.GetTask(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.StateLogs(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.ErrorIs(t, s.DeleteTask(ctx, "t1", at(4), "alice"), domain.ErrNotFound)

	// The trail outlives the task.
	evs, err := s.ListAudit(ctx, audit.Filter{EntityID: "t1"})
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, audit.TaskDeleted, evs[0].EventType)

	// Re-creating the id starts a fresh history.
	seed(t, s, "t1", domain.StatusNew, at(5))
	logs, err := s.StateLogs(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, logs, 1)
	runs, err := s.ListRuns(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func testAudit(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ev, err := audit.New("custom.event", "task", "t1", "alice", nil, audit.Payload{"i": i}, at(i))
		require.NoError(t, err)
		require.NoError(t, s.AppendAudit(ctx, ev))
	}

	evs, err := s.ListAudit(ctx, audit.Filter{EntityID: "t1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.JSONEq(t, `{"i":2}`, string(evs[0].After))
	assert.Nil(t, evs[0].Before)
	assert.True(t, evs[0].Timestamp.Equal(at(2)))

	n, err := s.PurgeAudit(ctx, at(2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	evs, err = s.ListAudit(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.JSONEq(t, `{"i":2}`, string(evs[0].After))
}
