package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenclawdbot/mission-control-sub000/internal/audit"
	"github.com/greenclawdbot/mission-control-sub000/internal/bus"
	"github.com/greenclawdbot/mission-control-sub000/internal/config"
	"github.com/greenclawdbot/mission-control-sub000/internal/db"
	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
	"github.com/greenclawdbot/mission-control-sub000/internal/engine"
	"github.com/greenclawdbot/mission-control-sub000/internal/migrate"
	"github.com/greenclawdbot/mission-control-sub000/internal/store"
	"github.com/greenclawdbot/mission-control-sub000/internal/store/sqlstore"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	Engine engine.Engine
	Hub    *bus.Hub
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Driver: db.DriverSQLite, DSN: filepath.Join(t.TempDir(), "board.db")})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	m, err := migrate.NewMigrator(conn.DB, db.DriverSQLite, nil)
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	if err := m.Up(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	s, err := sqlstore.New(sqlstore.Config{DB: conn})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	hub := bus.NewHub(bus.HubConfig{Now: clk.Now})
	eng := engine.New(s, hub, config.Default(), nil)
	eng.Now = clk.Now
	return testEnv{Engine: eng, Hub: hub, Clock: clk, Ctx: context.Background()}
}

func (env testEnv) createTask(t *testing.T, title string, status domain.Status) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: title, Status: status, Actor: "tester"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) subscribe(t *testing.T) *bus.ChanSink {
	t.Helper()
	sink := bus.NewChanSink(64)
	id := env.Hub.Register(sink)
	t.Cleanup(func() { env.Hub.Unregister(id) })
	return sink
}

func drain(s *bus.ChanSink) []bus.Frame {
	var frames []bus.Frame
	for {
		select {
		case f := <-s.Frames():
			frames = append(frames, f)
		default:
			return frames
		}
	}
}

func countType(frames []bus.Frame, eventType string) int {
	n := 0
	for _, f := range frames {
		if f.Type == eventType {
			n++
		}
	}
	return n
}

func TestReadyForWorkScenario(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "T", domain.StatusReady)

	offer, err := env.Engine.FindReadyForWork(env.Ctx, "", "a")
	require.NoError(t, err)
	require.Equal(t, engine.ActionClaimed, offer.Action)
	require.NotNil(t, offer.Task)
	assert.Equal(t, task.ID, offer.Task.ID)
	assert.Equal(t, domain.StatusInProgress, offer.Task.Status)
	assert.Equal(t, domain.ExecRunning, offer.Task.ExecutionState)
	assert.Equal(t, "a", offer.Task.Holder())
	assert.NotEmpty(t, offer.Instructions)
	assert.Equal(t, time.Minute, offer.HeartbeatInterval)

	offer, err = env.Engine.FindReadyForWork(env.Ctx, "", "b")
	require.NoError(t, err)
	assert.Equal(t, engine.ActionNone, offer.Action)
	assert.Nil(t, offer.Task)

	env.Clock.Advance(10 * time.Minute)
	res, err := env.Engine.CleanupStale(env.Ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Cleaned)
	assert.True(t, res.Threshold.Equal(env.Clock.Now().Add(-5*time.Minute)))

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.Held())
	assert.Equal(t, domain.ExecIdle, got.ExecutionState)
	assert.Equal(t, domain.StatusInProgress, got.Status)

	offer, err = env.Engine.FindOrphaned(env.Ctx, "", "b")
	require.NoError(t, err)
	require.Equal(t, engine.ActionClaimed, offer.Action)
	assert.Equal(t, task.ID, offer.Task.ID)
	assert.Equal(t, "b", offer.Task.Holder())
	assert.Equal(t, domain.StatusInProgress, offer.Task.Status)

	offer, err = env.Engine.FindOrphaned(env.Ctx, "", "c")
	require.NoError(t, err)
	assert.Equal(t, engine.ActionNone, offer.Action)
}

func TestReadyForWorkServesOldestFirst(t *testing.T) {
	env := newTestEnv(t)
	first := env.createTask(t, "first", domain.StatusReady)
	env.Clock.Advance(time.Second)
	second := env.createTask(t, "second", domain.StatusReady)

	offer, err := env.Engine.FindReadyForWork(env.Ctx, domain.DefaultAssignee, "a")
	require.NoError(t, err)
	assert.Equal(t, first.ID, offer.Task.ID)

	offer, err = env.Engine.FindReadyForWork(env.Ctx, domain.DefaultAssignee, "b")
	require.NoError(t, err)
	assert.Equal(t, second.ID, offer.Task.ID)
}

func TestClaimMutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "contended", domain.StatusReady)

	const workers = 10
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.Claim(env.Ctx, task.ID, fmt.Sprintf("w%d", i))
		}(i)
	}
	wg.Wait()

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
			continue
		}
		var held *domain.LeaseHeldError
		require.True(t, errors.As(err, &held), "unexpected error %v", err)
		assert.Equal(t, got.Holder(), held.Holder)
	}
	assert.Equal(t, 1, winners)
}

func TestIdempotentReclaim(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "retry", domain.StatusReady)

	first, err := env.Engine.Claim(env.Ctx, task.ID, "a")
	require.NoError(t, err)
	env.Clock.Advance(30 * time.Second)
	second, err := env.Engine.Claim(env.Ctx, task.ID, "a")
	require.NoError(t, err)

	assert.True(t, second.SessionLockedAt.After(*first.SessionLockedAt))
	logs, err := env.Engine.StateLogs(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestReleaseAuthorization(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "guarded", domain.StatusReady)
	_, err := env.Engine.Claim(env.Ctx, task.ID, "sk1")
	require.NoError(t, err)

	_, err = env.Engine.Release(env.Ctx, task.ID, "sk2")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := env.Engine.GetTask(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "sk1", got.Holder())

	got, err = env.Engine.Release(env.Ctx, task.ID, "sk1")
	require.NoError(t, err)
	assert.False(t, got.Held())
	assert.Equal(t, domain.StatusInProgress, got.Status, "release leaves the stage alone")
}

func TestStaleReclamation(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "abandoned", domain.StatusReady)
	_, err := env.Engine.Claim(env.Ctx, task.ID, "crashed")
	require.NoError(t, err)

	env.Clock.Advance(4 * time.Minute)
	res, err := env.Engine.CleanupStale(env.Ctx, 5)
	require.NoError(t, err)
	assert.Zero(t, res.Cleaned)

	env.Clock.Advance(2 * time.Minute)
	res, err = env.Engine.CleanupStale(env.Ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{task.ID}, res.TaskIDs)

	_, err = env.Engine.Claim(env.Ctx, task.ID, "rescuer")
	require.NoError(t, err)
}

func TestHeartbeatKeepsLeaseAlive(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "long", domain.StatusReady)
	_, err := env.Engine.Claim(env.Ctx, task.ID, "a")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		env.Clock.Advance(3 * time.Minute)
		_, err := env.Engine.Heartbeat(env.Ctx, task.ID, "a")
		require.NoError(t, err)
		res, err := env.Engine.CleanupStale(env.Ctx, 5)
		require.NoError(t, err)
		assert.Zero(t, res.Cleaned)
	}

	_, err = env.Engine.Heartbeat(env.Ctx, task.ID, "b")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestStateLogCoverage(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "timed", domain.StatusNew)
	created := env.Clock.Now()

	for _, st := range []domain.Status{domain.StatusPlanning, domain.StatusBacklog, domain.StatusReady, domain.StatusReady, domain.StatusInProgress, domain.StatusBlocked, domain.StatusInProgress} {
		env.Clock.Advance(7 * time.Minute)
		_, err := env.Engine.TransitionStatus(env.Ctx, task.ID, st, "tester")
		require.NoError(t, err)
	}
	env.Clock.Advance(3 * time.Minute)

	logs, err := env.Engine.StateLogs(env.Ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 7)

	var total int64
	open := 0
	for _, l := range logs {
		if l.Open() {
			open++
			total += env.Clock.Now().Sub(l.EnteredAt).Milliseconds()
			continue
		}
		total += *l.Duration
	}
	assert.Equal(t, 1, open)
	assert.Equal(t, env.Clock.Now().Sub(created).Milliseconds(), total)

	totals, err := env.Engine.TimeInState(env.Ctx, task.ID)
	require.NoError(t, err)
	var sum int64
	for _, st := range totals {
		sum += st.Duration
		if st.Status == domain.StatusInProgress {
			assert.Equal(t, 2, st.Visits)
			assert.Equal(t, (10 * time.Minute).Milliseconds(), st.Duration)
		}
	}
	assert.Equal(t, total, sum)
}

func TestEventDelivery(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "observed", domain.StatusBacklog)
	subs := []*bus.ChanSink{env.subscribe(t), env.subscribe(t)}

	steps := map[string]func() error{
		"claim": func() error {
			_, err := env.Engine.Claim(env.Ctx, task.ID, "a")
			return err
		},
		"transition": func() error {
			_, err := env.Engine.TransitionStatus(env.Ctx, task.ID, domain.StatusReview, "a")
			return err
		},
		"release": func() error {
			_, err := env.Engine.Release(env.Ctx, task.ID, "a")
			return err
		},
	}
	for _, name := range []string{"claim", "transition", "release"} {
		require.NoError(t, steps[name](), name)
		for _, s := range subs {
			frames := drain(s)
			assert.Equal(t, 1, countType(frames, bus.TaskUpdated), name)
		}
	}

	// A transition to the current stage changes nothing and stays quiet.
	_, err := env.Engine.TransitionStatus(env.Ctx, task.ID, domain.StatusReview, "a")
	require.NoError(t, err)
	for _, s := range subs {
		assert.Empty(t, drain(s))
	}

	_, err = env.Engine.TransitionStatus(env.Ctx, task.ID, domain.StatusReady, "a")
	require.NoError(t, err)
	frames := drain(subs[0])
	assert.Equal(t, 1, countType(frames, bus.TaskUpdated))
	assert.Equal(t, 1, countType(frames, bus.TaskReady))

	require.NoError(t, env.Engine.DeleteTask(env.Ctx, task.ID, "tester"))
	frames = drain(subs[1])
	assert.Equal(t, 1, countType(frames, bus.TaskDeleted))
}

func TestFailedClaimMutatesNothing(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "held", domain.StatusReady)
	_, err := env.Engine.Claim(env.Ctx, task.ID, "a")
	require.NoError(t, err)
	sub := env.subscribe(t)

	_, err = env.Engine.Claim(env.Ctx, task.ID, "b")
	var held *domain.LeaseHeldError
	require.ErrorAs(t, err, &held)
	assert.Equal(t, "a", held.Holder)
	assert.Empty(t, drain(sub))

	evs, err := env.Engine.AuditTrail(env.Ctx, audit.Filter{EntityID: task.ID, EventType: audit.LeaseClaimed})
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestValidation(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "x", domain.StatusReady)

	tests := map[string]struct {
		call func() error
		exp  error
	}{
		"Empty session key on claim": {
			call: func() error { _, err := env.Engine.Claim(env.Ctx, task.ID, " "); return err },
			exp:  domain.ErrInvalid,
		},
		"Unknown status": {
			call: func() error { _, err := env.Engine.TransitionStatus(env.Ctx, task.ID, "Archived", "x"); return err },
			exp:  domain.ErrInvalid,
		},
		"Unknown execution state": {
			call: func() error { _, err := env.Engine.SetExecutionState(env.Ctx, task.ID, "sleeping"); return err },
			exp:  domain.ErrInvalid,
		},
		"Cleanup below one minute": {
			call: func() error { _, err := env.Engine.CleanupStale(env.Ctx, 0); return err },
			exp:  domain.ErrInvalid,
		},
		"Missing title": {
			call: func() error { _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{}); return err },
			exp:  domain.ErrInvalid,
		},
		"Unknown task on claim": {
			call: func() error { _, err := env.Engine.Claim(env.Ctx, "missing", "a"); return err },
			exp:  domain.ErrNotFound,
		},
		"Unknown task on transition": {
			call: func() error {
				_, err := env.Engine.TransitionStatus(env.Ctx, "missing", domain.StatusDone, "a")
				return err
			},
			exp: domain.ErrNotFound,
		},
		"Run finishing as running": {
			call: func() error { _, err := env.Engine.FinishRun(env.Ctx, task.ID, "r", domain.RunRunning, ""); return err },
			exp:  domain.ErrInvalid,
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, test.call(), test.exp)
		})
	}
}

type brokenStore struct {
	store.Store
}

func (brokenStore) ClearStaleLeases(context.Context, time.Time, time.Time, string) ([]string, error) {
	return nil, errors.New("database is locked")
}

func (brokenStore) ClaimLease(context.Context, store.LeaseClaim) (domain.Task, error) {
	return domain.Task{}, errors.New("connection refused")
}

func TestStoreFailuresAreUnavailable(t *testing.T) {
	env := newTestEnv(t)
	eng := env.Engine
	eng.Store = brokenStore{Store: eng.Store}

	_, err := eng.CleanupStale(env.Ctx, 5)
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	_, err = eng.Claim(env.Ctx, "t", "a")
	assert.ErrorIs(t, err, domain.ErrUnavailable)
}

func TestRunsAndAudit(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, "runs", domain.StatusReady)
	_, err := env.Engine.Claim(env.Ctx, task.ID, "a")
	require.NoError(t, err)

	run, err := env.Engine.StartRun(env.Ctx, task.ID, "a", "attempt")
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, 1, run.AttemptNumber)

	env.Clock.Advance(time.Minute)
	run, err = env.Engine.FinishRun(env.Ctx, task.ID, run.ID, domain.RunCompleted, "done")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)

	runs, err := env.Engine.ListRuns(env.Ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	env.Clock.Advance(time.Hour)
	n, err := env.Engine.PurgeAudit(env.Ctx, env.Clock.Now().Add(-time.Minute), "admin")
	require.NoError(t, err)
	assert.Positive(t, n)

	evs, err := env.Engine.AuditTrail(env.Ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, audit.Purged, evs[0].EventType)
	assert.Equal(t, "admin", evs[0].Actor)

	_, err = env.Engine.PurgeAudit(env.Ctx, env.Clock.Now().Add(time.Hour), "admin")
	assert.ErrorIs(t, err, domain.ErrInvalid)
}
