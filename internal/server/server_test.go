package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenclawdbot/mission-control-sub000/internal/bus"
	"github.com/greenclawdbot/mission-control-sub000/internal/config"
	"github.com/greenclawdbot/mission-control-sub000/internal/db"
	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
	"github.com/greenclawdbot/mission-control-sub000/internal/engine"
	"github.com/greenclawdbot/mission-control-sub000/internal/migrate"
	"github.com/greenclawdbot/mission-control-sub000/internal/server"
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

type testServer struct {
	*httptest.Server
	Engine engine.Engine
	Hub    *bus.Hub
	Clock  *clock
}

func newTestServer(t *testing.T, wrap func(store.Store) store.Store) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Driver: db.DriverSQLite, DSN: filepath.Join(t.TempDir(), "board.db")})
	require.NoError(t, err)
	m, err := migrate.NewMigrator(conn.DB, db.DriverSQLite, nil)
	require.NoError(t, err)
	require.NoError(t, m.Up(context.Background()))
	s, err := sqlstore.New(sqlstore.Config{DB: conn})
	require.NoError(t, err)

	var st store.Store = s
	if wrap != nil {
		st = wrap(s)
	}
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	hub := bus.NewHub(bus.HubConfig{Now: clk.Now})
	e := engine.New(st, hub, config.Default(), nil)
	e.Now = clk.Now

	handler, err := server.New(server.Config{Engine: e, Hub: hub, BasePath: "/api"})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		_ = s.Close()
	})
	return &testServer{Server: srv, Engine: e, Hub: hub, Clock: clk}
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (s *testServer) createTask(t *testing.T, title string, status domain.Status) domain.Task {
	t.Helper()
	res, data := doJSON(t, http.MethodPost, s.URL+"/api/tasks", map[string]any{"title": title, "status": status})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[server.TaskResponse](t, data).Task
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	ClaimedBy string     `json:"claimedBy"`
	LockedAt  *time.Time `json:"lockedAt"`
}

func TestClaimAndRelease(t *testing.T) {
	srv := newTestServer(t, nil)
	task := srv.createTask(t, "Ship feature", domain.StatusReady)
	claimURL := srv.URL + "/api/tasks/" + task.ID + "/claim"
	releaseURL := srv.URL + "/api/tasks/" + task.ID + "/release"

	res, data := doJSON(t, http.MethodPost, claimURL, map[string]string{"sessionKey": "a"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	claimed := decode[server.ClaimResponse](t, data)
	assert.Equal(t, "a", claimed.Task.Holder())
	assert.Equal(t, domain.StatusInProgress, claimed.Task.Status)
	assert.True(t, claimed.ClaimedAt.Equal(srv.Clock.Now()))

	res, data = doJSON(t, http.MethodPost, claimURL, map[string]string{"sessionKey": "b"})
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	conflict := decode[errorEnvelope](t, data)
	assert.Equal(t, "lease_conflict", conflict.Error.Code)
	assert.Equal(t, "a", conflict.ClaimedBy)
	require.NotNil(t, conflict.LockedAt)
	assert.True(t, conflict.LockedAt.Equal(claimed.ClaimedAt))

	res, data = doJSON(t, http.MethodPost, releaseURL, map[string]string{"sessionKey": "b"})
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, http.MethodPost, releaseURL, map[string]string{"sessionKey": "a"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[server.ReleaseResponse](t, data).Released)

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/missing/claim", map[string]string{"sessionKey": "a"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestDiscoveryAndCleanup(t *testing.T) {
	srv := newTestServer(t, nil)
	task := srv.createTask(t, "T", domain.StatusReady)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/ready-for-work?sessionKey=a", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	offer := decode[server.WorkOfferResponse](t, data)
	require.Equal(t, "claimed", offer.Action)
	assert.Equal(t, task.ID, offer.Task.ID)
	assert.Equal(t, 60, offer.HeartbeatIntervalSeconds)
	assert.Equal(t, 5, offer.StaleAfterMinutes)
	assert.NotEmpty(t, offer.Instructions)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/ready-for-work?sessionKey=b&assignee=clawdbot", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.JSONEq(t, `{"task":null,"action":"none"}`, string(data))

	res, data = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/cleanup-stale", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Zero(t, decode[server.CleanupStaleResponse](t, data).Cleaned)

	srv.Clock.Advance(10 * time.Minute)
	res, data = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/cleanup-stale", map[string]int{"olderThanMinutes": 5})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	cleanup := decode[server.CleanupStaleResponse](t, data)
	assert.Equal(t, 1, cleanup.Cleaned)
	assert.True(t, cleanup.Threshold.Equal(srv.Clock.Now().Add(-5*time.Minute)))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/orphaned?sessionKey=b", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	offer = decode[server.WorkOfferResponse](t, data)
	require.Equal(t, "claimed", offer.Action)
	assert.Equal(t, "b", offer.Task.Holder())
	assert.Equal(t, domain.StatusInProgress, offer.Task.Status)
}

func TestBadRequests(t *testing.T) {
	srv := newTestServer(t, nil)
	task := srv.createTask(t, "x", domain.StatusBacklog)

	tests := map[string]struct {
		method string
		path   string
		body   any
	}{
		"Missing session key on discovery": {method: http.MethodGet, path: "/api/tasks/ready-for-work"},
		"Empty session key on claim":       {method: http.MethodPost, path: "/api/tasks/" + task.ID + "/claim", body: map[string]string{"sessionKey": ""}},
		"Unknown stage":                    {method: http.MethodPut, path: "/api/tasks/" + task.ID + "/status", body: map[string]string{"status": "Archived"}},
		"Unknown execution state":          {method: http.MethodPut, path: "/api/tasks/" + task.ID + "/execution", body: map[string]string{"executionState": "sleeping"}},
		"Cleanup threshold below a minute": {method: http.MethodPost, path: "/api/tasks/cleanup-stale", body: map[string]int{"olderThanMinutes": -1}},
		"Purge without valid cutoff":       {method: http.MethodDelete, path: "/api/audit?before=yesterday"},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			res, data := doJSON(t, test.method, srv.URL+test.path, test.body)
			assert.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
		})
	}
}

func TestStatusTransitionAndHistory(t *testing.T) {
	srv := newTestServer(t, nil)
	task := srv.createTask(t, "timed", domain.StatusNew)

	for _, st := range []domain.Status{domain.StatusPlanning, domain.StatusReady} {
		srv.Clock.Advance(time.Minute)
		res, data := doJSON(t, http.MethodPut, srv.URL+"/api/tasks/"+task.ID+"/status", map[string]any{"status": st, "actor": "ops"})
		require.Equal(t, http.StatusOK, res.StatusCode, string(data))
		assert.Equal(t, st, decode[server.TaskResponse](t, data).Task.Status)
	}

	res, data := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+task.ID+"/state-logs", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	logs := decode[server.StateLogsResponse](t, data).Logs
	require.Len(t, logs, 3)
	assert.Nil(t, logs[2].ExitedAt)
	assert.Equal(t, int64(60000), *logs[0].Duration)

	srv.Clock.Advance(2 * time.Minute)
	res, data = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+task.ID+"/time-in-state", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	totals := decode[server.TimeInStateResponse](t, data).Totals
	require.Len(t, totals, 3)
	assert.Equal(t, domain.StatusReady, totals[2].Status)
	assert.Equal(t, int64(120000), totals[2].Duration)

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/missing/state-logs", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestTaskCrudAndRuns(t *testing.T) {
	srv := newTestServer(t, nil)
	task := srv.createTask(t, "crud", domain.StatusReady)

	res, data := doJSON(t, http.MethodPatch, srv.URL+"/api/tasks/"+task.ID, map[string]any{"description": "do it", "progress": []string{"step 1"}})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	updated := decode[server.TaskResponse](t, data).Task
	assert.Equal(t, "do it", updated.Description)
	assert.Equal(t, []string{"step 1"}, updated.Progress)
	assert.Equal(t, "crud", updated.Title)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/api/tasks?status=Ready", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[server.TaskListResponse](t, data).Tasks, 1)

	runsURL := srv.URL + "/api/tasks/" + task.ID + "/runs"
	res, _ = doJSON(t, http.MethodPost, runsURL, map[string]string{"sessionKey": "a"})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res, _ = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+task.ID+"/claim", map[string]string{"sessionKey": "a"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, data = doJSON(t, http.MethodPost, runsURL, map[string]string{"sessionKey": "a", "summary": "first"})
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	run := decode[server.RunResponse](t, data).Run
	assert.Equal(t, 1, run.AttemptNumber)

	res, data = doJSON(t, http.MethodPut, runsURL+"/"+run.ID, map[string]string{"status": "failed", "summary": "boom"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.RunFailed, decode[server.RunResponse](t, data).Run.Status)

	res, data = doJSON(t, http.MethodGet, runsURL, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[server.RunListResponse](t, data).Runs, 1)

	res, _ = doJSON(t, http.MethodDelete, srv.URL+"/api/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+task.ID, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, http.MethodGet, srv.URL+"/api/audit?entityId="+task.ID, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.NotEmpty(t, decode[server.AuditListResponse](t, data).Events)
}

func readFrame(t *testing.T, r *bufio.Reader) bus.Frame {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		if data, ok := strings.CutPrefix(strings.TrimSpace(line), "data:"); ok {
			return decode[bus.Frame](t, []byte(strings.TrimSpace(data)))
		}
	}
}

func TestEventStream(t *testing.T) {
	srv := newTestServer(t, nil)
	task := srv.createTask(t, "watched", domain.StatusReady)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events", nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, res.Header.Get("Content-Type"), "text/event-stream")

	r := bufio.NewReader(res.Body)
	hello := readFrame(t, r)
	assert.Equal(t, bus.Connected, hello.Type)
	assert.NotEmpty(t, hello.ClientID)
	require.Equal(t, 1, srv.Hub.Count())

	claimRes, _ := doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+task.ID+"/claim", map[string]string{"sessionKey": "a"})
	require.Equal(t, http.StatusOK, claimRes.StatusCode)

	f := readFrame(t, r)
	assert.Equal(t, bus.TaskUpdated, f.Type)
	data, ok := f.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, task.ID, data["id"])

	cancel()
	assert.Eventually(t, func() bool { return srv.Hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type unavailableStore struct {
	store.Store
}

func (unavailableStore) NextReady(context.Context, string, string) (domain.Task, error) {
	return domain.Task{}, errors.New("dial tcp: connection refused")
}

func TestStoreOutageIsServiceUnavailable(t *testing.T) {
	srv := newTestServer(t, func(s store.Store) store.Store { return unavailableStore{Store: s} })

	res, data := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/ready-for-work?sessionKey=a", nil)
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode, string(data))
	assert.Equal(t, "store_unavailable", decode[errorEnvelope](t, data).Error.Code)
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv := newTestServer(t, nil)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	res, data = doJSON(t, http.MethodGet, srv.URL+"/api/openapi.json", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var oas map[string]any
	require.NoError(t, json.Unmarshal(data, &oas))
	paths, ok := oas["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/api/tasks/{id}/claim")
	assert.Contains(t, paths, "/api/events")
}
