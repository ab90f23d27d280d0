package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/greenclawdbot/mission-control-sub000/internal/audit"
	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
	"github.com/greenclawdbot/mission-control-sub000/internal/log"
	"github.com/greenclawdbot/mission-control-sub000/internal/store"
)

// RepositoryConfig is the configuration for the memory repository.
type RepositoryConfig struct {
	Logger log.Logger
}

func (c *RepositoryConfig) defaults() error {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "store.Memory"})
	return nil
}

// Repository is an in-memory implementation of store.Store. A single mutex
// makes every method one critical section.
type Repository struct {
	mu      sync.RWMutex
	tasks   map[string]domain.Task
	logs    map[string][]domain.StateLogEntry
	runs    map[string][]domain.BotRun
	events  []domain.AuditEvent
	nextLog int64
	logger  log.Logger
}

var _ store.Store = (*Repository)(nil)

// NewRepository creates a new memory repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Repository{
		tasks:  map[string]domain.Task{},
		logs:   map[string][]domain.StateLogEntry{},
		runs:   map[string][]domain.BotRun{},
		logger: cfg.Logger,
	}, nil
}

func (r *Repository) Close() error { return nil }

func (r *Repository) CreateTask(ctx context.Context, t domain.Task, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tasks[t.ID]; ok {
		return fmt.Errorf("%w: task %s already exists", domain.ErrConflict, t.ID)
	}
	ev, err := audit.New(audit.TaskCreated, "task", t.ID, actor, nil, t, t.CreatedAt)
	if err != nil {
		return err
	}
	r.tasks[t.ID] = cloneTask(t)
	r.appendLog(domain.StateLogEntry{TaskID: t.ID, Status: t.Status, EnteredAt: t.CurrentStateStartedAt})
	r.events = append(r.events, ev)
	r.logger.Debugf("Created task in repository: %s", t.ID)
	return nil
}

func (r *Repository) GetTask(ctx context.Context, id string) (domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFoundError("task", id)
	}
	return cloneTask(t), nil
}

func (r *Repository) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := []domain.Task{}
	for _, t := range r.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Assignee != "" && t.Assignee != f.Assignee {
			continue
		}
		res = append(res, cloneTask(t))
	}
	sortByCreated(res)
	if f.Limit > 0 && len(res) > f.Limit {
		res = res[:f.Limit]
	}
	return res, nil
}

func (r *Repository) UpdateTask(ctx context.Context, id string, p store.TaskPatch, at time.Time, actor string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFoundError("task", id)
	}
	before := cloneTask(t)
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Assignee != nil {
		t.Assignee = *p.Assignee
	}
	if p.Content != nil {
		t.TaskContent = cloneContent(*p.Content)
	}
	t.UpdatedAt = at
	ev, err := audit.New(audit.TaskUpdated, "task", id, actor, before, t, at)
	if err != nil {
		return domain.Task{}, err
	}
	r.tasks[id] = t
	r.events = append(r.events, ev)
	return cloneTask(t), nil
}

func (r *Repository) DeleteTask(ctx context.Context, id string, at time.Time, actor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return domain.NotFoundError("task", id)
	}
	ev, err := audit.New(audit.TaskDeleted, "task", id, actor, t, nil, at)
	if err != nil {
		return err
	}
	delete(r.tasks, id)
	delete(r.logs, id)
	delete(r.runs, id)
	r.events = append(r.events, ev)
	return nil
}

func (r *Repository) TransitionStatus(ctx context.Context, id string, to domain.Status, at time.Time, actor string) (domain.Task, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, false, domain.NotFoundError("task", id)
	}
	changed, err := r.enterStatus(&t, to, at, actor)
	if err != nil {
		return domain.Task{}, false, err
	}
	r.tasks[id] = t
	return cloneTask(t), changed, nil
}

// enterStatus must be called with the write lock held.
func (r *Repository) enterStatus(t *domain.Task, to domain.Status, at time.Time, actor string) (bool, error) {
	from := t.Status
	entry, changed := t.EnterStatus(to, at)
	if !changed {
		return false, nil
	}
	ev, err := audit.StatusChanged(t.ID, actor, from, to, at)
	if err != nil {
		return false, err
	}
	logs := r.logs[t.ID]
	for i := range logs {
		if logs[i].Open() {
			logs[i].Close(at)
		}
	}
	r.appendLog(entry)
	r.events = append(r.events, ev)
	return true, nil
}

func (r *Repository) appendLog(e domain.StateLogEntry) {
	r.nextLog++
	e.ID = r.nextLog
	r.logs[e.TaskID] = append(r.logs[e.TaskID], e)
}

func (r *Repository) SetExecutionState(ctx context.Context, id string, state domain.ExecutionState, at time.Time) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFoundError("task", id)
	}
	t.ExecutionState = state
	t.LastActionAt = &at
	t.UpdatedAt = at
	r.tasks[id] = t
	return cloneTask(t), nil
}

func (r *Repository) StateLogs(ctx context.Context, taskID string) ([]domain.StateLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.tasks[taskID]; !ok {
		return nil, domain.NotFoundError("task", taskID)
	}
	res := make([]domain.StateLogEntry, len(r.logs[taskID]))
	copy(res, r.logs[taskID])
	return res, nil
}

func (r *Repository) ClaimLease(ctx context.Context, c store.LeaseClaim) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[c.TaskID]
	if !ok {
		return domain.Task{}, domain.NotFoundError("task", c.TaskID)
	}
	if c.RequireStatus != "" && t.Status != c.RequireStatus {
		return domain.Task{}, domain.ErrStatusChanged
	}
	if t.Held() && !t.HeldBy(c.SessionKey) {
		return domain.Task{}, &domain.LeaseHeldError{TaskID: t.ID, Holder: t.Holder(), LockedAt: t.SessionLockedAt}
	}
	sk := c.SessionKey
	t.SessionKey = &sk
	t.SessionLockedAt = &c.At
	t.UpdatedAt = c.At
	ev, err := audit.New(audit.LeaseClaimed, "task", t.ID, c.Actor, nil, audit.Payload{"sessionKey": sk}, c.At)
	if err != nil {
		return domain.Task{}, err
	}
	if c.ToStatus != "" {
		if _, err := r.enterStatus(&t, c.ToStatus, c.At, c.Actor); err != nil {
			return domain.Task{}, err
		}
	}
	if c.ToExecution != "" {
		t.ExecutionState = c.ToExecution
		t.LastActionAt = &c.At
	}
	r.tasks[t.ID] = t
	r.events = append(r.events, ev)
	return cloneTask(t), nil
}

func (r *Repository) ReleaseLease(ctx context.Context, id, sessionKey string, at time.Time, actor string) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFoundError("task", id)
	}
	if t.Held() && !t.HeldBy(sessionKey) {
		return domain.Task{}, domain.NotHolderError(id, sessionKey)
	}
	ev, err := audit.New(audit.LeaseReleased, "task", id, actor, audit.Payload{"sessionKey": t.Holder()}, nil, at)
	if err != nil {
		return domain.Task{}, err
	}
	t.SessionKey = nil
	t.SessionLockedAt = nil
	t.UpdatedAt = at
	r.tasks[id] = t
	r.events = append(r.events, ev)
	return cloneTask(t), nil
}

func (r *Repository) Heartbeat(ctx context.Context, id, sessionKey string, at time.Time) (domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[id]
	if !ok {
		return domain.Task{}, domain.NotFoundError("task", id)
	}
	if !t.HeldBy(sessionKey) {
		return domain.Task{}, domain.NotHolderError(id, sessionKey)
	}
	t.SessionLockedAt = &at
	t.LastHeartbeatAt = &at
	r.tasks[id] = t
	return cloneTask(t), nil
}

func (r *Repository) ClearStaleLeases(ctx context.Context, cutoff, at time.Time, actor string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	var evs []domain.AuditEvent
	for id, t := range r.tasks {
		if !t.Held() || t.SessionLockedAt == nil || !t.SessionLockedAt.Before(cutoff) {
			continue
		}
		ev, err := audit.New(audit.LeaseReaped, "task", id, actor, audit.Payload{"sessionKey": t.Holder(), "lockedAt": t.SessionLockedAt}, nil, at)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		evs = append(evs, ev)
	}
	for _, id := range ids {
		t := r.tasks[id]
		t.SessionKey = nil
		t.SessionLockedAt = nil
		t.ExecutionState = domain.ExecIdle
		r.tasks[id] = t
	}
	r.events = append(r.events, evs...)
	sort.Strings(ids)
	return ids, nil
}

func (r *Repository) NextReady(ctx context.Context, assignee, sessionKey string) (domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cands []domain.Task
	for _, t := range r.tasks {
		if t.Status != domain.StatusReady || t.Assignee != assignee {
			continue
		}
		if t.Held() && !t.HeldBy(sessionKey) {
			continue
		}
		cands = append(cands, t)
	}
	if len(cands) == 0 {
		return domain.Task{}, domain.ErrNotFound
	}
	sortByCreated(cands)
	return cloneTask(cands[0]), nil
}

func (r *Repository) NextOrphaned(ctx context.Context, assignee string) (domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var cands []domain.Task
	for _, t := range r.tasks {
		if t.Status != domain.StatusInProgress || t.Held() {
			continue
		}
		if assignee != "" && t.Assignee != assignee {
			continue
		}
		cands = append(cands, t)
	}
	if len(cands) == 0 {
		return domain.Task{}, domain.ErrNotFound
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].UpdatedAt.Equal(cands[j].UpdatedAt) {
			return cands[i].UpdatedAt.Before(cands[j].UpdatedAt)
		}
		return cands[i].ID < cands[j].ID
	})
	return cloneTask(cands[0]), nil
}

func (r *Repository) StartRun(ctx context.Context, s store.RunStart) (domain.BotRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tasks[s.TaskID]
	if !ok {
		return domain.BotRun{}, domain.NotFoundError("task", s.TaskID)
	}
	if !t.HeldBy(s.SessionKey) {
		return domain.BotRun{}, domain.NotHolderError(s.TaskID, s.SessionKey)
	}
	runs := r.runs[s.TaskID]
	run := domain.BotRun{
		ID:            s.ID,
		TaskID:        s.TaskID,
		SessionKey:    s.SessionKey,
		Status:        domain.RunRunning,
		AttemptNumber: len(runs) + 1,
		Summary:       s.Summary,
		StartedAt:     s.At,
	}
	if n := len(runs); n > 0 {
		last := &runs[n-1]
		if last.Status == domain.RunRunning {
			last.Status = domain.RunFailed
			last.EndedAt = &s.At
			last.Summary = supersededSummary
		}
		if last.Status == domain.RunFailed {
			parent := last.ID
			run.ParentRunID = &parent
		}
	}
	ev, err := audit.New(audit.RunStarted, "run", run.ID, s.SessionKey, nil, run, s.At)
	if err != nil {
		return domain.BotRun{}, err
	}
	r.runs[s.TaskID] = append(runs, run)
	r.events = append(r.events, ev)
	return run, nil
}

const supersededSummary = "superseded by a newer attempt"

func (r *Repository) FinishRun(ctx context.Context, taskID, runID string, status domain.RunStatus, summary string, at time.Time) (domain.BotRun, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	runs := r.runs[taskID]
	for i := range runs {
		if runs[i].ID != runID {
			continue
		}
		if runs[i].Status != domain.RunRunning {
			return domain.BotRun{}, fmt.Errorf("%w: run %s is already %s", domain.ErrInvalid, runID, runs[i].Status)
		}
		before := runs[i]
		runs[i].Status = status
		runs[i].EndedAt = &at
		if summary != "" {
			runs[i].Summary = summary
		}
		ev, err := audit.New(audit.RunFinished, "run", runID, runs[i].SessionKey, before, runs[i], at)
		if err != nil {
			runs[i] = before
			return domain.BotRun{}, err
		}
		r.events = append(r.events, ev)
		return runs[i], nil
	}
	return domain.BotRun{}, domain.NotFoundError("run", runID)
}

func (r *Repository) ListRuns(ctx context.Context, taskID string) ([]domain.BotRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.tasks[taskID]; !ok {
		return nil, domain.NotFoundError("task", taskID)
	}
	res := make([]domain.BotRun, len(r.runs[taskID]))
	copy(res, r.runs[taskID])
	return res, nil
}

func (r *Repository) AppendAudit(ctx context.Context, ev domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// ListAudit returns matching events, newest first.
func (r *Repository) ListAudit(ctx context.Context, f audit.Filter) ([]domain.AuditEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res := []domain.AuditEvent{}
	for i := len(r.events) - 1; i >= 0; i-- {
		ev := r.events[i]
		if f.EntityID != "" && ev.EntityID != f.EntityID {
			continue
		}
		if f.EventType != "" && ev.EventType != f.EventType {
			continue
		}
		res = append(res, ev)
		if f.Limit > 0 && len(res) == f.Limit {
			break
		}
	}
	return res, nil
}

func (r *Repository) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.events[:0]
	var n int64
	for _, ev := range r.events {
		if ev.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	r.events = kept
	return n, nil
}

func sortByCreated(ts []domain.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return ts[i].ID < ts[j].ID
	})
}

func cloneTask(t domain.Task) domain.Task {
	t.TaskContent = cloneContent(t.TaskContent)
	return t
}

func cloneContent(c domain.TaskContent) domain.TaskContent {
	c.Plan = append([]domain.PlanItem(nil), c.Plan...)
	c.Progress = append([]string(nil), c.Progress...)
	c.Commits = append([]string(nil), c.Commits...)
	return c
}
