// Package sqlstore implements store.Store on top of sqlx for sqlite and postgres.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/greenclawdbot/mission-control-sub000/internal/audit"
	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
	"github.com/greenclawdbot/mission-control-sub000/internal/log"
	"github.com/greenclawdbot/mission-control-sub000/internal/store"
)

type Config struct {
	DB     *sqlx.DB
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.DB == nil {
		return fmt.Errorf("db is required")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "store.SQL", "driver": c.DB.DriverName()})
	return nil
}

type Store struct {
	db     *sqlx.DB
	logger log.Logger
}

var _ store.Store = (*Store)(nil)

func New(cfg Config) (*Store, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Store{db: cfg.DB, logger: cfg.Logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func exec(ctx context.Context, q queryer, query string, args ...any) (int64, error) {
	res, err := q.ExecContext(ctx, q.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func getTask(ctx context.Context, q queryer, id string) (domain.Task, error) {
	var row taskRow
	err := q.GetContext(ctx, &row, q.Rebind(`SELECT `+taskColumns+` FROM tasks WHERE id=?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.NotFoundError("task", id)
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return row.toDomain()
}

func selectTasks(ctx context.Context, q queryer, query string, args ...any) ([]domain.Task, error) {
	var rows []taskRow
	if err := q.SelectContext(ctx, &rows, q.Rebind(query), args...); err != nil {
		return nil, err
	}
	res := make([]domain.Task, 0, len(rows))
	for _, r := range rows {
		t, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func appendAudit(ctx context.Context, q queryer, ev domain.AuditEvent) error {
	_, err := exec(ctx, q, `INSERT INTO audit_events(id,event_type,entity_type,entity_id,actor,before_json,after_json,ts) VALUES (?,?,?,?,?,?,?,?)`,
		ev.ID, ev.EventType, ev.EntityType, ev.EntityID, ev.Actor, rawOrNil(ev.Before), rawOrNil(ev.After), millis(ev.Timestamp))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *Store) CreateTask(ctx context.Context, t domain.Task, actor string) error {
	content, err := contentJSON(t.TaskContent)
	if err != nil {
		return err
	}
	ev, err := audit.New(audit.TaskCreated, "task", t.ID, actor, nil, t, t.CreatedAt)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind(`SELECT COUNT(*) FROM tasks WHERE id=?`), t.ID); err != nil {
			return fmt.Errorf("check task: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("%w: task %s already exists", domain.ErrConflict, t.ID)
		}
		_, err := exec(ctx, tx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			t.ID, t.Title, string(t.Status), string(t.ExecutionState), t.Assignee, t.SessionKey, millisPtr(t.SessionLockedAt),
			millis(t.CreatedAt), millis(t.UpdatedAt), millisPtr(t.LastActionAt), millisPtr(t.LastHeartbeatAt),
			millisPtr(t.StartedAt), millisPtr(t.CompletedAt), millis(t.CurrentStateStartedAt), content)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := insertStateLog(ctx, tx, domain.StateLogEntry{TaskID: t.ID, Status: t.Status, EnteredAt: t.CurrentStateStartedAt}); err != nil {
			return err
		}
		s.logger.Debugf("Created task in repository: %s", t.ID)
		return appendAudit(ctx, tx, ev)
	})
}

func (s *Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return getTask(ctx, s.db, id)
}

func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	res, err := selectTasks(ctx, s.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return res, nil
}

func (s *Store) UpdateTask(ctx context.Context, id string, p store.TaskPatch, at time.Time, actor string) (domain.Task, error) {
	var out domain.Task
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		before := t
		if p.Title != nil {
			t.Title = *p.Title
		}
		if p.Assignee != nil {
			t.Assignee = *p.Assignee
		}
		if p.Content != nil {
			t.TaskContent = *p.Content
		}
		t.UpdatedAt = at
		content, err := contentJSON(t.TaskContent)
		if err != nil {
			return err
		}
		if _, err := exec(ctx, tx, `UPDATE tasks SET title=?, assignee=?, content_json=?, updated_at=? WHERE id=?`,
			t.Title, t.Assignee, content, millis(at), id); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		ev, err := audit.New(audit.TaskUpdated, "task", id, actor, before, t, at)
		if err != nil {
			return err
		}
		out = t
		return appendAudit(ctx, tx, ev)
	})
	return out, err
}

func (s *Store) DeleteTask(ctx context.Context, id string, at time.Time, actor string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, q := range []string{
			`DELETE FROM state_logs WHERE task_id=?`,
			`DELETE FROM bot_runs WHERE task_id=?`,
			`DELETE FROM tasks WHERE id=?`,
		} {
			if _, err := exec(ctx, tx, q, id); err != nil {
				return fmt.Errorf("delete task: %w", err)
			}
		}
		ev, err := audit.New(audit.TaskDeleted, "task", id, actor, t, nil, at)
		if err != nil {
			return err
		}
		return appendAudit(ctx, tx, ev)
	})
}

func insertStateLog(ctx context.Context, q queryer, e domain.StateLogEntry) error {
	if _, err := exec(ctx, q, `INSERT INTO state_logs(task_id,status,entered_at) VALUES (?,?,?)`,
		e.TaskID, string(e.Status), millis(e.EnteredAt)); err != nil {
		return fmt.Errorf("insert state log: %w", err)
	}
	return nil
}

// enterStatus applies a stage change to t inside tx. The task row update is
// conditional on the stage observed in t, so a concurrent transition that got
// there first turns this one into domain.ErrStatusChanged.
func enterStatus(ctx context.Context, tx *sqlx.Tx, t *domain.Task, to domain.Status, at time.Time, actor string) (bool, error) {
	from := t.Status
	entry, changed := t.EnterStatus(to, at)
	if !changed {
		return false, nil
	}
	n, err := exec(ctx, tx, `UPDATE tasks SET status=?, current_state_started_at=?, updated_at=?, started_at=?, completed_at=? WHERE id=? AND status=?`,
		string(to), millis(at), millis(at), millisPtr(t.StartedAt), millisPtr(t.CompletedAt), t.ID, string(from))
	if err != nil {
		return false, fmt.Errorf("update task status: %w", err)
	}
	if n == 0 {
		return false, domain.ErrStatusChanged
	}
	if _, err := exec(ctx, tx, `UPDATE state_logs SET exited_at=?, duration_ms=? - entered_at WHERE task_id=? AND exited_at IS NULL`,
		millis(at), millis(at), t.ID); err != nil {
		return false, fmt.Errorf("close state log: %w", err)
	}
	if err := insertStateLog(ctx, tx, entry); err != nil {
		return false, err
	}
	ev, err := audit.StatusChanged(t.ID, actor, from, to, at)
	if err != nil {
		return false, err
	}
	return true, appendAudit(ctx, tx, ev)
}

func (s *Store) TransitionStatus(ctx context.Context, id string, to domain.Status, at time.Time, actor string) (domain.Task, bool, error) {
	var out domain.Task
	var changed bool
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		changed, err = enterStatus(ctx, tx, &t, to, at, actor)
		out = t
		return err
	})
	return out, changed, err
}

func (s *Store) SetExecutionState(ctx context.Context, id string, state domain.ExecutionState, at time.Time) (domain.Task, error) {
	var out domain.Task
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := exec(ctx, tx, `UPDATE tasks SET execution_state=?, last_action_at=?, updated_at=? WHERE id=?`,
			string(state), millis(at), millis(at), id)
		if err != nil {
			return fmt.Errorf("update execution state: %w", err)
		}
		if n == 0 {
			return domain.NotFoundError("task", id)
		}
		out, err = getTask(ctx, tx, id)
		return err
	})
	return out, err
}

func (s *Store) StateLogs(ctx context.Context, taskID string) ([]domain.StateLogEntry, error) {
	if _, err := getTask(ctx, s.db, taskID); err != nil {
		return nil, err
	}
	var rows []stateLogRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT id,task_id,status,entered_at,exited_at,duration_ms FROM state_logs WHERE task_id=? ORDER BY entered_at ASC, id ASC`), taskID); err != nil {
		return nil, fmt.Errorf("list state logs: %w", err)
	}
	res := make([]domain.StateLogEntry, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.toDomain())
	}
	return res, nil
}

// leaseConflict explains why a conditional lease write matched no row.
func leaseConflict(ctx context.Context, q queryer, id string, requireStatus domain.Status) error {
	t, err := getTask(ctx, q, id)
	if err != nil {
		return err
	}
	if requireStatus != "" && t.Status != requireStatus {
		return domain.ErrStatusChanged
	}
	return &domain.LeaseHeldError{TaskID: id, Holder: t.Holder(), LockedAt: t.SessionLockedAt}
}

func (s *Store) ClaimLease(ctx context.Context, c store.LeaseClaim) (domain.Task, error) {
	var out domain.Task
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `UPDATE tasks SET session_key=?, session_locked_at=?, updated_at=? WHERE id=? AND (session_key IS NULL OR session_key=?)`
		args := []any{c.SessionKey, millis(c.At), millis(c.At), c.TaskID, c.SessionKey}
		if c.RequireStatus != "" {
			query += ` AND status=?`
			args = append(args, string(c.RequireStatus))
		}
		n, err := exec(ctx, tx, query, args...)
		if err != nil {
			return fmt.Errorf("claim lease: %w", err)
		}
		if n == 0 {
			return leaseConflict(ctx, tx, c.TaskID, c.RequireStatus)
		}
		t, err := getTask(ctx, tx, c.TaskID)
		if err != nil {
			return err
		}
		if c.ToStatus != "" {
			if _, err := enterStatus(ctx, tx, &t, c.ToStatus, c.At, c.Actor); err != nil {
				return err
			}
		}
		if c.ToExecution != "" {
			if _, err := exec(ctx, tx, `UPDATE tasks SET execution_state=?, last_action_at=? WHERE id=?`,
				string(c.ToExecution), millis(c.At), c.TaskID); err != nil {
				return fmt.Errorf("update execution state: %w", err)
			}
			t.ExecutionState = c.ToExecution
			t.LastActionAt = &c.At
		}
		ev, err := audit.New(audit.LeaseClaimed, "task", c.TaskID, c.Actor, nil, audit.Payload{"sessionKey": c.SessionKey}, c.At)
		if err != nil {
			return err
		}
		out = t
		return appendAudit(ctx, tx, ev)
	})
	return out, err
}

func (s *Store) ReleaseLease(ctx context.Context, id, sessionKey string, at time.Time, actor string) (domain.Task, error) {
	var out domain.Task
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if t.Held() && !t.HeldBy(sessionKey) {
			return domain.NotHolderError(id, sessionKey)
		}
		n, err := exec(ctx, tx, `UPDATE tasks SET session_key=NULL, session_locked_at=NULL, updated_at=? WHERE id=? AND (session_key IS NULL OR session_key=?)`,
			millis(at), id, sessionKey)
		if err != nil {
			return fmt.Errorf("release lease: %w", err)
		}
		if n == 0 {
			return domain.NotHolderError(id, sessionKey)
		}
		ev, err := audit.New(audit.LeaseReleased, "task", id, actor, audit.Payload{"sessionKey": t.Holder()}, nil, at)
		if err != nil {
			return err
		}
		t.SessionKey = nil
		t.SessionLockedAt = nil
		t.UpdatedAt = at
		out = t
		return appendAudit(ctx, tx, ev)
	})
	return out, err
}

func (s *Store) Heartbeat(ctx context.Context, id, sessionKey string, at time.Time) (domain.Task, error) {
	var out domain.Task
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		n, err := exec(ctx, tx, `UPDATE tasks SET session_locked_at=?, last_heartbeat_at=? WHERE id=? AND session_key=?`,
			millis(at), millis(at), id, sessionKey)
		if err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}
		t, err := getTask(ctx, tx, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.NotHolderError(id, sessionKey)
		}
		out = t
		return nil
	})
	return out, err
}

func (s *Store) ClearStaleLeases(ctx context.Context, cutoff, at time.Time, actor string) ([]string, error) {
	var ids []string
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var held []struct {
			ID       string `db:"id"`
			Holder   string `db:"session_key"`
			LockedAt int64  `db:"session_locked_at"`
		}
		if err := tx.SelectContext(ctx, &held, tx.Rebind(`SELECT id,session_key,session_locked_at FROM tasks WHERE session_key IS NOT NULL AND session_locked_at < ?`), millis(cutoff)); err != nil {
			return fmt.Errorf("scan stale leases: %w", err)
		}
		holders := map[string]string{}
		lockedAt := map[string]int64{}
		for _, h := range held {
			holders[h.ID] = h.Holder
			lockedAt[h.ID] = h.LockedAt
		}
		if err := tx.SelectContext(ctx, &ids, tx.Rebind(`UPDATE tasks SET session_key=NULL, session_locked_at=NULL, execution_state=? WHERE session_key IS NOT NULL AND session_locked_at < ? RETURNING id`),
			string(domain.ExecIdle), millis(cutoff)); err != nil {
			return fmt.Errorf("clear stale leases: %w", err)
		}
		sort.Strings(ids)
		for _, id := range ids {
			ev, err := audit.New(audit.LeaseReaped, "task", id, actor, audit.Payload{"sessionKey": holders[id], "lockedAt": fromMillis(lockedAt[id])}, nil, at)
			if err != nil {
				return err
			}
			if err := appendAudit(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) NextReady(ctx context.Context, assignee, sessionKey string) (domain.Task, error) {
	res, err := selectTasks(ctx, s.db, `SELECT `+taskColumns+` FROM tasks WHERE status=? AND assignee=? AND (session_key IS NULL OR session_key=?) ORDER BY created_at ASC, id ASC LIMIT 1`,
		string(domain.StatusReady), assignee, sessionKey)
	if err != nil {
		return domain.Task{}, fmt.Errorf("next ready task: %w", err)
	}
	if len(res) == 0 {
		return domain.Task{}, domain.ErrNotFound
	}
	return res[0], nil
}

func (s *Store) NextOrphaned(ctx context.Context, assignee string) (domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE status=? AND session_key IS NULL`
	args := []any{string(domain.StatusInProgress)}
	if assignee != "" {
		query += ` AND assignee=?`
		args = append(args, assignee)
	}
	query += ` ORDER BY updated_at ASC, id ASC LIMIT 1`
	res, err := selectTasks(ctx, s.db, query, args...)
	if err != nil {
		return domain.Task{}, fmt.Errorf("next orphaned task: %w", err)
	}
	if len(res) == 0 {
		return domain.Task{}, domain.ErrNotFound
	}
	return res[0], nil
}

const supersededSummary = "superseded by a newer attempt"

func (s *Store) StartRun(ctx context.Context, r store.RunStart) (domain.BotRun, error) {
	var out domain.BotRun
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		t, err := getTask(ctx, tx, r.TaskID)
		if err != nil {
			return err
		}
		if !t.HeldBy(r.SessionKey) {
			return domain.NotHolderError(r.TaskID, r.SessionKey)
		}
		run := domain.BotRun{
			ID:            r.ID,
			TaskID:        r.TaskID,
			SessionKey:    r.SessionKey,
			Status:        domain.RunRunning,
			AttemptNumber: 1,
			Summary:       r.Summary,
			StartedAt:     r.At,
		}
		var last []runRow
		if err := tx.SelectContext(ctx, &last, tx.Rebind(`SELECT `+runColumns+` FROM bot_runs WHERE task_id=? ORDER BY attempt_number DESC LIMIT 1`), r.TaskID); err != nil {
			return fmt.Errorf("last run: %w", err)
		}
		if len(last) == 1 {
			prev := last[0]
			run.AttemptNumber = int(prev.AttemptNumber) + 1
			if domain.RunStatus(prev.Status) == domain.RunRunning {
				if _, err := exec(ctx, tx, `UPDATE bot_runs SET status=?, ended_at=?, summary=? WHERE id=?`,
					string(domain.RunFailed), millis(r.At), supersededSummary, prev.ID); err != nil {
					return fmt.Errorf("seal superseded run: %w", err)
				}
				prev.Status = string(domain.RunFailed)
			}
			if domain.RunStatus(prev.Status) == domain.RunFailed {
				parent := prev.ID
				run.ParentRunID = &parent
			}
		}
		if _, err := exec(ctx, tx, `INSERT INTO bot_runs(`+runColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
			run.ID, run.TaskID, run.SessionKey, string(run.Status), run.AttemptNumber, run.ParentRunID, run.Summary, millis(run.StartedAt), nil); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		ev, err := audit.New(audit.RunStarted, "run", run.ID, r.SessionKey, nil, run, r.At)
		if err != nil {
			return err
		}
		out = run
		return appendAudit(ctx, tx, ev)
	})
	return out, err
}

func (s *Store) FinishRun(ctx context.Context, taskID, runID string, status domain.RunStatus, summary string, at time.Time) (domain.BotRun, error) {
	var out domain.BotRun
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row runRow
		err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+runColumns+` FROM bot_runs WHERE id=? AND task_id=?`), runID, taskID)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.NotFoundError("run", runID)
		}
		if err != nil {
			return fmt.Errorf("get run: %w", err)
		}
		before := row.toDomain()
		if before.Status != domain.RunRunning {
			return fmt.Errorf("%w: run %s is already %s", domain.ErrInvalid, runID, before.Status)
		}
		after := before
		after.Status = status
		after.EndedAt = &at
		if summary != "" {
			after.Summary = summary
		}
		n, err := exec(ctx, tx, `UPDATE bot_runs SET status=?, ended_at=?, summary=? WHERE id=? AND status=?`,
			string(status), millis(at), after.Summary, runID, string(domain.RunRunning))
		if err != nil {
			return fmt.Errorf("finish run: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: run %s was sealed concurrently", domain.ErrInvalid, runID)
		}
		ev, err := audit.New(audit.RunFinished, "run", runID, after.SessionKey, before, after, at)
		if err != nil {
			return err
		}
		out = after
		return appendAudit(ctx, tx, ev)
	})
	return out, err
}

func (s *Store) ListRuns(ctx context.Context, taskID string) ([]domain.BotRun, error) {
	if _, err := getTask(ctx, s.db, taskID); err != nil {
		return nil, err
	}
	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+runColumns+` FROM bot_runs WHERE task_id=? ORDER BY attempt_number ASC`), taskID); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	res := make([]domain.BotRun, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.toDomain())
	}
	return res, nil
}

func (s *Store) AppendAudit(ctx context.Context, ev domain.AuditEvent) error {
	return appendAudit(ctx, s.db, ev)
}

func (s *Store) ListAudit(ctx context.Context, f audit.Filter) ([]domain.AuditEvent, error) {
	var clauses []string
	var args []any
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	query := `SELECT ` + auditColumns + ` FROM audit_events`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	res := make([]domain.AuditEvent, 0, len(rows))
	for _, r := range rows {
		res = append(res, r.toDomain())
	}
	return res, nil
}

func (s *Store) PurgeAudit(ctx context.Context, before time.Time) (int64, error) {
	n, err := exec(ctx, s.db, `DELETE FROM audit_events WHERE ts < ?`, millis(before))
	if err != nil {
		return 0, fmt.Errorf("purge audit events: %w", err)
	}
	return n, nil
}
