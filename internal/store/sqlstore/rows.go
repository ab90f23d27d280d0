package sqlstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
)

const taskColumns = `id,title,status,execution_state,assignee,session_key,session_locked_at,created_at,updated_at,
last_action_at,last_heartbeat_at,started_at,completed_at,current_state_started_at,content_json`

type taskRow struct {
	ID                    string  `db:"id"`
	Title                 string  `db:"title"`
	Status                string  `db:"status"`
	ExecutionState        string  `db:"execution_state"`
	Assignee              string  `db:"assignee"`
	SessionKey            *string `db:"session_key"`
	SessionLockedAt       *int64  `db:"session_locked_at"`
	CreatedAt             int64   `db:"created_at"`
	UpdatedAt             int64   `db:"updated_at"`
	LastActionAt          *int64  `db:"last_action_at"`
	LastHeartbeatAt       *int64  `db:"last_heartbeat_at"`
	StartedAt             *int64  `db:"started_at"`
	CompletedAt           *int64  `db:"completed_at"`
	CurrentStateStartedAt int64   `db:"current_state_started_at"`
	ContentJSON           string  `db:"content_json"`
}

func (r taskRow) toDomain() (domain.Task, error) {
	t := domain.Task{
		ID:                    r.ID,
		Title:                 r.Title,
		Status:                domain.Status(r.Status),
		ExecutionState:        domain.ExecutionState(r.ExecutionState),
		Assignee:              r.Assignee,
		SessionKey:            r.SessionKey,
		SessionLockedAt:       fromMillisPtr(r.SessionLockedAt),
		CreatedAt:             fromMillis(r.CreatedAt),
		UpdatedAt:             fromMillis(r.UpdatedAt),
		LastActionAt:          fromMillisPtr(r.LastActionAt),
		LastHeartbeatAt:       fromMillisPtr(r.LastHeartbeatAt),
		StartedAt:             fromMillisPtr(r.StartedAt),
		CompletedAt:           fromMillisPtr(r.CompletedAt),
		CurrentStateStartedAt: fromMillis(r.CurrentStateStartedAt),
	}
	if r.ContentJSON != "" {
		if err := json.Unmarshal([]byte(r.ContentJSON), &t.TaskContent); err != nil {
			return domain.Task{}, fmt.Errorf("decode content of task %s: %w", r.ID, err)
		}
	}
	return t, nil
}

func contentJSON(c domain.TaskContent) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode task content: %w", err)
	}
	return string(data), nil
}

type stateLogRow struct {
	ID        int64  `db:"id"`
	TaskID    string `db:"task_id"`
	Status    string `db:"status"`
	EnteredAt int64  `db:"entered_at"`
	ExitedAt  *int64 `db:"exited_at"`
	Duration  *int64 `db:"duration_ms"`
}

func (r stateLogRow) toDomain() domain.StateLogEntry {
	return domain.StateLogEntry{
		ID:        r.ID,
		TaskID:    r.TaskID,
		Status:    domain.Status(r.Status),
		EnteredAt: fromMillis(r.EnteredAt),
		ExitedAt:  fromMillisPtr(r.ExitedAt),
		Duration:  r.Duration,
	}
}

const runColumns = `id,task_id,session_key,status,attempt_number,parent_run_id,summary,started_at,ended_at`

type runRow struct {
	ID            string  `db:"id"`
	TaskID        string  `db:"task_id"`
	SessionKey    string  `db:"session_key"`
	Status        string  `db:"status"`
	AttemptNumber int64   `db:"attempt_number"`
	ParentRunID   *string `db:"parent_run_id"`
	Summary       string  `db:"summary"`
	StartedAt     int64   `db:"started_at"`
	EndedAt       *int64  `db:"ended_at"`
}

func (r runRow) toDomain() domain.BotRun {
	return domain.BotRun{
		ID:            r.ID,
		TaskID:        r.TaskID,
		SessionKey:    r.SessionKey,
		Status:        domain.RunStatus(r.Status),
		AttemptNumber: int(r.AttemptNumber),
		ParentRunID:   r.ParentRunID,
		Summary:       r.Summary,
		StartedAt:     fromMillis(r.StartedAt),
		EndedAt:       fromMillisPtr(r.EndedAt),
	}
}

const auditColumns = `id,event_type,entity_type,entity_id,actor,before_json,after_json,ts`

type auditRow struct {
	ID         string  `db:"id"`
	EventType  string  `db:"event_type"`
	EntityType string  `db:"entity_type"`
	EntityID   string  `db:"entity_id"`
	Actor      string  `db:"actor"`
	Before     *string `db:"before_json"`
	After      *string `db:"after_json"`
	TS         int64   `db:"ts"`
}

func (r auditRow) toDomain() domain.AuditEvent {
	ev := domain.AuditEvent{
		ID:         r.ID,
		EventType:  r.EventType,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		Actor:      r.Actor,
		Timestamp:  fromMillis(r.TS),
	}
	if r.Before != nil {
		ev.Before = json.RawMessage(*r.Before)
	}
	if r.After != nil {
		ev.After = json.RawMessage(*r.After)
	}
	return ev
}

func millis(t time.Time) int64 { return t.UnixMilli() }

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := fromMillis(*ms)
	return &t
}

func rawOrNil(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}
