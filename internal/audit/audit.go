package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
	"github.com/greenclawdbot/mission-control-sub000/internal/log"
)

const (
	TaskCreated       = "task.created"
	TaskUpdated       = "task.updated"
	TaskDeleted       = "task.deleted"
	TaskStatusChanged = "task.status_changed"
	LeaseClaimed      = "lease.claimed"
	LeaseReleased     = "lease.released"
	LeaseReaped       = "lease.reaped"
	RunStarted        = "run.started"
	RunFinished       = "run.finished"
	Purged            = "audit.purged"
)

// SystemActor is recorded for mutations no caller asked for.
const SystemActor = "system"

type Payload map[string]any

// New builds an immutable audit event. before and after are stored as JSON snapshots.
func New(eventType, entityType, entityID, actor string, before, after any, at time.Time) (domain.AuditEvent, error) {
	if actor == "" {
		actor = SystemActor
	}
	ev := domain.AuditEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Actor:      actor,
		Timestamp:  at.UTC(),
	}
	var err error
	if ev.Before, err = snapshot(before); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("marshal audit before: %w", err)
	}
	if ev.After, err = snapshot(after); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("marshal audit after: %w", err)
	}
	return ev, nil
}

// StatusChanged records a workflow stage change.
func StatusChanged(taskID, actor string, from, to domain.Status, at time.Time) (domain.AuditEvent, error) {
	return New(TaskStatusChanged, "task", taskID, actor, from, to, at)
}

func snapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(v)
}

type Filter struct {
	EntityID  string
	EventType string
	Limit     int
}

// Trail is where audit events are persisted.
type Trail interface {
	AppendAudit(ctx context.Context, ev domain.AuditEvent) error
	ListAudit(ctx context.Context, f Filter) ([]domain.AuditEvent, error)
	PurgeAudit(ctx context.Context, before time.Time) (int64, error)
}

// Recorder appends and reads the audit trail.
type Recorder struct {
	Trail  Trail
	Now    func() time.Time
	Logger log.Logger
}

func (r Recorder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r Recorder) logger() log.Logger {
	if r.Logger == nil {
		return log.Noop
	}
	return r.Logger
}

// Record appends a standalone event, one that is not part of a store mutation.
func (r Recorder) Record(ctx context.Context, eventType, entityType, entityID, actor string, before, after any) (domain.AuditEvent, error) {
	ev, err := New(eventType, entityType, entityID, actor, before, after, r.now())
	if err != nil {
		return domain.AuditEvent{}, err
	}
	if err := r.Trail.AppendAudit(ctx, ev); err != nil {
		return domain.AuditEvent{}, fmt.Errorf("append audit event: %w", err)
	}
	return ev, nil
}

const defaultListLimit = 100

func (r Recorder) List(ctx context.Context, f Filter) ([]domain.AuditEvent, error) {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	return r.Trail.ListAudit(ctx, f)
}

// Purge deletes every event older than before. The purge itself is recorded
// afterwards so the trail never loses track of administrative deletions.
func (r Recorder) Purge(ctx context.Context, before time.Time, actor string) (int64, error) {
	if before.IsZero() {
		return 0, fmt.Errorf("%w: purge cutoff is required", domain.ErrInvalid)
	}
	if before.After(r.now()) {
		return 0, fmt.Errorf("%w: purge cutoff is in the future", domain.ErrInvalid)
	}
	n, err := r.Trail.PurgeAudit(ctx, before)
	if err != nil {
		return 0, err
	}
	if _, err := r.Record(ctx, Purged, "audit", "", actor, nil, Payload{"before": before.UTC(), "purged": n}); err != nil {
		r.logger().Errorf("could not record audit purge: %s", err)
	}
	return n, nil
}
