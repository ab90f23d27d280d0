// Package store defines the Task Store contract shared by every backend.
//
// Each mutating method is a single unit of work: either every row it touches,
// including its audit events, is written or none is.
package store

import (
	"context"
	"time"

	"github.com/greenclawdbot/mission-control-sub000/internal/audit"
	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
)

type TaskFilter struct {
	Status   domain.Status
	Assignee string
	Limit    int
}

// TaskPatch carries the fields intake may change outside the lease protocol.
type TaskPatch struct {
	Title    *string
	Assignee *string
	Content  *domain.TaskContent
}

// LeaseClaim is a conditional lease acquisition. The write succeeds only when
// the lease is unheld or already held by SessionKey, and, when RequireStatus
// is set, only while the task is in that stage.
type LeaseClaim struct {
	TaskID        string
	SessionKey    string
	At            time.Time
	Actor         string
	RequireStatus domain.Status
	// ToStatus and ToExecution are applied in the same unit of work. Empty
	// values leave the current ones untouched.
	ToStatus    domain.Status
	ToExecution domain.ExecutionState
}

// RunStart opens a new bot run for the lease holder.
type RunStart struct {
	ID         string
	TaskID     string
	SessionKey string
	Summary    string
	At         time.Time
}

type Store interface {
	// CreateTask inserts t and the state log entry that opens its history.
	CreateTask(ctx context.Context, t domain.Task, actor string) error
	GetTask(ctx context.Context, id string) (domain.Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error)
	UpdateTask(ctx context.Context, id string, p TaskPatch, at time.Time, actor string) (domain.Task, error)
	// DeleteTask removes the task with its state log and bot runs. Audit events are kept.
	DeleteTask(ctx context.Context, id string, at time.Time, actor string) error

	// TransitionStatus closes the open state log entry and opens one for to.
	// changed is false when the task already was in stage to.
	TransitionStatus(ctx context.Context, id string, to domain.Status, at time.Time, actor string) (t domain.Task, changed bool, err error)
	SetExecutionState(ctx context.Context, id string, state domain.ExecutionState, at time.Time) (domain.Task, error)
	StateLogs(ctx context.Context, taskID string) ([]domain.StateLogEntry, error)

	// ClaimLease returns *domain.LeaseHeldError when another session holds the
	// lease and domain.ErrStatusChanged when RequireStatus no longer holds.
	ClaimLease(ctx context.Context, c LeaseClaim) (domain.Task, error)
	// ReleaseLease returns domain.ErrForbidden when another session holds the lease.
	ReleaseLease(ctx context.Context, id, sessionKey string, at time.Time, actor string) (domain.Task, error)
	// Heartbeat renews the lease of its holder.
	Heartbeat(ctx context.Context, id, sessionKey string, at time.Time) (domain.Task, error)
	// ClearStaleLeases clears, in one statement, every lease acquired before
	// cutoff and idles those tasks. It returns the affected task ids.
	ClearStaleLeases(ctx context.Context, cutoff, at time.Time, actor string) ([]string, error)

	// NextReady returns the oldest Ready task for assignee that is unleased or
	// leased by sessionKey, or domain.ErrNotFound.
	NextReady(ctx context.Context, assignee, sessionKey string) (domain.Task, error)
	// NextOrphaned returns the least recently updated InProgress task with no
	// lease, or domain.ErrNotFound. An empty assignee matches every task.
	NextOrphaned(ctx context.Context, assignee string) (domain.Task, error)

	StartRun(ctx context.Context, r RunStart) (domain.BotRun, error)
	FinishRun(ctx context.Context, taskID, runID string, status domain.RunStatus, summary string, at time.Time) (domain.BotRun, error)
	ListRuns(ctx context.Context, taskID string) ([]domain.BotRun, error)

	audit.Trail

	Close() error
}
