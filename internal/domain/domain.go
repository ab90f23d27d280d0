package domain

import (
	"encoding/json"
	"time"
)

// DefaultAssignee is the bot class served when a worker does not name one.
const DefaultAssignee = "clawdbot"

type Task struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Status         Status         `json:"status"`
	ExecutionState ExecutionState `json:"executionState"`
	Assignee       string         `json:"assignee"`

	SessionKey      *string    `json:"sessionKey"`
	SessionLockedAt *time.Time `json:"sessionLockedAt" format:"date-time"`

	CreatedAt             time.Time  `json:"createdAt" format:"date-time"`
	UpdatedAt             time.Time  `json:"updatedAt" format:"date-time"`
	LastActionAt          *time.Time `json:"lastActionAt,omitempty" format:"date-time"`
	LastHeartbeatAt       *time.Time `json:"lastHeartbeatAt,omitempty" format:"date-time"`
	StartedAt             *time.Time `json:"startedAt,omitempty" format:"date-time"`
	CompletedAt           *time.Time `json:"completedAt,omitempty" format:"date-time"`
	CurrentStateStartedAt time.Time  `json:"currentStateStartedAt" format:"date-time"`

	TaskContent
}

// TaskContent is the work payload carried along with a task. It is never
// interpreted by the lease protocol.
type TaskContent struct {
	Description string     `json:"description,omitempty"`
	Plan        []PlanItem `json:"plan,omitempty"`
	Progress    []string   `json:"progress,omitempty"`
	Results     string     `json:"results,omitempty"`
	Commits     []string   `json:"commits,omitempty"`
}

type PlanItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Held reports whether some session holds the lease.
func (t Task) Held() bool {
	return t.SessionKey != nil && *t.SessionKey != ""
}

// HeldBy reports whether sessionKey is the current lease holder.
func (t Task) HeldBy(sessionKey string) bool {
	return t.Held() && *t.SessionKey == sessionKey
}

// Holder returns the session key of the lease holder or "".
func (t Task) Holder() string {
	if t.SessionKey == nil {
		return ""
	}
	return *t.SessionKey
}

type StateLogEntry struct {
	ID        int64      `json:"id"`
	TaskID    string     `json:"taskId"`
	Status    Status     `json:"status"`
	EnteredAt time.Time  `json:"enteredAt" format:"date-time"`
	ExitedAt  *time.Time `json:"exitedAt" format:"date-time"`
	// Duration in milliseconds, set when the entry is closed.
	Duration *int64 `json:"duration"`
}

// Open reports whether the entry still describes the current stage.
func (e StateLogEntry) Open() bool { return e.ExitedAt == nil }

// Close stamps the exit time and duration.
func (e *StateLogEntry) Close(at time.Time) {
	e.ExitedAt = &at
	d := at.Sub(e.EnteredAt).Milliseconds()
	e.Duration = &d
}

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

type BotRun struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"taskId"`
	SessionKey    string     `json:"sessionKey"`
	Status        RunStatus  `json:"status" enum:"running,completed,failed"`
	AttemptNumber int        `json:"attemptNumber"`
	ParentRunID   *string    `json:"parentRunId,omitempty"`
	Summary       string     `json:"summary,omitempty"`
	StartedAt     time.Time  `json:"startedAt" format:"date-time"`
	EndedAt       *time.Time `json:"endedAt,omitempty" format:"date-time"`
}

type AuditEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"eventType"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Actor      string          `json:"actor"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Timestamp  time.Time       `json:"timestamp" format:"date-time"`
}
