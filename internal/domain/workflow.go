package domain

import (
	"fmt"
	"sort"
	"time"
)

// Status is the workflow stage shown on the board.
type Status string

const (
	StatusNew        Status = "New"
	StatusPlanning   Status = "Planning"
	StatusBacklog    Status = "Backlog"
	StatusReady      Status = "Ready"
	StatusInProgress Status = "InProgress"
	StatusBlocked    Status = "Blocked"
	StatusReview     Status = "Review"
	StatusFailed     Status = "Failed"
	StatusDone       Status = "Done"
)

// Statuses lists the stages in board order.
var Statuses = []Status{
	StatusNew, StatusPlanning, StatusBacklog, StatusReady, StatusInProgress,
	StatusBlocked, StatusReview, StatusFailed, StatusDone,
}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalid, s)
	}
	return st, nil
}

// ExecutionState is what the lease holder is doing right now.
type ExecutionState string

const (
	ExecQueued    ExecutionState = "queued"
	ExecRunning   ExecutionState = "running"
	ExecWaiting   ExecutionState = "waiting"
	ExecIdle      ExecutionState = "idle"
	ExecFailed    ExecutionState = "failed"
	ExecCompleted ExecutionState = "completed"
)

var ExecutionStates = []ExecutionState{ExecQueued, ExecRunning, ExecWaiting, ExecIdle, ExecFailed, ExecCompleted}

func (s ExecutionState) Valid() bool {
	for _, v := range ExecutionStates {
		if v == s {
			return true
		}
	}
	return false
}

func ParseExecutionState(s string) (ExecutionState, error) {
	st := ExecutionState(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown execution state %q", ErrInvalid, s)
	}
	return st, nil
}

// NewTask returns a task in stage initial with every timing field anchored at
// at, together with the state log entry that opens its history.
func NewTask(id, title, assignee string, initial Status, at time.Time) (Task, StateLogEntry) {
	if assignee == "" {
		assignee = DefaultAssignee
	}
	t := Task{
		ID:                    id,
		Title:                 title,
		Status:                initial,
		ExecutionState:        ExecIdle,
		Assignee:              assignee,
		CreatedAt:             at,
		UpdatedAt:             at,
		CurrentStateStartedAt: at,
	}
	if initial == StatusInProgress {
		t.StartedAt = &at
	}
	if initial == StatusDone {
		t.CompletedAt = &at
	}
	return t, StateLogEntry{TaskID: id, Status: initial, EnteredAt: at}
}

// EnterStatus moves the task into stage to and stamps the timing fields. It
// reports false and leaves the task untouched when the task is already there.
// The caller closes the open state log entry and appends the returned one.
func (t *Task) EnterStatus(to Status, at time.Time) (StateLogEntry, bool) {
	if t.Status == to {
		return StateLogEntry{}, false
	}
	from := t.Status
	t.Status = to
	t.CurrentStateStartedAt = at
	t.UpdatedAt = at
	if to == StatusInProgress && t.StartedAt == nil {
		t.StartedAt = &at
	}
	switch {
	case to == StatusDone:
		t.CompletedAt = &at
	case from == StatusDone:
		t.CompletedAt = nil
	}
	return StateLogEntry{TaskID: t.ID, Status: to, EnteredAt: at}, true
}

// StageTotal is the accumulated time a task spent in one stage.
type StageTotal struct {
	Status   Status `json:"status"`
	Duration int64  `json:"duration"`
	Visits   int    `json:"visits"`
}

// TimeInState sums closed durations per stage and counts the open entry up to now.
func TimeInState(logs []StateLogEntry, now time.Time) []StageTotal {
	idx := map[Status]int{}
	var res []StageTotal
	for _, l := range logs {
		var d int64
		switch {
		case l.Duration != nil:
			d = *l.Duration
		case l.Open():
			d = now.Sub(l.EnteredAt).Milliseconds()
		}
		i, ok := idx[l.Status]
		if !ok {
			i = len(res)
			idx[l.Status] = i
			res = append(res, StageTotal{Status: l.Status})
		}
		res[i].Duration += d
		res[i].Visits++
	}
	order := map[Status]int{}
	for i, s := range Statuses {
		order[s] = i
	}
	sort.SliceStable(res, func(i, j int) bool { return order[res[i].Status] < order[res[j].Status] })
	return res
}
