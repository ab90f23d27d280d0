package server

import (
	"time"

	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
	"github.com/greenclawdbot/mission-control-sub000/internal/engine"
)

// Request payloads

type SessionRequest struct {
	SessionKey string `json:"sessionKey" minLength:"1" maxLength:"200" doc:"Worker session that holds or wants the lease"`
}

type CleanupStaleRequest struct {
	OlderThanMinutes int `json:"olderThanMinutes,omitempty" minimum:"1" default:"5"`
}

type CreateTaskRequest struct {
	ID          *string           `json:"id,omitempty"`
	Title       string            `json:"title" minLength:"1"`
	Assignee    *string           `json:"assignee,omitempty"`
	Status      *string           `json:"status,omitempty" enum:"New,Planning,Backlog,Ready,InProgress,Blocked,Review,Failed,Done"`
	Description string            `json:"description,omitempty"`
	Plan        []domain.PlanItem `json:"plan,omitempty"`
	Actor       string            `json:"actor,omitempty"`
}

type UpdateTaskRequest struct {
	Title       *string            `json:"title,omitempty"`
	Assignee    *string            `json:"assignee,omitempty"`
	Description *string            `json:"description,omitempty"`
	Plan        *[]domain.PlanItem `json:"plan,omitempty"`
	Progress    *[]string          `json:"progress,omitempty"`
	Results     *string            `json:"results,omitempty"`
	Commits     *[]string          `json:"commits,omitempty"`
	Actor       string             `json:"actor,omitempty"`
}

func (r UpdateTaskRequest) hasContent() bool {
	return r.Description != nil || r.Plan != nil || r.Progress != nil || r.Results != nil || r.Commits != nil
}

// apply overlays the fields present in the request onto c.
func (r UpdateTaskRequest) apply(c domain.TaskContent) domain.TaskContent {
	if r.Description != nil {
		c.Description = *r.Description
	}
	if r.Plan != nil {
		c.Plan = *r.Plan
	}
	if r.Progress != nil {
		c.Progress = *r.Progress
	}
	if r.Results != nil {
		c.Results = *r.Results
	}
	if r.Commits != nil {
		c.Commits = *r.Commits
	}
	return c
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"New,Planning,Backlog,Ready,InProgress,Blocked,Review,Failed,Done"`
	Actor  string `json:"actor,omitempty"`
}

type SetExecutionRequest struct {
	ExecutionState string `json:"executionState" enum:"queued,running,waiting,idle,failed,completed"`
}

type StartRunRequest struct {
	SessionKey string `json:"sessionKey" minLength:"1" maxLength:"200"`
	Summary    string `json:"summary,omitempty"`
}

type FinishRunRequest struct {
	Status  string `json:"status" enum:"completed,failed"`
	Summary string `json:"summary,omitempty"`
}

// Responses

type TaskResponse struct {
	Task domain.Task `json:"task"`
}

type TaskListResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type ClaimResponse struct {
	Task      domain.Task `json:"task"`
	ClaimedAt time.Time   `json:"claimedAt" format:"date-time"`
}

type ReleaseResponse struct {
	Released bool `json:"released"`
}

type HeartbeatResponse struct {
	Task        domain.Task `json:"task"`
	HeartbeatAt time.Time   `json:"heartbeatAt" format:"date-time"`
}

type CleanupStaleResponse struct {
	Cleaned   int       `json:"cleaned"`
	TaskIDs   []string  `json:"taskIds"`
	Threshold time.Time `json:"threshold" format:"date-time"`
}

// WorkOfferResponse answers a discovery poll. Task is null when action is "none".
type WorkOfferResponse struct {
	Task                     *domain.Task `json:"task"`
	Action                   string       `json:"action" enum:"claimed,none"`
	Instructions             string       `json:"instructions,omitempty"`
	HeartbeatIntervalSeconds int          `json:"heartbeatIntervalSeconds,omitempty"`
	StaleAfterMinutes        int          `json:"staleAfterMinutes,omitempty"`
}

type StateLogsResponse struct {
	Logs []domain.StateLogEntry `json:"logs"`
}

type TimeInStateResponse struct {
	TaskID string              `json:"taskId"`
	Totals []domain.StageTotal `json:"totals"`
}

type RunResponse struct {
	Run domain.BotRun `json:"run"`
}

type RunListResponse struct {
	Runs []domain.BotRun `json:"runs"`
}

type AuditListResponse struct {
	Events []domain.AuditEvent `json:"events"`
}

type AuditPurgeResponse struct {
	Purged int64 `json:"purged"`
}

func workOfferResponse(o engine.WorkOffer) WorkOfferResponse {
	resp := WorkOfferResponse{Task: o.Task, Action: o.Action}
	if o.Task != nil {
		resp.Instructions = o.Instructions
		resp.HeartbeatIntervalSeconds = int(o.HeartbeatInterval / time.Second)
		resp.StaleAfterMinutes = int(o.StaleAfter / time.Minute)
	}
	return resp
}

func nonNilTasks(ts []domain.Task) []domain.Task {
	if ts == nil {
		return []domain.Task{}
	}
	return ts
}
