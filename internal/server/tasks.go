package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/greenclawdbot/mission-control-sub000/internal/audit"
	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
	"github.com/greenclawdbot/mission-control-sub000/internal/engine"
	"github.com/greenclawdbot/mission-control-sub000/internal/store"
)

type taskPath struct {
	ID string `path:"id"`
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		opts := engine.TaskCreateOptions{
			Title:   input.Body.Title,
			Content: domain.TaskContent{Description: input.Body.Description, Plan: input.Body.Plan},
			Actor:   input.Body.Actor,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Assignee != nil {
			opts.Assignee = *input.Body.Assignee
		}
		if input.Body.Status != nil {
			opts.Status = domain.Status(*input.Body.Status)
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Assignee string `query:"assignee"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		ts, err := e.ListTasks(ctx, store.TaskFilter{
			Status:   domain.Status(input.Status),
			Assignee: input.Assignee,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Tasks: nonNilTasks(ts)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task content",
		Description: "Changes title, assignee and work content. Stage and lease fields have their own operations.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		opts := engine.TaskUpdateOptions{
			ID:       input.ID,
			Title:    input.Body.Title,
			Assignee: input.Body.Assignee,
			Actor:    input.Body.Actor,
		}
		if input.Body.hasContent() {
			cur, err := e.GetTask(ctx, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			content := input.Body.apply(cur.TaskContent)
			opts.Content = &content
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Actor string `query:"actor"`
	}) (*struct{}, error) {
		if err := e.DeleteTask(ctx, input.ID, input.Actor); err != nil {
			return nil, handleError(err)
		}
		return nil, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-task-status",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/status",
		Summary:     "Move task to a workflow stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.TransitionStatus(ctx, input.ID, domain.Status(input.Body.Status), input.Body.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-execution-state",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/execution",
		Summary:     "Update execution state",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SetExecutionRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.SetExecutionState(ctx, input.ID, domain.ExecutionState(input.Body.ExecutionState))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: TaskResponse{Task: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "state-logs",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/state-logs",
		Summary:     "Stage history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body StateLogsResponse `json:"body"`
	}, error) {
		if _, err := e.GetTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		logs, err := e.StateLogs(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if logs == nil {
			logs = []domain.StateLogEntry{}
		}
		return &struct {
			Body StateLogsResponse `json:"body"`
		}{Body: StateLogsResponse{Logs: logs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "time-in-state",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/time-in-state",
		Summary:     "Time spent per stage",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body TimeInStateResponse `json:"body"`
	}, error) {
		if _, err := e.GetTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		totals, err := e.TimeInState(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if totals == nil {
			totals = []domain.StageTotal{}
		}
		return &struct {
			Body TimeInStateResponse `json:"body"`
		}{Body: TimeInStateResponse{TaskID: input.ID, Totals: totals}}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/runs",
		Summary:       "Start an execution attempt",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body StartRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := e.StartRun(ctx, input.ID, input.Body.SessionKey, input.Body.Summary)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: RunResponse{Run: run}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "finish-run",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/runs/{runId}",
		Summary:     "Finish an execution attempt",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string           `path:"id"`
		RunID string           `path:"runId"`
		Body  FinishRunRequest `json:"body"`
	}) (*struct {
		Body RunResponse `json:"body"`
	}, error) {
		run, err := e.FinishRun(ctx, input.ID, input.RunID, domain.RunStatus(input.Body.Status), input.Body.Summary)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunResponse `json:"body"`
		}{Body: RunResponse{Run: run}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/runs",
		Summary:     "List execution attempts",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body RunListResponse `json:"body"`
	}, error) {
		if _, err := e.GetTask(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		runs, err := e.ListRuns(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.BotRun{}
		}
		return &struct {
			Body RunListResponse `json:"body"`
		}{Body: RunListResponse{Runs: runs}}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "List audit events, newest first",
	}, func(ctx context.Context, input *struct {
		EntityID  string `query:"entityId"`
		EventType string `query:"eventType"`
		Limit     int    `query:"limit" default:"100"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		evs, err := e.AuditTrail(ctx, audit.Filter{EntityID: input.EntityID, EventType: input.EventType, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		if evs == nil {
			evs = []domain.AuditEvent{}
		}
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: AuditListResponse{Events: evs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-audit",
		Method:      http.MethodDelete,
		Path:        "/audit",
		Summary:     "Purge audit events older than a cutoff",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Before string `query:"before" required:"true" doc:"RFC3339 cutoff"`
		Actor  string `query:"actor"`
	}) (*struct {
		Body AuditPurgeResponse `json:"body"`
	}, error) {
		before, err := time.Parse(time.RFC3339, input.Before)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "before must be an RFC3339 timestamp", map[string]any{"before": input.Before})
		}
		n, err := e.PurgeAudit(ctx, before, input.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AuditPurgeResponse `json:"body"`
		}{Body: AuditPurgeResponse{Purged: n}}, nil
	})
}
