package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/greenclawdbot/mission-control-sub000/internal/engine"
)

type discoveryQuery struct {
	SessionKey string `query:"sessionKey" required:"true"`
	Assignee   string `query:"assignee" doc:"Bot class to serve; defaults to the configured assignee"`
}

func registerLease(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/claim",
		Summary:     "Claim the lease on a task",
		Description: "Claiming again with the same sessionKey re-affirms the lease.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body SessionRequest `json:"body"`
	}) (*struct {
		Body ClaimResponse `json:"body"`
	}, error) {
		t, err := e.Claim(ctx, input.ID, input.Body.SessionKey)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ClaimResponse{Task: t}
		if t.SessionLockedAt != nil {
			resp.ClaimedAt = *t.SessionLockedAt
		}
		return &struct {
			Body ClaimResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/release",
		Summary:     "Release the lease on a task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body SessionRequest `json:"body"`
	}) (*struct {
		Body ReleaseResponse `json:"body"`
	}, error) {
		if _, err := e.Release(ctx, input.ID, input.Body.SessionKey); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReleaseResponse `json:"body"`
		}{Body: ReleaseResponse{Released: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "heartbeat-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/heartbeat",
		Summary:     "Renew the lease on a task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body SessionRequest `json:"body"`
	}) (*struct {
		Body HeartbeatResponse `json:"body"`
	}, error) {
		t, err := e.Heartbeat(ctx, input.ID, input.Body.SessionKey)
		if err != nil {
			return nil, handleError(err)
		}
		resp := HeartbeatResponse{Task: t}
		if t.LastHeartbeatAt != nil {
			resp.HeartbeatAt = *t.LastHeartbeatAt
		}
		return &struct {
			Body HeartbeatResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cleanup-stale",
		Method:      http.MethodPost,
		Path:        "/tasks/cleanup-stale",
		Summary:     "Clear leases older than a threshold",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body *CleanupStaleRequest `json:"body" required:"false"`
	}) (*struct {
		Body CleanupStaleResponse `json:"body"`
	}, error) {
		minutes := engine.DefaultStaleMinutes
		if input.Body != nil && input.Body.OlderThanMinutes != 0 {
			minutes = input.Body.OlderThanMinutes
		}
		res, err := e.CleanupStale(ctx, minutes)
		if err != nil {
			return nil, handleError(err)
		}
		ids := res.TaskIDs
		if ids == nil {
			ids = []string{}
		}
		return &struct {
			Body CleanupStaleResponse `json:"body"`
		}{Body: CleanupStaleResponse{Cleaned: res.Cleaned, TaskIDs: ids, Threshold: res.Threshold}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "ready-for-work",
		Method:      http.MethodGet,
		Path:        "/tasks/ready-for-work",
		Summary:     "Claim the oldest Ready task",
		Description: "Returns action \"none\" with a null task when nothing is eligible.",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *discoveryQuery) (*struct {
		Body WorkOfferResponse `json:"body"`
	}, error) {
		offer, err := e.FindReadyForWork(ctx, input.Assignee, input.SessionKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOfferResponse `json:"body"`
		}{Body: workOfferResponse(offer)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "orphaned",
		Method:      http.MethodGet,
		Path:        "/tasks/orphaned",
		Summary:     "Recover an InProgress task that lost its worker",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *discoveryQuery) (*struct {
		Body WorkOfferResponse `json:"body"`
	}, error) {
		offer, err := e.FindOrphaned(ctx, input.Assignee, input.SessionKey)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkOfferResponse `json:"body"`
		}{Body: workOfferResponse(offer)}, nil
	})
}
