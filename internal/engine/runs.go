package engine

import (
	"context"
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
	"github.com/greenclawdbot/mission-control-sub000/internal/store"
)

// StartRun opens a new execution attempt for the lease holder.
func (e Engine) StartRun(ctx context.Context, taskID, sessionKey, summary string) (domain.BotRun, error) {
	if err := validateSessionKey(sessionKey); err != nil {
		return domain.BotRun{}, err
	}
	run, err := e.Store.StartRun(ctx, store.RunStart{
		ID:         ulid.Make().String(),
		TaskID:     taskID,
		SessionKey: sessionKey,
		Summary:    summary,
		At:         e.now(),
	})
	if err != nil {
		return domain.BotRun{}, storeErr(err)
	}
	e.logger().Debugf("Run %s attempt %d started on task %s", run.ID, run.AttemptNumber, taskID)
	return run, nil
}

// FinishRun seals a running attempt as completed or failed.
func (e Engine) FinishRun(ctx context.Context, taskID, runID string, status domain.RunStatus, summary string) (domain.BotRun, error) {
	if status != domain.RunCompleted && status != domain.RunFailed {
		return domain.BotRun{}, fmt.Errorf("%w: a run can only finish as completed or failed", domain.ErrInvalid)
	}
	run, err := e.Store.FinishRun(ctx, taskID, runID, status, summary, e.now())
	return run, storeErr(err)
}

func (e Engine) ListRuns(ctx context.Context, taskID string) ([]domain.BotRun, error) {
	runs, err := e.Store.ListRuns(ctx, taskID)
	return runs, storeErr(err)
}
