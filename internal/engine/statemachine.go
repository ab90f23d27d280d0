package engine

import (
	"context"
	"fmt"

	"github.com/greenclawdbot/mission-control-sub000/internal/bus"
	"github.com/greenclawdbot/mission-control-sub000/internal/domain"
)

// TransitionStatus moves a task to a new workflow stage. Moving a task to
// the stage it is already in returns it unchanged and publishes nothing.
func (e Engine) TransitionStatus(ctx context.Context, id string, to domain.Status, actor string) (domain.Task, error) {
	if !to.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown status %q", domain.ErrInvalid, to)
	}
	t, changed, err := e.Store.TransitionStatus(ctx, id, to, e.now(), actor)
	if err != nil {
		return domain.Task{}, storeErr(err)
	}
	if !changed {
		return t, nil
	}
	e.logger().Debugf("Task %s entered %s", id, to)
	e.publish(bus.TaskUpdated, t)
	if to == domain.StatusReady {
		e.publish(bus.TaskReady, t)
	}
	return t, nil
}

// SetExecutionState records what the lease holder is doing. It never touches the state log.
func (e Engine) SetExecutionState(ctx context.Context, id string, state domain.ExecutionState) (domain.Task, error) {
	if !state.Valid() {
		return domain.Task{}, fmt.Errorf("%w: unknown execution state %q", domain.ErrInvalid, state)
	}
	t, err := e.Store.SetExecutionState(ctx, id, state, e.now())
	if err != nil {
		return domain.Task{}, storeErr(err)
	}
	e.publish(bus.TaskUpdated, t)
	return t, nil
}

func (e Engine) StateLogs(ctx context.Context, id string) ([]domain.StateLogEntry, error) {
	logs, err := e.Store.StateLogs(ctx, id)
	return logs, storeErr(err)
}

// TimeInState totals the time the task spent in each stage so far.
func (e Engine) TimeInState(ctx context.Context, id string) ([]domain.StageTotal, error) {
	logs, err := e.StateLogs(ctx, id)
	if err != nil {
		return nil, err
	}
	return domain.TimeInState(logs, e.now()), nil
}
