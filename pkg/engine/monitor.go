package engine

import (
	"context"
	"fmt"

	"github.com/daviddao/shepherd/pkg/model"
	"github.com/daviddao/shepherd/pkg/planner"
)

// Allocation maps the current backlog onto host capacity. It is advisory
// output for capacity monitoring and changes nothing.
func (e *Engine) Allocation(ctx context.Context) (planner.Allocation, error) {
	backlog, err := e.store.PendingBacklog(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: pending backlog: %w", ErrStore, err)
	}
	return planner.Plan(backlog, e.cfg.Apps), nil
}

// PendingTasks lists the deliverable, unclaimed head messages of an app.
func (e *Engine) PendingTasks(ctx context.Context, appID string) ([]model.Message, error) {
	if _, err := e.authorize(appID); err != nil {
		return nil, err
	}
	msgs, err := e.store.ListPendingTasks(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("%w: pending tasks: %w", ErrStore, err)
	}
	return msgs, nil
}

// Locks lists an app's lock rows in holder order with each waiter's status.
func (e *Engine) Locks(ctx context.Context, appID string) ([]model.LockView, error) {
	if _, err := e.authorize(appID); err != nil {
		return nil, err
	}
	locks, err := e.store.ListLocks(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("%w: locks: %w", ErrStore, err)
	}
	return locks, nil
}

// Counters returns the request counter of every app.
func (e *Engine) Counters(ctx context.Context) ([]model.Counter, error) {
	counters, err := e.store.ListCounters(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: counters: %w", ErrStore, err)
	}
	return counters, nil
}
