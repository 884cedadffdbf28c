package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/daviddao/shepherd/pkg/model"
	"github.com/daviddao/shepherd/pkg/store"
)

// CreateRequest starts a new worker.
type CreateRequest struct {
	Pool     string          `json:"pool,omitempty"`
	Priority *int            `json:"priority,omitempty"`
	Data     json.RawMessage `json:"data"`

	// Workflow, when set, wraps Data as {"workflow": ..., "input": Data}.
	Workflow string `json:"workflow,omitempty"`
}

// initialContinuation is the continuation a new worker starts from.
func (r *CreateRequest) initialContinuation() (json.RawMessage, error) {
	if r.Data == nil {
		return nil, fmt.Errorf("%w: data is required", ErrInvalidArgument)
	}
	if r.Workflow == "" {
		return r.Data, nil
	}
	wrapped, err := json.Marshal(struct {
		Workflow string          `json:"workflow"`
		Input    json.RawMessage `json:"input"`
	}{r.Workflow, r.Data})
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrInvalidArgument, err)
	}
	return wrapped, nil
}

// CreateWorker inserts an active worker and its init message in one
// transaction and returns the new worker id.
func (e *Engine) CreateWorker(ctx context.Context, appID string, req CreateRequest) (int64, error) {
	cont, err := req.initialContinuation()
	if err != nil {
		return 0, err
	}
	pool := poolOrDefault(req.Pool)
	priority, err := resolvePriority(req.Priority)
	if err != nil {
		return 0, err
	}

	var id int64
	err = e.run(ctx, "create", appID, func(tx *store.Tx, log *zap.Logger) error {
		var err error
		id, err = tx.InsertWorker(appID, cont)
		if err != nil {
			return fmt.Errorf("insert worker: %w", err)
		}
		if _, err := tx.InsertMessage(&model.Message{
			AppID:    appID,
			WorkerID: id,
			SenderID: id,
			Pool:     pool,
			State:    model.MessageHead,
			Priority: priority,
			Code:     model.CodeInit,
		}); err != nil {
			return fmt.Errorf("insert init message: %w", err)
		}
		log.Info("worker created", zap.Int64("worker", id), zap.String("pool", pool))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetWorkers returns the public view of the requested workers. Ids that do
// not exist or belong to another app are left out.
func (e *Engine) GetWorkers(ctx context.Context, appID string, ids []int64) (map[int64]model.WorkerInfo, error) {
	var out map[int64]model.WorkerInfo
	err := e.run(ctx, "workers", appID, func(tx *store.Tx, _ *zap.Logger) error {
		out = make(map[int64]model.WorkerInfo, len(ids))
		for _, id := range ids {
			w, err := tx.GetWorker(id)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if w.AppID != appID {
				continue
			}
			out[id] = model.WorkerInfo{
				State:   w.State,
				Status:  w.Status,
				Session: w.Session,
				Logs:    e.cfg.LogsURL(id),
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// lookupWorker loads a worker on behalf of appID.
func lookupWorker(tx *store.Tx, appID string, id int64) (*model.Worker, error) {
	w, err := tx.GetWorker(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: worker %d does not exist", ErrInvalidDestination, id)
	}
	if err != nil {
		return nil, err
	}
	if w.AppID != appID {
		return nil, fmt.Errorf("%w: worker %d belongs to another app", ErrUnauthorized, id)
	}
	return w, nil
}

// finalize moves a worker to its terminal state and drops its mailbox.
// Lock rows are left in place; they stay visible to operators, who release
// them with ForceUnlock.
func finalize(tx *store.Tx, log *zap.Logger, w *model.Worker, req *model.CommitRequest) error {
	state, status := req.Outcome()
	purged, err := tx.PurgeMessages(w.AppID, w.ID)
	if err != nil {
		return fmt.Errorf("purge messages of worker %d: %w", w.ID, err)
	}
	if err := tx.FinalizeWorker(w.ID, w.AppID, state, status); err != nil {
		return fmt.Errorf("finalize worker %d: %w", w.ID, err)
	}
	log.Info("worker finished",
		zap.Int64("worker", w.ID),
		zap.String("state", string(state)),
		zap.Int64("purged", purged),
	)
	return nil
}
