package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/daviddao/shepherd/pkg/model"
	"github.com/daviddao/shepherd/pkg/store"
)

// Commit applies the result of one workflow step.
//
// The committed message is deleted first, so committing the same message
// twice fails with ErrNotFound. A request without a continuation finishes
// the worker and ignores every other effect. Otherwise locks are requested,
// then released, then messages are sent, then the alarm is replaced, and
// finally the worker's status and continuation are stored. Any failure
// rolls the whole step back.
func (e *Engine) Commit(ctx context.Context, appID string, req *model.CommitRequest) error {
	if req == nil {
		return fmt.Errorf("%w: empty commit", ErrInvalidArgument)
	}
	if req.Alarm != nil && !model.ValidDelay(*req.Alarm) {
		return fmt.Errorf("%w: alarm must be at most %.0f seconds", ErrInvalidArgument, model.MaxDelay)
	}
	return e.run(ctx, "commit", appID, func(tx *store.Tx, log *zap.Logger) error {
		log = log.With(zap.Int64("worker", req.WorkerID), zap.Int64("msg", req.MsgID))

		w, err := lookupWorker(tx, appID, req.WorkerID)
		if err != nil {
			return err
		}
		msg, err := retire(tx, req.MsgID, w.ID)
		if err != nil {
			return err
		}
		pool := msg.Pool
		if req.Pool != nil {
			pool = poolOrDefault(*req.Pool)
		}

		if !req.Continues() {
			return finalize(tx, log, w, req)
		}

		if req.Lock != nil {
			if err := acquire(tx, log, w, req.Lock, pool); err != nil {
				return err
			}
		}
		if req.Unlock != nil {
			if _, err := release(tx, log, appID, w.ID, req.Unlock); err != nil {
				return err
			}
		}
		for _, dest := range req.Destinations() {
			if err := send(tx, w, dest, req.Message[dest]); err != nil {
				return err
			}
		}
		if req.Alarm != nil {
			if err := setAlarm(tx, log, w, pool, req.AlarmSeconds()); err != nil {
				return err
			}
		}

		if err := recomputeHead(tx, w.ID); err != nil {
			return err
		}
		if err := tx.UpdateProgress(w.ID, req.Status, req.Continuation); err != nil {
			return fmt.Errorf("store progress of worker %d: %w", w.ID, err)
		}
		log.Debug("step committed", zap.String("pool", pool))
		return nil
	})
}

// send delivers one outbound message of a committing worker.
func send(tx *store.Tx, from *model.Worker, dest int64, out model.OutboundMessage) error {
	priority, err := resolvePriority(out.Priority)
	if err != nil {
		return err
	}
	if _, err := enqueue(tx, &model.Message{
		AppID:    from.AppID,
		WorkerID: dest,
		SenderID: from.ID,
		Pool:     poolOrDefault(out.Pool),
		Priority: priority,
		Code:     out.Code,
		Data:     out.Data,
	}); err != nil {
		return err
	}
	return recomputeHead(tx, dest)
}

// setAlarm replaces the worker's pending alarm. A delay below one second
// only cancels it.
func setAlarm(tx *store.Tx, log *zap.Logger, w *model.Worker, pool string, delay int64) error {
	if _, err := tx.DeleteMessagesByCode(w.AppID, w.ID, model.CodeAlarm); err != nil {
		return fmt.Errorf("cancel alarm of worker %d: %w", w.ID, err)
	}
	if delay < 1 {
		log.Debug("alarm cancelled")
		return nil
	}
	if _, err := enqueue(tx, &model.Message{
		AppID:     w.AppID,
		WorkerID:  w.ID,
		SenderID:  w.ID,
		Pool:      pool,
		Priority:  model.DefaultPriority,
		Code:      model.CodeAlarm,
		Timestamp: tx.Now().Add(seconds(float64(delay))),
	}); err != nil {
		return err
	}
	log.Debug("alarm set", zap.Int64("seconds", delay))
	return nil
}
