package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/daviddao/shepherd/pkg/lockset"
	"github.com/daviddao/shepherd/pkg/model"
	"github.com/daviddao/shepherd/pkg/store"
)

// acquire queues w on every requested name. It never waits: if w already
// fronts all of them it is sent a locked message in pool right away,
// otherwise a later release wakes it.
func acquire(tx *store.Tx, log *zap.Logger, w *model.Worker, names []string, pool string) error {
	names = model.UniqueNames(names)
	for _, name := range names {
		if _, err := tx.InsertLock(name, w.AppID, w.ID); err != nil {
			return fmt.Errorf("queue worker %d on lock %q: %w", w.ID, name, err)
		}
	}
	rows, err := tx.LockRows(w.AppID)
	if err != nil {
		return fmt.Errorf("load locks: %w", err)
	}
	if !lockset.HoldsAll(rows, w.ID, names) {
		log.Debug("waiting for locks", zap.Int64("worker", w.ID), zap.Strings("locks", names))
		return nil
	}
	log.Debug("locks granted", zap.Int64("worker", w.ID), zap.Strings("locks", names))
	return notifyLocked(tx, w.AppID, w.ID, w.ID, pool)
}

// release drops w's rows for names and wakes every worker that now fronts
// all of its own lock names. It returns how many rows were deleted.
func release(tx *store.Tx, log *zap.Logger, appID string, workerID int64, names []string) (int, error) {
	names = model.UniqueNames(names)
	before, err := tx.LockRows(appID)
	if err != nil {
		return 0, fmt.Errorf("load locks: %w", err)
	}

	var deleted int
	for _, name := range names {
		ok, err := tx.DeleteLock(name, appID, workerID)
		if err != nil {
			return 0, fmt.Errorf("release lock %q of worker %d: %w", name, workerID, err)
		}
		if ok {
			deleted++
		}
	}

	after := lockset.Remove(before, workerID, names)
	for _, next := range lockset.Unblocked(before, after, names) {
		w, err := tx.GetWorker(next)
		if err != nil {
			return 0, fmt.Errorf("load woken worker %d: %w", next, err)
		}
		if w.State.Terminal() {
			log.Warn("lock holder already finished", zap.Int64("worker", next), zap.String("state", string(w.State)))
			continue
		}
		if err := notifyLocked(tx, appID, next, workerID, model.DefaultPool); err != nil {
			return 0, err
		}
		log.Debug("lock waiter woken", zap.Int64("worker", next), zap.Int64("by", workerID))
	}
	return deleted, nil
}

// notifyLocked tells a worker it holds every lock it asked for.
func notifyLocked(tx *store.Tx, appID string, workerID, senderID int64, pool string) error {
	if _, err := enqueue(tx, &model.Message{
		AppID:    appID,
		WorkerID: workerID,
		SenderID: senderID,
		Pool:     pool,
		Priority: model.DefaultPriority,
		Code:     model.CodeLocked,
	}); err != nil {
		return fmt.Errorf("notify worker %d: %w", workerID, err)
	}
	return recomputeHead(tx, workerID)
}

// ForceUnlock releases one lock row of a worker on an operator's behalf.
// Waiters behind it are woken exactly as if the worker had committed an
// unlock; the worker's own status and continuation are left alone.
func (e *Engine) ForceUnlock(ctx context.Context, appID string, workerID int64, lockname string) error {
	if lockname == "" {
		return fmt.Errorf("%w: lock name is required", ErrInvalidArgument)
	}
	return e.run(ctx, "unlock", appID, func(tx *store.Tx, log *zap.Logger) error {
		if _, err := lookupWorker(tx, appID, workerID); err != nil {
			return err
		}
		n, err := release(tx, log, appID, workerID, []string{lockname})
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: worker %d has no lock %q", ErrNotFound, workerID, lockname)
		}
		log.Info("lock released manually", zap.Int64("worker", workerID), zap.String("lock", lockname))
		return nil
	})
}
