package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/daviddao/shepherd/pkg/model"
	"github.com/daviddao/shepherd/pkg/store"
)

// SendRequest injects a message from outside any worker.
type SendRequest struct {
	Pool     string          `json:"pool,omitempty"`
	Priority *int            `json:"priority,omitempty"`
	Code     string          `json:"code"`
	Data     json.RawMessage `json:"data,omitempty"`

	// Delay postpones delivery by this many seconds.
	Delay float64 `json:"delay,omitempty"`
}

// SendMessage queues a system message for a worker of the caller's app.
func (e *Engine) SendMessage(ctx context.Context, appID string, workerID int64, req SendRequest) (int64, error) {
	if req.Delay < 0 || !model.ValidDelay(req.Delay) {
		return 0, fmt.Errorf("%w: delay must be between 0 and %.0f seconds", ErrInvalidArgument, model.MaxDelay)
	}
	priority, err := resolvePriority(req.Priority)
	if err != nil {
		return 0, err
	}

	var msgID int64
	err = e.run(ctx, "send", appID, func(tx *store.Tx, log *zap.Logger) error {
		var err error
		msgID, err = enqueue(tx, &model.Message{
			AppID:     appID,
			WorkerID:  workerID,
			SenderID:  model.SystemSender,
			Pool:      poolOrDefault(req.Pool),
			Priority:  priority,
			Code:      req.Code,
			Data:      req.Data,
			Timestamp: tx.Now().Add(seconds(req.Delay)),
		})
		if err != nil {
			return err
		}
		if err := recomputeHead(tx, workerID); err != nil {
			return err
		}
		log.Debug("message sent", zap.Int64("worker", workerID), zap.Int64("msg", msgID), zap.String("code", req.Code))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return msgID, nil
}

// enqueue validates m and stores it as queued. The destination must be an
// active worker of m.AppID. Callers restore the head with recomputeHead.
func enqueue(tx *store.Tx, m *model.Message) (int64, error) {
	if m.Code == "" {
		return 0, fmt.Errorf("%w: message code is required", ErrInvalidArgument)
	}
	if m.Priority < 0 || m.Priority > model.MaxPriority {
		return 0, fmt.Errorf("%w: priority %d out of range", ErrInvalidArgument, m.Priority)
	}
	w, err := tx.GetWorker(m.WorkerID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("%w: worker %d does not exist", ErrInvalidDestination, m.WorkerID)
	}
	if err != nil {
		return 0, err
	}
	if w.AppID != m.AppID {
		return 0, fmt.Errorf("%w: worker %d belongs to another app", ErrInvalidDestination, m.WorkerID)
	}
	if w.State.Terminal() {
		return 0, fmt.Errorf("%w: worker %d is %s", ErrInvalidDestination, m.WorkerID, w.State)
	}

	m.State = model.MessageQueued
	m.LockIP = ""
	id, err := tx.InsertMessage(m)
	if err != nil {
		return 0, fmt.Errorf("insert message for worker %d: %w", m.WorkerID, err)
	}
	return id, nil
}

// recomputeHead restores the single-head invariant of a worker.
func recomputeHead(tx *store.Tx, workerID int64) error {
	if _, err := tx.MarkHead(workerID); err != nil {
		return fmt.Errorf("mark head of worker %d: %w", workerID, err)
	}
	return nil
}

// claimNext hands the best deliverable head message of one pool to addr.
// It returns nil when the pool has nothing to offer.
func claimNext(tx *store.Tx, appID, pool, addr string) (*model.Claim, error) {
	m, err := tx.NextClaimable(appID, pool)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan pool %s: %w", pool, err)
	}
	ok, err := tx.ClaimMessage(m.ID, addr)
	if err != nil {
		return nil, fmt.Errorf("claim message %d: %w", m.ID, err)
	}
	if !ok {
		return nil, nil
	}
	session, err := tx.IncrementSession(m.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("bump session of worker %d: %w", m.WorkerID, err)
	}
	w, err := tx.GetWorker(m.WorkerID)
	if err != nil {
		return nil, fmt.Errorf("load worker %d: %w", m.WorkerID, err)
	}
	return &model.Claim{
		MsgID:        m.ID,
		WorkerID:     m.WorkerID,
		Session:      session,
		Continuation: w.Continuation,
		Code:         m.Code,
		SenderID:     m.SenderID,
		Pool:         pool,
		Data:         m.Data,
	}, nil
}

// retire deletes the message a worker is committing and returns it.
func retire(tx *store.Tx, msgID, workerID int64) (*model.Message, error) {
	m, err := tx.GetMessage(msgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: message %d", ErrNotFound, msgID)
	}
	if err != nil {
		return nil, err
	}
	if m.WorkerID != workerID {
		return nil, fmt.Errorf("%w: message %d is addressed to worker %d", ErrInvalidArgument, msgID, m.WorkerID)
	}
	if err := tx.DeleteMessage(msgID); err != nil {
		return nil, fmt.Errorf("delete message %d: %w", msgID, err)
	}
	return m, nil
}

func poolOrDefault(pool string) string {
	if pool == "" {
		return model.DefaultPool
	}
	return pool
}

func resolvePriority(p *int) (int, error) {
	if p == nil {
		return model.DefaultPriority, nil
	}
	if *p < 0 || *p > model.MaxPriority {
		return 0, fmt.Errorf("%w: priority %d out of range 0..%d", ErrInvalidArgument, *p, model.MaxPriority)
	}
	return *p, nil
}

// seconds converts a delay to a duration rounded to whole seconds.
func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s)) * time.Second
}
