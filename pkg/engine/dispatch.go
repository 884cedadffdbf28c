package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/daviddao/shepherd/pkg/model"
	"github.com/daviddao/shepherd/pkg/store"
)

// Dispatch claims the next message an agent at addr may run. The agent
// sees the default pool if it is one of the app's hosts, then every named
// pool it belongs to in name order; the first pool with deliverable work
// wins. It returns ErrNotFound when there is nothing to do.
func (e *Engine) Dispatch(ctx context.Context, appID, addr string) (*model.Claim, error) {
	app, err := e.authorize(appID)
	if err != nil {
		return nil, err
	}
	if addr == "" {
		return nil, fmt.Errorf("%w: no agent address", ErrUnauthorized)
	}
	pools := app.PoolsFor(addr)

	var claim *model.Claim
	err = e.run(ctx, "dispatch", appID, func(tx *store.Tx, log *zap.Logger) error {
		claim = nil
		for _, pool := range pools {
			c, err := claimNext(tx, appID, pool, addr)
			if err != nil {
				return err
			}
			if c != nil {
				claim = c
				log.Debug("message claimed",
					zap.String("addr", addr),
					zap.String("pool", pool),
					zap.Int64("worker", c.WorkerID),
					zap.Int64("msg", c.MsgID),
					zap.Int64("session", c.Session),
				)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claim == nil {
		return nil, fmt.Errorf("%w: no work for %s in pools %v", ErrNotFound, addr, pools)
	}
	return claim, nil
}
