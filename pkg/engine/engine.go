// Package engine is the shepherd orchestration core.
//
// Every exported operation is one store transaction: it either applies all
// of its effects or none of them. The engine holds no state of its own
// between calls beyond the store handle, the routing configuration and a
// logger; waiting lock requests, delayed messages and claims all live in
// the database.
//
// Callers are identified by an app id (the tenant) and, for dispatch, the
// network address of the agent asking for work. Authenticating those is the
// transport's job.
package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/daviddao/shepherd/pkg/config"
	"github.com/daviddao/shepherd/pkg/store"
)

// Sentinel errors. Match them with errors.Is.
var (
	// ErrInvalidDestination means a referenced worker does not exist, is
	// not active, or belongs to another app.
	ErrInvalidDestination = errors.New("invalid destination")

	// ErrNotFound means there was nothing to claim or commit.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized means the caller may not act on the resource.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidArgument means the request itself is malformed.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrStore wraps failures of the backing store.
	ErrStore = errors.New("store failure")
)

// Engine runs shepherd requests against a store.
type Engine struct {
	store store.StoreInterface
	cfg   *config.Config
	log   *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New returns an engine over s routed by cfg.
func New(s store.StoreInterface, cfg *config.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{store: s, cfg: cfg, log: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// authorize rejects callers whose app is not configured.
func (e *Engine) authorize(appID string) (config.App, error) {
	if appID == "" {
		return config.App{}, fmt.Errorf("%w: no app id", ErrUnauthorized)
	}
	app, ok := e.cfg.App(appID)
	if !ok {
		return config.App{}, fmt.Errorf("%w: unknown app %s", ErrUnauthorized, appID)
	}
	return app, nil
}

// run executes fn as one counted request transaction.
func (e *Engine) run(ctx context.Context, op, appID string, fn func(tx *store.Tx, log *zap.Logger) error) error {
	log := e.log.With(
		zap.String("op", op),
		zap.String("app", appID),
		zap.String("request", uuid.NewString()),
	)
	if _, err := e.authorize(appID); err != nil {
		log.Debug("request rejected", zap.Error(err))
		return err
	}
	err := e.store.InTx(ctx, func(tx *store.Tx) error {
		if err := tx.BumpCounter(appID); err != nil {
			return fmt.Errorf("bump counter: %w", err)
		}
		return fn(tx, log)
	})
	if err != nil {
		err = classify(err)
		log.Debug("request rolled back", zap.Error(err))
	}
	return err
}

// classify leaves engine errors alone and marks everything else as a
// store failure.
func classify(err error) error {
	for _, sentinel := range []error{
		ErrInvalidDestination, ErrNotFound, ErrUnauthorized, ErrInvalidArgument, ErrStore,
	} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStore, err)
}
