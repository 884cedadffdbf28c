// iface.go defines the StoreInterface for dependency injection and testing.
//
// The engine depends on StoreInterface rather than *Store. Write access is
// only available through InTx, so every mutation happens inside exactly one
// transaction.
package store

import (
	"context"
	"time"

	"github.com/daviddao/shepherd/pkg/model"
)

// StoreInterface defines the full set of store operations.
// The concrete *Store type implements this interface.
type StoreInterface interface {
	// Close closes the database connection.
	Close() error

	// Now returns the store's current time.
	Now() time.Time

	// InTx runs fn inside one write transaction.
	InTx(ctx context.Context, fn func(tx *Tx) error) error

	// GetWorker retrieves a worker by ID.
	GetWorker(ctx context.Context, id int64) (*model.Worker, error)

	// ListMessages returns every message addressed to a worker.
	ListMessages(ctx context.Context, appID string, workerID int64) ([]model.Message, error)

	// PendingBacklog counts deliverable head messages per app and pool.
	PendingBacklog(ctx context.Context) ([]model.Backlog, error)

	// ListPendingTasks returns the deliverable head messages of one app.
	ListPendingTasks(ctx context.Context, appID string) ([]model.Message, error)

	// ListLocks returns lock rows joined with the waiting worker's status.
	ListLocks(ctx context.Context, appID string) ([]model.LockView, error)

	// ListCounters returns the request counter of every app.
	ListCounters(ctx context.Context) ([]model.Counter, error)
}

// Compile-time check that *Store implements StoreInterface.
var _ StoreInterface = (*Store)(nil)
