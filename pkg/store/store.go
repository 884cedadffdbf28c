// Package store manages all SQLite persistence for shepherd.
//
// The database is the only source of truth. The engine keeps nothing in
// memory between requests: every request is one transaction, and SQLite's
// write lock (taken eagerly with BEGIN IMMEDIATE) serializes writers. Waiting
// lock requests are rows, delayed messages are rows with a future timestamp,
// and nothing ever blocks on another agent.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/shepherd/pkg/clock"
	"github.com/daviddao/shepherd/pkg/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// tsLayout is fixed width so that text comparison in SQL orders the same
// way as the times themselves. RFC3339Nano trims trailing zeros and does not.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// Store manages all SQLite operations with WAL mode for concurrent access.
type Store struct {
	db    *sql.DB
	clock clock.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used to stamp and gate messages.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// New opens (or creates) the SQLite database and initializes the schema.
func New(path string, opts ...Option) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db, clock: clock.System{}}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.clock.Now().UTC() }

// InTx runs fn inside one write transaction. Either every statement fn
// issues is committed or none is. If SQLite reports lock contention the
// whole closure is re-run on a fresh transaction, so fn must not keep state
// across attempts other than its final results.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	return retryOnContention(ctx, func() error {
		sqlTx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer sqlTx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		tx := &Tx{tx: sqlTx, ctx: ctx, now: s.Now()}
		if err := fn(tx); err != nil {
			return err
		}
		if err := sqlTx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workers (
		workerid     INTEGER PRIMARY KEY AUTOINCREMENT,
		appid        TEXT    NOT NULL,
		state        TEXT    NOT NULL,
		status       BLOB,
		continuation BLOB,
		session      INTEGER NOT NULL DEFAULT 0,
		created      TEXT    NOT NULL,
		updated      TEXT    NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workers_app ON workers(appid, workerid);

	CREATE TABLE IF NOT EXISTS messages (
		msgid     INTEGER PRIMARY KEY AUTOINCREMENT,
		appid     TEXT    NOT NULL,
		workerid  INTEGER NOT NULL,
		senderid  INTEGER NOT NULL DEFAULT 0,
		pool      TEXT    NOT NULL DEFAULT 'default',
		state     TEXT    NOT NULL,
		lock_ip   TEXT,
		priority  INTEGER NOT NULL DEFAULT 128,
		code      TEXT    NOT NULL,
		data      BLOB,
		timestamp TEXT    NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_claim ON messages(timestamp, state, lock_ip, appid, pool);
	CREATE INDEX IF NOT EXISTS idx_messages_worker ON messages(appid, workerid, msgid);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_head ON messages(workerid) WHERE state = 'head';

	CREATE TABLE IF NOT EXISTS locks (
		sequence  INTEGER PRIMARY KEY AUTOINCREMENT,
		lockname  TEXT    NOT NULL,
		appid     TEXT    NOT NULL,
		workerid  INTEGER NOT NULL,
		timestamp TEXT    NOT NULL,
		UNIQUE (lockname, appid, workerid)
	);
	CREATE INDEX IF NOT EXISTS idx_locks_worker ON locks(appid, workerid, lockname);
	CREATE INDEX IF NOT EXISTS idx_locks_holder ON locks(appid, lockname, sequence);

	CREATE TABLE IF NOT EXISTS counters (
		appid     TEXT    PRIMARY KEY,
		count     INTEGER NOT NULL DEFAULT 0,
		timestamp TEXT    NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Read-only queries
// ---------------------------------------------------------------------------

// GetWorker retrieves a worker by ID.
func (s *Store) GetWorker(ctx context.Context, id int64) (*model.Worker, error) {
	return getWorker(ctx, s.db, id)
}

// ListMessages returns every message addressed to a worker, oldest first.
func (s *Store) ListMessages(ctx context.Context, appID string, workerID int64) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE appid = ? AND workerid = ? ORDER BY msgid`, appID, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// PendingBacklog counts deliverable, unclaimed head messages per app and pool.
func (s *Store) PendingBacklog(ctx context.Context) ([]model.Backlog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT appid, pool, COUNT(*) FROM messages
		 WHERE timestamp <= ? AND state = 'head' AND lock_ip IS NULL
		 GROUP BY appid, pool ORDER BY appid, pool`,
		formatTS(s.Now()),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Backlog
	for rows.Next() {
		var b model.Backlog
		if err := rows.Scan(&b.AppID, &b.Pool, &b.Count); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ListPendingTasks returns the deliverable, unclaimed head messages of one
// app in delivery order.
func (s *Store) ListPendingTasks(ctx context.Context, appID string) ([]model.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE timestamp <= ? AND state = 'head' AND lock_ip IS NULL AND appid = ?
		 ORDER BY timestamp, priority, msgid`,
		formatTS(s.Now()), appID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListLocks returns lock rows joined with the waiting worker's status,
// grouped by name in holder order. An empty appID lists every app.
func (s *Store) ListLocks(ctx context.Context, appID string) ([]model.LockView, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT l.sequence, l.lockname, l.appid, l.workerid, l.timestamp, w.status
		 FROM locks l LEFT JOIN workers w ON w.workerid = l.workerid
		 WHERE (? = '' OR l.appid = ?)
		 ORDER BY l.appid, l.lockname, l.sequence`,
		appID, appID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LockView
	for rows.Next() {
		var v model.LockView
		var ts string
		var status []byte
		if err := rows.Scan(&v.Sequence, &v.Name, &v.AppID, &v.WorkerID, &ts, &status); err != nil {
			return nil, err
		}
		t, err := parseTS(ts)
		if err != nil {
			return nil, fmt.Errorf("parse lock timestamp for %s: %w", v.Name, err)
		}
		v.Timestamp = t
		v.Status = status
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListCounters returns the request counter of every app.
func (s *Store) ListCounters(ctx context.Context) ([]model.Counter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT appid, count, timestamp FROM counters ORDER BY appid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Counter
	for rows.Next() {
		var c model.Counter
		var ts string
		if err := rows.Scan(&c.AppID, &c.Count, &ts); err != nil {
			return nil, err
		}
		t, err := parseTS(ts)
		if err != nil {
			return nil, fmt.Errorf("parse counter timestamp for %s: %w", c.AppID, err)
		}
		c.Timestamp = t
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// querier is the subset of *sql.DB and *sql.Tx the shared helpers need.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

const workerColumns = `workerid, appid, state, status, continuation, session, created, updated`

const messageColumns = `msgid, appid, workerid, senderid, pool, state, lock_ip, priority, code, data, timestamp`

func getWorker(ctx context.Context, q querier, id int64) (*model.Worker, error) {
	row := q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE workerid = ?`, id)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("worker %d: %w", id, ErrNotFound)
	}
	return w, err
}

func scanWorker(row scanner) (*model.Worker, error) {
	var w model.Worker
	var state, created, updated string
	var status, cont []byte
	if err := row.Scan(&w.ID, &w.AppID, &state, &status, &cont, &w.Session, &created, &updated); err != nil {
		return nil, err
	}
	w.State = model.WorkerState(state)
	w.Status = status
	w.Continuation = cont
	var err error
	if w.Created, err = parseTS(created); err != nil {
		return nil, fmt.Errorf("parse created time for worker %d: %w", w.ID, err)
	}
	if w.Updated, err = parseTS(updated); err != nil {
		return nil, fmt.Errorf("parse updated time for worker %d: %w", w.ID, err)
	}
	return &w, nil
}

func scanMessage(row scanner) (*model.Message, error) {
	var m model.Message
	var state, ts string
	var lockIP sql.NullString
	var data []byte
	if err := row.Scan(&m.ID, &m.AppID, &m.WorkerID, &m.SenderID, &m.Pool, &state,
		&lockIP, &m.Priority, &m.Code, &data, &ts); err != nil {
		return nil, err
	}
	m.State = model.MessageState(state)
	m.LockIP = lockIP.String
	m.Data = data
	t, err := parseTS(ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp for message %d: %w", m.ID, err)
	}
	m.Timestamp = t
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func formatTS(t time.Time) string { return t.UTC().Format(tsLayout) }

func parseTS(s string) (time.Time, error) { return time.Parse(tsLayout, s) }

// blob maps an absent payload to SQL NULL.
func blob(b []byte) any {
	if b == nil {
		return nil
	}
	return []byte(b)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
