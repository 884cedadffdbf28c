package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/daviddao/shepherd/pkg/model"
)

// Tx is one open write transaction. All times it writes or compares
// against come from a single reading of the clock taken when it began.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
	now time.Time
}

// Now returns the request time of the transaction.
func (t *Tx) Now() time.Time { return t.now }

func (t *Tx) exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *Tx) affected(query string, args ...any) (int64, error) {
	res, err := t.exec(query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---------------------------------------------------------------------------
// Counters
// ---------------------------------------------------------------------------

// BumpCounter increments the request counter of an app.
func (t *Tx) BumpCounter(appID string) error {
	_, err := t.exec(
		`INSERT INTO counters (appid, count, timestamp) VALUES (?, 1, ?)
		 ON CONFLICT(appid) DO UPDATE SET count = count + 1, timestamp = excluded.timestamp`,
		appID, formatTS(t.now),
	)
	return err
}

// ---------------------------------------------------------------------------
// Workers
// ---------------------------------------------------------------------------

// InsertWorker creates an active worker with a null status and returns its id.
func (t *Tx) InsertWorker(appID string, continuation json.RawMessage) (int64, error) {
	now := formatTS(t.now)
	res, err := t.exec(
		`INSERT INTO workers (appid, state, status, continuation, session, created, updated)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		appID, string(model.WorkerActive), []byte("null"), blob(continuation), now, now,
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetWorker retrieves a worker by ID.
func (t *Tx) GetWorker(id int64) (*model.Worker, error) {
	return getWorker(t.ctx, t.tx, id)
}

// IncrementSession bumps the worker's session counter and returns the new
// value.
func (t *Tx) IncrementSession(id int64) (int64, error) {
	var session int64
	err := t.tx.QueryRowContext(t.ctx,
		`UPDATE workers SET session = session + 1, updated = ?
		 WHERE workerid = ? RETURNING session`,
		formatTS(t.now), id,
	).Scan(&session)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("worker %d: %w", id, ErrNotFound)
	}
	return session, err
}

// UpdateProgress stores the result of a non-final step. A nil status keeps
// the previous one.
func (t *Tx) UpdateProgress(id int64, status, continuation json.RawMessage) error {
	_, err := t.exec(
		`UPDATE workers SET status = COALESCE(?, status), continuation = ?, updated = ?
		 WHERE workerid = ?`,
		blob(status), blob(continuation), formatTS(t.now), id,
	)
	return err
}

// FinalizeWorker moves a worker to a terminal state and clears its
// continuation.
func (t *Tx) FinalizeWorker(id int64, appID string, state model.WorkerState, status json.RawMessage) error {
	n, err := t.affected(
		`UPDATE workers SET state = ?, status = ?, continuation = NULL, updated = ?
		 WHERE workerid = ? AND appid = ?`,
		string(state), blob(status), formatTS(t.now), id, appID,
	)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("worker %d: %w", id, ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// InsertMessage stores m and returns its id. Zero-valued fields take the
// schema defaults except Timestamp, which defaults to the request time.
func (t *Tx) InsertMessage(m *model.Message) (int64, error) {
	state := m.State
	if state == "" {
		state = model.MessageQueued
	}
	pool := m.Pool
	if pool == "" {
		pool = model.DefaultPool
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = t.now
	}
	res, err := t.exec(
		`INSERT INTO messages (appid, workerid, senderid, pool, state, lock_ip, priority, code, data, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AppID, m.WorkerID, m.SenderID, pool, string(state), nullString(m.LockIP),
		m.Priority, m.Code, blob(m.Data), formatTS(ts),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetMessage retrieves a message by ID.
func (t *Tx) GetMessage(id int64) (*model.Message, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+messageColumns+` FROM messages WHERE msgid = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return m, err
}

// DeleteMessage removes a message row.
func (t *Tx) DeleteMessage(id int64) error {
	n, err := t.affected(`DELETE FROM messages WHERE msgid = ?`, id)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return nil
}

// PurgeMessages deletes every message addressed to a worker.
func (t *Tx) PurgeMessages(appID string, workerID int64) (int64, error) {
	return t.affected(`DELETE FROM messages WHERE appid = ? AND workerid = ?`, appID, workerID)
}

// DeleteMessagesByCode deletes a worker's messages carrying code.
func (t *Tx) DeleteMessagesByCode(appID string, workerID int64, code string) (int64, error) {
	return t.affected(
		`DELETE FROM messages WHERE appid = ? AND workerid = ? AND code = ?`,
		appID, workerID, code,
	)
}

// MarkHead restores the single-head invariant for a worker and returns the
// id of the message it promoted, or 0 when the head did not change.
//
// A claimed head is never touched. Otherwise the preferred head is the
// oldest message that is already due; when nothing is due it is the message
// that becomes due first. An unclaimed head that is not yet due is demoted
// in favour of a better candidate so a far-off alarm cannot hold back work
// that arrived after it.
func (t *Tx) MarkHead(workerID int64) (int64, error) {
	now := formatTS(t.now)

	var headID int64
	var headTS string
	var headLock sql.NullString
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT msgid, timestamp, lock_ip FROM messages WHERE workerid = ? AND state = 'head'`,
		workerID,
	).Scan(&headID, &headTS, &headLock)
	hasHead := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	if hasHead && (headLock.Valid || headTS <= now) {
		return 0, nil
	}

	candidate, err := t.firstID(
		`SELECT msgid FROM messages
		 WHERE workerid = ? AND state = 'queued' AND timestamp <= ?
		 ORDER BY msgid LIMIT 1`, workerID, now)
	if err != nil {
		return 0, err
	}
	if candidate == 0 {
		if hasHead {
			candidate, err = t.firstID(
				`SELECT msgid FROM messages
				 WHERE workerid = ? AND state = 'queued' AND timestamp < ?
				 ORDER BY timestamp, msgid LIMIT 1`, workerID, headTS)
		} else {
			candidate, err = t.firstID(
				`SELECT msgid FROM messages
				 WHERE workerid = ? AND state = 'queued'
				 ORDER BY timestamp, msgid LIMIT 1`, workerID)
		}
		if err != nil {
			return 0, err
		}
	}
	if candidate == 0 {
		return 0, nil
	}

	if hasHead {
		if _, err := t.exec(`UPDATE messages SET state = 'queued' WHERE msgid = ?`, headID); err != nil {
			return 0, fmt.Errorf("demote head %d: %w", headID, err)
		}
	}
	if _, err := t.exec(`UPDATE messages SET state = 'head' WHERE msgid = ?`, candidate); err != nil {
		return 0, fmt.Errorf("promote head %d: %w", candidate, err)
	}
	return candidate, nil
}

// firstID runs a single-column id query and returns 0 when it is empty.
func (t *Tx) firstID(query string, args ...any) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(t.ctx, query, args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return id, err
}

// NextClaimable returns the best deliverable head message of an app's pool:
// lowest priority value, then earliest timestamp, then lowest id.
func (t *Tx) NextClaimable(appID, pool string) (*model.Message, error) {
	row := t.tx.QueryRowContext(t.ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE timestamp <= ? AND state = 'head' AND lock_ip IS NULL AND appid = ? AND pool = ?
		 ORDER BY priority, timestamp, msgid LIMIT 1`,
		formatTS(t.now), appID, pool,
	)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("claimable message in %s/%s: %w", appID, pool, ErrNotFound)
	}
	return m, err
}

// ClaimMessage assigns a head message to an agent address. It reports false
// if the message was already claimed or is no longer the head.
func (t *Tx) ClaimMessage(msgID int64, addr string) (bool, error) {
	n, err := t.affected(
		`UPDATE messages SET lock_ip = ?
		 WHERE msgid = ? AND state = 'head' AND lock_ip IS NULL`,
		addr, msgID,
	)
	return n == 1, err
}

// ---------------------------------------------------------------------------
// Locks
// ---------------------------------------------------------------------------

// InsertLock queues a worker on a lock name. It reports false when the
// worker already has a row for that name.
func (t *Tx) InsertLock(name, appID string, workerID int64) (bool, error) {
	n, err := t.affected(
		`INSERT OR IGNORE INTO locks (lockname, appid, workerid, timestamp) VALUES (?, ?, ?, ?)`,
		name, appID, workerID, formatTS(t.now),
	)
	return n == 1, err
}

// DeleteLock removes a worker's row for a lock name. It reports false when
// there was none.
func (t *Tx) DeleteLock(name, appID string, workerID int64) (bool, error) {
	n, err := t.affected(
		`DELETE FROM locks WHERE lockname = ? AND appid = ? AND workerid = ?`,
		name, appID, workerID,
	)
	return n == 1, err
}

// LockRows returns a snapshot of every lock row of an app in sequence order.
func (t *Tx) LockRows(appID string) ([]model.Lock, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT sequence, lockname, appid, workerid, timestamp
		 FROM locks WHERE appid = ? ORDER BY sequence`, appID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []model.Lock
	for rows.Next() {
		var l model.Lock
		var ts string
		if err := rows.Scan(&l.Sequence, &l.Name, &l.AppID, &l.WorkerID, &ts); err != nil {
			return nil, err
		}
		if l.Timestamp, err = parseTS(ts); err != nil {
			return nil, fmt.Errorf("parse lock timestamp for %s: %w", l.Name, err)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}
