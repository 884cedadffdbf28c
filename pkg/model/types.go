// Package model defines the core domain types for shepherd.
//
// Shepherd runs long-lived, suspendable workflows ("workers") on a fleet of
// agents. A worker never runs in memory on the engine side: its entire
// execution state is an opaque continuation blob that an agent receives with
// a message, advances by one step, and commits back together with any side
// effects (messages to other workers, lock requests, alarms).
//
// Three rules keep this safe without any engine-side coordination beyond the
// store's transactions:
//
//   - A worker has at most one "head" message. Only the head can be claimed,
//     so no two agents ever execute the same worker concurrently.
//
//   - Locks are queues of waiter rows. The waiter with the smallest sequence
//     number holds the lock, giving strict FIFO per lock name.
//
//   - A worker waiting on several locks is woken (sent a "locked" message)
//     only when it fronts every one of them at once.
package model

import (
	"encoding/json"
	"time"
)

// WorkerState is the lifecycle state of a worker.
type WorkerState string

const (
	WorkerActive    WorkerState = "active"
	WorkerDone      WorkerState = "done"
	WorkerException WorkerState = "exception"
)

// Terminal reports whether the state is final.
func (s WorkerState) Terminal() bool {
	return s == WorkerDone || s == WorkerException
}

// MessageState distinguishes the single deliverable message of a worker
// from the ones waiting behind it.
type MessageState string

const (
	MessageHead   MessageState = "head"
	MessageQueued MessageState = "queued"
)

// Message codes produced by the engine itself.
const (
	CodeInit   = "init"
	CodeLocked = "locked"
	CodeAlarm  = "alarm"
)

const (
	// DefaultPool routes a message to any host of the owning app.
	DefaultPool = "default"

	// DefaultPriority sits mid-range; lower values are delivered first.
	DefaultPriority = 128

	// MaxPriority is the largest accepted priority value.
	MaxPriority = 255

	// SystemSender is the sender id of messages injected from outside any
	// worker.
	SystemSender int64 = 0
)

// Worker is one running or finished workflow instance.
type Worker struct {
	ID           int64           `json:"workerid"`
	AppID        string          `json:"appid"`
	State        WorkerState     `json:"state"`
	Status       json.RawMessage `json:"status,omitempty"`
	Continuation json.RawMessage `json:"continuation,omitempty"`
	Session      int64           `json:"session"`
	Created      time.Time       `json:"created"`
	Updated      time.Time       `json:"updated"`
}

// Message is one unit of work addressed to exactly one worker.
type Message struct {
	ID        int64           `json:"msgid"`
	AppID     string          `json:"appid"`
	WorkerID  int64           `json:"workerid"`
	SenderID  int64           `json:"senderid"`
	Pool      string          `json:"pool"`
	State     MessageState    `json:"state"`
	LockIP    string          `json:"lock_ip,omitempty"`
	Priority  int             `json:"priority"`
	Code      string          `json:"code"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Claimed reports whether an agent is currently processing the message.
func (m *Message) Claimed() bool { return m.LockIP != "" }

// Lock is one waiter row on a named resource.
type Lock struct {
	Sequence  int64     `json:"sequence"`
	Name      string    `json:"lockname"`
	AppID     string    `json:"appid"`
	WorkerID  int64     `json:"workerid"`
	Timestamp time.Time `json:"timestamp"`
}

// LockView is a lock row joined with the waiting worker's status, used by
// operator listings.
type LockView struct {
	Lock
	Status json.RawMessage `json:"status,omitempty"`
}

// Counter is the per-app request counter.
type Counter struct {
	AppID     string    `json:"appid"`
	Count     int64     `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

// Backlog is the number of deliverable, unclaimed head messages for one
// (app, pool) pair.
type Backlog struct {
	AppID string `json:"appid"`
	Pool  string `json:"pool"`
	Count int    `json:"count"`
}

// Claim is what an agent receives from a successful dispatch.
type Claim struct {
	MsgID        int64           `json:"msgid"`
	WorkerID     int64           `json:"workerid"`
	Session      int64           `json:"session"`
	Continuation json.RawMessage `json:"continuation"`
	Code         string          `json:"code"`
	SenderID     int64           `json:"senderid"`
	Pool         string          `json:"pool"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// WorkerInfo is the public projection returned by worker lookups.
type WorkerInfo struct {
	State   WorkerState     `json:"state"`
	Status  json.RawMessage `json:"status,omitempty"`
	Session int64           `json:"session"`
	Logs    string          `json:"logs,omitempty"`
}
