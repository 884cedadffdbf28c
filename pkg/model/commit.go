package model

import (
	"encoding/json"
	"math"
	"sort"
	"time"
)

// OutboundMessage is a message a committing worker sends to another worker.
type OutboundMessage struct {
	Pool     string          `json:"pool,omitempty"`
	Code     string          `json:"code"`
	Data     json.RawMessage `json:"data,omitempty"`
	Priority *int            `json:"priority,omitempty"`
}

// CommitRequest is the result of one workflow step. Every effect is
// optional; a nil field means "not requested", which is different from an
// empty one (an empty Lock slice still asks for a lock notification).
type CommitRequest struct {
	MsgID    int64 `json:"msgid"`
	WorkerID int64 `json:"workerid"`

	Status       json.RawMessage `json:"status,omitempty"`
	Continuation json.RawMessage `json:"continuation,omitempty"`
	Exception    json.RawMessage `json:"exception,omitempty"`

	Lock    []string                  `json:"lock,omitempty"`
	Unlock  []string                  `json:"unlock,omitempty"`
	Message map[int64]OutboundMessage `json:"message,omitempty"`

	// Alarm is a delay in seconds. Values rounding below one second cancel
	// the pending alarm without scheduling a new one.
	Alarm *float64 `json:"alarm,omitempty"`

	// Pool overrides the committed message's pool for follow-on messages.
	Pool *string `json:"pool,omitempty"`
}

// Continues reports whether the step supplied a new continuation. A JSON
// null still counts: only an absent field finalizes the worker.
func (r *CommitRequest) Continues() bool { return r.Continuation != nil }

// MaxDelay is the longest delay, in seconds, whose delivery time can still
// be represented.
const MaxDelay = float64(math.MaxInt64 / int64(time.Second))

// ValidDelay reports whether s is a finite number of seconds no larger
// than MaxDelay. Negative values pass; callers decide what they mean.
func ValidDelay(s float64) bool {
	return !math.IsNaN(s) && !math.IsInf(s, 0) && s <= MaxDelay
}

// AlarmSeconds returns the alarm delay rounded to whole seconds. An alarm
// that is not a ValidDelay counts as 0.
func (r *CommitRequest) AlarmSeconds() int64 {
	if r.Alarm == nil || !ValidDelay(*r.Alarm) {
		return 0
	}
	return int64(math.Round(*r.Alarm))
}

// Destinations returns the message destinations in ascending order so that
// message ids are assigned deterministically.
func (r *CommitRequest) Destinations() []int64 {
	ids := make([]int64, 0, len(r.Message))
	for id := range r.Message {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Outcome resolves the terminal state and status of a finishing step.
// An exception wins over a status; a step with neither is an exception
// with status "unknown".
func (r *CommitRequest) Outcome() (WorkerState, json.RawMessage) {
	switch {
	case r.Exception != nil:
		return WorkerException, r.Exception
	case r.Status != nil:
		return WorkerDone, r.Status
	default:
		return WorkerException, json.RawMessage(`"unknown"`)
	}
}

// UniqueNames returns the distinct non-empty names in sorted order.
func UniqueNames(names []string) []string {
	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
