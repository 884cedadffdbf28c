// Package lockset answers lock-ownership questions over a snapshot of lock
// rows.
//
// A lock name is a FIFO queue of waiter rows: whoever has the smallest
// sequence holds it. A worker waiting on several names becomes runnable
// only when it fronts all of them simultaneously. Working over an
// in-memory snapshot keeps the wake-up computation pure and terminating:
// the caller deletes rows in its transaction, derives the post-release
// snapshot with Remove, and asks Unblocked who to notify.
//
// All functions expect rows from a single app.
package lockset

import (
	"sort"

	"github.com/daviddao/shepherd/pkg/model"
)

// Holders returns the holding worker of every lock name in rows.
func Holders(rows []model.Lock) map[string]int64 {
	best := make(map[string]model.Lock, len(rows))
	for _, r := range rows {
		if cur, ok := best[r.Name]; !ok || r.Sequence < cur.Sequence {
			best[r.Name] = r
		}
	}
	out := make(map[string]int64, len(best))
	for name, r := range best {
		out[name] = r.WorkerID
	}
	return out
}

// Names returns the lock names a worker has rows for, sorted.
func Names(rows []model.Lock, workerID int64) []string {
	var out []string
	for _, r := range rows {
		if r.WorkerID == workerID {
			out = append(out, r.Name)
		}
	}
	sort.Strings(out)
	return out
}

// HoldsAll reports whether workerID is the holder of every name. An empty
// name set is trivially held.
func HoldsAll(rows []model.Lock, workerID int64, names []string) bool {
	holders := Holders(rows)
	for _, n := range names {
		if w, ok := holders[n]; !ok || w != workerID {
			return false
		}
	}
	return true
}

// Remove returns rows without the worker's rows for names.
func Remove(rows []model.Lock, workerID int64, names []string) []model.Lock {
	drop := make(map[string]bool, len(names))
	for _, n := range names {
		drop[n] = true
	}
	out := make([]model.Lock, 0, len(rows))
	for _, r := range rows {
		if r.WorkerID == workerID && drop[r.Name] {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Unblocked returns, in ascending order, the workers that became fully
// unblocked when the rows in before turned into the rows in after by
// releasing names.
//
// Only a name whose holder changed can wake anyone, and only its new
// holder is a candidate. A candidate is unblocked when it holds every name
// it still has rows for. A worker that fronts one released name but still
// queues behind someone on another stays asleep.
func Unblocked(before, after []model.Lock, released []string) []int64 {
	prev := Holders(before)
	next := Holders(after)

	candidates := make(map[int64]bool)
	for _, name := range released {
		w, ok := next[name]
		if !ok {
			continue
		}
		if p, had := prev[name]; had && p == w {
			continue
		}
		candidates[w] = true
	}

	var out []int64
	for w := range candidates {
		if HoldsAll(after, w, Names(after, w)) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
