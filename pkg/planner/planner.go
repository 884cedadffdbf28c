// Package planner maps pending work onto host capacity.
//
// The plan is advisory: autoscalers and dashboards read it to see how many
// workflows each host would be running if every deliverable message were
// picked up now. Nothing in the engine acts on it.
package planner

import (
	"sort"

	"github.com/daviddao/shepherd/pkg/config"
	"github.com/daviddao/shepherd/pkg/model"
)

// Allocation is host ip -> app id -> number of workflows assigned.
type Allocation map[string]map[string]int

// Total returns the number of workflows assigned to ip across all apps.
func (a Allocation) Total(ip string) int {
	var n int
	for _, c := range a[ip] {
		n += c
	}
	return n
}

// Plan spreads each (app, pool) backlog over the pool's hosts round-robin,
// one workflow per host per pass, never exceeding a host's per-app
// capacity. A backlog stops being placed once it is exhausted or a full
// pass over its hosts places nothing. All pools of an app share the
// capacity of a host. Every candidate host of a backlog appears in the
// result, with 0 if it is full or has no capacity. Backlog of apps missing
// from apps is ignored.
func Plan(backlog []model.Backlog, apps map[string]config.App) Allocation {
	entries := append([]model.Backlog(nil), backlog...)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].AppID != entries[j].AppID {
			return entries[i].AppID < entries[j].AppID
		}
		return entries[i].Pool < entries[j].Pool
	})

	alloc := Allocation{}
	for _, b := range entries {
		app, ok := apps[b.AppID]
		if !ok {
			continue
		}
		hosts := knownHosts(app, app.PoolHosts(b.Pool))
		if b.Count > 0 {
			for _, ip := range hosts {
				if alloc[ip] == nil {
					alloc[ip] = map[string]int{}
				}
				if _, ok := alloc[ip][b.AppID]; !ok {
					alloc[ip][b.AppID] = 0
				}
			}
		}
		remaining := b.Count
		for remaining > 0 {
			placed := false
			for _, ip := range hosts {
				if alloc[ip][b.AppID] >= app.Hosts[ip].Workflows {
					continue
				}
				alloc[ip][b.AppID]++
				remaining--
				placed = true
				if remaining == 0 {
					break
				}
			}
			if !placed {
				break
			}
		}
	}
	return alloc
}

// knownHosts drops pool members that are not hosts of the app.
func knownHosts(app config.App, ips []string) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if _, ok := app.Hosts[ip]; ok {
			out = append(out, ip)
		}
	}
	return out
}
