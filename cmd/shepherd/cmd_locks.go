package main

import (
	"context"
	"flag"
	"fmt"
)

func (a *app) cmdLocks(args []string) int {
	flags := flag.NewFlagSet("locks", flag.ContinueOnError)
	appFlag := flags.String("app", "", "caller app id")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	appID, err := a.resolveApp(*appFlag)
	if err != nil {
		return fail("locks", err)
	}
	locks, err := a.engine.Locks(context.Background(), appID)
	if err != nil {
		return fail("locks", err)
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"locks": locks, "count": len(locks)})
		return 0
	}
	if len(locks) == 0 {
		fmt.Println("no locks held")
		return 0
	}
	prev := ""
	for _, l := range locks {
		role := "waiting"
		if l.Name != prev {
			role = "holder"
			prev = l.Name
		}
		fmt.Printf("%-20s worker %-6d %-7s seq=%d status=%s\n",
			l.Name, l.WorkerID, role, l.Sequence, oneLine(l.Status))
	}
	return 0
}

func (a *app) cmdCounters(args []string) int {
	flags := flag.NewFlagSet("counters", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	counters, err := a.engine.Counters(context.Background())
	if err != nil {
		return fail("counters", err)
	}

	if *jsonOut {
		printJSON(counters)
		return 0
	}
	for _, c := range counters {
		fmt.Printf("%-12s %8d  last=%s\n", c.AppID, c.Count, c.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return 0
}
