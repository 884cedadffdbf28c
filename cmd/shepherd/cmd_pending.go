package main

import (
	"context"
	"flag"
	"fmt"
	"sort"
)

func (a *app) cmdPending(args []string) int {
	flags := flag.NewFlagSet("pending", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	alloc, err := a.engine.Allocation(context.Background())
	if err != nil {
		return fail("pending", err)
	}

	if *jsonOut {
		printJSON(alloc)
		return 0
	}

	if len(alloc) == 0 {
		fmt.Println("no pending work")
		return 0
	}
	ips := make([]string, 0, len(alloc))
	for ip := range alloc {
		ips = append(ips, ip)
	}
	sort.Strings(ips)
	for _, ip := range ips {
		fmt.Printf("%s  total=%d\n", ip, alloc.Total(ip))
		apps := make([]string, 0, len(alloc[ip]))
		for id := range alloc[ip] {
			apps = append(apps, id)
		}
		sort.Strings(apps)
		for _, id := range apps {
			fmt.Printf("    app %s: %d\n", id, alloc[ip][id])
		}
	}
	return 0
}

func (a *app) cmdTasks(args []string) int {
	flags := flag.NewFlagSet("tasks", flag.ContinueOnError)
	appFlag := flags.String("app", "", "caller app id")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	appID, err := a.resolveApp(*appFlag)
	if err != nil {
		return fail("tasks", err)
	}
	tasks, err := a.engine.PendingTasks(context.Background(), appID)
	if err != nil {
		return fail("tasks", err)
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"tasks": tasks, "count": len(tasks)})
		return 0
	}
	if len(tasks) == 0 {
		fmt.Println("no deliverable tasks")
		return 0
	}
	for _, m := range tasks {
		fmt.Printf("worker %-6d pool=%-10s code=%-12s priority=%-3d %s\n",
			m.WorkerID, m.Pool, m.Code, m.Priority, m.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return 0
}
