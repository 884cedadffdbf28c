package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
)

func (a *app) cmdWorkers(args []string) int {
	flags := flag.NewFlagSet("workers", flag.ContinueOnError)
	appFlag := flags.String("app", "", "caller app id")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: shepherd workers [--app ID] [--json] <id>[,<id>...]")
		return 1
	}

	appID, err := a.resolveApp(*appFlag)
	if err != nil {
		return fail("workers", err)
	}
	ids, err := parseIDs(flags.Arg(0))
	if err != nil {
		return fail("workers", err)
	}

	infos, err := a.engine.GetWorkers(context.Background(), appID, ids)
	if err != nil {
		return fail("workers", err)
	}

	if *jsonOut {
		out := make(map[string]interface{}, len(infos))
		for id, info := range infos {
			out[strconv.FormatInt(id, 10)] = info
		}
		printJSON(out)
		return 0
	}

	found := make([]int64, 0, len(infos))
	for id := range infos {
		found = append(found, id)
	}
	sort.Slice(found, func(i, j int) bool { return found[i] < found[j] })
	for _, id := range found {
		info := infos[id]
		fmt.Printf("%d  %-9s  session=%d  status=%s\n", id, info.State, info.Session, oneLine(info.Status))
		if info.Logs != "" {
			fmt.Printf("    logs: %s\n", info.Logs)
		}
	}
	if len(found) == 0 {
		fmt.Println("no matching workers")
	}
	return 0
}
