package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
)

func (a *app) cmdUnlock(args []string) int {
	flags := flag.NewFlagSet("unlock", flag.ContinueOnError)
	appFlag := flags.String("app", "", "caller app id")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: shepherd unlock [--app ID] [--json] <workerid> <lockname>")
		return 1
	}

	appID, err := a.resolveApp(*appFlag)
	if err != nil {
		return fail("unlock", err)
	}
	workerID, err := strconv.ParseInt(flags.Arg(0), 10, 64)
	if err != nil {
		return fail("unlock", fmt.Errorf("invalid worker id %q", flags.Arg(0)))
	}
	name := flags.Arg(1)

	if err := a.engine.ForceUnlock(context.Background(), appID, workerID, name); err != nil {
		return fail("unlock", err)
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"released": true, "workerid": workerID, "lockname": name})
	} else {
		fmt.Printf("unlocked %s (worker %d)\n", name, workerID)
	}
	return 0
}
