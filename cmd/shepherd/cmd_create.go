package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/daviddao/shepherd/pkg/engine"
)

func (a *app) cmdCreate(args []string) int {
	flags := flag.NewFlagSet("create", flag.ContinueOnError)
	appFlag := flags.String("app", "", "caller app id")
	pool := flags.String("pool", "", "routing pool (default: default)")
	priority := flags.Int("priority", -1, "priority 0..255, lower first (-1 = default)")
	workflow := flags.String("workflow", "", "wrap data as {workflow, input}")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	appID, err := a.resolveApp(*appFlag)
	if err != nil {
		return fail("create", err)
	}
	data, err := a.readPayload(flags.Arg(0))
	if err != nil {
		return fail("create", err)
	}

	id, err := a.engine.CreateWorker(context.Background(), appID, engine.CreateRequest{
		Pool:     *pool,
		Priority: priorityFlag(*priority),
		Data:     data,
		Workflow: *workflow,
	})
	if err != nil {
		return fail("create", err)
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"workerid": id})
	} else {
		fmt.Println(id)
	}
	return 0
}
