package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"

	"github.com/daviddao/shepherd/pkg/model"
)

func (a *app) cmdCommit(args []string) int {
	flags := flag.NewFlagSet("commit", flag.ContinueOnError)
	appFlag := flags.String("app", "", "caller app id")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	appID, err := a.resolveApp(*appFlag)
	if err != nil {
		return fail("commit", err)
	}
	payload, err := a.readPayload(flags.Arg(0))
	if err != nil {
		return fail("commit", err)
	}
	var req model.CommitRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fail("commit", fmt.Errorf("decode request: %w", err))
	}

	if err := a.engine.Commit(context.Background(), appID, &req); err != nil {
		return fail("commit", err)
	}
	fmt.Println("OK")
	return 0
}
