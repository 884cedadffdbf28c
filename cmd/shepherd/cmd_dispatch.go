package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/daviddao/shepherd/pkg/engine"
)

func (a *app) cmdDispatch(args []string) int {
	flags := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	appFlag := flags.String("app", "", "caller app id")
	addrFlag := flags.String("addr", "", "agent address")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	appID, err := a.resolveApp(*appFlag)
	if err != nil {
		return fail("dispatch", err)
	}
	addr, err := a.resolveAddr(*addrFlag)
	if err != nil {
		return fail("dispatch", err)
	}

	claim, err := a.engine.Dispatch(context.Background(), appID, addr)
	if errors.Is(err, engine.ErrNotFound) {
		fmt.Println("NOT_FOUND")
		return 2
	}
	if err != nil {
		return fail("dispatch", err)
	}
	// Claims are always JSON: the agent feeds them straight into its step.
	printJSON(claim)
	return 0
}
