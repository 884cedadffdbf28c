package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/daviddao/shepherd/pkg/engine"
)

func (a *app) cmdSend(args []string) int {
	flags := flag.NewFlagSet("send", flag.ContinueOnError)
	appFlag := flags.String("app", "", "caller app id")
	pool := flags.String("pool", "", "routing pool (default: default)")
	priority := flags.Int("priority", -1, "priority 0..255, lower first (-1 = default)")
	delay := flags.Float64("delay", 0, "delivery delay in seconds")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if flags.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "usage: shepherd send [--app ID] [--pool P] [--delay N] <workerid> <code> [data|-|@file]")
		return 1
	}

	appID, err := a.resolveApp(*appFlag)
	if err != nil {
		return fail("send", err)
	}
	workerID, err := strconv.ParseInt(flags.Arg(0), 10, 64)
	if err != nil {
		return fail("send", fmt.Errorf("invalid worker id %q", flags.Arg(0)))
	}
	var data json.RawMessage
	if flags.NArg() > 2 {
		if data, err = a.readPayload(flags.Arg(2)); err != nil {
			return fail("send", err)
		}
	}

	msgID, err := a.engine.SendMessage(context.Background(), appID, workerID, engine.SendRequest{
		Pool:     *pool,
		Priority: priorityFlag(*priority),
		Code:     flags.Arg(1),
		Data:     data,
		Delay:    *delay,
	})
	if err != nil {
		return fail("send", err)
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"msgid": msgID, "workerid": workerID})
	} else {
		fmt.Println("OK")
	}
	return 0
}
