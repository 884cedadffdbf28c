package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/shepherd/pkg/config"
)

func (a *app) cmdInit(args []string) int {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	if err := flags.Parse(args); err != nil {
		return 1
	}

	wrote, err := config.WriteDefault(a.cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shepherd: init: %v\n", err)
		return 1
	}

	fmt.Printf("initialized shepherd (db: %s)\n", a.cfg.Database)
	if wrote {
		fmt.Printf("  wrote default config to %s\n", a.cfgPath)
	} else {
		fmt.Printf("  kept existing config %s\n", a.cfgPath)
	}
	for _, id := range a.cfg.AppIDs() {
		app, _ := a.cfg.App(id)
		fmt.Printf("  app %s: %d host(s), %d pool(s)\n", id, len(app.Hosts), len(app.Pools))
	}

	fmt.Println()
	fmt.Println("next steps:")
	fmt.Println("  export SHEPHERD_APP=<appid> SHEPHERD_ADDR=<agent ip>")
	fmt.Println("  shepherd create '{\"input\": 1}'")
	fmt.Println("  shepherd dispatch")
	return 0
}
