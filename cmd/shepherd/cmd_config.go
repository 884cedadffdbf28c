package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

func (a *app) cmdConfig(args []string) int {
	flags := flag.NewFlagSet("config", flag.ContinueOnError)
	addr := flags.String("addr", "", "agent address")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	// The address is informational here; config works without one.
	agentIP, _ := a.resolveAddr(*addr)

	if *jsonOut {
		printJSON(map[string]interface{}{
			"path":    a.cfgPath,
			"config":  a.cfg,
			"agentip": agentIP,
		})
		return 0
	}

	out, err := yaml.Marshal(a.cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shepherd: config: %v\n", err)
		return 1
	}
	fmt.Printf("# %s\n", a.cfgPath)
	fmt.Print(string(out))
	if agentIP != "" {
		fmt.Printf("# agent address: %s\n", agentIP)
		for _, id := range a.cfg.AppIDs() {
			app, _ := a.cfg.App(id)
			if pools := app.PoolsFor(agentIP); len(pools) > 0 {
				fmt.Printf("#   app %s pools: %v\n", id, pools)
			}
		}
	}
	return 0
}
