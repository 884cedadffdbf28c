// Command shepherd is the shepherd CLI: create workflow workers, hand their
// messages to agents, and commit the steps those agents execute.
package main

import (
	"fmt"
	"os"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("shepherd", version)
		return
	}

	a, err := newApp()
	if err != nil {
		fatal("%v", err)
	}
	code := a.run(os.Args[1], os.Args[2:])
	a.Close()
	os.Exit(code)
}

// run dispatches one subcommand and returns its exit code.
func (a *app) run(cmd string, args []string) int {
	switch cmd {
	// Setup
	case "init":
		return a.cmdInit(args)
	case "config":
		return a.cmdConfig(args)

	// Workers
	case "create":
		return a.cmdCreate(args)
	case "workers":
		return a.cmdWorkers(args)
	case "send":
		return a.cmdSend(args)

	// Agent loop
	case "dispatch":
		return a.cmdDispatch(args)
	case "commit":
		return a.cmdCommit(args)

	// Operations
	case "unlock":
		return a.cmdUnlock(args)
	case "pending":
		return a.cmdPending(args)
	case "tasks":
		return a.cmdTasks(args)
	case "locks":
		return a.cmdLocks(args)
	case "counters":
		return a.cmdCounters(args)

	default:
		fmt.Fprintf(os.Stderr, "shepherd: unknown command %q\n", cmd)
		fmt.Fprintln(os.Stderr, "Run 'shepherd --help' for usage.")
		return 1
	}
}

func printUsage() {
	fmt.Print(`shepherd — run suspendable workflows on a fleet of agents

Workers advance one step at a time. An agent dispatches a message, runs
the step, and commits the new continuation together with any messages,
lock requests and alarms, all in one transaction.

Usage:
  shepherd <command> [flags] [args]

Setup:
  init                          Write the default config and create the database
  config                        Show the effective config and caller identity

Workers:
  create [data|-|@file]         Start a worker (--pool, --priority, --workflow)
  workers <id>[,<id>...]        Show state, status and session of workers
  send <id> <code> [data]       Queue a message for a worker (--delay N)

Agent loop:
  dispatch                      Claim the next message for this agent
  commit [request|-|@file]      Commit the result of one step

Operations:
  unlock <id> <lockname>        Release a lock on a worker's behalf
  pending                       Plan backlog against host capacity
  tasks                         List deliverable messages of the app
  locks                         List lock queues of the app
  counters                      Show per-app request counters

Environment:
  SHEPHERD_CONFIG   config file (default: .shepherd/config.yaml)
  SHEPHERD_APP      caller app id (or --app)
  SHEPHERD_ADDR     caller agent address (or --addr)

Commands with structured output support --json.

Exit codes:
  0  success
  1  error
  2  nothing to dispatch / not found
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "shepherd: "+format+"\n", args...)
	os.Exit(1)
}
