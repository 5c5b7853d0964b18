// Command swarmhubd is the coordination server CLI: it owns the embedded
// SQLite database, wires the core subsystems together, and runs the
// long-poll tool surface agents connect to.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		serveCmd(args)
	case "init":
		initCmd(args)
	case "reset":
		resetCmd(args)
	case "version":
		fmt.Printf("swarmhubd %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`swarmhubd - agent coordination server

Usage:
  swarmhubd <command> [options]

Commands:
  init      Create the coordination database and its working directory
  serve     Start the coordination server (registry, dispatcher, memory store)
  reset     Delete the coordination database and start fresh
  version   Print version information
  help      Show this help message

Examples:
  swarmhubd init --directory .
  swarmhubd serve --directory . --heartbeat-timeout 5m --check-interval 30s
  swarmhubd reset --directory . --yes

Run 'swarmhubd <command> --help' for more information on a command.`)
}
