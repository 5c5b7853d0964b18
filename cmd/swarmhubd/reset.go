package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// resetCmd deletes the coordination database (and its WAL/SHM sidecar
// files), discarding every Agent, Task, MemoryEntry, and EventLog row.
// There is no migration story beyond the single initial schema (spec.md
// §1 Non-goals), so "start over" means "delete the file".
func resetCmd(args []string) {
	fs := flag.NewFlagSet("reset", flag.ExitOnError)
	directory := fs.String("directory", ".", "Working directory; holds .aiswarm/coordination.db")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")

	fs.Usage = func() {
		fmt.Println(`Usage: swarmhubd reset [options]

Delete the coordination database, discarding all agents, tasks, memory
entries, and the audit log.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	path := filepath.Join(*directory, dbRelPath)
	abs, _ := filepath.Abs(path)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Printf("Nothing to reset — %s does not exist.\n", abs)
		return
	}

	fmt.Printf("This will permanently delete %s\n", abs)
	fmt.Println("including every agent, task, memory entry, and audit log row.")
	if !*yes {
		fmt.Print("Are you sure? [y/N] ")
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Scan()
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		if answer != "y" && answer != "yes" {
			fmt.Println("Aborted.")
			return
		}
	}

	for _, suffix := range []string{"", "-wal", "-shm"} {
		if err := os.Remove(path + suffix); err != nil && !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Error removing %s: %v\n", path+suffix, err)
			os.Exit(1)
		}
	}

	fmt.Println("Reset complete.")
}
