package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fenwick-labs/swarmhub/internal/store"
)

// initCmd creates the working directory's .aiswarm folder and the
// coordination database with its schema, so a first `serve` does not pay
// the one-time setup cost under a caller's timeout.
func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	directory := fs.String("directory", ".", "Working directory; holds .aiswarm/coordination.db")

	fs.Usage = func() {
		fmt.Println(`Usage: swarmhubd init [options]

Create <directory>/.aiswarm/coordination.db with the coordination schema.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	path := filepath.Join(*directory, dbRelPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", filepath.Dir(path), err)
		os.Exit(1)
	}

	st, err := store.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", path, err)
		os.Exit(1)
	}
	defer st.Close()

	abs, _ := filepath.Abs(path)
	fmt.Printf("Initialized coordination database at %s\n", abs)
}
