package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fenwick-labs/swarmhub"
	"github.com/fenwick-labs/swarmhub/internal/agentreg"
	"github.com/fenwick-labs/swarmhub/internal/eventbus"
	"github.com/fenwick-labs/swarmhub/internal/eventlog"
	"github.com/fenwick-labs/swarmhub/internal/memstore"
	"github.com/fenwick-labs/swarmhub/internal/store"
	"github.com/fenwick-labs/swarmhub/internal/taskcoord"
	"github.com/fenwick-labs/swarmhub/internal/toolsurface"
)

// dbRelPath is the fixed location of the embedded database within the
// working directory, per the persisted-state layout in the spec.
const dbRelPath = ".aiswarm/coordination.db"

// serveCmd starts the coordination server: it opens the store, wires the
// three event buses and the components that publish and subscribe to them
// in the order the concurrency model requires (logger first, so no event
// is missed), then blocks until signalled.
func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	directory := fs.String("directory", ".", "Working directory; holds .aiswarm/coordination.db")
	dbPath := fs.String("db", "", "Override the database path (default <directory>/.aiswarm/coordination.db)")
	heartbeatTimeout := fs.Duration("heartbeat-timeout", 5*time.Minute, "Mark a Running agent Killed after this long without a heartbeat")
	checkInterval := fs.Duration("check-interval", 30*time.Second, "How often the monitor sweeps for stale agents")
	logDrain := fs.Duration("log-drain-timeout", 5*time.Second, "How long Stop waits for the event logger to drain in-flight events")
	configPath := fs.String("config", "", "Optional YAML config file; flags passed explicitly still win")

	fs.Usage = func() {
		fmt.Println(`Usage: swarmhubd serve [options]

Start the coordination server: agent registry, task dispatcher, memory
store, and audit logger. Agents connect to these components through the
ToolSurface's RPC tool calls (launch_agent, create_task, get_next_task, ...);
the concrete transport that exposes those calls is wired on top of this
process and is not part of the coordination core itself.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if *configPath != "" {
		cfg, err := loadFileConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		explicit := make(map[string]bool)
		fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		if cfg.Directory != "" && !explicit["directory"] {
			*directory = cfg.Directory
		}
		if cfg.DBPath != "" && !explicit["db"] {
			*dbPath = cfg.DBPath
		}
		if cfg.HeartbeatTimeout != 0 && !explicit["heartbeat-timeout"] {
			*heartbeatTimeout = cfg.HeartbeatTimeout
		}
		if cfg.CheckInterval != 0 && !explicit["check-interval"] {
			*checkInterval = cfg.CheckInterval
		}
	}

	path := *dbPath
	if path == "" {
		path = filepath.Join(*directory, dbRelPath)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating %s: %v\n", filepath.Dir(path), err)
		os.Exit(1)
	}

	srv, err := newServer(path, *heartbeatTimeout, *checkInterval)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("swarmhubd: serving", "db", path, "heartbeat_timeout", *heartbeatTimeout, "check_interval", *checkInterval)
	<-ctx.Done()
	slog.Info("swarmhubd: shutting down")
	srv.Shutdown(*logDrain)
}

// server holds every wired component for the lifetime of one serve
// invocation. Field order mirrors construction order.
type server struct {
	st store.Store

	taskBus   *eventbus.Bus[swarmhub.TaskEventPayload]
	agentBus  *eventbus.Bus[swarmhub.AgentEventPayload]
	memoryBus *eventbus.Bus[swarmhub.MemoryEventPayload]

	logger  *eventlog.Logger
	agents  *agentreg.Registry
	monitor *agentreg.Monitor
	tasks   *taskcoord.Coordinator
	memory  *memstore.Store

	Surface *toolsurface.Surface
}

// newServer wires the core in the order the concurrency model requires:
// the EventLogger subscribes before any component can publish, so the
// audit log never misses an event (spec.md §5, "Startup/teardown").
func newServer(dbPath string, heartbeatTimeout, checkInterval time.Duration) (*server, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	clock := swarmhub.SystemClock{}
	taskBus := eventbus.New[swarmhub.TaskEventPayload]()
	agentBus := eventbus.New[swarmhub.AgentEventPayload]()
	memoryBus := eventbus.New[swarmhub.MemoryEventPayload]()

	logger := eventlog.New(st, clock, taskBus, agentBus, memoryBus)
	logger.Start()

	agents := agentreg.New(st, clock, agentBus, swarmhub.OSProcessTerminator{})
	monitor := agentreg.NewMonitor(agents, st, clock, checkInterval, heartbeatTimeout)
	if err := monitor.Start(checkInterval); err != nil {
		logger.Stop(5 * time.Second)
		st.Close()
		return nil, fmt.Errorf("start monitor: %w", err)
	}

	tasks := taskcoord.New(st, clock, taskBus, agents)
	memory := memstore.New(st, clock, memoryBus)

	// launch_agent's process-spawning half belongs to the external
	// launcher (spec.md §1, "out of scope"). No launcher is wired here, so
	// launch_agent fails with ErrLauncherNotConfigured; every other tool
	// call works without one.
	surface := toolsurface.New(agents, tasks, memory, nil)

	return &server{
		st:        st,
		taskBus:   taskBus,
		agentBus:  agentBus,
		memoryBus: memoryBus,
		logger:    logger,
		agents:    agents,
		monitor:   monitor,
		tasks:     tasks,
		memory:    memory,
		Surface:   surface,
	}, nil
}

// Shutdown stops publishers, drains the logger, disposes the buses, and
// closes the store, in that order (spec.md §5).
func (s *server) Shutdown(logDrain time.Duration) {
	s.monitor.Stop()
	s.logger.Stop(logDrain)
	s.taskBus.Dispose()
	s.agentBus.Dispose()
	s.memoryBus.Dispose()
	if err := s.st.Close(); err != nil {
		slog.Warn("swarmhubd: error closing store", "error", err)
	}
}
