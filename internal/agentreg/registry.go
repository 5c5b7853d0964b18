// Package agentreg implements the AgentRegistry and AgentMonitor
// components: registration, heartbeat liveness, forced termination, and the
// periodic sweep that kills unresponsive agents. Grounded in the pack's
// zkoranges-go-claw agent.Registry (map + RWMutex + double-checked create)
// and the teacher's serve/scheduler.go for the periodic sweep.
package agentreg

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	cron "github.com/robfig/cron/v3"

	"github.com/fenwick-labs/swarmhub"
	"github.com/fenwick-labs/swarmhub/internal/eventbus"
	"github.com/fenwick-labs/swarmhub/internal/store"
)

// RegisterRequest is the input to Registry.Register.
type RegisterRequest struct {
	PersonaID        string
	WorkingDirectory string
	Model            string
	WorktreeName     string
}

// Registry is the AgentRegistry component.
type Registry struct {
	store      store.Store
	clock      swarmhub.Clock
	bus        *eventbus.Bus[swarmhub.AgentEventPayload]
	terminator swarmhub.ProcessTerminator

	mu sync.Mutex
}

// New constructs a Registry.
func New(st store.Store, clock swarmhub.Clock, bus *eventbus.Bus[swarmhub.AgentEventPayload], terminator swarmhub.ProcessTerminator) *Registry {
	return &Registry{store: st, clock: clock, bus: bus, terminator: terminator}
}

// Register creates a new Agent in status Starting and emits AgentEvent.Registered.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if req.PersonaID == "" {
		return "", &swarmhub.ValidationError{Field: "personaId", Message: "required field is missing"}
	}

	now := r.clock.Now()
	agent := &swarmhub.Agent{
		ID:               uuid.NewString(),
		PersonaID:        req.PersonaID,
		WorkingDirectory: req.WorkingDirectory,
		Model:            req.Model,
		WorktreeName:     req.WorktreeName,
		Status:           swarmhub.AgentStarting,
		RegisteredAt:     now,
		LastHeartbeat:    now,
	}

	ws, err := r.store.OpenWriteScope(ctx)
	if err != nil {
		return "", err
	}
	if err := ws.InsertAgent(ctx, agent); err != nil {
		ws.Close()
		return "", err
	}
	if err := ws.Complete(ctx); err != nil {
		ws.Close()
		return "", err
	}
	ws.Close()

	r.bus.Publish(eventbus.Envelope[swarmhub.AgentEventPayload]{
		Type:      string(swarmhub.AgentEventRegistered),
		Timestamp: now,
		Payload:   swarmhub.AgentEventPayload{AgentID: agent.ID, Persona: agent.PersonaID, NewStatus: swarmhub.AgentStarting},
	})

	return agent.ID, nil
}

// MarkRunning transitions Starting->Running. It is idempotent: calling it
// again on an already-Running agent is a no-op and publishes no event.
func (r *Registry) MarkRunning(ctx context.Context, agentID, processID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, err := r.store.OpenWriteScope(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	agent, err := ws.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status == swarmhub.AgentRunning {
		return nil
	}

	old := agent.Status
	now := r.clock.Now()
	agent.Status = swarmhub.AgentRunning
	agent.ProcessID = processID
	agent.StartedAt = &now

	if err := ws.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	if err := ws.Complete(ctx); err != nil {
		return err
	}

	r.bus.Publish(eventbus.Envelope[swarmhub.AgentEventPayload]{
		Type:      string(swarmhub.AgentEventStatusChanged),
		Timestamp: now,
		Payload:   swarmhub.AgentEventPayload{AgentID: agentID, Persona: agent.PersonaID, OldStatus: old, NewStatus: swarmhub.AgentRunning},
	})
	return nil
}

// Heartbeat updates lastHeartbeat. It returns false, with no side effects,
// if agentID is unknown.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) (bool, error) {
	ws, err := r.store.OpenWriteScope(ctx)
	if err != nil {
		return false, err
	}
	defer ws.Close()

	agent, err := ws.GetAgent(ctx, agentID)
	if err == swarmhub.ErrAgentNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	agent.LastHeartbeat = r.clock.Now()
	if err := ws.UpdateAgent(ctx, agent); err != nil {
		return false, err
	}
	if err := ws.Complete(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Stop is the graceful shutdown path: any non-terminal status moves to
// Stopped. No-op on an already-terminal agent.
func (r *Registry) Stop(ctx context.Context, agentID string) error {
	return r.transitionTerminal(ctx, agentID, swarmhub.AgentStopped, "", nil)
}

// Kill is the forceful shutdown path: invokes the terminator (best-effort)
// if a processId is known, then transitions to Killed. Idempotent: calling
// Kill again on an already-Killed agent is a no-op and publishes no event.
func (r *Registry) Kill(ctx context.Context, agentID string) error {
	return r.transitionTerminal(ctx, agentID, swarmhub.AgentKilled, "", r.terminator)
}

func (r *Registry) transitionTerminal(ctx context.Context, agentID string, target swarmhub.AgentStatus, reason string, terminator swarmhub.ProcessTerminator) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ws, err := r.store.OpenWriteScope(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	agent, err := ws.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status == swarmhub.AgentStopped || agent.Status == swarmhub.AgentKilled {
		return nil
	}

	if terminator != nil && agent.ProcessID != "" {
		if ok := terminator.Kill(agent.ProcessID); !ok {
			slog.Warn("agentreg: terminator failed, proceeding with status update anyway", "agent_id", agentID, "process_id", agent.ProcessID)
		}
	}

	old := agent.Status
	now := r.clock.Now()
	agent.Status = target
	agent.StoppedAt = &now

	if err := ws.UpdateAgent(ctx, agent); err != nil {
		return err
	}
	if err := ws.Complete(ctx); err != nil {
		return err
	}

	eventType := swarmhub.AgentEventStatusChanged
	if target == swarmhub.AgentKilled {
		eventType = swarmhub.AgentEventKilled
	}
	r.bus.Publish(eventbus.Envelope[swarmhub.AgentEventPayload]{
		Type:      string(eventType),
		Timestamp: now,
		Payload:   swarmhub.AgentEventPayload{AgentID: agentID, Persona: agent.PersonaID, OldStatus: old, NewStatus: target, Reason: reason},
	})
	return nil
}

// Get returns a single agent by id.
func (r *Registry) Get(ctx context.Context, agentID string) (*swarmhub.Agent, error) {
	rs, err := r.store.OpenReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return rs.GetAgent(ctx, agentID)
}

// List returns agents, optionally filtered by persona.
func (r *Registry) List(ctx context.Context, personaFilter string) ([]*swarmhub.Agent, error) {
	rs, err := r.store.OpenReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return rs.ListAgents(ctx, personaFilter)
}

// Monitor is the AgentMonitor component: a periodic sweep that kills
// Running agents whose heartbeat has gone stale, built on robfig/cron's
// "@every" entries the same way the teacher's serve.Scheduler fires jobs.
type Monitor struct {
	registry         *Registry
	store            store.Store
	clock            swarmhub.Clock
	heartbeatTimeout time.Duration

	c       *cron.Cron
	entryID cron.EntryID
}

// NewMonitor constructs a Monitor. heartbeatTimeout is the staleness
// threshold. checkInterval is not stored; the sweep frequency is the
// interval passed to Start.
func NewMonitor(registry *Registry, st store.Store, clock swarmhub.Clock, checkInterval, heartbeatTimeout time.Duration) *Monitor {
	return &Monitor{
		registry:         registry,
		store:            st,
		clock:            clock,
		heartbeatTimeout: heartbeatTimeout,
		c:                cron.New(cron.WithParser(cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
	}
}

// Start begins the periodic sweep. Sweeps run on an "@every <interval>"
// cron entry.
func (m *Monitor) Start(interval time.Duration) error {
	id, err := m.c.AddFunc("@every "+interval.String(), m.sweep)
	if err != nil {
		return err
	}
	m.entryID = id
	m.c.Start()
	return nil
}

// Stop halts future sweeps; in-flight sweeps are allowed to finish.
func (m *Monitor) Stop() {
	m.c.Stop()
}

// sweep kills every Running agent whose heartbeat is older than
// heartbeatTimeout. It tolerates failures for any single agent and
// continues with the rest.
func (m *Monitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rs, err := m.store.OpenReadScope(ctx)
	if err != nil {
		slog.Warn("agentreg: monitor could not open read scope", "error", err)
		return
	}
	cutoff := m.clock.Now().Add(-m.heartbeatTimeout)
	stale, err := rs.ListRunningAgentsHeartbeatBefore(ctx, cutoff)
	rs.Close()
	if err != nil {
		slog.Warn("agentreg: monitor could not list stale agents", "error", err)
		return
	}

	for _, agent := range stale {
		if err := m.registry.Kill(ctx, agent.ID); err != nil {
			slog.Warn("agentreg: monitor failed to kill stale agent, continuing sweep", "agent_id", agent.ID, "error", err)
		}
	}
}
