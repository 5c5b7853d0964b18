// Package eventlog appends every envelope observed on the Task, Agent, and
// Memory buses to the EventLog table for audit, mirroring the teacher's
// events-table (serve/store_sqlite.go) but fed from live bus subscriptions
// instead of direct call sites.
package eventlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fenwick-labs/swarmhub"
	"github.com/fenwick-labs/swarmhub/internal/eventbus"
	"github.com/fenwick-labs/swarmhub/internal/store"
)

// Logger subscribes to all three buses and writes every envelope observed
// to the EventLog table. Writes are best-effort: a failure is logged and
// the event is dropped, never surfaced to the publisher.
type Logger struct {
	store     store.Store
	clock     swarmhub.Clock
	taskBus   *eventbus.Bus[swarmhub.TaskEventPayload]
	agentBus  *eventbus.Bus[swarmhub.AgentEventPayload]
	memoryBus *eventbus.Bus[swarmhub.MemoryEventPayload]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Logger. Call Start before any component begins
// publishing, per the startup ordering the core requires.
func New(st store.Store, clock swarmhub.Clock, taskBus *eventbus.Bus[swarmhub.TaskEventPayload], agentBus *eventbus.Bus[swarmhub.AgentEventPayload], memoryBus *eventbus.Bus[swarmhub.MemoryEventPayload]) *Logger {
	return &Logger{store: st, clock: clock, taskBus: taskBus, agentBus: agentBus, memoryBus: memoryBus}
}

// Start subscribes to all buses for all event types.
func (l *Logger) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	taskCh := l.taskBus.Subscribe(ctx, eventbus.Filter[swarmhub.TaskEventPayload]{})
	agentCh := l.agentBus.Subscribe(ctx, eventbus.Filter[swarmhub.AgentEventPayload]{})
	memoryCh := l.memoryBus.Subscribe(ctx, eventbus.Filter[swarmhub.MemoryEventPayload]{})

	l.wg.Add(3)
	go l.drainTask(taskCh)
	go l.drainAgent(agentCh)
	go l.drainMemory(memoryCh)
}

// Stop cancels the subscriptions and waits up to deadline for the drain
// goroutines to finish flushing in-flight envelopes.
func (l *Logger) Stop(deadline time.Duration) {
	if l.cancel == nil {
		return
	}
	l.cancel()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		slog.Warn("eventlog: stop deadline exceeded, drain goroutines still running")
	}
}

func (l *Logger) drainTask(ch <-chan eventbus.Envelope[swarmhub.TaskEventPayload]) {
	defer l.wg.Done()
	for env := range ch {
		l.write("Task"+string(env.Type), env.Timestamp, env.Payload.TaskID, "Task", env.Payload)
	}
}

func (l *Logger) drainAgent(ch <-chan eventbus.Envelope[swarmhub.AgentEventPayload]) {
	defer l.wg.Done()
	for env := range ch {
		l.write("Agent"+string(env.Type), env.Timestamp, env.Payload.AgentID, "Agent", env.Payload)
	}
}

func (l *Logger) drainMemory(ch <-chan eventbus.Envelope[swarmhub.MemoryEventPayload]) {
	defer l.wg.Done()
	for env := range ch {
		entity := env.Payload.Namespace + ":" + env.Payload.Key
		l.write("Memory"+string(env.Type), env.Timestamp, entity, "Memory", env.Payload)
	}
}

func (l *Logger) write(eventType string, ts time.Time, entityID, entityType string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("eventlog: marshal payload failed", "event_type", eventType, "error", err)
		return
	}

	row := &swarmhub.EventLog{
		ID:         uuid.NewString(),
		EventType:  eventType,
		Timestamp:  ts,
		EntityID:   entityID,
		EntityType: entityType,
		Severity:   "info",
		Payload:    string(body),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, err := l.store.OpenWriteScope(ctx)
	if err != nil {
		slog.Warn("eventlog: open write scope failed", "event_type", eventType, "error", err)
		return
	}
	defer ws.Close()

	if err := ws.InsertEventLog(ctx, row); err != nil {
		slog.Warn("eventlog: insert failed", "event_type", eventType, "error", err)
		return
	}
	if err := ws.Complete(ctx); err != nil {
		slog.Warn("eventlog: commit failed", "event_type", eventType, "error", err)
	}
}
