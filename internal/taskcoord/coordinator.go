// Package taskcoord implements the TaskCoordinator: the task lifecycle
// state machine and the blocking dispatch algorithm. Grounded in the
// pack's zjrosen-perles coordinator.Coordinator for the
// atomic-status-plus-emit-event shape, and in the teacher's process.go
// terminal-state idempotency guards (Complete/Fail both check for an
// already-terminal status before transitioning).
package taskcoord

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fenwick-labs/swarmhub"
	"github.com/fenwick-labs/swarmhub/internal/eventbus"
	"github.com/fenwick-labs/swarmhub/internal/store"
)

// AgentLookup resolves a caller's persona and eligibility. It is satisfied
// by agentreg.Registry; declared narrowly here to avoid a package cycle.
type AgentLookup interface {
	Get(ctx context.Context, agentID string) (*swarmhub.Agent, error)
}

// Coordinator is the TaskCoordinator component.
type Coordinator struct {
	store  store.Store
	clock  swarmhub.Clock
	bus    *eventbus.Bus[swarmhub.TaskEventPayload]
	agents AgentLookup
}

// New constructs a Coordinator.
func New(st store.Store, clock swarmhub.Clock, bus *eventbus.Bus[swarmhub.TaskEventPayload], agents AgentLookup) *Coordinator {
	return &Coordinator{store: st, clock: clock, bus: bus, agents: agents}
}

// Create persists a new Pending task and emits TaskEvent.Created.
func (c *Coordinator) Create(ctx context.Context, agentID, personaID, description string, priority swarmhub.Priority) (string, error) {
	if personaID == "" {
		return "", &swarmhub.ValidationError{Field: "personaId", Message: "required field is missing"}
	}
	if description == "" {
		return "", &swarmhub.ValidationError{Field: "description", Message: "required field is missing"}
	}

	if agentID != "" {
		agent, err := c.agents.Get(ctx, agentID)
		if err != nil {
			if errors.Is(err, swarmhub.ErrAgentNotFound) {
				return "", &swarmhub.AgentError{AgentID: agentID, Err: swarmhub.ErrAgentNotEligible}
			}
			return "", err
		}
		if agent.Status != swarmhub.AgentRunning && agent.Status != swarmhub.AgentStarting {
			return "", &swarmhub.AgentError{AgentID: agentID, Err: swarmhub.ErrAgentNotEligible}
		}
	}

	now := c.clock.Now()
	task := &swarmhub.Task{
		ID:          uuid.NewString(),
		AgentID:     agentID,
		PersonaID:   personaID,
		Description: description,
		Priority:    priority,
		Status:      swarmhub.TaskPending,
		CreatedAt:   now,
	}

	ws, err := c.store.OpenWriteScope(ctx)
	if err != nil {
		return "", err
	}
	if err := ws.InsertTask(ctx, task); err != nil {
		ws.Close()
		return "", err
	}
	if err := ws.Complete(ctx); err != nil {
		ws.Close()
		return "", err
	}
	ws.Close()

	c.bus.Publish(eventbus.Envelope[swarmhub.TaskEventPayload]{
		Type:      string(swarmhub.TaskEventCreated),
		Timestamp: now,
		Payload:   swarmhub.TaskEventPayload{TaskID: task.ID, AgentID: agentID, PersonaID: personaID},
	})

	return task.ID, nil
}

// GetNextResult is the outcome of GetNext.
type GetNextResult struct {
	TaskID      string
	Description string
	PersonaID   string
	TimedOut    bool
	Cancelled   bool
}

// GetNext runs the sticky -> assigned-pending -> persona-pending -> wait
// dispatch algorithm until a task is claimed, waitUpTo elapses, or ctx is
// cancelled.
func (c *Coordinator) GetNext(ctx context.Context, agentID string, waitUpTo time.Duration) (GetNextResult, error) {
	agent, err := c.agents.Get(ctx, agentID)
	if err != nil {
		return GetNextResult{}, err
	}
	personaID := agent.PersonaID
	deadline := time.Now().Add(waitUpTo)

	for {
		subCtx, cancel := context.WithCancel(ctx)
		ch := c.bus.Subscribe(subCtx, eventbus.Filter[swarmhub.TaskEventPayload]{
			Types: []string{string(swarmhub.TaskEventCreated)},
			Predicate: func(p swarmhub.TaskEventPayload) bool {
				return p.AgentID == agentID || (p.AgentID == "" && p.PersonaID == personaID)
			},
		})

		task, claimed, err := c.evaluate(ctx, agentID, personaID)
		if err != nil {
			cancel()
			return GetNextResult{}, err
		}
		if task != nil {
			cancel()
			if claimed {
				c.bus.Publish(eventbus.Envelope[swarmhub.TaskEventPayload]{
					Type:      string(swarmhub.TaskEventClaimed),
					Timestamp: c.clock.Now(),
					Payload:   swarmhub.TaskEventPayload{TaskID: task.ID, AgentID: agentID, PersonaID: task.PersonaID},
				})
			}
			return GetNextResult{TaskID: task.ID, Description: task.Description, PersonaID: task.PersonaID}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			cancel()
			return GetNextResult{TaskID: swarmhub.RequeryPrefix + uuid.NewString(), TimedOut: true}, nil
		}

		select {
		case _, ok := <-ch:
			cancel()
			if !ok {
				// Bus disposed mid-wait: behave as a timeout rather than spin.
				return GetNextResult{TaskID: swarmhub.RequeryPrefix + uuid.NewString(), TimedOut: true}, nil
			}
			continue
		case <-time.After(remaining):
			cancel()
			return GetNextResult{TaskID: swarmhub.RequeryPrefix + uuid.NewString(), TimedOut: true}, nil
		case <-ctx.Done():
			cancel()
			return GetNextResult{Cancelled: true}, nil
		}
	}
}

// evaluate runs one pass of steps 1-3 inside a single write transaction. A
// nil task with no error means nothing matched (caller should wait).
func (c *Coordinator) evaluate(ctx context.Context, agentID, personaID string) (task *swarmhub.Task, claimed bool, err error) {
	for {
		ws, err := c.store.OpenWriteScope(ctx)
		if err != nil {
			return nil, false, err
		}

		// Step 1: sticky progress.
		inProgress, err := ws.ListTasksByAgentAndStatus(ctx, agentID, swarmhub.TaskInProgress)
		if err != nil {
			ws.Close()
			return nil, false, err
		}
		if len(inProgress) > 0 {
			ws.Close()
			return inProgress[0], false, nil
		}

		// Step 2: assigned-pending claim.
		assignedPending, err := ws.ListTasksByAgentAndStatus(ctx, agentID, swarmhub.TaskPending)
		if err != nil {
			ws.Close()
			return nil, false, err
		}
		if len(assignedPending) > 0 {
			candidate := assignedPending[0]
			now := c.clock.Now()
			ok, err := ws.ClaimTask(ctx, candidate.ID, agentID, now)
			if err != nil {
				ws.Close()
				return nil, false, err
			}
			if !ok {
				ws.Close()
				continue // lost race: re-run selection in a fresh transaction
			}
			if err := ws.Complete(ctx); err != nil {
				ws.Close()
				return nil, false, err
			}
			ws.Close()
			candidate.Status = swarmhub.TaskInProgress
			candidate.ClaimedAt = &now
			candidate.StartedAt = &now
			return candidate, true, nil
		}

		// Step 3: persona-pending claim.
		personaPending, err := ws.ListUnassignedPendingByPersona(ctx, personaID)
		if err != nil {
			ws.Close()
			return nil, false, err
		}
		if len(personaPending) > 0 {
			candidate := personaPending[0]
			now := c.clock.Now()
			ok, err := ws.ClaimTask(ctx, candidate.ID, agentID, now)
			if err != nil {
				ws.Close()
				return nil, false, err
			}
			if !ok {
				ws.Close()
				continue // lost race: re-run selection in a fresh transaction
			}
			if err := ws.Complete(ctx); err != nil {
				ws.Close()
				return nil, false, err
			}
			ws.Close()
			candidate.AgentID = agentID
			candidate.Status = swarmhub.TaskInProgress
			candidate.ClaimedAt = &now
			candidate.StartedAt = &now
			return candidate, true, nil
		}

		ws.Close()
		return nil, false, nil
	}
}

// ReportCompletion transitions a task to Completed.
func (c *Coordinator) ReportCompletion(ctx context.Context, taskID, result string) error {
	return c.finish(ctx, taskID, swarmhub.TaskCompleted, result)
}

// ReportFailure transitions a task to Failed.
func (c *Coordinator) ReportFailure(ctx context.Context, taskID, errorMessage string) error {
	return c.finish(ctx, taskID, swarmhub.TaskFailed, errorMessage)
}

func (c *Coordinator) finish(ctx context.Context, taskID string, status swarmhub.TaskStatus, result string) error {
	ws, err := c.store.OpenWriteScope(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()

	task, err := ws.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.IsTerminal() {
		return &swarmhub.TaskError{TaskID: taskID, Err: swarmhub.ErrAlreadyTerminal}
	}

	now := c.clock.Now()
	ok, err := ws.FinishTask(ctx, taskID, status, result, now)
	if err != nil {
		return err
	}
	if !ok {
		return &swarmhub.TaskError{TaskID: taskID, Err: swarmhub.ErrAlreadyTerminal}
	}
	if err := ws.Complete(ctx); err != nil {
		return err
	}

	eventType := swarmhub.TaskEventCompleted
	if status == swarmhub.TaskFailed {
		eventType = swarmhub.TaskEventFailed
	}
	c.bus.Publish(eventbus.Envelope[swarmhub.TaskEventPayload]{
		Type:      string(eventType),
		Timestamp: now,
		Payload:   swarmhub.TaskEventPayload{TaskID: taskID, AgentID: task.AgentID, PersonaID: task.PersonaID, Reason: result},
	})
	return nil
}

// GetStatus returns a single task.
func (c *Coordinator) GetStatus(ctx context.Context, taskID string) (*swarmhub.Task, error) {
	rs, err := c.store.OpenReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return rs.GetTask(ctx, taskID)
}

// ListByStatus returns tasks in a given status.
func (c *Coordinator) ListByStatus(ctx context.Context, status swarmhub.TaskStatus) ([]*swarmhub.Task, error) {
	rs, err := c.store.OpenReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return rs.ListTasksByStatus(ctx, status)
}

// ListByAgent returns tasks pinned to agentID.
func (c *Coordinator) ListByAgent(ctx context.Context, agentID string) ([]*swarmhub.Task, error) {
	rs, err := c.store.OpenReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return rs.ListTasksByAgent(ctx, agentID)
}

// ListByAgentAndStatus returns tasks pinned to agentID in a given status.
func (c *Coordinator) ListByAgentAndStatus(ctx context.Context, agentID string, status swarmhub.TaskStatus) ([]*swarmhub.Task, error) {
	rs, err := c.store.OpenReadScope(ctx)
	if err != nil {
		return nil, err
	}
	defer rs.Close()
	return rs.ListTasksByAgentAndStatus(ctx, agentID, status)
}
