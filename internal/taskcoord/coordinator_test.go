package taskcoord

import (
	"context"
	"testing"
	"time"

	"github.com/fenwick-labs/swarmhub"
	"github.com/fenwick-labs/swarmhub/internal/agentreg"
	"github.com/fenwick-labs/swarmhub/internal/eventbus"
	"github.com/fenwick-labs/swarmhub/internal/store"
)

type fixture struct {
	st       *store.SQLiteStore
	registry *agentreg.Registry
	coord    *Coordinator
	taskBus  *eventbus.Bus[swarmhub.TaskEventPayload]
	clock    *swarmhub.FixedClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open("file::memory:?cache=shared")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clock := swarmhub.NewFixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	agentBus := eventbus.New[swarmhub.AgentEventPayload]()
	registry := agentreg.New(st, clock, agentBus, nil)
	taskBus := eventbus.New[swarmhub.TaskEventPayload]()
	coord := New(st, clock, taskBus, registry)

	return &fixture{st: st, registry: registry, coord: coord, taskBus: taskBus, clock: clock}
}

// TestAssignedHappyPath covers a task pinned to one agent, from claim
// through completion.
func TestAssignedHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1, err := f.registry.Register(ctx, agentreg.RegisterRequest{PersonaID: "implementer"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	t1, err := f.coord.Create(ctx, a1, "implementer", "Implement feature X", swarmhub.PriorityNormal)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	result, err := f.coord.GetNext(ctx, a1, time.Second)
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	if result.TaskID != t1 || result.Description != "Implement feature X" {
		t.Fatalf("GetNext = %+v, want task %s", result, t1)
	}

	if err := f.coord.ReportCompletion(ctx, t1, "done"); err != nil {
		t.Fatalf("ReportCompletion: %v", err)
	}

	task, err := f.coord.GetStatus(ctx, t1)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if task.Status != swarmhub.TaskCompleted || task.Result != "done" {
		t.Fatalf("task after completion = %+v", task)
	}
}

// TestPersonaRouting confirms an agent only ever receives persona-pending
// tasks that match its own persona.
func TestPersonaRouting(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1, _ := f.registry.Register(ctx, agentreg.RegisterRequest{PersonaID: "implementer"})
	t1, _ := f.coord.Create(ctx, "", "implementer", "Implement feature Y", swarmhub.PriorityNormal)
	_, _ = f.coord.Create(ctx, "", "reviewer", "Review Z", swarmhub.PriorityNormal)

	result, err := f.coord.GetNext(ctx, a1, time.Second)
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	if result.TaskID != t1 {
		t.Fatalf("GetNext = %+v, want t1 (Y)", result)
	}

	if err := f.coord.ReportCompletion(ctx, t1, "ok"); err != nil {
		t.Fatalf("ReportCompletion: %v", err)
	}

	result2, err := f.coord.GetNext(ctx, a1, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("second GetNext: %v", err)
	}
	if !result2.TimedOut {
		t.Fatalf("second GetNext = %+v, want a timeout (t2 is not eligible for persona implementer)", result2)
	}

	t2Tasks, err := f.coord.ListByStatus(ctx, swarmhub.TaskPending)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(t2Tasks) != 1 {
		t.Fatalf("expected t2 to remain Pending, got %d pending tasks", len(t2Tasks))
	}
}

// TestStickyProgress confirms a second GetNext call returns the agent's own
// in-progress task before any other work is considered.
func TestStickyProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1, _ := f.registry.Register(ctx, agentreg.RegisterRequest{PersonaID: "implementer"})
	t1, _ := f.coord.Create(ctx, a1, "implementer", "task one", swarmhub.PriorityNormal)
	t2, _ := f.coord.Create(ctx, a1, "implementer", "task two", swarmhub.PriorityNormal)

	r1, err := f.coord.GetNext(ctx, a1, time.Second)
	if err != nil {
		t.Fatalf("GetNext 1: %v", err)
	}
	if r1.TaskID != t1 {
		t.Fatalf("first GetNext = %+v, want t1", r1)
	}

	r2, err := f.coord.GetNext(ctx, a1, time.Second)
	if err != nil {
		t.Fatalf("GetNext 2: %v", err)
	}
	if r2.TaskID != t1 {
		t.Fatalf("second GetNext (sticky) = %+v, want t1 again", r2)
	}

	if err := f.coord.ReportCompletion(ctx, t1, "done"); err != nil {
		t.Fatalf("ReportCompletion t1: %v", err)
	}

	r3, err := f.coord.GetNext(ctx, a1, time.Second)
	if err != nil {
		t.Fatalf("GetNext 3: %v", err)
	}
	if r3.TaskID != t2 {
		t.Fatalf("third GetNext = %+v, want t2", r3)
	}

	if err := f.coord.ReportCompletion(ctx, t2, "done"); err != nil {
		t.Fatalf("ReportCompletion t2: %v", err)
	}

	r4, err := f.coord.GetNext(ctx, a1, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("GetNext 4: %v", err)
	}
	if !r4.TimedOut {
		t.Fatalf("fourth GetNext = %+v, want requery sentinel", r4)
	}
}

func TestPriorityOrdering(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1, _ := f.registry.Register(ctx, agentreg.RegisterRequest{PersonaID: "implementer"})
	low, _ := f.coord.Create(ctx, "", "implementer", "low priority", swarmhub.PriorityLow)
	high, _ := f.coord.Create(ctx, "", "implementer", "high priority", swarmhub.PriorityHigh)
	_ = low

	result, err := f.coord.GetNext(ctx, a1, time.Second)
	if err != nil {
		t.Fatalf("GetNext: %v", err)
	}
	if result.TaskID != high {
		t.Fatalf("GetNext = %+v, want the High priority task first", result)
	}
}

func TestReportCompletionOnUnknownTaskFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.coord.ReportCompletion(ctx, "does-not-exist", "x")
	if err == nil {
		t.Fatal("expected an error for an unknown task id")
	}
}

func TestReportCompletionIsTerminalAbsorbing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1, _ := f.registry.Register(ctx, agentreg.RegisterRequest{PersonaID: "implementer"})
	t1, _ := f.coord.Create(ctx, a1, "implementer", "task", swarmhub.PriorityNormal)
	f.coord.GetNext(ctx, a1, time.Second)

	if err := f.coord.ReportCompletion(ctx, t1, "done"); err != nil {
		t.Fatalf("ReportCompletion: %v", err)
	}
	if err := f.coord.ReportFailure(ctx, t1, "too late"); err == nil {
		t.Fatal("expected ReportFailure on an already-completed task to fail")
	}
}

func TestGetNextWakesOnTaskCreated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1, _ := f.registry.Register(ctx, agentreg.RegisterRequest{PersonaID: "implementer"})

	resultCh := make(chan GetNextResult, 1)
	errCh := make(chan error, 1)
	go func() {
		r, err := f.coord.GetNext(ctx, a1, 5*time.Second)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- r
	}()

	time.Sleep(30 * time.Millisecond)
	t1, err := f.coord.Create(ctx, "", "implementer", "arrives late", swarmhub.PriorityNormal)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	select {
	case r := <-resultCh:
		if r.TaskID != t1 {
			t.Fatalf("GetNext result = %+v, want t1", r)
		}
	case err := <-errCh:
		t.Fatalf("GetNext error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("GetNext did not wake up on the Created event")
	}
}
