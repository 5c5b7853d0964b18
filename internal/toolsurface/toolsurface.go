// Package toolsurface implements the ToolSurface component: a thin
// translation layer between RPC tool calls and the AgentRegistry,
// TaskCoordinator, and MemoryStore. Grounded in the teacher's Tools/ToolFunc
// registration shape (tools.go), adapted here from a string-returning
// function registry to a typed-request, structured-envelope adapter per
// call, since every call here has a fixed, known shape rather than an
// arbitrary user-registered signature.
package toolsurface

import (
	"context"
	"errors"
	"time"

	"github.com/fenwick-labs/swarmhub"
	"github.com/fenwick-labs/swarmhub/internal/agentreg"
	"github.com/fenwick-labs/swarmhub/internal/memstore"
	"github.com/fenwick-labs/swarmhub/internal/taskcoord"
)

// ErrLauncherNotConfigured is returned by LaunchAgent when no Launcher
// collaborator was wired in. launch_agent is only partially implemented by
// the coordination core; the rest belongs to the external launcher.
var ErrLauncherNotConfigured = errors.New("launch_agent: no launcher configured")

// Result is the {success, value|errorMessage} envelope every tool call
// returns. No exception or Go error ever crosses this boundary.
type Result struct {
	Success      bool
	Value        any
	ErrorMessage string
}

func ok(value any) Result   { return Result{Success: true, Value: value} }
func fail(err error) Result { return Result{Success: false, ErrorMessage: err.Error()} }

// Surface is the ToolSurface component.
type Surface struct {
	agents   *agentreg.Registry
	tasks    *taskcoord.Coordinator
	memory   *memstore.Store
	launcher swarmhub.Launcher
}

// New constructs a Surface. launcher may be nil; LaunchAgent then fails with
// ErrLauncherNotConfigured instead of spawning a process.
func New(agents *agentreg.Registry, tasks *taskcoord.Coordinator, memory *memstore.Store, launcher swarmhub.Launcher) *Surface {
	return &Surface{agents: agents, tasks: tasks, memory: memory, launcher: launcher}
}

// LaunchAgentParams is the input to LaunchAgent.
type LaunchAgentParams struct {
	Persona      string
	Description  string
	Model        string
	WorktreeName string
}

// LaunchAgent registers the agent and hands the rest of the launch to the
// external Launcher collaborator. The description is neither persisted nor
// passed to the launcher, which receives the agent id, persona, and model
// with an empty working directory.
func (s *Surface) LaunchAgent(ctx context.Context, p LaunchAgentParams) Result {
	if s.launcher == nil {
		return fail(ErrLauncherNotConfigured)
	}

	agentID, err := s.agents.Register(ctx, agentreg.RegisterRequest{
		PersonaID:    p.Persona,
		Model:        p.Model,
		WorktreeName: p.WorktreeName,
	})
	if err != nil {
		return fail(err)
	}

	processID, err := s.launcher.Launch(agentID, p.Persona, "", p.Model)
	if err != nil {
		return fail(err)
	}
	if err := s.agents.MarkRunning(ctx, agentID, processID); err != nil {
		return fail(err)
	}

	return ok(map[string]any{"agentId": agentID})
}

// KillAgent calls AgentRegistry.Kill.
func (s *Surface) KillAgent(ctx context.Context, agentID string) Result {
	if err := s.agents.Kill(ctx, agentID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// ListAgents is read-only, optionally filtered by persona.
func (s *Surface) ListAgents(ctx context.Context, personaFilter string) Result {
	agents, err := s.agents.List(ctx, personaFilter)
	if err != nil {
		return fail(err)
	}
	return ok(agents)
}

// CreateTaskParams is the input to CreateTask.
type CreateTaskParams struct {
	AgentID     string
	Persona     string
	Description string
	Priority    string
}

// CreateTask parses the priority string and delegates to TaskCoordinator.Create.
func (s *Surface) CreateTask(ctx context.Context, p CreateTaskParams) Result {
	priority, err := swarmhub.ParsePriority(p.Priority)
	if err != nil {
		return fail(err)
	}
	taskID, err := s.tasks.Create(ctx, p.AgentID, p.Persona, p.Description, priority)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"taskId": taskID})
}

// GetNextTask long-polls for up to waitMillis. A timeout surfaces as a
// successful NoTask result, per the core's error handling design; only a
// true failure (unknown agent, cancelled context) is reported as an error.
func (s *Surface) GetNextTask(ctx context.Context, agentID string, waitMillis int) Result {
	result, err := s.tasks.GetNext(ctx, agentID, time.Duration(waitMillis)*time.Millisecond)
	if err != nil {
		return fail(err)
	}
	if result.Cancelled {
		return fail(swarmhub.ErrCancelled)
	}
	if result.TimedOut {
		return ok(map[string]any{"taskId": result.TaskID})
	}
	return ok(map[string]any{
		"taskId":      result.TaskID,
		"description": result.Description,
		"persona":     result.PersonaID,
	})
}

// ReportTaskCompletion calls TaskCoordinator.ReportCompletion.
func (s *Surface) ReportTaskCompletion(ctx context.Context, taskID, result string) Result {
	if err := s.tasks.ReportCompletion(ctx, taskID, result); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// ReportTaskFailure calls TaskCoordinator.ReportFailure.
func (s *Surface) ReportTaskFailure(ctx context.Context, taskID, errorMessage string) Result {
	if err := s.tasks.ReportFailure(ctx, taskID, errorMessage); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// GetTaskStatus returns a single task.
func (s *Surface) GetTaskStatus(ctx context.Context, taskID string) Result {
	task, err := s.tasks.GetStatus(ctx, taskID)
	if err != nil {
		return fail(err)
	}
	return ok(task)
}

// GetTasksByStatus is read-only.
func (s *Surface) GetTasksByStatus(ctx context.Context, status string) Result {
	parsed := swarmhub.TaskStatus(status)
	tasks, err := s.tasks.ListByStatus(ctx, parsed)
	if err != nil {
		return fail(err)
	}
	return ok(tasks)
}

// GetTasksByAgentID is read-only.
func (s *Surface) GetTasksByAgentID(ctx context.Context, agentID string) Result {
	tasks, err := s.tasks.ListByAgent(ctx, agentID)
	if err != nil {
		return fail(err)
	}
	return ok(tasks)
}

// GetTasksByAgentIDAndStatus is read-only.
func (s *Surface) GetTasksByAgentIDAndStatus(ctx context.Context, agentID, status string) Result {
	parsed := swarmhub.TaskStatus(status)
	tasks, err := s.tasks.ListByAgentAndStatus(ctx, agentID, parsed)
	if err != nil {
		return fail(err)
	}
	return ok(tasks)
}

// SaveMemoryParams is the input to SaveMemory.
type SaveMemoryParams struct {
	Namespace string
	Key       string
	Value     string
	Type      string
	Metadata  string
}

// SaveMemory calls MemoryStore.Save.
func (s *Surface) SaveMemory(ctx context.Context, p SaveMemoryParams) Result {
	if err := s.memory.Save(ctx, p.Namespace, p.Key, p.Value, p.Type, p.Metadata); err != nil {
		return fail(err)
	}
	return ok(nil)
}

// ReadMemory calls MemoryStore.Read, which also updates access stats.
func (s *Surface) ReadMemory(ctx context.Context, namespace, key string) Result {
	entry, err := s.memory.Read(ctx, namespace, key)
	if err != nil {
		return fail(err)
	}
	return ok(entry)
}

// ListMemory is read-only.
func (s *Surface) ListMemory(ctx context.Context, namespace string) Result {
	entries, err := s.memory.List(ctx, namespace)
	if err != nil {
		return fail(err)
	}
	return ok(entries)
}

// WaitForMemoryKey long-polls for a Created or Updated event depending on
// mode. An unrecognized mode is a validation error, not a silent default.
func (s *Surface) WaitForMemoryKey(ctx context.Context, namespace, key, mode string, timeoutMillis int) Result {
	waitUpTo := time.Duration(timeoutMillis) * time.Millisecond

	var entry *swarmhub.MemoryEntry
	var err error
	switch mode {
	case "creation":
		entry, err = s.memory.WaitForCreation(ctx, namespace, key, waitUpTo)
	case "update":
		entry, err = s.memory.WaitForUpdate(ctx, namespace, key, waitUpTo)
	default:
		return fail(&swarmhub.ValidationError{Field: "mode", Message: "must be creation or update, got " + mode})
	}

	if err == swarmhub.ErrTimeout {
		return ok(map[string]any{"timedOut": true})
	}
	if err != nil {
		return fail(err)
	}
	return ok(entry)
}
