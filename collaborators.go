package swarmhub

import (
	"os"
	"strconv"
	"syscall"
)

// ProcessTerminator kills an OS process by its string process id. Kill is
// best-effort: AgentRegistry.Kill never fails because the terminator fails.
type ProcessTerminator interface {
	Kill(processID string) bool
}

// OSProcessTerminator sends SIGKILL via the standard library.
type OSProcessTerminator struct{}

func (OSProcessTerminator) Kill(processID string) bool {
	pid, err := strconv.Atoi(processID)
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.SIGKILL) == nil
}

// PersonaLoader resolves a persona id to its prompt text. Used by the
// launcher, not by the coordination core; declared here only so the core's
// tool surface can be wired against a concrete launcher later.
type PersonaLoader interface {
	Load(personaID string) (string, error)
}

// Launcher spawns the external agent process for launch_agent. Out of
// scope for the coordination core; the core only calls AgentRegistry.Register
// to mint the agentId and hands the rest to this collaborator.
type Launcher interface {
	Launch(agentID, personaID, workingDirectory, model string) (processID string, err error)
}

// GitWorktrees provisions an isolated working directory per agent. Out of
// scope for the coordination core.
type GitWorktrees interface {
	Create(name string) (path string, err error)
	Remove(name string) error
}
