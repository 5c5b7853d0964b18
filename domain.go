package swarmhub

import "time"

// AgentStatus is the lifecycle state of a registered agent.
type AgentStatus string

const (
	AgentStarting AgentStatus = "Starting"
	AgentRunning  AgentStatus = "Running"
	AgentStopped  AgentStatus = "Stopped"
	AgentKilled   AgentStatus = "Killed"
)

// Agent is a long-running external process identified by its id and
// associated with a persona routing tag.
type Agent struct {
	ID               string
	PersonaID        string
	WorkingDirectory string
	Model            string
	WorktreeName     string
	ProcessID        string
	Status           AgentStatus
	RegisteredAt     time.Time
	StartedAt        *time.Time
	LastHeartbeat    time.Time
	StoppedAt        *time.Time
}

// Priority orders Task dispatch. Higher values win; do not rely on string
// sort order when persisting or comparing.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String renders the priority the way it is stored and accepted over RPC.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityNormal:
		return "Normal"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Normal"
	}
}

// ParsePriority converts an RPC-level priority string, defaulting to Normal
// for an empty string. An unrecognized non-empty string is an error.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "Normal":
		return PriorityNormal, nil
	case "Low":
		return PriorityLow, nil
	case "High":
		return PriorityHigh, nil
	case "Critical":
		return PriorityCritical, nil
	default:
		return 0, &ValidationError{Field: "priority", Message: "unknown priority " + s}
	}
}

// TaskStatus is the lifecycle state of a Task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "Pending"
	TaskInProgress TaskStatus = "InProgress"
	TaskCompleted  TaskStatus = "Completed"
	TaskFailed     TaskStatus = "Failed"
)

// IsTerminal reports whether s is an absorbing state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Task (WorkItem) is a unit of work routed either to a specific agent or to
// any agent registered under a persona.
type Task struct {
	ID          string
	AgentID     string
	PersonaID   string
	Description string
	Priority    Priority
	Status      TaskStatus
	Result      string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// MemoryEntry is a namespaced key/value record with access tracking.
type MemoryEntry struct {
	ID            string
	Namespace     string
	Key           string
	Value         string
	Type          string
	Metadata      string
	Size          int
	IsCompressed  bool
	CreatedAt     time.Time
	LastUpdatedAt time.Time
	AccessedAt    *time.Time
	AccessCount   int
}

// MemoryCompressionThreshold is the deterministic byte-length rule used to
// set MemoryEntry.IsCompressed. The source toggles this flag without
// codifying a rule; this is the documented choice for this implementation.
const MemoryCompressionThreshold = 1024

// EventLog is an audit row written by EventLogger for every envelope
// observed on any bus.
type EventLog struct {
	ID            string
	EventType     string
	Timestamp     time.Time
	Actor         string
	CorrelationID string
	EntityID      string
	EntityType    string
	Severity      string
	Tags          string
	Payload       string
}

// RequeryPrefix marks the reserved taskId returned by GetNext on timeout.
// No real task id may start with this prefix.
const RequeryPrefix = "system:requery:"
