// Package store provides transactional persistence for Agents, Tasks,
// MemoryEntries, and EventLog rows over a single embedded SQL database,
// following the teacher's serve.Store / serve.SQLiteStore shape generalized
// to the scope semantics this domain's dispatch algorithm requires.
package store

import (
	"context"
	"time"

	"github.com/fenwick-labs/swarmhub"
)

// Store opens read and write scopes over the persisted state.
type Store interface {
	// OpenReadScope returns a handle for typed queries with no write access.
	OpenReadScope(ctx context.Context) (ReadScope, error)
	// OpenWriteScope begins a transaction. The scope must be released by
	// calling Complete followed by Close, or by Close alone to roll back.
	OpenWriteScope(ctx context.Context) (WriteScope, error)
	Close() error
}

// ReadScope exposes read-only queries across all four entity collections.
type ReadScope interface {
	GetAgent(ctx context.Context, id string) (*swarmhub.Agent, error)
	ListAgents(ctx context.Context, personaFilter string) ([]*swarmhub.Agent, error)
	ListRunningAgentsHeartbeatBefore(ctx context.Context, cutoff time.Time) ([]*swarmhub.Agent, error)

	GetTask(ctx context.Context, id string) (*swarmhub.Task, error)
	ListTasksByStatus(ctx context.Context, status swarmhub.TaskStatus) ([]*swarmhub.Task, error)
	ListTasksByAgent(ctx context.Context, agentID string) ([]*swarmhub.Task, error)
	ListTasksByAgentAndStatus(ctx context.Context, agentID string, status swarmhub.TaskStatus) ([]*swarmhub.Task, error)
	// ListUnassignedPendingByPersona returns Pending tasks with no pinned
	// agent for the given persona, ordered by priority descending then
	// createdAt ascending.
	ListUnassignedPendingByPersona(ctx context.Context, personaID string) ([]*swarmhub.Task, error)

	GetMemoryEntry(ctx context.Context, namespace, key string) (*swarmhub.MemoryEntry, error)
	ListMemoryEntries(ctx context.Context, namespace string) ([]*swarmhub.MemoryEntry, error)

	// ListEventLogs returns the most recent audit rows, newest first.
	ListEventLogs(ctx context.Context, limit int) ([]*swarmhub.EventLog, error)

	Close() error
}

// WriteScope extends ReadScope with the mutating operations the dispatcher
// and registries need, plus the scope's own lifecycle.
type WriteScope interface {
	ReadScope

	InsertAgent(ctx context.Context, a *swarmhub.Agent) error
	UpdateAgent(ctx context.Context, a *swarmhub.Agent) error

	InsertTask(ctx context.Context, t *swarmhub.Task) error
	// ClaimTask performs the conditional Pending->InProgress update. It
	// reports ok=false (no error) when zero rows were affected, which the
	// dispatcher treats as a lost race and retries selection.
	ClaimTask(ctx context.Context, taskID, agentID string, claimedAt time.Time) (ok bool, err error)
	// FinishTask performs the conditional {Pending,InProgress}->status
	// update. ok=false means the task was already terminal.
	FinishTask(ctx context.Context, taskID string, status swarmhub.TaskStatus, result string, completedAt time.Time) (ok bool, err error)

	// UpsertMemoryEntry inserts or replaces by (namespace, key). created is
	// true for a brand new row; changed is true when value or metadata
	// differs from the prior row (both false on install of same value).
	UpsertMemoryEntry(ctx context.Context, e *swarmhub.MemoryEntry) (created bool, changed bool, err error)
	UpdateMemoryAccess(ctx context.Context, namespace, key string, accessedAt time.Time) error
	DeleteMemoryEntry(ctx context.Context, namespace, key string) (existed bool, err error)

	InsertEventLog(ctx context.Context, e *swarmhub.EventLog) error

	// Complete commits the transaction. The event corresponding to this
	// write MUST NOT be published until Complete returns nil.
	Complete(ctx context.Context) error
	// Close rolls back if Complete was never called; idempotent otherwise.
	Close() error
}
