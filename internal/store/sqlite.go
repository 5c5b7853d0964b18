package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fenwick-labs/swarmhub"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id                TEXT PRIMARY KEY,
	persona_id        TEXT NOT NULL,
	working_directory TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	worktree_name     TEXT NOT NULL DEFAULT '',
	process_id        TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	registered_at     DATETIME NOT NULL,
	started_at        DATETIME,
	last_heartbeat    DATETIME NOT NULL,
	stopped_at        DATETIME
);

CREATE TABLE IF NOT EXISTS tasks (
	id           TEXT PRIMARY KEY,
	agent_id     TEXT NOT NULL DEFAULT '',
	persona_id   TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL,
	priority     INTEGER NOT NULL,
	status       TEXT NOT NULL,
	result       TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL,
	claimed_at   DATETIME,
	started_at   DATETIME,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS memory_entries (
	id               TEXT PRIMARY KEY,
	namespace        TEXT NOT NULL DEFAULT '',
	key              TEXT NOT NULL,
	value            TEXT NOT NULL DEFAULT '',
	type             TEXT NOT NULL DEFAULT 'json',
	metadata         TEXT NOT NULL DEFAULT '',
	size             INTEGER NOT NULL DEFAULT 0,
	is_compressed    INTEGER NOT NULL DEFAULT 0,
	created_at       DATETIME NOT NULL,
	last_updated_at  DATETIME NOT NULL,
	accessed_at      DATETIME,
	access_count     INTEGER NOT NULL DEFAULT 0,
	UNIQUE(namespace, key)
);

CREATE TABLE IF NOT EXISTS event_logs (
	id             TEXT PRIMARY KEY,
	event_type     TEXT NOT NULL,
	timestamp      DATETIME NOT NULL,
	actor          TEXT NOT NULL DEFAULT '',
	correlation_id TEXT NOT NULL DEFAULT '',
	entity_id      TEXT NOT NULL DEFAULT '',
	entity_type    TEXT NOT NULL DEFAULT '',
	severity       TEXT NOT NULL DEFAULT 'info',
	tags           TEXT NOT NULL DEFAULT '',
	payload        TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_tasks_status_persona ON tasks(status, persona_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status_agent ON tasks(status, agent_id);
CREATE INDEX IF NOT EXISTS idx_agents_status_heartbeat ON agents(status, last_heartbeat);
CREATE INDEX IF NOT EXISTS idx_event_logs_timestamp ON event_logs(timestamp);
`

// SQLiteStore implements Store using modernc.org/sqlite (pure Go), the same
// driver and WAL setup as the teacher's serve.SQLiteStore.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the coordination database at path and ensures the
// schema exists.
func Open(path string) (*SQLiteStore, error) {
	dsn := path
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// SQLite allows only one writer at a time; modernc.org/sqlite returns
	// SQLITE_BUSY immediately to a second connection racing BeginTx rather
	// than queueing it, so the pool is pinned to a single connection and
	// busy_timeout above is what makes that one connection wait out a
	// held lock instead of erroring.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) OpenReadScope(ctx context.Context) (ReadScope, error) {
	return &scope{q: s.db}, nil
}

func (s *SQLiteStore) OpenWriteScope(ctx context.Context) (WriteScope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &scope{q: tx, tx: tx}, nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx, letting scope share one
// implementation across read and write scopes.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scope struct {
	q  queryer
	tx *sql.Tx
}

func (s *scope) Close() error {
	if s.tx != nil {
		return s.tx.Rollback()
	}
	return nil
}

func (s *scope) Complete(ctx context.Context) error {
	if s.tx == nil {
		return fmt.Errorf("store: Complete called on a read scope")
	}
	return s.tx.Commit()
}

const agentColumns = `id, persona_id, working_directory, model, worktree_name, process_id, status, registered_at, started_at, last_heartbeat, stopped_at`

func scanAgent(row interface{ Scan(...any) error }) (*swarmhub.Agent, error) {
	var a swarmhub.Agent
	var started, stopped sql.NullTime
	var status string
	if err := row.Scan(&a.ID, &a.PersonaID, &a.WorkingDirectory, &a.Model, &a.WorktreeName, &a.ProcessID,
		&status, &a.RegisteredAt, &started, &a.LastHeartbeat, &stopped); err != nil {
		return nil, err
	}
	a.Status = swarmhub.AgentStatus(status)
	if started.Valid {
		a.StartedAt = &started.Time
	}
	if stopped.Valid {
		a.StoppedAt = &stopped.Time
	}
	return &a, nil
}

func (s *scope) GetAgent(ctx context.Context, id string) (*swarmhub.Agent, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, swarmhub.ErrAgentNotFound
	}
	return a, err
}

func (s *scope) ListAgents(ctx context.Context, personaFilter string) ([]*swarmhub.Agent, error) {
	var rows *sql.Rows
	var err error
	if personaFilter == "" {
		rows, err = s.q.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY registered_at ASC`)
	} else {
		rows, err = s.q.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE persona_id = ? ORDER BY registered_at ASC`, personaFilter)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*swarmhub.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *scope) ListRunningAgentsHeartbeatBefore(ctx context.Context, cutoff time.Time) ([]*swarmhub.Agent, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status = ? AND last_heartbeat < ?`,
		string(swarmhub.AgentRunning), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*swarmhub.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *scope) InsertAgent(ctx context.Context, a *swarmhub.Agent) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO agents (`+agentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PersonaID, a.WorkingDirectory, a.Model, a.WorktreeName, a.ProcessID,
		string(a.Status), a.RegisteredAt, a.StartedAt, a.LastHeartbeat, a.StoppedAt)
	return err
}

func (s *scope) UpdateAgent(ctx context.Context, a *swarmhub.Agent) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE agents SET process_id = ?, status = ?, started_at = ?, last_heartbeat = ?, stopped_at = ? WHERE id = ?`,
		a.ProcessID, string(a.Status), a.StartedAt, a.LastHeartbeat, a.StoppedAt, a.ID)
	return err
}

const taskColumns = `id, agent_id, persona_id, description, priority, status, result, created_at, claimed_at, started_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*swarmhub.Task, error) {
	var t swarmhub.Task
	var claimed, started, completed sql.NullTime
	var status string
	var priority int
	if err := row.Scan(&t.ID, &t.AgentID, &t.PersonaID, &t.Description, &priority, &status, &t.Result,
		&t.CreatedAt, &claimed, &started, &completed); err != nil {
		return nil, err
	}
	t.Priority = swarmhub.Priority(priority)
	t.Status = swarmhub.TaskStatus(status)
	if claimed.Valid {
		t.ClaimedAt = &claimed.Time
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	return &t, nil
}

func (s *scope) GetTask(ctx context.Context, id string) (*swarmhub.Task, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, swarmhub.ErrTaskNotFound
	}
	return t, err
}

func scanTaskRows(rows *sql.Rows) ([]*swarmhub.Task, error) {
	defer rows.Close()
	var out []*swarmhub.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *scope) ListTasksByStatus(ctx context.Context, status swarmhub.TaskStatus) ([]*swarmhub.Task, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY priority DESC, created_at ASC`, string(status))
	if err != nil {
		return nil, err
	}
	return scanTaskRows(rows)
}

func (s *scope) ListTasksByAgent(ctx context.Context, agentID string) ([]*swarmhub.Task, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE agent_id = ? ORDER BY created_at ASC`, agentID)
	if err != nil {
		return nil, err
	}
	return scanTaskRows(rows)
}

func (s *scope) ListTasksByAgentAndStatus(ctx context.Context, agentID string, status swarmhub.TaskStatus) ([]*swarmhub.Task, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE agent_id = ? AND status = ? ORDER BY priority DESC, created_at ASC`,
		agentID, string(status))
	if err != nil {
		return nil, err
	}
	return scanTaskRows(rows)
}

func (s *scope) ListUnassignedPendingByPersona(ctx context.Context, personaID string) ([]*swarmhub.Task, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE agent_id = '' AND persona_id = ? AND status = ?
		 ORDER BY priority DESC, created_at ASC`, personaID, string(swarmhub.TaskPending))
	if err != nil {
		return nil, err
	}
	return scanTaskRows(rows)
}

func (s *scope) InsertTask(ctx context.Context, t *swarmhub.Task) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AgentID, t.PersonaID, t.Description, int(t.Priority), string(t.Status), t.Result,
		t.CreatedAt, t.ClaimedAt, t.StartedAt, t.CompletedAt)
	return err
}

// ClaimTask is the conditional update enforcing at-most-one claim: it only
// affects a row that is still Pending, and pins agent_id to the caller.
func (s *scope) ClaimTask(ctx context.Context, taskID, agentID string, claimedAt time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET agent_id = ?, status = ?, claimed_at = ?, started_at = ? WHERE id = ? AND status = ?`,
		agentID, string(swarmhub.TaskInProgress), claimedAt, claimedAt, taskID, string(swarmhub.TaskPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FinishTask is the conditional update enforcing terminal absorption: it
// only affects a row that is not already Completed or Failed.
func (s *scope) FinishTask(ctx context.Context, taskID string, status swarmhub.TaskStatus, result string, completedAt time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, completed_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), result, completedAt, taskID, string(swarmhub.TaskCompleted), string(swarmhub.TaskFailed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const memoryColumns = `id, namespace, key, value, type, metadata, size, is_compressed, created_at, last_updated_at, accessed_at, access_count`

func scanMemory(row interface{ Scan(...any) error }) (*swarmhub.MemoryEntry, error) {
	var m swarmhub.MemoryEntry
	var accessed sql.NullTime
	var isCompressed int
	if err := row.Scan(&m.ID, &m.Namespace, &m.Key, &m.Value, &m.Type, &m.Metadata, &m.Size, &isCompressed,
		&m.CreatedAt, &m.LastUpdatedAt, &accessed, &m.AccessCount); err != nil {
		return nil, err
	}
	m.IsCompressed = isCompressed != 0
	if accessed.Valid {
		m.AccessedAt = &accessed.Time
	}
	return &m, nil
}

func (s *scope) GetMemoryEntry(ctx context.Context, namespace, key string) (*swarmhub.MemoryEntry, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory_entries WHERE namespace = ? AND key = ?`, namespace, key)
	m, err := scanMemory(row)
	if err == sql.ErrNoRows {
		return nil, swarmhub.ErrMemoryNotFound
	}
	return m, err
}

func (s *scope) ListMemoryEntries(ctx context.Context, namespace string) ([]*swarmhub.MemoryEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memory_entries WHERE namespace = ? ORDER BY created_at ASC`, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*swarmhub.MemoryEntry
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMemoryEntry implements Save's idempotence: it first reads the
// existing row (if any) to decide created/changed, then inserts or replaces.
func (s *scope) UpsertMemoryEntry(ctx context.Context, e *swarmhub.MemoryEntry) (created bool, changed bool, err error) {
	existing, err := s.GetMemoryEntry(ctx, e.Namespace, e.Key)
	if err != nil && err != swarmhub.ErrMemoryNotFound {
		return false, false, err
	}
	if err == swarmhub.ErrMemoryNotFound {
		created = true
		changed = true
	} else {
		changed = existing.Value != e.Value || existing.Metadata != e.Metadata
		if !changed {
			// Identical value: leave row untouched so createdAt/accessCount survive.
			return false, false, nil
		}
		e.ID = existing.ID
		e.CreatedAt = existing.CreatedAt
		e.AccessedAt = existing.AccessedAt
		e.AccessCount = existing.AccessCount
	}

	isCompressed := 0
	if e.IsCompressed {
		isCompressed = 1
	}
	_, err = s.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO memory_entries (`+memoryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Namespace, e.Key, e.Value, e.Type, e.Metadata, e.Size, isCompressed,
		e.CreatedAt, e.LastUpdatedAt, e.AccessedAt, e.AccessCount)
	if err != nil {
		return false, false, err
	}
	return created, changed, nil
}

func (s *scope) UpdateMemoryAccess(ctx context.Context, namespace, key string, accessedAt time.Time) error {
	_, err := s.q.ExecContext(ctx,
		`UPDATE memory_entries SET accessed_at = ?, access_count = access_count + 1 WHERE namespace = ? AND key = ?`,
		accessedAt, namespace, key)
	return err
}

func (s *scope) DeleteMemoryEntry(ctx context.Context, namespace, key string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `DELETE FROM memory_entries WHERE namespace = ? AND key = ?`, namespace, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *scope) ListEventLogs(ctx context.Context, limit int) ([]*swarmhub.EventLog, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, event_type, timestamp, actor, correlation_id, entity_id, entity_type, severity, tags, payload
		 FROM event_logs ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*swarmhub.EventLog
	for rows.Next() {
		var e swarmhub.EventLog
		if err := rows.Scan(&e.ID, &e.EventType, &e.Timestamp, &e.Actor, &e.CorrelationID, &e.EntityID, &e.EntityType, &e.Severity, &e.Tags, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *scope) InsertEventLog(ctx context.Context, e *swarmhub.EventLog) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO event_logs (id, event_type, timestamp, actor, correlation_id, entity_id, entity_type, severity, tags, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.Timestamp, e.Actor, e.CorrelationID, e.EntityID, e.EntityType, e.Severity, e.Tags, e.Payload)
	return err
}
