package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

// DB is a SQLite-backed Store.
type DB struct {
	conn *sql.DB
	path string
}

// DefaultDBPath returns the default database location, honoring XDG_DATA_HOME.
func DefaultDBPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "taskforge", "taskforge.db")
}

// Open opens a SQLite database at the given path, creating parent
// directories if needed. WAL mode is enabled for concurrent reads.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Serialize writes through one connection; the driver returns
	// SQLITE_BUSY under concurrent writers otherwise.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Agents},
		{2, migrationV2Tasks},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Agents = `
CREATE TABLE agents (
	id TEXT PRIMARY KEY,
	type TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	current_load INTEGER NOT NULL DEFAULT 0,
	max_concurrent_tasks INTEGER NOT NULL DEFAULT 1,
	is_active INTEGER NOT NULL DEFAULT 1,
	status TEXT NOT NULL DEFAULT 'idle',
	total_tasks_handled INTEGER NOT NULL DEFAULT 0,
	successful_tasks INTEGER NOT NULL DEFAULT 0,
	failed_tasks INTEGER NOT NULL DEFAULT 0,
	avg_response_ns INTEGER NOT NULL DEFAULT 0,
	total_tokens_used INTEGER NOT NULL DEFAULT 0,
	total_cost REAL NOT NULL DEFAULT 0
);
CREATE INDEX idx_agents_type ON agents(type);
`

const migrationV2Tasks = `
CREATE TABLE tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	parent_task_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT '',
	agent_type TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	dependencies TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	progress INTEGER NOT NULL DEFAULT 0,
	result TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	assigned_at DATETIME,
	started_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX idx_tasks_project ON tasks(project_id);
CREATE INDEX idx_tasks_parent ON tasks(parent_task_id);
CREATE INDEX idx_tasks_status ON tasks(status);
`

// CreateTask inserts a new task row.
func (db *DB) CreateTask(t *models.Task) error {
	deps, meta, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}

	_, err = db.conn.Exec(`
		INSERT INTO tasks (
			id, project_id, parent_task_id, title, description, type, priority,
			agent_type, agent_id, dependencies, status, retry_count, max_retries,
			progress, result, error_message, metadata,
			created_at, assigned_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.ParentTaskID, t.Title, t.Description, string(t.Type), string(t.Priority),
		string(t.AgentType), t.AgentID, deps, string(t.Status), t.RetryCount, t.MaxRetries,
		t.ProgressPercentage, t.Result, t.ErrorMessage, meta,
		t.CreatedAt, nullTime(t.AssignedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns the task with the given ID.
func (db *DB) GetTask(id string) (*models.Task, error) {
	row := db.conn.QueryRow(taskSelect+" WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// UpdateTask replaces all mutable columns of the task row.
func (db *DB) UpdateTask(t *models.Task) error {
	deps, meta, err := encodeTaskJSON(t)
	if err != nil {
		return err
	}

	res, err := db.conn.Exec(`
		UPDATE tasks SET
			project_id = ?, parent_task_id = ?, title = ?, description = ?, type = ?,
			priority = ?, agent_type = ?, agent_id = ?, dependencies = ?, status = ?,
			retry_count = ?, max_retries = ?, progress = ?, result = ?, error_message = ?,
			metadata = ?, assigned_at = ?, started_at = ?, completed_at = ?
		WHERE id = ?`,
		t.ProjectID, t.ParentTaskID, t.Title, t.Description, string(t.Type),
		string(t.Priority), string(t.AgentType), t.AgentID, deps, string(t.Status),
		t.RetryCount, t.MaxRetries, t.ProgressPercentage, t.Result, t.ErrorMessage,
		meta, nullTime(t.AssignedAt), nullTime(t.StartedAt), nullTime(t.CompletedAt),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// ListTasks returns tasks matching the filter, ordered by creation time then ID.
// The DependsOn filter is applied in memory; dependency lists are small.
func (db *DB) ListTasks(f TaskFilter) ([]*models.Task, error) {
	query := taskSelect
	var conds []string
	var args []any

	if f.ProjectID != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, f.ProjectID)
	}
	if f.ParentTaskID != "" {
		conds = append(conds, "parent_task_id = ?")
		args = append(args, f.ParentTaskID)
	}
	if f.AgentType != "" {
		conds = append(conds, "agent_type = ?")
		args = append(args, string(f.AgentType))
	}
	if len(f.Statuses) > 0 {
		placeholders := ""
		for i, s := range f.Statuses {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
			args = append(args, string(s))
		}
		conds = append(conds, "status IN ("+placeholders+")")
	}

	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at, id"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		if f.DependsOn != "" && !t.DependsOn(f.DependsOn) {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateAgent inserts a new agent row.
func (db *DB) CreateAgent(a *models.Agent) error {
	clone := a.Clone()
	clone.RecomputeStatus()

	_, err := db.conn.Exec(`
		INSERT INTO agents (
			id, type, name, current_load, max_concurrent_tasks, is_active, status,
			total_tasks_handled, successful_tasks, failed_tasks,
			avg_response_ns, total_tokens_used, total_cost
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		clone.ID, string(clone.Type), clone.Name, clone.CurrentLoad, clone.MaxConcurrentTasks,
		clone.IsActive, string(clone.Status),
		clone.TotalTasksHandled, clone.SuccessfulTasks, clone.FailedTasks,
		int64(clone.AvgResponseTime), clone.TotalTokensUsed, clone.TotalCost,
	)
	if err != nil {
		return fmt.Errorf("insert agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent returns the agent with the given ID.
func (db *DB) GetAgent(id string) (*models.Agent, error) {
	row := db.conn.QueryRow(agentSelect+" WHERE id = ?", id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// UpdateAgent replaces the agent row, preserving the load counter.
// CurrentLoad is owned by AcquireSlot/ReleaseSlot.
func (db *DB) UpdateAgent(a *models.Agent) error {
	res, err := db.conn.Exec(`
		UPDATE agents SET
			type = ?, name = ?, max_concurrent_tasks = ?, is_active = ?,
			status = CASE
				WHEN ? = 0 THEN 'offline'
				WHEN current_load > 0 THEN 'busy'
				ELSE 'idle'
			END,
			total_tasks_handled = ?, successful_tasks = ?, failed_tasks = ?,
			avg_response_ns = ?, total_tokens_used = ?, total_cost = ?
		WHERE id = ?`,
		string(a.Type), a.Name, a.MaxConcurrentTasks, a.IsActive,
		a.IsActive,
		a.TotalTasksHandled, a.SuccessfulTasks, a.FailedTasks,
		int64(a.AvgResponseTime), a.TotalTokensUsed, a.TotalCost,
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", a.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

// ListAgents returns agents matching the filter, ordered by ID.
func (db *DB) ListAgents(f AgentFilter) ([]*models.Agent, error) {
	query := agentSelect
	var conds []string
	var args []any

	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.ActiveOnly {
		conds = append(conds, "is_active = 1")
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY id"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AcquireSlot increments the agent's load iff current_load < max.
// The conditional UPDATE is the compare-and-swap that keeps concurrent
// acquirers from overcommitting an agent.
func (db *DB) AcquireSlot(agentID string) (bool, error) {
	res, err := db.conn.Exec(`
		UPDATE agents SET
			current_load = current_load + 1,
			status = 'busy'
		WHERE id = ? AND is_active = 1 AND current_load < max_concurrent_tasks`,
		agentID,
	)
	if err != nil {
		return false, fmt.Errorf("acquire slot for agent %s: %w", agentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire slot for agent %s: %w", agentID, err)
	}
	if n > 0 {
		return true, nil
	}

	// Distinguish "at capacity" from "no such agent".
	if _, err := db.GetAgent(agentID); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseSlot decrements the agent's load, floored at zero, and
// recomputes its status in the same statement.
func (db *DB) ReleaseSlot(agentID string) error {
	res, err := db.conn.Exec(`
		UPDATE agents SET
			current_load = CASE WHEN current_load > 0 THEN current_load - 1 ELSE 0 END,
			status = CASE
				WHEN is_active = 0 THEN 'offline'
				WHEN current_load > 1 THEN 'busy'
				ELSE 'idle'
			END
		WHERE id = ?`,
		agentID,
	)
	if err != nil {
		return fmt.Errorf("release slot for agent %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	return nil
}

const taskSelect = `
	SELECT id, project_id, parent_task_id, title, description, type, priority,
		agent_type, agent_id, dependencies, status, retry_count, max_retries,
		progress, result, error_message, metadata,
		created_at, assigned_at, started_at, completed_at
	FROM tasks`

const agentSelect = `
	SELECT id, type, name, current_load, max_concurrent_tasks, is_active, status,
		total_tasks_handled, successful_tasks, failed_tasks,
		avg_response_ns, total_tokens_used, total_cost
	FROM agents`

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*models.Task, error) {
	var t models.Task
	var taskType, priority, agentType, status, deps, meta string
	var assignedAt, startedAt, completedAt sql.NullTime

	err := s.Scan(
		&t.ID, &t.ProjectID, &t.ParentTaskID, &t.Title, &t.Description, &taskType, &priority,
		&agentType, &t.AgentID, &deps, &status, &t.RetryCount, &t.MaxRetries,
		&t.ProgressPercentage, &t.Result, &t.ErrorMessage, &meta,
		&t.CreatedAt, &assignedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Type = models.TaskType(taskType)
	t.Priority = models.Priority(priority)
	t.AgentType = models.AgentType(agentType)
	t.Status = models.TaskStatus(status)
	if err := json.Unmarshal([]byte(deps), &t.Dependencies); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	if err := json.Unmarshal([]byte(meta), &t.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.Time
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return &t, nil
}

func scanAgent(s scanner) (*models.Agent, error) {
	var a models.Agent
	var agentType, status string
	var avgNs int64

	err := s.Scan(
		&a.ID, &agentType, &a.Name, &a.CurrentLoad, &a.MaxConcurrentTasks, &a.IsActive, &status,
		&a.TotalTasksHandled, &a.SuccessfulTasks, &a.FailedTasks,
		&avgNs, &a.TotalTokensUsed, &a.TotalCost,
	)
	if err != nil {
		return nil, err
	}

	a.Type = models.AgentType(agentType)
	a.Status = models.AgentStatus(status)
	a.AvgResponseTime = time.Duration(avgNs)
	return &a, nil
}

func encodeTaskJSON(t *models.Task) (deps, meta string, err error) {
	d := t.Dependencies
	if d == nil {
		d = []string{}
	}
	depBytes, err := json.Marshal(d)
	if err != nil {
		return "", "", fmt.Errorf("encode dependencies: %w", err)
	}

	m := t.Metadata
	if m == nil {
		m = map[string]string{}
	}
	metaBytes, err := json.Marshal(m)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(depBytes), string(metaBytes), nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
