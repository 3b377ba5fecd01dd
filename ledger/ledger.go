// Package ledger persists task history to SQLite for crash recovery.
//
// Every submission and lifecycle transition is appended as it happens;
// after a crash, Recover returns the tasks that never reached a
// terminal state so the orchestrator can resubmit them. Provider
// registry snapshots ride along in their own table.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/GlacierEQ/God-Mind/logging"
	"github.com/GlacierEQ/God-Mind/tasks"
)

// Common errors.
var (
	// ErrNotFound indicates the ledger has no record of the task.
	ErrNotFound = errors.New("task not recorded")

	// ErrClosed indicates the ledger has been closed.
	ErrClosed = errors.New("ledger closed")
)

// Config holds ledger settings.
type Config struct {
	// Path is the SQLite database file. Parent directories are
	// created as needed.
	Path string

	// Logger is used for lifecycle logging. Defaults to a new logger.
	Logger *logging.Logger
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path: "orchestrator.db",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("ledger path is required")
	}
	return nil
}

// Transition is one recorded lifecycle step of a task.
type Transition struct {
	TaskID  string
	From    tasks.TaskStatus
	To      tasks.TaskStatus
	AgentID string
	Attempt int
	Code    string
	At      time.Time
}

// ProviderSnapshot is the recorded registration state of one provider.
type ProviderSnapshot struct {
	Name             string
	Kind             string
	Capabilities     []string
	ConcurrencyLimit int
	State            string
	UpdatedAt        time.Time
}

// Ledger is an append-oriented task history backed by SQLite.
type Ledger struct {
	mu     sync.RWMutex
	db     *sql.DB
	logger *logging.Logger
	closed bool
}

// Open opens or creates the ledger database at config.Path.
// The schema is created if it doesn't exist and WAL mode is enabled.
func Open(config Config) (*Ledger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	logger := config.Logger
	if logger == nil {
		logger = logging.New()
	}
	logger = logger.WithComponent("ledger")

	if dir := filepath.Dir(config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", config.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL keeps readers from blocking the write path.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	l := &Ledger{
		db:     db,
		logger: logger,
	}

	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("ledger opened", map[string]interface{}{"path": config.Path})
	return l, nil
}

func (l *Ledger) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			task_id         TEXT PRIMARY KEY,
			idempotency_key TEXT,
			provider        TEXT NOT NULL,
			operation       TEXT NOT NULL,
			args            BLOB,
			priority        INTEGER NOT NULL DEFAULT 0,
			max_attempts    INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL,
			attempts        INTEGER NOT NULL DEFAULT 0,
			agent_id        TEXT,
			error_code      TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
		CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);

		CREATE TABLE IF NOT EXISTS transitions (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id     TEXT NOT NULL,
			from_status TEXT NOT NULL,
			to_status   TEXT NOT NULL,
			agent_id    TEXT,
			attempt     INTEGER NOT NULL DEFAULT 0,
			code        TEXT,
			at          TEXT NOT NULL,
			FOREIGN KEY (task_id) REFERENCES tasks(task_id)
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_task ON transitions(task_id, seq);

		CREATE TABLE IF NOT EXISTS providers (
			name              TEXT PRIMARY KEY,
			kind              TEXT NOT NULL,
			capabilities      TEXT,
			concurrency_limit INTEGER NOT NULL DEFAULT 0,
			state             TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		);
	`
	if _, err := l.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// RecordSubmission records a newly submitted task and its entry into
// the pending state. Recording the same task ID twice is a no-op.
func (l *Ledger) RecordSubmission(ctx context.Context, task *tasks.Task) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	now := time.Now().UTC()
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (task_id, idempotency_key, provider, operation, args,
			priority, max_attempts, status, attempts, agent_id, error_code,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', '', ?, ?)
		ON CONFLICT(task_id) DO NOTHING
	`,
		task.ID,
		task.IdempotencyKey,
		task.Provider,
		task.Operation,
		task.Args,
		task.Priority,
		task.MaxAttempts,
		string(tasks.StatusPending),
		createdAt.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking insert: %w", err)
	}
	if inserted == 0 {
		// Already recorded (idempotent resubmission)
		return nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transitions (task_id, from_status, to_status, agent_id, attempt, code, at)
		VALUES (?, '', ?, '', 0, '', ?)
	`,
		task.ID,
		string(tasks.StatusPending),
		now.Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("recording submission transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing submission: %w", err)
	}

	l.logger.Debug("submission recorded", map[string]interface{}{
		"task_id":  task.ID,
		"provider": task.Provider,
	})
	return nil
}

// RecordTransition appends one lifecycle step and updates the task's
// latest state. Returns ErrNotFound if the task was never recorded.
func (l *Ledger) RecordTransition(ctx context.Context, tr Transition) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	at := tr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, attempts = ?, agent_id = ?, error_code = ?, updated_at = ?
		WHERE task_id = ?
	`,
		string(tr.To),
		tr.Attempt,
		tr.AgentID,
		tr.Code,
		at.UTC().Format(time.RFC3339Nano),
		tr.TaskID,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transitions (task_id, from_status, to_status, agent_id, attempt, code, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		tr.TaskID,
		string(tr.From),
		string(tr.To),
		tr.AgentID,
		tr.Attempt,
		tr.Code,
		at.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transition: %w", err)
	}
	return nil
}

// History returns the recorded transitions of a task in order.
// Returns ErrNotFound if the task was never recorded.
func (l *Ledger) History(ctx context.Context, taskID string) ([]Transition, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrClosed
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT task_id, from_status, to_status, agent_id, attempt, code, at
		FROM transitions
		WHERE task_id = ?
		ORDER BY seq
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var history []Transition
	for rows.Next() {
		var tr Transition
		var from, to, atStr string
		if err := rows.Scan(&tr.TaskID, &from, &to, &tr.AgentID, &tr.Attempt, &tr.Code, &atStr); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		tr.From = tasks.TaskStatus(from)
		tr.To = tasks.TaskStatus(to)
		tr.At, err = time.Parse(time.RFC3339Nano, atStr)
		if err != nil {
			return nil, fmt.Errorf("parsing transition time: %w", err)
		}
		history = append(history, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading transitions: %w", err)
	}
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	return history, nil
}

// Recover returns the tasks that were not terminal when the process
// last stopped, in submission order. Each comes back with its recorded
// submission fields and latest status so the caller can resubmit.
func (l *Ledger) Recover(ctx context.Context) ([]*tasks.Task, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrClosed
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT task_id, idempotency_key, provider, operation, args,
			priority, max_attempts, status, attempts, agent_id, error_code, created_at
		FROM tasks
		WHERE status NOT IN (?, ?, ?)
		ORDER BY created_at, rowid
	`,
		string(tasks.StatusSucceeded),
		string(tasks.StatusFailed),
		string(tasks.StatusCancelled),
	)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer rows.Close()

	var recovered []*tasks.Task
	for rows.Next() {
		var task tasks.Task
		var status, createdAtStr string
		if err := rows.Scan(
			&task.ID,
			&task.IdempotencyKey,
			&task.Provider,
			&task.Operation,
			&task.Args,
			&task.Priority,
			&task.MaxAttempts,
			&status,
			&task.Attempts,
			&task.AgentID,
			&task.ErrorCode,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		task.Status = tasks.TaskStatus(status)
		task.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		recovered = append(recovered, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading tasks: %w", err)
	}

	if len(recovered) > 0 {
		l.logger.Info("recovered non-terminal tasks", map[string]interface{}{
			"count": len(recovered),
		})
	}
	return recovered, nil
}

// PruneTerminal deletes terminal tasks last updated before the cutoff,
// along with their transitions. Returns how many tasks were removed.
func (l *Ledger) PruneTerminal(ctx context.Context, before time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}

	cutoff := before.UTC().Format(time.RFC3339Nano)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM transitions WHERE task_id IN (
			SELECT task_id FROM tasks
			WHERE status IN (?, ?, ?) AND updated_at < ?
		)
	`,
		string(tasks.StatusSucceeded),
		string(tasks.StatusFailed),
		string(tasks.StatusCancelled),
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("pruning transitions: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN (?, ?, ?) AND updated_at < ?
	`,
		string(tasks.StatusSucceeded),
		string(tasks.StatusFailed),
		string(tasks.StatusCancelled),
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning tasks: %w", err)
	}
	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking prune: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing prune: %w", err)
	}

	if pruned > 0 {
		l.logger.Debug("pruned terminal tasks", map[string]interface{}{
			"count": pruned,
		})
	}
	return pruned, nil
}

// SnapshotProvider records or replaces the registration state of a
// provider.
func (l *Ledger) SnapshotProvider(ctx context.Context, snap ProviderSnapshot) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	caps, err := json.Marshal(snap.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	if _, err := l.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO providers (name, kind, capabilities, concurrency_limit, state, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		snap.Name,
		snap.Kind,
		string(caps),
		snap.ConcurrencyLimit,
		snap.State,
		updatedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("snapshotting provider: %w", err)
	}
	return nil
}

// Providers returns the recorded provider snapshots ordered by name.
func (l *Ledger) Providers(ctx context.Context) ([]ProviderSnapshot, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		return nil, ErrClosed
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT name, kind, capabilities, concurrency_limit, state, updated_at
		FROM providers
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("querying providers: %w", err)
	}
	defer rows.Close()

	var snaps []ProviderSnapshot
	for rows.Next() {
		var snap ProviderSnapshot
		var caps, updatedAtStr string
		if err := rows.Scan(&snap.Name, &snap.Kind, &caps, &snap.ConcurrencyLimit, &snap.State, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scanning provider: %w", err)
		}
		if caps != "" {
			if err := json.Unmarshal([]byte(caps), &snap.Capabilities); err != nil {
				return nil, fmt.Errorf("decoding capabilities: %w", err)
			}
		}
		snap.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading providers: %w", err)
	}
	return snaps, nil
}

// Close closes the database. Safe to call more than once.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	l.logger.Info("ledger closed")
	return l.db.Close()
}
