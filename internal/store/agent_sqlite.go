package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/ispec/internal/domain"
)

const agentSchema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS commands (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	command_type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	priority INTEGER NOT NULL DEFAULT 10,
	attempts INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL DEFAULT 1,
	claimed_by TEXT NOT NULL DEFAULT '',
	payload_json TEXT NOT NULL DEFAULT '{}',
	result_json TEXT NOT NULL DEFAULT '{}',
	available_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_commands_ready ON commands(status, priority, available_at);

CREATE TABLE IF NOT EXISTS runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL UNIQUE,
	agent_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL,
	state_json TEXT NOT NULL DEFAULT '{}',
	summary_json TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// AgentSQLite implements AgentStore using SQLite.
type AgentSQLite struct {
	db *sql.DB
}

// NewAgentSQLite opens (and migrates) the agent database.
func NewAgentSQLite(dbPath string) (*AgentSQLite, error) {
	db, err := openSQLite(dbPath, agentSchema)
	if err != nil {
		return nil, fmt.Errorf("agent store: %w", err)
	}
	return &AgentSQLite{db: db}, nil
}

// Ping verifies database connectivity.
func (s *AgentSQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *AgentSQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *AgentSQLite) EnqueueCommand(ctx context.Context, cmd *domain.Command) (int64, error) {
	now := time.Now()
	availableAt := cmd.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	payload := cmd.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	maxAttempts := cmd.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	query := `
		INSERT INTO commands (command_type, status, priority, attempts, max_attempts,
			claimed_by, payload_json, result_json, available_at, created_at, updated_at)
		VALUES (?, 'queued', ?, 0, ?, '', ?, '{}', ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		cmd.CommandType, cmd.Priority, maxAttempts, payload,
		availableAt.Unix(), now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("enqueue command: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("command insert id: %w", err)
	}
	return id, nil
}

func (s *AgentSQLite) PendingCommandID(ctx context.Context, commandType string) (int64, error) {
	query := `
		SELECT id FROM commands
		WHERE command_type = ? AND status = 'queued'
		ORDER BY id ASC LIMIT 1`

	var id int64
	err := s.db.QueryRowContext(ctx, query, commandType).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query pending command: %w", err)
	}
	return id, nil
}

func (s *AgentSQLite) ScheduledCommandExists(ctx context.Context, commandType, scheduleKey string) (bool, error) {
	query := `
		SELECT COUNT(*) FROM commands
		WHERE command_type = ? AND status IN ('queued', 'running')
		  AND payload_json LIKE ?`

	var count int64
	pattern := `%"key":"` + scheduleKey + `"%`
	if err := s.db.QueryRowContext(ctx, query, commandType, pattern).Scan(&count); err != nil {
		return false, fmt.Errorf("query scheduled command: %w", err)
	}
	return count > 0, nil
}

func (s *AgentSQLite) ClaimNextCommand(ctx context.Context, agentID, runID string, now time.Time) (*domain.Command, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	selectQuery := `
		SELECT id FROM commands
		WHERE status = 'queued' AND available_at <= ?
		ORDER BY priority ASC, available_at ASC, id ASC
		LIMIT 1`

	var id int64
	err = tx.QueryRowContext(ctx, selectQuery, now.Unix()).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select ready command: %w", err)
	}

	updateQuery := `
		UPDATE commands
		SET status = 'running', claimed_by = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = 'queued'`

	result, err := tx.ExecContext(ctx, updateQuery, agentID+"/"+runID, now.Unix(), id)
	if err != nil {
		return nil, fmt.Errorf("mark command running: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		// Raced with another claimer; treat as nothing ready this tick.
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return s.GetCommand(ctx, id)
}

func (s *AgentSQLite) FinishCommand(ctx context.Context, id int64, status, resultJSON string) error {
	if resultJSON == "" {
		resultJSON = "{}"
	}
	query := `UPDATE commands SET status = ?, result_json = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, status, resultJSON, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("finish command: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("command not found")
	}
	return nil
}

func (s *AgentSQLite) GetCommand(ctx context.Context, id int64) (*domain.Command, error) {
	query := `
		SELECT id, command_type, status, priority, attempts, max_attempts,
		       claimed_by, payload_json, result_json, available_at, created_at, updated_at
		FROM commands WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var cmd domain.Command
	var availableAt, createdAt, updatedAt int64
	err := row.Scan(&cmd.ID, &cmd.CommandType, &cmd.Status, &cmd.Priority,
		&cmd.Attempts, &cmd.MaxAttempts, &cmd.ClaimedBy,
		&cmd.PayloadJSON, &cmd.ResultJSON, &availableAt, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan command row: %w", err)
	}

	cmd.AvailableAt = time.Unix(availableAt, 0)
	cmd.CreatedAt = time.Unix(createdAt, 0)
	cmd.UpdatedAt = time.Unix(updatedAt, 0)
	return &cmd, nil
}

func (s *AgentSQLite) CreateRun(ctx context.Context, run *domain.Run) (int64, error) {
	now := time.Now()
	state := run.StateJSON
	if state == "" {
		state = "{}"
	}
	summary := run.SummaryJSON
	if summary == "" {
		summary = "{}"
	}

	query := `
		INSERT INTO runs (run_id, agent_id, kind, status, state_json, summary_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		run.RunID, run.AgentID, run.Kind, run.Status, state, summary, now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("create run: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("run insert id: %w", err)
	}
	return id, nil
}

func (s *AgentSQLite) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	query := `
		SELECT id, run_id, agent_id, kind, status, state_json, summary_json, created_at, updated_at
		FROM runs WHERE run_id = ?`

	row := s.db.QueryRowContext(ctx, query, runID)

	var run domain.Run
	var createdAt, updatedAt int64
	err := row.Scan(&run.ID, &run.RunID, &run.AgentID, &run.Kind, &run.Status,
		&run.StateJSON, &run.SummaryJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan run row: %w", err)
	}

	run.CreatedAt = time.Unix(createdAt, 0)
	run.UpdatedAt = time.Unix(updatedAt, 0)
	return &run, nil
}

func (s *AgentSQLite) UpdateRunSummary(ctx context.Context, runID, summaryJSON string) error {
	query := `UPDATE runs SET summary_json = ?, updated_at = ? WHERE run_id = ?`
	if _, err := s.db.ExecContext(ctx, query, summaryJSON, time.Now().Unix(), runID); err != nil {
		return fmt.Errorf("update run summary: %w", err)
	}
	return nil
}

func (s *AgentSQLite) UpdateRunState(ctx context.Context, runID, stateJSON string) error {
	query := `UPDATE runs SET state_json = ?, updated_at = ? WHERE run_id = ?`
	if _, err := s.db.ExecContext(ctx, query, stateJSON, time.Now().Unix(), runID); err != nil {
		return fmt.Errorf("update run state: %w", err)
	}
	return nil
}

func (s *AgentSQLite) FinishRun(ctx context.Context, runID, status string) error {
	query := `UPDATE runs SET status = ?, updated_at = ? WHERE run_id = ?`
	if _, err := s.db.ExecContext(ctx, query, status, time.Now().Unix(), runID); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}
