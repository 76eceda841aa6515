package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/ispec/internal/domain"
)

const assistantSchema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL UNIQUE,
	user_id INTEGER NOT NULL DEFAULT 0,
	state_json TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_pk INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	meta_json TEXT NOT NULL DEFAULT '{}',
	chosen_for_message_id INTEGER NOT NULL DEFAULT 0,
	feedback_rating INTEGER,
	feedback_note TEXT,
	feedback_at INTEGER,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_pk, id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_chosen_for
	ON messages(chosen_for_message_id) WHERE chosen_for_message_id != 0;

CREATE TABLE IF NOT EXISTS session_reviews (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_pk INTEGER NOT NULL,
	target_message_id INTEGER NOT NULL,
	review_json TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE(session_pk, target_message_id)
);

CREATE TABLE IF NOT EXISTS memories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_pk INTEGER NOT NULL DEFAULT 0,
	user_id INTEGER NOT NULL DEFAULT 0,
	kind TEXT NOT NULL,
	key TEXT NOT NULL DEFAULT '',
	value_json TEXT NOT NULL,
	confidence REAL NOT NULL DEFAULT 0.5,
	importance REAL NOT NULL DEFAULT 0.5,
	salience REAL NOT NULL DEFAULT 0.5,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memories_scope ON memories(session_pk, user_id, salience);

CREATE TABLE IF NOT EXISTS memory_evidence (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	memory_id INTEGER NOT NULL,
	message_id INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_memory_evidence_memory ON memory_evidence(memory_id);
`

// AssistantSQLite implements AssistantStore using SQLite.
type AssistantSQLite struct {
	db *sql.DB
}

// NewAssistantSQLite opens (and migrates) the assistant database.
func NewAssistantSQLite(dbPath string) (*AssistantSQLite, error) {
	db, err := openSQLite(dbPath, assistantSchema)
	if err != nil {
		return nil, fmt.Errorf("assistant store: %w", err)
	}
	return &AssistantSQLite{db: db}, nil
}

// Ping verifies database connectivity.
func (s *AssistantSQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *AssistantSQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *AssistantSQLite) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT id, session_id, user_id, state_json, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var sess domain.Session
	var createdAt, updatedAt int64
	err := row.Scan(&sess.PK, &sess.SessionID, &sess.UserID, &sess.StateJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.UpdatedAt = time.Unix(updatedAt, 0)
	return &sess, nil
}

func (s *AssistantSQLite) CreateSession(ctx context.Context, sessionID string, userID int64) (*domain.Session, error) {
	now := time.Now()
	query := `
		INSERT INTO sessions (session_id, user_id, state_json, created_at, updated_at)
		VALUES (?, ?, '{}', ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET updated_at = excluded.updated_at`

	if _, err := s.db.ExecContext(ctx, query, sessionID, userID, now.Unix(), now.Unix()); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return s.GetSession(ctx, sessionID)
}

func (s *AssistantSQLite) UpdateSessionState(ctx context.Context, sessionPK int64, stateJSON string) error {
	query := `UPDATE sessions SET state_json = ?, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, stateJSON, time.Now().Unix(), sessionPK)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		slog.Warn("UpdateSessionState affected 0 rows", "session_pk", sessionPK)
	}
	return nil
}

func (s *AssistantSQLite) InsertMessage(ctx context.Context, m *domain.Message) (int64, error) {
	meta := m.MetaJSON
	if meta == "" {
		meta = "{}"
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	query := `
		INSERT INTO messages (session_pk, role, content, provider, model, meta_json, chosen_for_message_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		m.SessionPK, m.Role, m.Content, m.Provider, m.Model, meta, m.ChosenForMessageID, createdAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message insert id: %w", err)
	}

	touch := `UPDATE sessions SET updated_at = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, touch, createdAt.Unix(), m.SessionPK); err != nil {
		return 0, fmt.Errorf("touch session: %w", err)
	}
	return id, nil
}

func (s *AssistantSQLite) GetMessage(ctx context.Context, sessionPK, messageID int64) (*domain.Message, error) {
	query := `
		SELECT id, session_pk, role, content, provider, model, meta_json, chosen_for_message_id, created_at
		FROM messages WHERE id = ? AND session_pk = ?`

	row := s.db.QueryRowContext(ctx, query, messageID, sessionPK)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan message row: %w", err)
	}
	return msg, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var createdAt int64
	if err := row.Scan(&msg.ID, &msg.SessionPK, &msg.Role, &msg.Content,
		&msg.Provider, &msg.Model, &msg.MetaJSON, &msg.ChosenForMessageID, &createdAt); err != nil {
		return nil, err
	}
	msg.CreatedAt = time.Unix(createdAt, 0)
	return &msg, nil
}

// GetChosenMessage returns the assistant message committed for a compare
// turn, nil when none was materialized yet.
func (s *AssistantSQLite) GetChosenMessage(ctx context.Context, sessionPK, userMessageID int64) (*domain.Message, error) {
	query := `
		SELECT id, session_pk, role, content, provider, model, meta_json, chosen_for_message_id, created_at
		FROM messages WHERE session_pk = ? AND chosen_for_message_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionPK, userMessageID)
	msg, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan chosen message row: %w", err)
	}
	return msg, nil
}

func (s *AssistantSQLite) ListRecentMessages(ctx context.Context, sessionPK int64, limit int) ([]*domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := `
		SELECT id, session_pk, role, content, provider, model, meta_json, chosen_for_message_id, created_at
		FROM (
			SELECT id, session_pk, role, content, provider, model, meta_json, chosen_for_message_id, created_at
			FROM messages WHERE session_pk = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionPK, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer closeRows(rows, "recent messages")

	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *AssistantSQLite) UpdateMessageMeta(ctx context.Context, messageID int64, metaJSON string) error {
	query := `UPDATE messages SET meta_json = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, metaJSON, messageID); err != nil {
		return fmt.Errorf("update message meta: %w", err)
	}
	return nil
}

func (s *AssistantSQLite) SetMessageFeedback(ctx context.Context, messageID int64, rating int, note string, at time.Time) error {
	query := `UPDATE messages SET feedback_rating = ?, feedback_note = ?, feedback_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, rating, note, at.Unix(), messageID)
	if err != nil {
		return fmt.Errorf("set message feedback: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("message not found")
	}
	return nil
}

func (s *AssistantSQLite) InsertReview(ctx context.Context, sessionPK, targetMessageID int64, reviewJSON string) (int64, bool, error) {
	query := `
		INSERT INTO session_reviews (session_pk, target_message_id, review_json, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_pk, target_message_id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query, sessionPK, targetMessageID, reviewJSON, time.Now().Unix())
	if err != nil {
		return 0, false, fmt.Errorf("insert review: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("get rows affected: %w", err)
	}

	existing, err := s.GetReview(ctx, sessionPK, targetMessageID)
	if err != nil {
		return 0, false, err
	}
	if existing == nil {
		return 0, false, fmt.Errorf("review not found after insert")
	}
	return existing.ID, rows > 0, nil
}

func (s *AssistantSQLite) GetReview(ctx context.Context, sessionPK, targetMessageID int64) (*domain.SessionReview, error) {
	query := `
		SELECT id, session_pk, target_message_id, review_json, created_at
		FROM session_reviews WHERE session_pk = ? AND target_message_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionPK, targetMessageID)

	var review domain.SessionReview
	var createdAt int64
	err := row.Scan(&review.ID, &review.SessionPK, &review.TargetMessageID, &review.ReviewJSON, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan review row: %w", err)
	}
	review.CreatedAt = time.Unix(createdAt, 0)
	return &review, nil
}

func (s *AssistantSQLite) ListReviewsAfter(ctx context.Context, afterID int64, limit int) ([]*domain.SessionReview, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_pk, target_message_id, review_json, created_at
		FROM session_reviews WHERE id > ? ORDER BY id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query reviews: %w", err)
	}
	defer closeRows(rows, "reviews")

	var reviews []*domain.SessionReview
	for rows.Next() {
		var review domain.SessionReview
		var createdAt int64
		if err := rows.Scan(&review.ID, &review.SessionPK, &review.TargetMessageID, &review.ReviewJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scan review row: %w", err)
		}
		review.CreatedAt = time.Unix(createdAt, 0)
		reviews = append(reviews, &review)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return reviews, nil
}

func (s *AssistantSQLite) SessionsNeedingReview(ctx context.Context, limit int) ([]*domain.ReviewCandidate, error) {
	if limit <= 0 {
		limit = 10
	}
	// A session needs review when its newest assistant message has no
	// review row yet.
	query := `
		SELECT s.session_id, s.id, m.last_id, m.msg_count, s.updated_at
		FROM sessions s
		JOIN (
			SELECT session_pk, MAX(id) AS last_id, COUNT(*) AS msg_count
			FROM messages WHERE role = 'assistant' GROUP BY session_pk
		) m ON m.session_pk = s.id
		LEFT JOIN session_reviews r
			ON r.session_pk = s.id AND r.target_message_id = m.last_id
		WHERE r.id IS NULL
		ORDER BY s.updated_at DESC, s.id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions needing review: %w", err)
	}
	defer closeRows(rows, "sessions needing review")

	var candidates []*domain.ReviewCandidate
	for rows.Next() {
		var c domain.ReviewCandidate
		var updatedAt int64
		if err := rows.Scan(&c.SessionID, &c.SessionPK, &c.LastMessageID, &c.MessageCount, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan review candidate: %w", err)
		}
		c.LastMessageRole = "assistant"
		c.UpdatedAt = time.Unix(updatedAt, 0)
		candidates = append(candidates, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review candidates: %w", err)
	}
	return candidates, nil
}

func (s *AssistantSQLite) InsertMemory(ctx context.Context, m *domain.Memory) (int64, error) {
	now := time.Now()
	query := `
		INSERT INTO memories (session_pk, user_id, kind, key, value_json,
			confidence, importance, salience, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		m.SessionPK, m.UserID, m.Kind, m.Key, m.ValueJSON,
		m.Confidence, m.Importance, m.Salience, now.Unix(), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert memory: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("memory insert id: %w", err)
	}
	return id, nil
}

func (s *AssistantSQLite) AddMemoryEvidence(ctx context.Context, memoryID, messageID int64) error {
	query := `INSERT INTO memory_evidence (memory_id, message_id) VALUES (?, ?)`
	if _, err := s.db.ExecContext(ctx, query, memoryID, messageID); err != nil {
		return fmt.Errorf("insert memory evidence: %w", err)
	}
	return nil
}

func (s *AssistantSQLite) LatestMemoryByKind(ctx context.Context, kind string) (*domain.Memory, error) {
	query := `
		SELECT id, session_pk, user_id, kind, key, value_json,
		       confidence, importance, salience, created_at, updated_at
		FROM memories
		WHERE kind = ?
		ORDER BY id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, kind)

	var m domain.Memory
	var createdAt, updatedAt int64
	err := row.Scan(&m.ID, &m.SessionPK, &m.UserID, &m.Kind, &m.Key, &m.ValueJSON,
		&m.Confidence, &m.Importance, &m.Salience, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest memory: %w", err)
	}
	m.CreatedAt = time.Unix(createdAt, 0)
	m.UpdatedAt = time.Unix(updatedAt, 0)
	return &m, nil
}

func (s *AssistantSQLite) ListMemories(ctx context.Context, sessionPK, userID int64, limit int) ([]*domain.Memory, error) {
	if limit <= 0 {
		limit = 20
	}
	// Scope priority: session > user > global, then decay ordering.
	query := `
		SELECT id, session_pk, user_id, kind, key, value_json,
		       confidence, importance, salience, created_at, updated_at
		FROM memories
		WHERE (session_pk = ? AND session_pk != 0)
		   OR (user_id = ? AND user_id != 0 AND session_pk = 0)
		   OR (session_pk = 0 AND user_id = 0)
		ORDER BY
			CASE
				WHEN session_pk != 0 THEN 0
				WHEN user_id != 0 THEN 1
				ELSE 2
			END,
			salience DESC, updated_at DESC, id DESC
		LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, sessionPK, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer closeRows(rows, "memories")

	var memories []*domain.Memory
	for rows.Next() {
		var m domain.Memory
		var createdAt, updatedAt int64
		if err := rows.Scan(&m.ID, &m.SessionPK, &m.UserID, &m.Kind, &m.Key, &m.ValueJSON,
			&m.Confidence, &m.Importance, &m.Salience, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		m.CreatedAt = time.Unix(createdAt, 0)
		m.UpdatedAt = time.Unix(updatedAt, 0)
		memories = append(memories, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memories: %w", err)
	}
	return memories, nil
}

func closeRows(rows *sql.Rows, what string) {
	if err := rows.Close(); err != nil {
		slog.Warn("failed to close rows", "what", what, "error", err)
	}
}
