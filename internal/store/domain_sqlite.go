package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ashureev/ispec/internal/domain"
)

// Sentinel author for comments written on behalf of the assistant.
const assistantPersonName = "iSPEC Assistant"

const domainSchema = `
PRAGMA busy_timeout = 5000;
CREATE TABLE IF NOT EXISTS projects (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	display_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	owner_id INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS people (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS experiments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	kind TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'planned',
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schedule_slots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	person_id INTEGER NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	starts_at INTEGER NOT NULL,
	ends_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedule_slots_time ON schedule_slots(starts_at);

CREATE TABLE IF NOT EXISTS gene_stats (
	symbol TEXT PRIMARY KEY,
	score REAL NOT NULL,
	tissue TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS project_comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	author_id INTEGER NOT NULL,
	body TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_project_comments_project ON project_comments(project_id);
`

// DomainSQLite implements DomainStore using SQLite.
type DomainSQLite struct {
	db *sql.DB
}

// NewDomainSQLite opens (and migrates) the lab core database.
func NewDomainSQLite(dbPath string) (*DomainSQLite, error) {
	db, err := openSQLite(dbPath, domainSchema)
	if err != nil {
		return nil, fmt.Errorf("domain store: %w", err)
	}
	return &DomainSQLite{db: db}, nil
}

// Ping verifies database connectivity.
func (s *DomainSQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *DomainSQLite) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (s *DomainSQLite) CountProjects(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return count, nil
}

func (s *DomainSQLite) CountProjectsForOwner(ctx context.Context, ownerID int64) (int64, error) {
	var count int64
	query := `SELECT COUNT(*) FROM projects WHERE owner_id = ?`
	if err := s.db.QueryRowContext(ctx, query, ownerID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count owner projects: %w", err)
	}
	return count, nil
}

func (s *DomainSQLite) SearchProjects(ctx context.Context, query string, limit int) ([]*domain.Project, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `
		SELECT id, display_id, title, status, owner_id, created_at
		FROM projects
		WHERE title LIKE ? OR display_id LIKE ?
		ORDER BY id DESC LIMIT ?`

	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, q, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search projects: %w", err)
	}
	defer closeRows(rows, "projects")

	var projects []*domain.Project
	for rows.Next() {
		var p domain.Project
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.DisplayID, &p.Title, &p.Status, &p.OwnerID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan project row: %w", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		projects = append(projects, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	return projects, nil
}

func (s *DomainSQLite) GetProject(ctx context.Context, id int64) (*domain.Project, error) {
	query := `
		SELECT id, display_id, title, status, owner_id, created_at
		FROM projects WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var p domain.Project
	var createdAt int64
	err := row.Scan(&p.ID, &p.DisplayID, &p.Title, &p.Status, &p.OwnerID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project row: %w", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

func (s *DomainSQLite) SearchPeople(ctx context.Context, query string, limit int) ([]*domain.Person, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `
		SELECT id, name, email, title, created_at
		FROM people
		WHERE name LIKE ? OR email LIKE ?
		ORDER BY name ASC LIMIT ?`

	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, q, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search people: %w", err)
	}
	defer closeRows(rows, "people")

	var people []*domain.Person
	for rows.Next() {
		var p domain.Person
		var createdAt int64
		if err := rows.Scan(&p.ID, &p.Name, &p.Email, &p.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("scan person row: %w", err)
		}
		p.CreatedAt = time.Unix(createdAt, 0)
		people = append(people, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate people: %w", err)
	}
	return people, nil
}

func (s *DomainSQLite) GetPerson(ctx context.Context, id int64) (*domain.Person, error) {
	query := `SELECT id, name, email, title, created_at FROM people WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var p domain.Person
	var createdAt int64
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Title, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan person row: %w", err)
	}
	p.CreatedAt = time.Unix(createdAt, 0)
	return &p, nil
}

func (s *DomainSQLite) SearchExperiments(ctx context.Context, query string, limit int) ([]*domain.Experiment, error) {
	if limit <= 0 {
		limit = 10
	}
	q := `
		SELECT id, project_id, kind, status, created_at
		FROM experiments
		WHERE kind LIKE ? OR status LIKE ?
		ORDER BY id DESC LIMIT ?`

	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx, q, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search experiments: %w", err)
	}
	defer closeRows(rows, "experiments")

	var experiments []*domain.Experiment
	for rows.Next() {
		var e domain.Experiment
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.Kind, &e.Status, &createdAt); err != nil {
			return nil, fmt.Errorf("scan experiment row: %w", err)
		}
		e.CreatedAt = time.Unix(createdAt, 0)
		experiments = append(experiments, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate experiments: %w", err)
	}
	return experiments, nil
}

func (s *DomainSQLite) GetExperiment(ctx context.Context, id int64) (*domain.Experiment, error) {
	query := `SELECT id, project_id, kind, status, created_at FROM experiments WHERE id = ?`

	row := s.db.QueryRowContext(ctx, query, id)

	var e domain.Experiment
	var createdAt int64
	err := row.Scan(&e.ID, &e.ProjectID, &e.Kind, &e.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan experiment row: %w", err)
	}
	e.CreatedAt = time.Unix(createdAt, 0)
	return &e, nil
}

func (s *DomainSQLite) ListScheduleSlots(ctx context.Context, from, to time.Time, limit int) ([]*domain.ScheduleSlot, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, person_id, kind, starts_at, ends_at
		FROM schedule_slots
		WHERE starts_at >= ? AND starts_at < ?
		ORDER BY starts_at ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, from.Unix(), to.Unix(), limit)
	if err != nil {
		return nil, fmt.Errorf("query schedule slots: %w", err)
	}
	defer closeRows(rows, "schedule slots")

	var slots []*domain.ScheduleSlot
	for rows.Next() {
		var slot domain.ScheduleSlot
		var startsAt, endsAt int64
		if err := rows.Scan(&slot.ID, &slot.PersonID, &slot.Kind, &startsAt, &endsAt); err != nil {
			return nil, fmt.Errorf("scan schedule slot: %w", err)
		}
		slot.StartsAt = time.Unix(startsAt, 0)
		slot.EndsAt = time.Unix(endsAt, 0)
		slots = append(slots, &slot)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schedule slots: %w", err)
	}
	return slots, nil
}

func (s *DomainSQLite) GetGeneStat(ctx context.Context, symbol string) (*domain.GeneStat, error) {
	query := `SELECT symbol, score, tissue, updated_at FROM gene_stats WHERE symbol = ? COLLATE NOCASE`

	row := s.db.QueryRowContext(ctx, query, symbol)

	var g domain.GeneStat
	var updatedAt int64
	err := row.Scan(&g.Symbol, &g.Score, &g.Tissue, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan gene stat row: %w", err)
	}
	g.Updated = time.Unix(updatedAt, 0)
	return &g, nil
}

func (s *DomainSQLite) EnsureAssistantPerson(ctx context.Context) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM people WHERE name = ? ORDER BY id ASC LIMIT 1`, assistantPersonName).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("lookup assistant person: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO people (name, email, title, created_at) VALUES (?, '', 'assistant', ?)`,
		assistantPersonName, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("create assistant person: %w", err)
	}
	id, err = result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("assistant person insert id: %w", err)
	}
	return id, nil
}

func (s *DomainSQLite) InsertProjectComment(ctx context.Context, projectID, authorID int64, body string) (int64, error) {
	query := `INSERT INTO project_comments (project_id, author_id, body, created_at) VALUES (?, ?, ?, ?)`
	result, err := s.db.ExecContext(ctx, query, projectID, authorID, body, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("insert project comment: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("comment insert id: %w", err)
	}
	return id, nil
}
