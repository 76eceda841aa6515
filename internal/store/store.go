// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/ispec/internal/domain"
)

// AssistantStore persists conversation sessions, messages, reviews and
// memory. Isolated from the domain store so retention policy can diverge.
type AssistantStore interface {
	// GetSession retrieves a session by its external id. Returns nil, nil
	// when no session exists.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// CreateSession creates a session bound to userID (0 = unbound).
	CreateSession(ctx context.Context, sessionID string, userID int64) (*domain.Session, error)

	// UpdateSessionState replaces the session state blob. Last writer wins.
	UpdateSessionState(ctx context.Context, sessionPK int64, stateJSON string) error

	// InsertMessage appends a message and returns its id.
	InsertMessage(ctx context.Context, m *domain.Message) (int64, error)

	// GetChosenMessage returns the assistant message whose
	// chosen_for_message_id links it to the given user message, nil, nil
	// when no compare answer was committed for it yet.
	GetChosenMessage(ctx context.Context, sessionPK, userMessageID int64) (*domain.Message, error)

	// GetMessage retrieves one message scoped to a session. Returns nil, nil
	// when absent.
	GetMessage(ctx context.Context, sessionPK, messageID int64) (*domain.Message, error)

	// ListRecentMessages returns the newest limit messages in ascending
	// id order.
	ListRecentMessages(ctx context.Context, sessionPK int64, limit int) ([]*domain.Message, error)

	// UpdateMessageMeta replaces a message's meta JSON.
	UpdateMessageMeta(ctx context.Context, messageID int64, metaJSON string) error

	// SetMessageFeedback records a rating (+1/-1) and optional note.
	SetMessageFeedback(ctx context.Context, messageID int64, rating int, note string, at time.Time) error

	// InsertReview writes a review unless one already exists for the
	// (session, target) pair; reports whether a new row was created and
	// returns the surviving row's id either way.
	InsertReview(ctx context.Context, sessionPK, targetMessageID int64, reviewJSON string) (id int64, created bool, err error)

	// GetReview retrieves the review for one assistant turn. nil, nil when
	// absent.
	GetReview(ctx context.Context, sessionPK, targetMessageID int64) (*domain.SessionReview, error)

	// ListReviewsAfter returns reviews with id > afterID in ascending order.
	ListReviewsAfter(ctx context.Context, afterID int64, limit int) ([]*domain.SessionReview, error)

	// SessionsNeedingReview lists sessions whose newest assistant message
	// has no review yet, most recently active first.
	SessionsNeedingReview(ctx context.Context, limit int) ([]*domain.ReviewCandidate, error)

	// InsertMemory writes a memory row and returns its id.
	InsertMemory(ctx context.Context, m *domain.Memory) (int64, error)

	// AddMemoryEvidence links a memory row to a source message.
	AddMemoryEvidence(ctx context.Context, memoryID, messageID int64) error

	// ListMemories returns facts visible to a session/user pair in scope
	// priority order: session first, then user, then global; within each
	// scope salience desc, updated_at desc, id desc.
	ListMemories(ctx context.Context, sessionPK, userID int64, limit int) ([]*domain.Memory, error)

	// LatestMemoryByKind returns the newest memory row of one kind.
	// Returns nil, nil when none exists.
	LatestMemoryByKind(ctx context.Context, kind string) (*domain.Memory, error)

	Ping(ctx context.Context) error
	Close() error
}

// AgentStore persists the supervisor's command queue and run records,
// separate from the assistant store so the supervisor can operate even
// when the assistant store is unavailable.
type AgentStore interface {
	// EnqueueCommand inserts a queued command and returns its id.
	EnqueueCommand(ctx context.Context, cmd *domain.Command) (int64, error)

	// PendingCommandID returns the id of the oldest queued command of a
	// type, or 0 when none exists. Running commands do not count, so a
	// handler can re-enqueue its own command type while executing.
	PendingCommandID(ctx context.Context, commandType string) (int64, error)

	// ScheduledCommandExists reports whether a queued or running command
	// of the type carries the given occurrence key in its payload.
	ScheduledCommandExists(ctx context.Context, commandType, scheduleKey string) (bool, error)

	// ClaimNextCommand atomically claims the highest-priority ready
	// command (lowest priority value first, then earliest availability),
	// marking it running. Returns nil, nil when nothing is ready.
	ClaimNextCommand(ctx context.Context, agentID, runID string, now time.Time) (*domain.Command, error)

	// FinishCommand records the terminal status and result of a command.
	FinishCommand(ctx context.Context, id int64, status, resultJSON string) error

	// GetCommand retrieves one command. nil, nil when absent.
	GetCommand(ctx context.Context, id int64) (*domain.Command, error)

	// CreateRun inserts a run row.
	CreateRun(ctx context.Context, run *domain.Run) (int64, error)

	// GetRun retrieves a run by its external run id. nil, nil when absent.
	GetRun(ctx context.Context, runID string) (*domain.Run, error)

	// UpdateRunSummary replaces a run's summary scratchpad.
	UpdateRunSummary(ctx context.Context, runID, summaryJSON string) error

	// UpdateRunState replaces a run's state scratchpad.
	UpdateRunState(ctx context.Context, runID, stateJSON string) error

	// FinishRun records a run's terminal status.
	FinishRun(ctx context.Context, runID, status string) error

	Ping(ctx context.Context) error
	Close() error
}

// DomainStore exposes the read surface of the lab database plus the one
// write the assistant may perform (project comments).
type DomainStore interface {
	CountProjects(ctx context.Context) (int64, error)
	CountProjectsForOwner(ctx context.Context, ownerID int64) (int64, error)
	SearchProjects(ctx context.Context, query string, limit int) ([]*domain.Project, error)
	GetProject(ctx context.Context, id int64) (*domain.Project, error)

	SearchPeople(ctx context.Context, query string, limit int) ([]*domain.Person, error)
	GetPerson(ctx context.Context, id int64) (*domain.Person, error)

	SearchExperiments(ctx context.Context, query string, limit int) ([]*domain.Experiment, error)
	GetExperiment(ctx context.Context, id int64) (*domain.Experiment, error)

	ListScheduleSlots(ctx context.Context, from, to time.Time, limit int) ([]*domain.ScheduleSlot, error)

	GetGeneStat(ctx context.Context, symbol string) (*domain.GeneStat, error)

	// EnsureAssistantPerson returns the sentinel "assistant" person row,
	// creating it on first use.
	EnsureAssistantPerson(ctx context.Context) (int64, error)

	// InsertProjectComment writes a comment and returns its id.
	InsertProjectComment(ctx context.Context, projectID, authorID int64, body string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
