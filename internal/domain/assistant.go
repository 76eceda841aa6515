// Package domain defines the entity types shared by stores and services.
package domain

import "time"

// Session is one assistant conversation, identified by an externally
// supplied opaque id. StateJSON holds the versioned conversation state
// blob; it is normalized on read by the assistant package.
type Session struct {
	PK        int64
	SessionID string
	UserID    int64 // 0 = unbound
	StateJSON string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is one turn entry in a session. The auto-incrementing ID is the
// logical clock for "up to id N" semantics. MetaJSON carries provenance
// (provider, model, tool trace, prompt header, compare choices) and
// feedback fields; both are updated in place, the content never is.
type Message struct {
	ID        int64
	SessionPK int64
	Role      string // "user" | "assistant"
	Content   string
	Provider  string
	Model     string
	MetaJSON  string
	// ChosenForMessageID links a committed compare answer back to its
	// user message. Non-zero values are unique, so at most one answer
	// can ever be materialized per compare turn.
	ChosenForMessageID int64
	CreatedAt          time.Time
}

// SessionReview is the supervisor's structured assessment of one
// assistant turn. At most one row exists per (session, target message).
type SessionReview struct {
	ID              int64
	SessionPK       int64
	TargetMessageID int64
	ReviewJSON      string
	CreatedAt       time.Time
}

// Memory is a scoped fact: session-scoped (SessionPK > 0), user-scoped
// (UserID > 0, SessionPK 0) or global (both 0).
type Memory struct {
	ID         int64
	SessionPK  int64
	UserID     int64
	Kind       string
	Key        string
	ValueJSON  string
	Confidence float64
	Importance float64
	Salience   float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MemoryEvidence links a memory row back to a source message.
type MemoryEvidence struct {
	ID        int64
	MemoryID  int64
	MessageID int64
}

// ReviewCandidate describes a session whose newest assistant turn has no
// review yet.
type ReviewCandidate struct {
	SessionID       string
	SessionPK       int64
	LastMessageID   int64
	LastMessageRole string
	MessageCount    int64
	UpdatedAt       time.Time
}
