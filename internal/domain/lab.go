package domain

import "time"

// Project is a lab project tracked in the core store.
type Project struct {
	ID        int64
	DisplayID string
	Title     string
	Status    string
	OwnerID   int64
	CreatedAt time.Time
}

// Person is a lab member or collaborator.
type Person struct {
	ID        int64
	Name      string
	Email     string
	Title     string
	CreatedAt time.Time
}

// Experiment belongs to a project.
type Experiment struct {
	ID        int64
	ProjectID int64
	Kind      string
	Status    string
	CreatedAt time.Time
}

// ScheduleSlot is one instrument/meeting booking.
type ScheduleSlot struct {
	ID       int64
	PersonID int64
	Kind     string
	StartsAt time.Time
	EndsAt   time.Time
}

// GeneStat is a per-gene enhancer-to-gene score.
type GeneStat struct {
	Symbol  string
	Score   float64
	Tissue  string
	Updated time.Time
}

// ProjectComment is the single writable entity of the assistant core.
type ProjectComment struct {
	ID        int64
	ProjectID int64
	AuthorID  int64
	Body      string
	CreatedAt time.Time
}
