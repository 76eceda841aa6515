package domain

import "time"

// Command statuses. Lifecycle: queued -> running -> {succeeded|failed}.
const (
	CommandQueued    = "queued"
	CommandRunning   = "running"
	CommandSucceeded = "succeeded"
	CommandFailed    = "failed"
)

// Command types handled by the supervisor.
const (
	CommandOrchestratorTick     = "orchestrator_tick_v1"
	CommandReviewSupportSession = "assistant_review_support_session_v1"
	CommandBuildSupportDigest   = "assistant_build_support_digest_v1"
	CommandCompactSessionMemory = "assistant_compact_session_memory_v1"
	CommandNotifyPostMessage    = "notify_post_message_v1"
)

// Command is one unit of queued background work. AvailableAt supports
// delayed scheduling; Priority orders ready work (lowest value first).
type Command struct {
	ID          int64
	CommandType string
	Status      string
	Priority    int
	Attempts    int
	MaxAttempts int
	ClaimedBy   string
	PayloadJSON string
	ResultJSON  string
	AvailableAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Run statuses.
const (
	RunRunning   = "running"
	RunStopped   = "stopped"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// Run is one supervisor process invocation. StateJSON and SummaryJSON are
// durable scratchpads (digest cursor, pacing streaks, schedule markers).
type Run struct {
	ID          int64
	RunID       string
	AgentID     string
	Kind        string
	Status      string
	StateJSON   string
	SummaryJSON string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
