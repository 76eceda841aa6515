package supervisor

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tidwall/gjson"

	"github.com/ashureev/ispec/internal/config"
	"github.com/ashureev/ispec/internal/domain"
	"github.com/ashureev/ispec/internal/provider"
	"github.com/ashureev/ispec/internal/store"
)

type stubProvider struct {
	replies []provider.Reply
	calls   []provider.Request
}

func (p *stubProvider) Complete(ctx context.Context, req provider.Request) (*provider.Reply, error) {
	i := len(p.calls)
	p.calls = append(p.calls, req)
	if i >= len(p.replies) {
		i = len(p.replies) - 1
	}
	reply := p.replies[i]
	return &reply, nil
}

func (p *stubProvider) Name() string  { return "stub" }
func (p *stubProvider) Model() string { return "stub-model" }

func testSupervisorConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		AgentID:            "test-agent",
		Interval:           time.Millisecond,
		BaseTickSeconds:    60,
		BacklogTickSeconds: 30,
		MaxReviewsPerTick:  3,
		DigestMinReviews:   1,
		CompactKeepLast:    2,
		CompactMinNewTurns: 4,
	}
}

func newTestSupervisor(t *testing.T, cfg config.SupervisorConfig, stub *stubProvider) (*Supervisor, store.AgentStore, store.AssistantStore) {
	t.Helper()
	dir := t.TempDir()

	agents, err := store.NewAgentSQLite(filepath.Join(dir, "agent.db"))
	if err != nil {
		t.Fatalf("open agent store: %v", err)
	}
	t.Cleanup(func() { agents.Close() })

	assistantStore, err := store.NewAssistantSQLite(filepath.Join(dir, "assistant.db"))
	if err != nil {
		t.Fatalf("open assistant store: %v", err)
	}
	t.Cleanup(func() { assistantStore.Close() })

	s := New(cfg, agents, assistantStore, stub)
	s.sleep = func(ctx context.Context, d time.Duration) {}

	if _, err := agents.CreateRun(context.Background(), &domain.Run{
		RunID:       s.runID,
		AgentID:     cfg.AgentID,
		Kind:        "supervisor",
		Status:      domain.RunRunning,
		StateJSON:   "{}",
		SummaryJSON: "{}",
	}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	return s, agents, assistantStore
}

func seedReviewBacklog(t *testing.T, assistantStore store.AssistantStore, sessionID string) int64 {
	t.Helper()
	ctx := context.Background()
	sess, err := assistantStore.CreateSession(ctx, sessionID, 1)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := assistantStore.InsertMessage(ctx, &domain.Message{SessionPK: sess.PK, Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("insert user message: %v", err)
	}
	if _, err := assistantStore.InsertMessage(ctx, &domain.Message{SessionPK: sess.PK, Role: "assistant", Content: "hi there"}); err != nil {
		t.Fatalf("insert assistant message: %v", err)
	}
	return sess.PK
}

func TestTickClaimsAndSucceedsOneCommand(t *testing.T) {
	stub := &stubProvider{replies: []provider.Reply{{Content: "{}"}}}
	s, agents, _ := newTestSupervisor(t, testSupervisorConfig(), stub)
	ctx := context.Background()

	id, err := agents.EnqueueCommand(ctx, &domain.Command{
		CommandType: domain.CommandBuildSupportDigest,
		Priority:    5,
		PayloadJSON: "{}",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	s.Tick(ctx)

	cmd, err := agents.GetCommand(ctx, id)
	if err != nil || cmd == nil {
		t.Fatalf("get command: %v", err)
	}
	if cmd.Status != domain.CommandSucceeded {
		t.Errorf("Expected succeeded, got %s", cmd.Status)
	}
	if cmd.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", cmd.Attempts)
	}
	if gjson.Get(cmd.ResultJSON, "created").Bool() {
		t.Error("Expected no digest with no reviews")
	}
}

func TestTickClaimsLowestPriorityFirst(t *testing.T) {
	stub := &stubProvider{replies: []provider.Reply{{Content: "{}"}}}
	s, agents, _ := newTestSupervisor(t, testSupervisorConfig(), stub)
	ctx := context.Background()

	low, _ := agents.EnqueueCommand(ctx, &domain.Command{CommandType: domain.CommandBuildSupportDigest, Priority: 20})
	high, _ := agents.EnqueueCommand(ctx, &domain.Command{CommandType: domain.CommandBuildSupportDigest, Priority: 1})

	s.Tick(ctx)

	highCmd, _ := agents.GetCommand(ctx, high)
	lowCmd, _ := agents.GetCommand(ctx, low)
	if highCmd.Status != domain.CommandSucceeded {
		t.Errorf("Expected priority 1 command processed first, got %s", highCmd.Status)
	}
	if lowCmd.Status != domain.CommandQueued {
		t.Errorf("Expected priority 20 command still queued, got %s", lowCmd.Status)
	}
}

func TestOrchestratorForcesReviewOnBacklog(t *testing.T) {
	stub := &stubProvider{replies: []provider.Reply{
		{Content: `{"schema_version":1,"thoughts":"nothing to do","next_tick_seconds":60,"commands":[]}`},
	}}
	s, agents, assistantStore := newTestSupervisor(t, testSupervisorConfig(), stub)
	ctx := context.Background()
	seedReviewBacklog(t, assistantStore, "s1")

	id, _ := agents.EnqueueCommand(ctx, &domain.Command{CommandType: domain.CommandOrchestratorTick, Priority: 10})
	s.Tick(ctx)

	cmd, _ := agents.GetCommand(ctx, id)
	if cmd.Status != domain.CommandSucceeded {
		t.Fatalf("Expected tick to succeed, got %s (%s)", cmd.Status, cmd.ResultJSON)
	}
	if !gjson.Get(cmd.ResultJSON, "forced_review").Bool() {
		t.Error("Expected a forced review when the model scheduled none despite backlog")
	}
	if reviewID, _ := agents.PendingCommandID(ctx, domain.CommandReviewSupportSession); reviewID == 0 {
		t.Error("Expected a review command enqueued")
	}
	if got := gjson.Get(cmd.ResultJSON, "next_tick_reason").String(); got != "review_backlog" {
		t.Errorf("Expected review_backlog pacing, got %s", got)
	}
	if got := gjson.Get(cmd.ResultJSON, "next_tick_seconds").Int(); got != 30 {
		t.Errorf("Expected 30s backlog tick, got %d", got)
	}
	if tickID, _ := agents.PendingCommandID(ctx, domain.CommandOrchestratorTick); tickID == 0 {
		t.Error("Expected the next tick to be enqueued")
	}
}

func TestOrchestratorIdleBackoff(t *testing.T) {
	stub := &stubProvider{replies: []provider.Reply{
		{Content: `{"schema_version":1,"thoughts":"idle","commands":[]}`},
	}}
	s, agents, _ := newTestSupervisor(t, testSupervisorConfig(), stub)
	ctx := context.Background()

	id, _ := agents.EnqueueCommand(ctx, &domain.Command{CommandType: domain.CommandOrchestratorTick, Priority: 10})
	s.Tick(ctx)

	cmd, _ := agents.GetCommand(ctx, id)
	if got := gjson.Get(cmd.ResultJSON, "next_tick_reason").String(); got != "idle_backoff" {
		t.Errorf("Expected idle_backoff, got %s", got)
	}
	if got := gjson.Get(cmd.ResultJSON, "next_tick_seconds").Int(); got != 120 {
		t.Errorf("Expected 120s after first idle tick, got %d", got)
	}

	run, _ := agents.GetRun(ctx, s.runID)
	if got := gjson.Get(run.SummaryJSON, "orchestrator.idle_streak").Int(); got != 1 {
		t.Errorf("Expected idle streak 1, got %d", got)
	}
}

func TestOrchestratorInvalidOutputFailsWithBackoff(t *testing.T) {
	stub := &stubProvider{replies: []provider.Reply{
		{Content: "this is not json"},
		{Content: "still not json"},
	}}
	s, agents, _ := newTestSupervisor(t, testSupervisorConfig(), stub)
	ctx := context.Background()

	id, _ := agents.EnqueueCommand(ctx, &domain.Command{CommandType: domain.CommandOrchestratorTick, Priority: 10})
	s.Tick(ctx)

	if len(stub.calls) != 2 {
		t.Errorf("Expected exactly one repair round-trip, got %d calls", len(stub.calls))
	}
	cmd, _ := agents.GetCommand(ctx, id)
	if cmd.Status != domain.CommandFailed {
		t.Errorf("Expected failed command, got %s", cmd.Status)
	}

	run, _ := agents.GetRun(ctx, s.runID)
	if got := gjson.Get(run.SummaryJSON, "orchestrator.next_tick_reason").String(); got != "invalid_output_backoff" {
		t.Errorf("Expected invalid_output_backoff, got %s", got)
	}
	if got := gjson.Get(run.SummaryJSON, "orchestrator.next_tick_seconds").Int(); got != 120 {
		t.Errorf("Expected 120s error backoff, got %d", got)
	}
	if tickID, _ := agents.PendingCommandID(ctx, domain.CommandOrchestratorTick); tickID == 0 {
		t.Error("Expected the next tick enqueued even after failure")
	}
}

func TestSessionReviewRepairOnce(t *testing.T) {
	valid := `{"schema_version":1,"summary":"turn looked fine","issues":[]}`
	stub := &stubProvider{replies: []provider.Reply{
		{Content: "garbage output"},
		{Content: valid},
	}}
	s, agents, assistantStore := newTestSupervisor(t, testSupervisorConfig(), stub)
	ctx := context.Background()
	sessionPK := seedReviewBacklog(t, assistantStore, "s1")

	id, _ := agents.EnqueueCommand(ctx, &domain.Command{
		CommandType: domain.CommandReviewSupportSession,
		Priority:    5,
		PayloadJSON: `{"session_id":"s1"}`,
	})
	s.Tick(ctx)

	if len(stub.calls) != 2 {
		t.Fatalf("Expected exactly one repair round-trip, got %d calls", len(stub.calls))
	}
	repairMsgs := stub.calls[1].Messages
	if !strings.Contains(repairMsgs[len(repairMsgs)-1].Content, "repair") {
		t.Error("Expected the repair instruction in the second request")
	}

	cmd, _ := agents.GetCommand(ctx, id)
	if cmd.Status != domain.CommandSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", cmd.Status, cmd.ResultJSON)
	}

	sess, _ := assistantStore.GetSession(ctx, "s1")
	msgs, _ := assistantStore.ListRecentMessages(ctx, sess.PK, 10)
	review, err := assistantStore.GetReview(ctx, sessionPK, msgs[len(msgs)-1].ID)
	if err != nil || review == nil {
		t.Fatalf("Expected persisted review, got %v, %v", review, err)
	}
	if gjson.Get(review.ReviewJSON, "schema_version").Int() != 1 {
		t.Errorf("Expected schema_version 1, got %s", review.ReviewJSON)
	}
}

func TestSessionReviewGivesUpAfterRepair(t *testing.T) {
	stub := &stubProvider{replies: []provider.Reply{
		{Content: "garbage"},
		{Content: "more garbage"},
	}}
	s, agents, assistantStore := newTestSupervisor(t, testSupervisorConfig(), stub)
	ctx := context.Background()
	seedReviewBacklog(t, assistantStore, "s1")

	id, _ := agents.EnqueueCommand(ctx, &domain.Command{
		CommandType: domain.CommandReviewSupportSession,
		PayloadJSON: `{"session_id":"s1"}`,
	})
	s.Tick(ctx)

	if len(stub.calls) != 2 {
		t.Errorf("Expected exactly 2 provider calls, got %d", len(stub.calls))
	}
	cmd, _ := agents.GetCommand(ctx, id)
	if cmd.Status != domain.CommandFailed {
		t.Errorf("Expected failed after repair gave up, got %s", cmd.Status)
	}
}

func TestCoerceReviewVariants(t *testing.T) {
	// review_notes wrapper
	review := coerceReview(`{"review_notes":{"summary":"wrapped","issues":[{"severity":"HIGH","category":"nonsense","description":"bad claim","evidence_message_ids":[3,"x",4]}]}}`, "s1", 9)
	if review == nil {
		t.Fatal("Expected wrapper shape accepted")
	}
	if review.Summary != "wrapped" || review.SchemaVersion != 1 {
		t.Errorf("Unexpected coerced review: %+v", review)
	}
	if len(review.Issues) != 1 {
		t.Fatalf("Expected 1 issue, got %d", len(review.Issues))
	}
	issue := review.Issues[0]
	if issue.Severity != "medium" {
		t.Errorf("Expected invalid severity clamped to medium, got %s", issue.Severity)
	}
	if issue.Category != "accuracy" {
		t.Errorf("Expected invalid category clamped to accuracy, got %s", issue.Category)
	}
	if len(issue.EvidenceMessageIDs) != 2 || issue.EvidenceMessageIDs[0] != 3 || issue.EvidenceMessageIDs[1] != 4 {
		t.Errorf("Expected non-integer evidence ids filtered, got %v", issue.EvidenceMessageIDs)
	}

	// legacy review shape
	review = coerceReview(`{"review":{"summary":"legacy","missed_tool_opportunities":["should have counted"],"incorrect_claims":["wrong number"]}}`, "s1", 9)
	if review == nil {
		t.Fatal("Expected legacy shape accepted")
	}
	if len(review.Issues) != 2 {
		t.Fatalf("Expected 2 mapped issues, got %d", len(review.Issues))
	}
	if review.Issues[0].Category != "tool_use" || review.Issues[1].Category != "accuracy" {
		t.Errorf("Expected tool_use then accuracy, got %s and %s", review.Issues[0].Category, review.Issues[1].Category)
	}
	if review.Issues[1].Severity != "high" {
		t.Errorf("Expected incorrect claims mapped to high severity, got %s", review.Issues[1].Severity)
	}

	// rejects
	if coerceReview("not json", "s1", 9) != nil {
		t.Error("Expected invalid JSON rejected")
	}
	if coerceReview(`{"issues":[]}`, "s1", 9) != nil {
		t.Error("Expected missing summary rejected")
	}
}

func TestDigestIdempotent(t *testing.T) {
	stub := &stubProvider{replies: []provider.Reply{{Content: "{}"}}}
	s, agents, assistantStore := newTestSupervisor(t, testSupervisorConfig(), stub)
	ctx := context.Background()
	sessionPK := seedReviewBacklog(t, assistantStore, "s1")

	msgs, _ := assistantStore.ListRecentMessages(ctx, sessionPK, 10)
	targetID := msgs[len(msgs)-1].ID
	if _, _, err := assistantStore.InsertReview(ctx, sessionPK, targetID, `{"schema_version":1,"summary":"fine","followups":["check assay ids"]}`); err != nil {
		t.Fatalf("insert review: %v", err)
	}

	first, _ := agents.EnqueueCommand(ctx, &domain.Command{CommandType: domain.CommandBuildSupportDigest})
	s.Tick(ctx)

	cmd, _ := agents.GetCommand(ctx, first)
	if cmd.Status != domain.CommandSucceeded || !gjson.Get(cmd.ResultJSON, "created").Bool() {
		t.Fatalf("Expected digest created, got %s (%s)", cmd.Status, cmd.ResultJSON)
	}

	memories, _ := assistantStore.ListMemories(ctx, 0, 0, 10)
	if len(memories) != 1 {
		t.Fatalf("Expected 1 digest memory, got %d", len(memories))
	}
	if memories[0].Kind != "digest" {
		t.Errorf("Expected digest kind, got %s", memories[0].Kind)
	}
	value := memories[0].ValueJSON
	if gjson.Get(value, "schema_version").Int() != 1 || gjson.Get(value, "from_review_id").Int() == 0 {
		t.Errorf("Unexpected digest value: %s", value)
	}

	// No new reviews: re-running produces no new memory row.
	second, _ := agents.EnqueueCommand(ctx, &domain.Command{CommandType: domain.CommandBuildSupportDigest})
	s.Tick(ctx)

	cmd, _ = agents.GetCommand(ctx, second)
	if cmd.Status != domain.CommandSucceeded || gjson.Get(cmd.ResultJSON, "created").Bool() {
		t.Fatalf("Expected idempotent digest, got %s (%s)", cmd.Status, cmd.ResultJSON)
	}
	memories, _ = assistantStore.ListMemories(ctx, 0, 0, 10)
	if len(memories) != 1 {
		t.Errorf("Expected still 1 digest memory, got %d", len(memories))
	}
}

func TestDigestCursorSurvivesRestart(t *testing.T) {
	cfg := testSupervisorConfig()
	stub := &stubProvider{replies: []provider.Reply{{Content: "{}"}}}
	s, agents, assistantStore := newTestSupervisor(t, cfg, stub)
	ctx := context.Background()
	sessionPK := seedReviewBacklog(t, assistantStore, "s1")

	msgs, _ := assistantStore.ListRecentMessages(ctx, sessionPK, 10)
	if _, _, err := assistantStore.InsertReview(ctx, sessionPK, msgs[len(msgs)-1].ID, `{"schema_version":1,"summary":"fine"}`); err != nil {
		t.Fatalf("insert review: %v", err)
	}

	first, _ := agents.EnqueueCommand(ctx, &domain.Command{CommandType: domain.CommandBuildSupportDigest})
	s.Tick(ctx)
	cmd, _ := agents.GetCommand(ctx, first)
	if !gjson.Get(cmd.ResultJSON, "created").Bool() {
		t.Fatalf("Expected digest created, got %s", cmd.ResultJSON)
	}

	// A new process gets a fresh run with an empty summary; the cursor
	// must come back from the stored digest row instead.
	restarted := New(cfg, agents, assistantStore, stub)
	restarted.sleep = func(ctx context.Context, d time.Duration) {}
	if _, err := agents.CreateRun(ctx, &domain.Run{
		RunID:       restarted.runID,
		AgentID:     cfg.AgentID,
		Kind:        "supervisor",
		Status:      domain.RunRunning,
		StateJSON:   "{}",
		SummaryJSON: "{}",
	}); err != nil {
		t.Fatalf("create restarted run: %v", err)
	}

	second, _ := agents.EnqueueCommand(ctx, &domain.Command{CommandType: domain.CommandBuildSupportDigest})
	restarted.Tick(ctx)

	cmd, _ = agents.GetCommand(ctx, second)
	if cmd.Status != domain.CommandSucceeded || gjson.Get(cmd.ResultJSON, "created").Bool() {
		t.Fatalf("Expected no digest after restart with no new reviews, got %s (%s)", cmd.Status, cmd.ResultJSON)
	}
	memories, _ := assistantStore.ListMemories(ctx, 0, 0, 10)
	if len(memories) != 1 {
		t.Errorf("Expected still 1 digest memory after restart, got %d", len(memories))
	}
}

func TestScheduleSeedingDedupe(t *testing.T) {
	cfg := testSupervisorConfig()
	cfg.ScheduleJSON = `[{"name":"weekly","cron":"0 9 * * 1","channel":"#lab","text":"Weekly status time"}]`
	stub := &stubProvider{replies: []provider.Reply{{Content: "{}"}}}
	s, agents, _ := newTestSupervisor(t, cfg, stub)
	ctx := context.Background()

	fixed := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	if err := s.seedSchedules(ctx); err != nil {
		t.Fatalf("seed schedules: %v", err)
	}
	if err := s.seedSchedules(ctx); err != nil {
		t.Fatalf("second seed: %v", err)
	}

	id, _ := agents.PendingCommandID(ctx, domain.CommandNotifyPostMessage)
	if id == 0 {
		t.Fatal("Expected a seeded notify command")
	}
	cmd, _ := agents.GetCommand(ctx, id)
	key := gjson.Get(cmd.PayloadJSON, "key").String()
	if !strings.HasPrefix(key, "weekly:") {
		t.Errorf("Expected occurrence key, got %q", key)
	}

	// Exactly one occurrence seeded across both passes.
	run, _ := agents.GetRun(ctx, s.runID)
	if got := gjson.Get(run.SummaryJSON, "scheduler.last_sent_key").String(); got != key {
		t.Errorf("Expected last_sent_key %q, got %q", key, got)
	}
	if exists, _ := agents.ScheduledCommandExists(ctx, domain.CommandNotifyPostMessage, key); !exists {
		t.Error("Expected occurrence recorded in queue")
	}
}

func TestRunMarksStoppedOnCancel(t *testing.T) {
	stub := &stubProvider{replies: []provider.Reply{{Content: "{}"}}}
	cfg := testSupervisorConfig()
	s, agents, _ := newTestSupervisor(t, cfg, stub)

	// Run inserts its own run row, so it needs an id the helper has not
	// already used.
	s.runID = "run-cancel-test"

	// Cancel from the sleep hook so the loop exits after one iteration.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.sleep = func(ctx context.Context, d time.Duration) { cancel() }

	if err := s.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	run, err := agents.GetRun(context.Background(), s.runID)
	if err != nil || run == nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunStopped {
		t.Errorf("Expected run stopped, got %s", run.Status)
	}
}
