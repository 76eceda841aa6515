// Package supervisor implements the background command loop: a
// single-threaded poller that seeds scheduled commands, claims one ready
// command per tick, and dispatches it to a typed handler.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ashureev/ispec/internal/config"
	"github.com/ashureev/ispec/internal/domain"
	"github.com/ashureev/ispec/internal/provider"
	"github.com/ashureev/ispec/internal/store"
)

// Schedule is one recurring notification seeded into the command queue.
type Schedule struct {
	Name    string `json:"name"`
	Cron    string `json:"cron"`
	Channel string `json:"channel"`
	Text    string `json:"text"`

	spec cron.Schedule
}

// Supervisor drains the command queue. Clock and sleep are injectable so
// tests can drive the loop deterministically.
type Supervisor struct {
	cfg       config.SupervisorConfig
	agents    store.AgentStore
	assistant store.AssistantStore
	llm       provider.Provider

	schedules []*Schedule
	webhook   *http.Client

	runID string

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration)
}

// New builds a supervisor. Invalid schedule entries are skipped with a
// warning rather than failing startup.
func New(cfg config.SupervisorConfig, agents store.AgentStore, assistant store.AssistantStore, llm provider.Provider) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		agents:    agents,
		assistant: assistant,
		llm:       llm,
		webhook:   &http.Client{Timeout: 10 * time.Second},
		runID:     uuid.NewString(),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	s.schedules = parseSchedules(cfg.ScheduleJSON)
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func parseSchedules(raw string) []*Schedule {
	if raw == "" {
		return nil
	}
	var entries []*Schedule
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		slog.Warn("invalid notify schedule JSON", "error", err)
		return nil
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	var out []*Schedule
	for _, entry := range entries {
		if entry.Name == "" || entry.Cron == "" {
			slog.Warn("skipping schedule without name or cron", "name", entry.Name)
			continue
		}
		spec, err := parser.Parse(entry.Cron)
		if err != nil {
			slog.Warn("skipping schedule with invalid cron", "name", entry.Name, "error", err)
			continue
		}
		entry.spec = spec
		out = append(out, entry)
	}
	return out
}

// Run executes the poll loop until the context is cancelled, then marks
// the run stopped rather than leaving it running.
func (s *Supervisor) Run(ctx context.Context) error {
	if _, err := s.agents.CreateRun(ctx, &domain.Run{
		RunID:       s.runID,
		AgentID:     s.cfg.AgentID,
		Kind:        "supervisor",
		Status:      domain.RunRunning,
		StateJSON:   "{}",
		SummaryJSON: "{}",
	}); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	slog.Info("supervisor started", "agent_id", s.cfg.AgentID, "run_id", s.runID)

	if err := s.ensureTickQueued(ctx); err != nil {
		slog.Error("seed orchestrator tick failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.agents.FinishRun(stopCtx, s.runID, domain.RunStopped); err != nil {
				slog.Error("mark run stopped failed", "error", err)
			}
			slog.Info("supervisor stopped", "run_id", s.runID)
			return nil
		default:
		}

		s.Tick(ctx)
		s.sleep(ctx, s.cfg.Interval)
	}
}

// Tick performs one poll iteration: seed schedules, then claim and process
// at most one ready command.
func (s *Supervisor) Tick(ctx context.Context) {
	if err := s.seedSchedules(ctx); err != nil {
		slog.Error("seed schedules failed", "error", err)
	}

	cmd, err := s.agents.ClaimNextCommand(ctx, s.cfg.AgentID, s.runID, s.now())
	if err != nil {
		slog.Error("claim command failed", "error", err)
		return
	}
	if cmd == nil {
		return
	}
	s.process(ctx, cmd)
}

func (s *Supervisor) process(ctx context.Context, cmd *domain.Command) {
	slog.Info("processing command", "id", cmd.ID, "type", cmd.CommandType)

	var result string
	var err error
	switch cmd.CommandType {
	case domain.CommandOrchestratorTick:
		result, err = s.handleOrchestratorTick(ctx, cmd)
	case domain.CommandReviewSupportSession:
		result, err = s.handleSessionReview(ctx, cmd)
	case domain.CommandBuildSupportDigest:
		result, err = s.handleBuildDigest(ctx, cmd)
	case domain.CommandCompactSessionMemory:
		result, err = s.handleCompactMemory(ctx, cmd)
	case domain.CommandNotifyPostMessage:
		result, err = s.handleNotify(ctx, cmd)
	default:
		err = fmt.Errorf("unknown command type %q", cmd.CommandType)
	}

	if err != nil {
		slog.Error("command failed", "id", cmd.ID, "type", cmd.CommandType, "error", err)
		errJSON, _ := sjson.Set("{}", "error", err.Error())
		if finishErr := s.agents.FinishCommand(ctx, cmd.ID, domain.CommandFailed, errJSON); finishErr != nil {
			slog.Error("finish command failed", "id", cmd.ID, "error", finishErr)
		}
		return
	}
	if result == "" {
		result = "{}"
	}
	if finishErr := s.agents.FinishCommand(ctx, cmd.ID, domain.CommandSucceeded, result); finishErr != nil {
		slog.Error("finish command failed", "id", cmd.ID, "error", finishErr)
	}
}

// ensureTickQueued guarantees an orchestrator tick is always pending, so a
// fresh deployment starts pacing itself.
func (s *Supervisor) ensureTickQueued(ctx context.Context) error {
	id, err := s.agents.PendingCommandID(ctx, domain.CommandOrchestratorTick)
	if err != nil {
		return err
	}
	if id != 0 {
		return nil
	}
	_, err = s.agents.EnqueueCommand(ctx, &domain.Command{
		CommandType: domain.CommandOrchestratorTick,
		Priority:    10,
		PayloadJSON: "{}",
		AvailableAt: s.now(),
	})
	return err
}

// seedSchedules enqueues the next occurrence of each recurring
// notification, deduplicated per occurrence by a name:time key.
func (s *Supervisor) seedSchedules(ctx context.Context) error {
	if len(s.schedules) == 0 {
		return nil
	}

	run, err := s.agents.GetRun(ctx, s.runID)
	if err != nil {
		return err
	}
	summary := "{}"
	if run != nil && run.SummaryJSON != "" {
		summary = run.SummaryJSON
	}
	lastKey := gjson.Get(summary, "scheduler.last_sent_key").String()

	now := s.now()
	changed := false
	for _, sched := range s.schedules {
		next := sched.spec.Next(now)
		key := sched.Name + ":" + next.UTC().Format(time.RFC3339)
		if key == lastKey {
			continue
		}
		exists, err := s.agents.ScheduledCommandExists(ctx, domain.CommandNotifyPostMessage, key)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		payload, _ := sjson.Set("{}", "key", key)
		payload, _ = sjson.Set(payload, "name", sched.Name)
		payload, _ = sjson.Set(payload, "channel", sched.Channel)
		payload, _ = sjson.Set(payload, "text", sched.Text)
		if _, err := s.agents.EnqueueCommand(ctx, &domain.Command{
			CommandType: domain.CommandNotifyPostMessage,
			Priority:    10,
			PayloadJSON: payload,
			AvailableAt: next,
		}); err != nil {
			return err
		}
		summary, _ = sjson.Set(summary, "scheduler.last_sent_key", key)
		lastKey = key
		changed = true
		slog.Info("seeded scheduled notification", "name", sched.Name, "at", next)
	}

	if changed {
		return s.agents.UpdateRunSummary(ctx, s.runID, summary)
	}
	return nil
}
