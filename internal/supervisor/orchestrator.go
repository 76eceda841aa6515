package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ashureev/ispec/internal/domain"
	"github.com/ashureev/ispec/internal/provider"
)

// Reasons recorded for the chosen inter-tick spacing.
const (
	tickReasonModel          = "model"
	tickReasonIdleBackoff    = "idle_backoff"
	tickReasonReviewBacklog  = "review_backlog"
	tickReasonInvalidBackoff = "invalid_output_backoff"
)

const maxTickSeconds = 3600

// allowedCommands lists what the model may schedule from a tick.
var allowedCommands = map[string]bool{
	domain.CommandReviewSupportSession: true,
	domain.CommandBuildSupportDigest:   true,
	domain.CommandCompactSessionMemory: true,
}

var decisionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"schema_version":    map[string]any{"type": "integer"},
		"thoughts":          map[string]any{"type": "string"},
		"next_tick_seconds": map[string]any{"type": "integer"},
		"commands": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"command_type":  map[string]any{"type": "string"},
					"payload":       map[string]any{"type": "object"},
					"delay_seconds": map[string]any{"type": "integer"},
					"priority":      map[string]any{"type": "integer"},
				},
				"required": []string{"command_type"},
			},
		},
	},
	"required": []string{"schema_version", "commands"},
}

type orchestratorState struct {
	IdleStreak         int    `json:"idle_streak"`
	ErrorStreak        int    `json:"error_streak"`
	NextTickSeconds    int    `json:"next_tick_seconds"`
	NextTickReason     string `json:"next_tick_reason"`
	DigestLastReviewID int64  `json:"digest_last_review_id"`
	DigestLastAt       string `json:"digest_last_at,omitempty"`
}

// handleOrchestratorTick asks the model what background work to schedule,
// enqueues it, and paces the next tick: a review backlog pins a short
// interval, idle ticks back off exponentially, and invalid model output
// fails the command with its own backoff.
func (s *Supervisor) handleOrchestratorTick(ctx context.Context, cmd *domain.Command) (string, error) {
	state := s.loadOrchestratorState(ctx)

	backlog, err := s.assistant.SessionsNeedingReview(ctx, s.cfg.MaxReviewsPerTick)
	if err != nil {
		return "", fmt.Errorf("load review backlog: %w", err)
	}

	decision, ok := s.requestDecision(ctx, state, backlog)
	if !ok {
		state.ErrorStreak++
		state.NextTickSeconds = clampTick(s.cfg.BaseTickSeconds * pow2(state.ErrorStreak))
		state.NextTickReason = tickReasonInvalidBackoff
		s.saveOrchestratorState(ctx, state)
		if err := s.enqueueNextTick(ctx, state.NextTickSeconds); err != nil {
			slog.Error("enqueue next tick failed", "error", err)
		}
		return "", fmt.Errorf("orchestrator decision was not valid JSON after repair")
	}
	state.ErrorStreak = 0

	scheduled := 0
	reviewScheduled := false
	for _, c := range decision.Commands {
		if !allowedCommands[c.CommandType] {
			slog.Warn("model scheduled unknown command", "type", c.CommandType)
			continue
		}
		if c.CommandType == domain.CommandReviewSupportSession {
			reviewScheduled = true
		}
		payload := "{}"
		if len(c.Payload) > 0 {
			if data, err := json.Marshal(c.Payload); err == nil {
				payload = string(data)
			}
		}
		if _, err := s.agents.EnqueueCommand(ctx, &domain.Command{
			CommandType: c.CommandType,
			Priority:    c.Priority,
			PayloadJSON: payload,
			AvailableAt: s.now().Add(time.Duration(c.DelaySeconds) * time.Second),
		}); err != nil {
			return "", fmt.Errorf("enqueue %s: %w", c.CommandType, err)
		}
		scheduled++
	}

	// The model saw a backlog but scheduled no review: force one.
	forcedReview := false
	if len(backlog) > 0 && !reviewScheduled {
		payload, _ := sjson.Set("{}", "session_id", backlog[0].SessionID)
		payload, _ = sjson.Set(payload, "target_message_id", backlog[0].LastMessageID)
		if _, err := s.agents.EnqueueCommand(ctx, &domain.Command{
			CommandType: domain.CommandReviewSupportSession,
			Priority:    5,
			PayloadJSON: payload,
			AvailableAt: s.now(),
		}); err != nil {
			return "", fmt.Errorf("enqueue forced review: %w", err)
		}
		scheduled++
		forcedReview = true
	}

	switch {
	case len(backlog) > 0:
		state.IdleStreak = 0
		state.NextTickSeconds = s.cfg.BacklogTickSeconds
		state.NextTickReason = tickReasonReviewBacklog
	case scheduled > 0 && decision.NextTickSeconds > 0:
		state.IdleStreak = 0
		state.NextTickSeconds = clampTick(decision.NextTickSeconds)
		state.NextTickReason = tickReasonModel
	case scheduled > 0:
		state.IdleStreak = 0
		state.NextTickSeconds = s.cfg.BaseTickSeconds
		state.NextTickReason = tickReasonModel
	default:
		state.IdleStreak++
		state.NextTickSeconds = clampTick(s.cfg.BaseTickSeconds * pow2(state.IdleStreak))
		state.NextTickReason = tickReasonIdleBackoff
	}

	s.saveOrchestratorState(ctx, state)
	if err := s.enqueueNextTick(ctx, state.NextTickSeconds); err != nil {
		return "", fmt.Errorf("enqueue next tick: %w", err)
	}

	result, _ := sjson.Set("{}", "thoughts", decision.Thoughts)
	result, _ = sjson.Set(result, "scheduled", scheduled)
	result, _ = sjson.Set(result, "forced_review", forcedReview)
	result, _ = sjson.Set(result, "next_tick_seconds", state.NextTickSeconds)
	result, _ = sjson.Set(result, "next_tick_reason", state.NextTickReason)
	return result, nil
}

type tickDecision struct {
	SchemaVersion   int           `json:"schema_version"`
	Thoughts        string        `json:"thoughts"`
	NextTickSeconds int           `json:"next_tick_seconds"`
	Commands        []tickCommand `json:"commands"`
}

type tickCommand struct {
	CommandType  string         `json:"command_type"`
	Payload      map[string]any `json:"payload"`
	DelaySeconds int            `json:"delay_seconds"`
	Priority     int            `json:"priority"`
}

// requestDecision calls the model with the tick context and a guided JSON
// schema, allowing exactly one repair round for malformed output.
func (s *Supervisor) requestDecision(ctx context.Context, state orchestratorState, backlog []*domain.ReviewCandidate) (*tickDecision, bool) {
	tickCtx, _ := sjson.Set("{}", "schema_version", 1)
	tickCtx, _ = sjson.Set(tickCtx, "now", s.now().UTC().Format(time.RFC3339))
	tickCtx, _ = sjson.Set(tickCtx, "idle_streak", state.IdleStreak)
	tickCtx, _ = sjson.Set(tickCtx, "error_streak", state.ErrorStreak)
	for i, c := range backlog {
		prefix := fmt.Sprintf("sessions_needing_review.%d.", i)
		tickCtx, _ = sjson.Set(tickCtx, prefix+"session_id", c.SessionID)
		tickCtx, _ = sjson.Set(tickCtx, prefix+"last_message_id", c.LastMessageID)
		tickCtx, _ = sjson.Set(tickCtx, prefix+"message_count", c.MessageCount)
	}

	prompt := "You are the background orchestrator for an assistant service. " +
		"Given the context below, decide which maintenance commands to schedule now. " +
		"Reply with JSON only: {\"schema_version\":1,\"thoughts\":...,\"next_tick_seconds\":...,\"commands\":[{\"command_type\":...,\"payload\":{...},\"delay_seconds\":0,\"priority\":10}]}.\n" +
		"Allowed command types: assistant_review_support_session_v1, assistant_build_support_digest_v1, assistant_compact_session_memory_v1.\n\nContext:\n" + tickCtx

	messages := []provider.Message{{Role: provider.RoleUser, Content: prompt}}
	for attempt := 0; attempt < 2; attempt++ {
		reply, err := s.llm.Complete(ctx, provider.Request{Messages: messages, GuidedJSON: decisionSchema})
		if err != nil {
			slog.Error("orchestrator decision call failed", "error", err)
			return nil, false
		}
		if decision := parseDecision(reply.Content); decision != nil {
			return decision, true
		}
		// One repair round: feed the malformed output back.
		messages = append(messages,
			provider.Message{Role: provider.RoleAssistant, Content: reply.Content},
			provider.Message{Role: provider.RoleUser, Content: "That was not valid JSON for the decision schema. Please repair it and reply with JSON only."},
		)
	}
	return nil, false
}

func parseDecision(raw string) *tickDecision {
	if !gjson.Valid(raw) {
		return nil
	}
	if gjson.Get(raw, "schema_version").Int() != 1 {
		return nil
	}
	if !gjson.Get(raw, "commands").IsArray() {
		return nil
	}
	var decision tickDecision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return nil
	}
	return &decision
}

func (s *Supervisor) enqueueNextTick(ctx context.Context, delaySeconds int) error {
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
		AvailableAt: s.now().Add(time.Duration(delaySeconds) * time.Second),
	})
	return err
}

func (s *Supervisor) loadOrchestratorState(ctx context.Context) orchestratorState {
	var state orchestratorState
	run, err := s.agents.GetRun(ctx, s.runID)
	if err != nil || run == nil {
		return state
	}
	if raw := gjson.Get(run.SummaryJSON, "orchestrator"); raw.Exists() {
		_ = json.Unmarshal([]byte(raw.Raw), &state)
	}
	return state
}

func (s *Supervisor) saveOrchestratorState(ctx context.Context, state orchestratorState) {
	run, err := s.agents.GetRun(ctx, s.runID)
	if err != nil || run == nil {
		return
	}
	summary := run.SummaryJSON
	if summary == "" {
		summary = "{}"
	}
	summary, _ = sjson.Set(summary, "orchestrator", state)
	if err := s.agents.UpdateRunSummary(ctx, s.runID, summary); err != nil {
		slog.Error("save orchestrator state failed", "error", err)
	}
}

func clampTick(seconds int) int {
	if seconds < 1 {
		return 1
	}
	if seconds > maxTickSeconds {
		return maxTickSeconds
	}
	return seconds
}

func pow2(n int) int {
	if n < 0 {
		n = 0
	}
	if n > 6 {
		n = 6
	}
	return 1 << n
}
