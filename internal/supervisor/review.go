package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ashureev/ispec/internal/domain"
	"github.com/ashureev/ispec/internal/provider"
	"github.com/ashureev/ispec/internal/textutil"
)

// Review is the canonical structured review of one assistant turn,
// always emitted as schema version 1 regardless of what shape the model
// answered in.
type Review struct {
	SchemaVersion     int           `json:"schema_version"`
	SessionID         string        `json:"session_id"`
	TargetMessageID   int64         `json:"target_message_id"`
	Summary           string        `json:"summary"`
	Issues            []ReviewIssue `json:"issues"`
	RepoSearchQueries []string      `json:"repo_search_queries"`
	Followups         []string      `json:"followups"`
}

// ReviewIssue is one problem found in the reviewed turn.
type ReviewIssue struct {
	Severity           string  `json:"severity"`
	Category           string  `json:"category"`
	Description        string  `json:"description"`
	EvidenceMessageIDs []int64 `json:"evidence_message_ids"`
	SuggestedFix       string  `json:"suggested_fix,omitempty"`
}

var reviewSeverities = map[string]bool{"low": true, "medium": true, "high": true}
var reviewCategories = map[string]bool{
	"accuracy": true, "tool_use": true, "completeness": true, "safety": true, "style": true,
}

var reviewSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"schema_version":    map[string]any{"type": "integer"},
		"session_id":        map[string]any{"type": "string"},
		"target_message_id": map[string]any{"type": "integer"},
		"summary":           map[string]any{"type": "string"},
		"issues": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"severity":             map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
					"category":             map[string]any{"type": "string", "enum": []string{"accuracy", "tool_use", "completeness", "safety", "style"}},
					"description":          map[string]any{"type": "string"},
					"evidence_message_ids": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
					"suggested_fix":        map[string]any{"type": "string"},
				},
				"required": []string{"description"},
			},
		},
		"repo_search_queries": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"followups":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
	"required": []string{"summary", "issues"},
}

// handleSessionReview asks the model for a structured review of one
// assistant turn, coercing known shape variants and allowing exactly one
// repair round before failing.
func (s *Supervisor) handleSessionReview(ctx context.Context, cmd *domain.Command) (string, error) {
	sessionID := gjson.Get(cmd.PayloadJSON, "session_id").String()
	if sessionID == "" {
		return "", fmt.Errorf("review payload missing session_id")
	}

	sess, err := s.assistant.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return "", fmt.Errorf("session %s not found", sessionID)
	}

	msgs, err := s.assistant.ListRecentMessages(ctx, sess.PK, 20)
	if err != nil {
		return "", fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("session %s has no messages", sessionID)
	}

	targetID := gjson.Get(cmd.PayloadJSON, "target_message_id").Int()
	if targetID == 0 {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == provider.RoleAssistant {
				targetID = msgs[i].ID
				break
			}
		}
	}
	if targetID == 0 {
		return "", fmt.Errorf("session %s has no assistant turn to review", sessionID)
	}

	review, ok := s.requestReview(ctx, sessionID, targetID, msgs)
	if !ok {
		return "", fmt.Errorf("review output was not valid after repair")
	}

	data, err := json.Marshal(review)
	if err != nil {
		return "", fmt.Errorf("encode review: %w", err)
	}
	reviewID, created, err := s.assistant.InsertReview(ctx, sess.PK, targetID, string(data))
	if err != nil {
		return "", fmt.Errorf("persist review: %w", err)
	}

	result, _ := sjson.Set("{}", "review_id", reviewID)
	result, _ = sjson.Set(result, "created", created)
	result, _ = sjson.Set(result, "issues", len(review.Issues))
	return result, nil
}

func (s *Supervisor) requestReview(ctx context.Context, sessionID string, targetID int64, msgs []*domain.Message) (*Review, bool) {
	var transcript strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&transcript, "[%d] %s: %s\n", m.ID, m.Role, textutil.Truncate(m.Content, 400))
	}

	prompt := fmt.Sprintf(
		"Review the assistant turn with message id %d in the transcript below. "+
			"Report problems with accuracy, tool use, completeness, safety or style. "+
			"Reply with JSON only: {\"schema_version\":1,\"session_id\":%q,\"target_message_id\":%d,\"summary\":...,"+
			"\"issues\":[{\"severity\":\"low|medium|high\",\"category\":\"accuracy|tool_use|completeness|safety|style\","+
			"\"description\":...,\"evidence_message_ids\":[...],\"suggested_fix\":...}],"+
			"\"repo_search_queries\":[...],\"followups\":[...]}\n\nTranscript:\n%s",
		targetID, sessionID, targetID, transcript.String())

	messages := []provider.Message{{Role: provider.RoleUser, Content: prompt}}
	for attempt := 0; attempt < 2; attempt++ {
		reply, err := s.llm.Complete(ctx, provider.Request{Messages: messages, GuidedJSON: reviewSchema})
		if err != nil {
			slog.Error("review call failed", "error", err)
			return nil, false
		}
		if review := coerceReview(reply.Content, sessionID, targetID); review != nil {
			return review, true
		}
		messages = append(messages,
			provider.Message{Role: provider.RoleAssistant, Content: reply.Content},
			provider.Message{Role: provider.RoleUser, Content: "That did not match the review schema. Please repair it and reply with the JSON object only."},
		)
	}
	return nil, false
}

// coerceReview normalizes model output into the canonical Review. Accepts
// the canonical shape, a review_notes wrapper, and a legacy review object
// with missed_tool_opportunities/incorrect_claims lists.
func coerceReview(raw, sessionID string, targetID int64) *Review {
	if !gjson.Valid(raw) {
		return nil
	}
	root := gjson.Parse(raw)
	if !root.IsObject() {
		return nil
	}

	body := root
	if wrapped := root.Get("review_notes"); wrapped.IsObject() {
		body = wrapped
	} else if wrapped := root.Get("review"); wrapped.IsObject() {
		body = wrapped
	}

	summary := strings.TrimSpace(body.Get("summary").String())
	if summary == "" {
		return nil
	}

	review := &Review{
		SchemaVersion:     1,
		SessionID:         sessionID,
		TargetMessageID:   targetID,
		Summary:           summary,
		Issues:            []ReviewIssue{},
		RepoSearchQueries: stringList(body.Get("repo_search_queries")),
		Followups:         stringList(body.Get("followups")),
	}

	for _, issue := range body.Get("issues").Array() {
		review.Issues = append(review.Issues, coerceIssue(issue))
	}

	// Legacy shape: flat lists instead of issue objects.
	for _, missed := range body.Get("missed_tool_opportunities").Array() {
		review.Issues = append(review.Issues, ReviewIssue{
			Severity:           "medium",
			Category:           "tool_use",
			Description:        missed.String(),
			EvidenceMessageIDs: []int64{},
		})
	}
	for _, claim := range body.Get("incorrect_claims").Array() {
		review.Issues = append(review.Issues, ReviewIssue{
			Severity:           "high",
			Category:           "accuracy",
			Description:        claim.String(),
			EvidenceMessageIDs: []int64{},
		})
	}

	return review
}

func coerceIssue(raw gjson.Result) ReviewIssue {
	issue := ReviewIssue{
		Severity:           strings.ToLower(raw.Get("severity").String()),
		Category:           strings.ToLower(raw.Get("category").String()),
		Description:        raw.Get("description").String(),
		SuggestedFix:       raw.Get("suggested_fix").String(),
		EvidenceMessageIDs: []int64{},
	}
	if !reviewSeverities[issue.Severity] {
		issue.Severity = "medium"
	}
	if !reviewCategories[issue.Category] {
		issue.Category = "accuracy"
	}
	for _, id := range raw.Get("evidence_message_ids").Array() {
		if id.Type == gjson.Number {
			issue.EvidenceMessageIDs = append(issue.EvidenceMessageIDs, id.Int())
		}
	}
	return issue
}

func stringList(raw gjson.Result) []string {
	out := []string{}
	for _, item := range raw.Array() {
		if s := strings.TrimSpace(item.String()); s != "" && item.Type == gjson.String {
			out = append(out, s)
		}
	}
	return out
}
