package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ashureev/ispec/internal/domain"
	"github.com/ashureev/ispec/internal/provider"
	"github.com/ashureev/ispec/internal/textutil"
)

const digestBatchLimit = 50

// handleBuildDigest folds reviews accumulated since the stored cursor into
// one rolling "digest" memory row with evidence links back to the reviewed
// messages. With no new reviews the command succeeds without writing.
func (s *Supervisor) handleBuildDigest(ctx context.Context, cmd *domain.Command) (string, error) {
	state := s.loadOrchestratorState(ctx)

	// The cursor lives in the current run's summary, which starts empty on
	// every process start. Recover it from the newest digest row so a
	// restart does not re-digest already-covered reviews.
	if state.DigestLastReviewID == 0 {
		cursor, err := s.digestCursorFromMemory(ctx)
		if err != nil {
			return "", err
		}
		state.DigestLastReviewID = cursor
	}

	reviews, err := s.assistant.ListReviewsAfter(ctx, state.DigestLastReviewID, digestBatchLimit)
	if err != nil {
		return "", fmt.Errorf("load reviews: %w", err)
	}
	if len(reviews) < s.cfg.DigestMinReviews || len(reviews) == 0 {
		result, _ := sjson.Set("{}", "created", false)
		result, _ = sjson.Set(result, "reviews", len(reviews))
		return result, nil
	}

	fromID := reviews[0].ID
	toID := reviews[len(reviews)-1].ID

	var highlights []string
	var followups []string
	sessions := map[int64]bool{}
	for _, review := range reviews {
		sessions[review.SessionPK] = true
		if summary := gjson.Get(review.ReviewJSON, "summary").String(); summary != "" {
			highlights = append(highlights, summary)
		}
		for _, f := range gjson.Get(review.ReviewJSON, "followups").Array() {
			if f.String() != "" {
				followups = append(followups, f.String())
			}
		}
	}

	value, _ := sjson.Set("{}", "schema_version", 1)
	value, _ = sjson.Set(value, "from_review_id", fromID)
	value, _ = sjson.Set(value, "to_review_id", toID)
	value, _ = sjson.Set(value, "summary", fmt.Sprintf("%d reviews across %d sessions", len(reviews), len(sessions)))
	value, _ = sjson.Set(value, "highlights", highlights)
	value, _ = sjson.Set(value, "followups", followups)
	value, _ = sjson.Set(value, "sessions", len(sessions))

	memoryID, err := s.assistant.InsertMemory(ctx, &domain.Memory{
		Kind:       "digest",
		Key:        fmt.Sprintf("digest:%d-%d", fromID, toID),
		ValueJSON:  value,
		Importance: 0.5,
		Salience:   0.5,
	})
	if err != nil {
		return "", fmt.Errorf("persist digest: %w", err)
	}
	for _, review := range reviews {
		if err := s.assistant.AddMemoryEvidence(ctx, memoryID, review.TargetMessageID); err != nil {
			slog.Error("add digest evidence failed", "memory_id", memoryID, "message_id", review.TargetMessageID, "error", err)
		}
	}

	state.DigestLastReviewID = toID
	state.DigestLastAt = s.now().UTC().Format(time.RFC3339)
	s.saveOrchestratorState(ctx, state)

	result, _ := sjson.Set("{}", "created", true)
	result, _ = sjson.Set(result, "memory_id", memoryID)
	result, _ = sjson.Set(result, "from_review_id", fromID)
	result, _ = sjson.Set(result, "to_review_id", toID)
	return result, nil
}

// digestCursorFromMemory recovers the review cursor from the newest digest
// memory row, whose value records the covered id range.
func (s *Supervisor) digestCursorFromMemory(ctx context.Context) (int64, error) {
	latest, err := s.assistant.LatestMemoryByKind(ctx, "digest")
	if err != nil {
		return 0, fmt.Errorf("load latest digest: %w", err)
	}
	if latest == nil {
		return 0, nil
	}
	return gjson.Get(latest.ValueJSON, "to_review_id").Int(), nil
}

// handleCompactMemory is the model-assisted compaction path: it rolls older
// turns of one session into the summary while preserving the state shape
// the chat loop reads.
func (s *Supervisor) handleCompactMemory(ctx context.Context, cmd *domain.Command) (string, error) {
	sessionID := gjson.Get(cmd.PayloadJSON, "session_id").String()
	if sessionID == "" {
		return "", fmt.Errorf("compact payload missing session_id")
	}

	sess, err := s.assistant.GetSession(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return "", fmt.Errorf("session %s not found", sessionID)
	}

	msgs, err := s.assistant.ListRecentMessages(ctx, sess.PK, 200)
	if err != nil {
		return "", fmt.Errorf("load messages: %w", err)
	}

	summaryUpTo := gjson.Get(sess.StateJSON, "summary_up_to").Int()
	var fresh []*domain.Message
	for _, m := range msgs {
		if m.ID > summaryUpTo {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) < s.cfg.CompactMinNewTurns || len(fresh) <= s.cfg.CompactKeepLast {
		result, _ := sjson.Set("{}", "compacted", false)
		return result, nil
	}

	fold := fresh[:len(fresh)-s.cfg.CompactKeepLast]
	compacted, ok := s.requestCompaction(ctx, fold)
	if !ok {
		return "", fmt.Errorf("compaction output was empty")
	}

	existing := gjson.Get(sess.StateJSON, "summary").String()
	if existing != "" {
		compacted = textutil.ClampTail(existing+" "+compacted, 2000)
	}

	stateJSON := sess.StateJSON
	if stateJSON == "" || !gjson.Valid(stateJSON) {
		stateJSON = "{}"
	}
	stateJSON, _ = sjson.Set(stateJSON, "schema_version", 1)
	stateJSON, _ = sjson.Set(stateJSON, "summary", compacted)
	stateJSON, _ = sjson.Set(stateJSON, "summary_up_to", fold[len(fold)-1].ID)
	if err := s.assistant.UpdateSessionState(ctx, sess.PK, stateJSON); err != nil {
		return "", fmt.Errorf("persist compacted state: %w", err)
	}

	result, _ := sjson.Set("{}", "compacted", true)
	result, _ = sjson.Set(result, "folded", len(fold))
	return result, nil
}

// requestCompaction asks the model for a short prose summary of the folded
// turns, falling back to the deterministic summarizer on provider failure
// so compaction never blocks on the model being up.
func (s *Supervisor) requestCompaction(ctx context.Context, fold []*domain.Message) (string, bool) {
	lines := make([]textutil.SummaryLine, 0, len(fold))
	for _, m := range fold {
		lines = append(lines, textutil.SummaryLine{Role: m.Role, Content: m.Content})
	}
	transcript := textutil.SummarizeTranscript(lines, 200)

	prompt := "Condense this conversation excerpt into a short factual summary paragraph. " +
		"Keep names, ids and decisions; drop pleasantries.\n\n" + transcript
	reply, err := s.llm.Complete(ctx, provider.Request{Messages: []provider.Message{{Role: provider.RoleUser, Content: prompt}}})
	if err != nil || strings.TrimSpace(reply.Content) == "" {
		if err != nil {
			slog.Warn("compaction call failed, using deterministic summary", "error", err)
		}
		if transcript == "" {
			return "", false
		}
		return textutil.ClampTail(transcript, 1000), true
	}
	return textutil.ClampTail(strings.TrimSpace(reply.Content), 1000), true
}
