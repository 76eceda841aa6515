package assistant

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/ashureev/ispec/internal/domain"
	"github.com/ashureev/ispec/internal/identity"
	"github.com/ashureev/ispec/internal/provider"
)

// Choose commits one of the two pending compare candidates attached to a
// user message. Two-phase: Chat stored the candidates, Choose materializes
// the assistant message. Repeating the call with the same index returns the
// already-materialized message.
func (s *Service) Choose(ctx context.Context, user *identity.User, sessionID string, userMessageID int64, index int) (*ChatResult, error) {
	if index != 0 && index != 1 {
		return nil, fmt.Errorf("%w: index must be 0 or 1", ErrBadRequest)
	}

	sess, err := s.lookupSession(ctx, user, sessionID)
	if err != nil {
		return nil, err
	}

	msg, err := s.store.GetMessage(ctx, sess.PK, userMessageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if msg == nil || msg.Role != provider.RoleUser {
		return nil, fmt.Errorf("%w: message %d", ErrNotFound, userMessageID)
	}

	compare := gjson.Get(msg.MetaJSON, "compare")
	if !compare.Exists() {
		return nil, fmt.Errorf("%w: message %d has no pending choices", ErrNotFound, userMessageID)
	}

	// Already committed: idempotent on repeat.
	if chosen := compare.Get("chosen_message_id"); chosen.Exists() && chosen.Int() > 0 {
		if int(compare.Get("chosen").Int()) != index {
			return nil, fmt.Errorf("%w: a different candidate was already chosen", ErrBadRequest)
		}
		existing, err := s.store.GetMessage(ctx, sess.PK, chosen.Int())
		if err != nil {
			return nil, fmt.Errorf("load chosen message: %w", err)
		}
		if existing == nil {
			return nil, fmt.Errorf("%w: chosen message %d", ErrNotFound, chosen.Int())
		}
		return &ChatResult{MessageID: existing.ID, Reply: existing.Content, UserMessageID: userMessageID}, nil
	}

	choices := compare.Get("choices").Array()
	if len(choices) != 2 {
		return nil, fmt.Errorf("%w: message %d has no pending choices", ErrNotFound, userMessageID)
	}

	// chosen_for_message_id carries a unique index, so a concurrent choose
	// racing past the meta check above cannot materialize a second row;
	// the loser recovers the winner instead.
	assistantID, err := s.store.InsertMessage(ctx, &domain.Message{
		SessionPK:          sess.PK,
		Role:               provider.RoleAssistant,
		Content:            choices[index].String(),
		Provider:           compare.Get("provider").String(),
		Model:              compare.Get("model").String(),
		MetaJSON:           marshalMeta(replyMeta{CompareChoice: index + 1}),
		ChosenForMessageID: userMessageID,
	})
	if err != nil {
		winner, lookupErr := s.store.GetChosenMessage(ctx, sess.PK, userMessageID)
		if lookupErr == nil && winner != nil {
			return &ChatResult{MessageID: winner.ID, Reply: winner.Content, UserMessageID: userMessageID}, nil
		}
		return nil, fmt.Errorf("persist chosen message: %w", err)
	}

	meta, _ := sjson.Set(msg.MetaJSON, "compare.chosen", index)
	meta, _ = sjson.Set(meta, "compare.chosen_message_id", assistantID)
	if err := s.store.UpdateMessageMeta(ctx, userMessageID, meta); err != nil {
		return nil, fmt.Errorf("commit choice: %w", err)
	}

	return &ChatResult{MessageID: assistantID, Reply: choices[index].String(), UserMessageID: userMessageID}, nil
}

// Feedback records an up/down rating with an optional note on a message.
// Ratings arrive as "up"/"down" or as the numeric forms 1/-1 (string or
// JSON number).
func (s *Service) Feedback(ctx context.Context, user *identity.User, sessionID string, messageID int64, rating any, note string) error {
	value, ok := normalizeRating(rating)
	if !ok {
		return fmt.Errorf("%w: rating must be \"up\", \"down\", 1 or -1", ErrBadRequest)
	}

	sess, err := s.lookupSession(ctx, user, sessionID)
	if err != nil {
		return err
	}

	msg, err := s.store.GetMessage(ctx, sess.PK, messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if msg == nil {
		return fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}

	if err := s.store.SetMessageFeedback(ctx, messageID, value, note, time.Now()); err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	return nil
}

func normalizeRating(rating any) (int, bool) {
	switch v := rating.(type) {
	case string:
		switch v {
		case "up", "1":
			return 1, true
		case "down", "-1":
			return -1, true
		}
	case float64:
		if v == 1 {
			return 1, true
		}
		if v == -1 {
			return -1, true
		}
	case int:
		if v == 1 || v == -1 {
			return v, true
		}
	}
	return 0, false
}

// lookupSession is resolveSession without the create-on-miss path: choose
// and feedback only make sense on an existing session.
func (s *Service) lookupSession(ctx context.Context, user *identity.User, sessionID string) (*domain.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	var userID int64
	if user != nil {
		userID = user.ID
	}
	if sess.UserID != 0 && userID != 0 && sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}
