package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/sjson"

	"github.com/ashureev/ispec/internal/config"
	"github.com/ashureev/ispec/internal/domain"
	"github.com/ashureev/ispec/internal/identity"
	"github.com/ashureev/ispec/internal/protocol"
	"github.com/ashureev/ispec/internal/provider"
	"github.com/ashureev/ispec/internal/store"
	"github.com/ashureev/ispec/internal/tools"
)

// Sentinel errors the HTTP layer maps onto status codes. Ownership
// mismatches must stay distinguishable from not-found.
var (
	ErrBadRequest = errors.New("bad request")
	ErrForbidden  = errors.New("session belongs to another user")
	ErrNotFound   = errors.New("not found")
)

const toolLimitFallback = "I hit the tool-call limit for this turn before reaching an answer. Please ask again, or narrow the question."

// Service runs the chat orchestration loop.
type Service struct {
	cfg      config.ChatConfig
	store    store.AssistantStore
	domain   store.DomainStore
	registry *tools.Registry
	llm      provider.Provider
}

// NewService wires the chat loop to its collaborators.
func NewService(cfg config.ChatConfig, st store.AssistantStore, dom store.DomainStore, registry *tools.Registry, llm provider.Provider) *Service {
	return &Service{cfg: cfg, store: st, domain: dom, registry: registry, llm: llm}
}

// ChatRequest is one incoming user turn.
type ChatRequest struct {
	SessionID   string `json:"session_id"`
	Message     string `json:"message"`
	UIRoute     string `json:"ui_route,omitempty"`
	Channel     string `json:"channel,omitempty"`
	ChannelName string `json:"channel_name,omitempty"`
}

// ChatResult is the outcome of a turn. Outside compare mode MessageID and
// Reply are set; in compare mode Choices carries both candidates and the
// assistant message is deferred until Choose.
type ChatResult struct {
	MessageID     int64    `json:"message_id,omitempty"`
	Reply         string   `json:"reply,omitempty"`
	Compare       bool     `json:"compare,omitempty"`
	Choices       []string `json:"choices,omitempty"`
	UserMessageID int64    `json:"user_message_id"`
}

type toolUse struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
}

// replyMeta is the provenance blob stored on assistant messages.
type replyMeta struct {
	Plan          string    `json:"plan,omitempty"`
	Tools         []toolUse `json:"tools,omitempty"`
	PromptHeader  bool      `json:"prompt_header,omitempty"`
	ForcedTool    string    `json:"forced_tool,omitempty"`
	ProviderError bool      `json:"provider_error,omitempty"`
	InputTokens   int64     `json:"input_tokens,omitempty"`
	OutputTokens  int64     `json:"output_tokens,omitempty"`
	CompareChoice int       `json:"compare_choice,omitempty"`
}

// Chat runs one user turn end to end: context assembly, the bounded tool
// loop, final-answer extraction, persistence, and state update. Provider
// and tool failures never surface as HTTP errors; they become visible
// degraded replies.
func (s *Service) Chat(ctx context.Context, user *identity.User, req ChatRequest) (*ChatResult, error) {
	if strings.TrimSpace(req.SessionID) == "" {
		return nil, fmt.Errorf("%w: session_id is required", ErrBadRequest)
	}
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrBadRequest)
	}

	sess, err := s.resolveSession(ctx, user, req.SessionID)
	if err != nil {
		return nil, err
	}

	state := ParseState(sess.StateJSON)
	if req.UIRoute != "" {
		state.UIRoute = req.UIRoute
	}
	state.CurrentProjectID = focalProject(state, req.Message)

	recent, err := s.store.ListRecentMessages(ctx, sess.PK, s.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	hist := BuildHistory(state, recent, s.cfg.HistoryTokenBudget, s.cfg.SummaryMaxChars)
	state = hist.State

	userMeta := "{}"
	if req.Channel != "" {
		userMeta, _ = sjson.Set(userMeta, "channel", req.Channel)
	}
	if req.ChannelName != "" {
		userMeta, _ = sjson.Set(userMeta, "channel_name", req.ChannelName)
	}
	if req.UIRoute != "" {
		userMeta, _ = sjson.Set(userMeta, "ui_route", req.UIRoute)
	}
	userMsgID, err := s.store.InsertMessage(ctx, &domain.Message{
		SessionPK: sess.PK,
		Role:      provider.RoleUser,
		Content:   req.Message,
		MetaJSON:  userMeta,
	})
	if err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	caller := identity.User{}
	if user != nil {
		caller = *user
	}
	visible := s.registry.ForUser(caller)
	openaiProto := s.cfg.Protocol == config.ProtocolOpenAI
	forced := s.detectForcedTool(req.Message, visible)

	msgs := s.buildContext(ctx, &caller, req, sess, state, hist.Messages, visible, userMsgID, forced != "")

	content, meta := s.runToolLoop(ctx, &caller, req, sess.PK, msgs, visible, openaiProto, forced)
	meta.PromptHeader = s.cfg.PromptHeader
	meta.ForcedTool = forced

	if s.cfg.CompareMode && !meta.ProviderError {
		if a, b, ok := protocol.SplitCompareFinals(content); ok {
			compareMeta, _ := sjson.Set(userMeta, "compare.choices", []string{a, b})
			compareMeta, _ = sjson.Set(compareMeta, "compare.provider", s.llm.Name())
			compareMeta, _ = sjson.Set(compareMeta, "compare.model", s.llm.Model())
			if err := s.store.UpdateMessageMeta(ctx, userMsgID, compareMeta); err != nil {
				return nil, fmt.Errorf("persist compare choices: %w", err)
			}
			s.persistState(ctx, sess.PK, state)
			return &ChatResult{Compare: true, Choices: []string{a, b}, UserMessageID: userMsgID}, nil
		}
		// Formatting failure: fall through and treat the text as a single
		// answer rather than dropping the turn.
	}

	plan, final := protocol.SplitPlanFinal(content)
	meta.Plan = plan

	assistantID, err := s.store.InsertMessage(ctx, &domain.Message{
		SessionPK: sess.PK,
		Role:      provider.RoleAssistant,
		Content:   final,
		Provider:  s.llm.Name(),
		Model:     s.llm.Model(),
		MetaJSON:  marshalMeta(meta),
	})
	if err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}

	s.persistState(ctx, sess.PK, state)
	return &ChatResult{MessageID: assistantID, Reply: final, UserMessageID: userMsgID}, nil
}

// runToolLoop drives provider rounds until a final answer, the tool budget,
// or a provider error.
func (s *Service) runToolLoop(ctx context.Context, caller *identity.User, req ChatRequest, sessionPK int64, msgs []provider.Message, visible []*tools.Tool, openaiProto bool, forced string) (string, replyMeta) {
	var meta replyMeta
	specs := toolSpecs(visible)
	rounds := 0

	for {
		preq := provider.Request{Messages: msgs}
		if openaiProto && len(specs) > 0 {
			preq.Tools = specs
		}
		if forced != "" && rounds == 0 && openaiProto {
			preq.ForceTool = forced
		}

		reply, err := s.llm.Complete(ctx, preq)
		if err != nil {
			slog.Error("provider call failed", "error", err)
			meta.ProviderError = true
			return "Assistant error: " + err.Error(), meta
		}
		meta.InputTokens += reply.Usage.InputTokens
		meta.OutputTokens += reply.Usage.OutputTokens

		if openaiProto && len(reply.ToolCalls) > 0 {
			if rounds >= s.cfg.MaxToolCalls {
				if strings.TrimSpace(reply.Content) == "" {
					return toolLimitFallback, meta
				}
				return reply.Content, meta
			}
			msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: reply.Content, ToolCalls: reply.ToolCalls})
			for _, tc := range reply.ToolCalls {
				env := s.registry.Run(ctx, tc.Name, tools.Invocation{
					Args:        tc.Args,
					User:        *caller,
					UserMessage: req.Message,
					SessionPK:   sessionPK,
				})
				meta.Tools = append(meta.Tools, toolUse{Name: env.Tool, OK: env.OK})
				msgs = append(msgs, provider.Message{Role: provider.RoleTool, Content: env.JSON(), ToolCallID: tc.ID})
			}
			rounds++
			continue
		}

		if !openaiProto {
			if call, ok := protocol.ParseToolCall(reply.Content); ok {
				if rounds >= s.cfg.MaxToolCalls {
					// The terminating reply is still a tool directive;
					// showing it verbatim would leak the wire format.
					if protocol.HasFinal(reply.Content) {
						return reply.Content, meta
					}
					return toolLimitFallback, meta
				}
				env := s.registry.Run(ctx, call.Name, tools.Invocation{
					Args:        call.Args,
					User:        *caller,
					UserMessage: req.Message,
					SessionPK:   sessionPK,
				})
				meta.Tools = append(meta.Tools, toolUse{Name: env.Tool, OK: env.OK})
				msgs = append(msgs, provider.Message{Role: provider.RoleAssistant, Content: reply.Content})
				msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: protocol.FormatToolResult(env.Tool, env.JSON())})
				rounds++
				continue
			}
		}

		return reply.Content, meta
	}
}

// resolveSession loads or creates the session and enforces ownership. A
// session bound to one user rejects a different authenticated user.
func (s *Service) resolveSession(ctx context.Context, user *identity.User, sessionID string) (*domain.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var userID int64
	if user != nil {
		userID = user.ID
	}
	if sess == nil {
		sess, err = s.store.CreateSession(ctx, sessionID, userID)
		if err != nil {
			return nil, fmt.Errorf("create session: %w", err)
		}
		return sess, nil
	}
	if sess.UserID != 0 && userID != 0 && sess.UserID != userID {
		return nil, ErrForbidden
	}
	return sess, nil
}

func (s *Service) persistState(ctx context.Context, sessionPK int64, state SessionState) {
	if err := s.store.UpdateSessionState(ctx, sessionPK, state.JSON()); err != nil {
		slog.Error("persist session state failed", "session_pk", sessionPK, "error", err)
	}
}

// buildContext assembles the system prompt, optional header line, summary,
// memory facts, domain context, history window, and the new user message.
func (s *Service) buildContext(ctx context.Context, caller *identity.User, req ChatRequest, sess *domain.Session, state SessionState, history []provider.Message, visible []*tools.Tool, lastMessageID int64, forcedChoice bool) []provider.Message {
	var msgs []provider.Message
	msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: s.systemPrompt(visible)})

	if s.cfg.PromptHeader {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: PromptHeader(HeaderInput{
			User:             caller,
			SessionID:        req.SessionID,
			ProjectID:        state.CurrentProjectID,
			LastMessageID:    lastMessageID,
			HasMemory:        len(state.Memory) > 0,
			HasSummary:       state.Summary != "",
			HasUIRoute:       state.UIRoute != "",
			ToolsAvailable:   len(visible) > 0,
			ProtocolOpenAI:   s.cfg.Protocol == config.ProtocolOpenAI,
			CompareMode:      s.cfg.CompareMode,
			RepoTools:        s.cfg.RepoToolsEnabled,
			ForcedToolChoice: forcedChoice,
		})})
	}

	if state.Summary != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: "Conversation summary so far:\n" + state.Summary})
	}
	if len(state.Memory) > 0 {
		keys := make([]string, 0, len(state.Memory))
		for key := range state.Memory {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString("Remembered facts:\n")
		for _, key := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", key, state.Memory[key])
		}
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: strings.TrimRight(b.String(), "\n")})
	}
	if domainCtx := s.domainContext(ctx, state, req.Message); domainCtx != "" {
		msgs = append(msgs, provider.Message{Role: provider.RoleSystem, Content: domainCtx})
	}

	msgs = append(msgs, history...)
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: req.Message})
	return msgs
}

func (s *Service) systemPrompt(visible []*tools.Tool) string {
	var b strings.Builder
	b.WriteString("You are the iSPEC lab assistant. Answer questions about projects, people, experiments, schedules and gene data.\n")
	if s.cfg.CompareMode {
		b.WriteString("Produce two alternative answers. End your reply with two blocks, one starting with FINAL_A: and one starting with FINAL_B:.\n")
	} else {
		b.WriteString("You may think first under a PLAN: line; always end with a FINAL: line carrying the answer shown to the user.\n")
	}
	if s.cfg.Protocol == config.ProtocolLine && len(visible) > 0 {
		b.WriteString("\nTo use a tool, reply with a single line:\n")
		b.WriteString(protocol.ToolCallPrefix + ` {"name": "<tool>", "arguments": {...}}` + "\n")
		b.WriteString("Available tools:\n")
		for _, t := range visible {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
		b.WriteString("Tool results come back as " + protocol.ToolResultPrefix + " messages.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Focal-project and mentioned-entity context rules: a singular "the/this
// project" reference keeps the current focal project; aggregate questions
// about "projects" drop it; explicitly mentioned ids are always included.
var (
	singularProjectRe  = regexp.MustCompile(`(?i)\b(the|this|that|current)\s+project\b`)
	aggregateProjectRe = regexp.MustCompile(`(?i)\bprojects\b`)
	mentionedProjectRe = regexp.MustCompile(`(?i)\bproject\s+#?(\d{1,9})\b`)
)

func focalProject(state SessionState, message string) int64 {
	if m := mentionedProjectRe.FindStringSubmatch(message); m != nil {
		if id, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			return id
		}
	}
	if state.CurrentProjectID == 0 {
		return 0
	}
	if aggregateProjectRe.MatchString(message) && !singularProjectRe.MatchString(message) {
		return 0
	}
	return state.CurrentProjectID
}

func (s *Service) domainContext(ctx context.Context, state SessionState, message string) string {
	id := state.CurrentProjectID
	if m := mentionedProjectRe.FindStringSubmatch(message); m != nil {
		if parsed, err := strconv.ParseInt(m[1], 10, 64); err == nil {
			id = parsed
		}
	}
	if id == 0 {
		return ""
	}
	if aggregateProjectRe.MatchString(message) && !singularProjectRe.MatchString(message) && !mentionedProjectRe.MatchString(message) {
		return ""
	}
	p, err := s.domain.GetProject(ctx, id)
	if err != nil || p == nil {
		return ""
	}
	return fmt.Sprintf("Current project context: #%d %q (status %s, display id %s).", p.ID, p.Title, p.Status, p.DisplayID)
}

// Forced tool choice: explicit tool language plus a single well-matched
// intent forces that tool for the first round.
var (
	toolLanguageRe = regexp.MustCompile(`(?i)\b(use|call|run|invoke)\b[^.!?\n]{0,40}\btool\b`)
	myProjectsRe   = regexp.MustCompile(`(?i)\bmy\s+projects\b`)
	projectCountRe = regexp.MustCompile(`(?i)\b(how\s+many|count(?:\s+of)?|number\s+of)\b[^.!?\n]{0,40}\bprojects\b`)
)

func (s *Service) detectForcedTool(message string, visible []*tools.Tool) string {
	// Compare turns never force a tool: both candidates must be free to
	// diverge on tool use.
	if s.cfg.Protocol != config.ProtocolOpenAI || s.cfg.CompareMode || !toolLanguageRe.MatchString(message) {
		return ""
	}
	var candidate string
	switch {
	case myProjectsRe.MatchString(message):
		candidate = "count_my_projects"
	case projectCountRe.MatchString(message):
		candidate = "count_all_projects"
	default:
		return ""
	}
	for _, t := range visible {
		if t.Name == candidate {
			return candidate
		}
	}
	return ""
}

func toolSpecs(visible []*tools.Tool) []provider.ToolSpec {
	specs := make([]provider.ToolSpec, 0, len(visible))
	for _, t := range visible {
		specs = append(specs, provider.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Schema})
	}
	return specs
}

func marshalMeta(meta replyMeta) string {
	data, err := json.Marshal(meta)
	if err != nil {
		return "{}"
	}
	return string(data)
}
