package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oshared "github.com/openai/openai-go/shared"

	"github.com/ashureev/ispec/internal/config"
)

// OpenAI talks to any OpenAI-compatible chat completions endpoint,
// including vLLM deployments that accept guided_json.
type OpenAI struct {
	client openai.Client
	model  string
	name   string
}

// NewOpenAI builds a client from provider config.
func NewOpenAI(cfg config.ProviderConfig) *OpenAI {
	opts := []ooption.RequestOption{ooption.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, ooption.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, ooption.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		model:  cfg.Model,
		name:   "openai",
	}
}

func (p *OpenAI) Name() string  { return p.name }
func (p *OpenAI) Model() string { return p.model }

// Complete sends one chat completion turn and maps the first choice back.
func (p *OpenAI) Complete(ctx context.Context, req Request) (*Reply, error) {
	params := openai.ChatCompletionNewParams{
		Model:    oshared.ChatModel(p.model),
		Messages: buildChatMessages(req.Messages),
	}
	if len(req.Tools) > 0 {
		params.Tools = buildChatTools(req.Tools)
	}

	var callOpts []ooption.RequestOption
	if req.ForceTool != "" {
		callOpts = append(callOpts, ooption.WithJSONSet("tool_choice", map[string]any{
			"type":     "function",
			"function": map[string]any{"name": req.ForceTool},
		}))
	}
	if req.GuidedJSON != nil {
		callOpts = append(callOpts, ooption.WithJSONSet("guided_json", req.GuidedJSON))
	}

	resp, err := p.client.Chat.Completions.New(ctx, params, callOpts...)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: empty choices")
	}

	msg := resp.Choices[0].Message
	reply := &Reply{
		Content:  msg.Content,
		Provider: p.name,
		Model:    p.model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		call := ToolCall{
			ID:   strings.TrimSpace(tc.ID),
			Name: strings.TrimSpace(tc.Function.Name),
			Args: map[string]any{},
		}
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d", len(reply.ToolCalls)+1)
		}
		if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
			_ = json.Unmarshal([]byte(raw), &call.Args)
		}
		reply.ToolCalls = append(reply.ToolCalls, call)
	}
	return reply, nil
}

func buildChatMessages(messages []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		case RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				args, err := json.Marshal(tc.Args)
				if err != nil {
					args = []byte("{}")
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				})
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
			if msg.Content != "" {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(msg.Content)}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func buildChatTools(specs []ToolSpec) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(specs))
	for _, spec := range specs {
		fn := oshared.FunctionDefinitionParam{
			Name:        spec.Name,
			Description: openai.String(spec.Description),
		}
		if spec.Parameters != nil {
			fn.Parameters = oshared.FunctionParameters(spec.Parameters)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}
