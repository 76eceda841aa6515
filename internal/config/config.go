// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Tool-call wire protocols.
const (
	ProtocolLine   = "line"
	ProtocolOpenAI = "openai"
)

// Config holds all application configuration. Constructed once at process
// start and passed by reference; nothing reads environment variables after
// Load returns.
type Config struct {
	Port        string
	FrontendURL string

	AssistantDBPath string
	AgentDBPath     string
	DomainDBPath    string

	Provider   ProviderConfig
	Chat       ChatConfig
	Supervisor SupervisorConfig
}

// ProviderConfig controls the completion-provider client.
type ProviderConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// ChatConfig controls the chat orchestration loop.
type ChatConfig struct {
	Protocol           string // "line" or "openai"
	CompareMode        bool
	PromptHeader       bool
	RepoToolsEnabled   bool
	RepoRoot           string
	APISchemaPath      string
	HistoryLimit       int
	HistoryTokenBudget int
	SummaryMaxChars    int
	MaxToolCalls       int
}

// SupervisorConfig controls the background command loop.
type SupervisorConfig struct {
	AgentID             string
	Interval            time.Duration
	BaseTickSeconds     int
	BacklogTickSeconds  int
	MaxReviewsPerTick   int
	NotifyWebhookURL    string
	ScheduleJSON        string
	DigestMinReviews    int
	CompactKeepLast     int
	CompactMinNewTurns  int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "3001"),
		FrontendURL: getEnv("FRONTEND_URL", ""),

		AssistantDBPath: getEnv("ASSISTANT_DB_PATH", "./data/assistant.db"),
		AgentDBPath:     getEnv("AGENT_DB_PATH", "./data/agent.db"),
		DomainDBPath:    getEnv("DOMAIN_DB_PATH", "./data/core.db"),

		Provider: ProviderConfig{
			BaseURL: getEnv("PROVIDER_BASE_URL", ""),
			APIKey:  getEnv("PROVIDER_API_KEY", ""),
			Model:   getEnv("PROVIDER_MODEL", "gpt-4o-mini"),
			Timeout: time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 60)) * time.Second,
		},
		Chat: ChatConfig{
			Protocol:           getEnv("ASSISTANT_TOOL_PROTOCOL", ProtocolLine),
			CompareMode:        getEnvBool("ASSISTANT_COMPARE_MODE", false),
			PromptHeader:       getEnvBool("ASSISTANT_PROMPT_HEADER", true),
			RepoToolsEnabled:   getEnvBool("ASSISTANT_REPO_TOOLS", false),
			RepoRoot:           getEnv("ASSISTANT_REPO_ROOT", "."),
			APISchemaPath:      getEnv("ASSISTANT_API_SCHEMA_PATH", ""),
			HistoryLimit:       getEnvInt("ASSISTANT_HISTORY_LIMIT", 20),
			HistoryTokenBudget: getEnvInt("ASSISTANT_HISTORY_TOKEN_BUDGET", 6000),
			SummaryMaxChars:    getEnvInt("ASSISTANT_SUMMARY_MAX_CHARS", 2000),
			MaxToolCalls:       getEnvInt("ASSISTANT_MAX_TOOL_CALLS", 2),
		},
		Supervisor: SupervisorConfig{
			AgentID:            getEnv("SUPERVISOR_AGENT_ID", defaultAgentID()),
			Interval:           time.Duration(getEnvInt("SUPERVISOR_INTERVAL_SECONDS", 10)) * time.Second,
			BaseTickSeconds:    getEnvInt("ORCHESTRATOR_BASE_SECONDS", 60),
			BacklogTickSeconds: getEnvInt("ORCHESTRATOR_BACKLOG_SECONDS", 30),
			MaxReviewsPerTick:  getEnvInt("ORCHESTRATOR_MAX_REVIEWS_PER_TICK", 3),
			NotifyWebhookURL:   getEnv("NOTIFY_WEBHOOK_URL", ""),
			ScheduleJSON:       getEnv("NOTIFY_SCHEDULE_JSON", ""),
			DigestMinReviews:   getEnvInt("DIGEST_MIN_REVIEWS", 1),
			CompactKeepLast:    getEnvInt("COMPACT_KEEP_LAST", 6),
			CompactMinNewTurns: getEnvInt("COMPACT_MIN_NEW_TURNS", 8),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.AssistantDBPath == "" {
		return fmt.Errorf("ASSISTANT_DB_PATH cannot be empty")
	}
	if c.AgentDBPath == "" {
		return fmt.Errorf("AGENT_DB_PATH cannot be empty")
	}
	if c.DomainDBPath == "" {
		return fmt.Errorf("DOMAIN_DB_PATH cannot be empty")
	}
	if c.Chat.Protocol != ProtocolLine && c.Chat.Protocol != ProtocolOpenAI {
		return fmt.Errorf("ASSISTANT_TOOL_PROTOCOL must be %q or %q", ProtocolLine, ProtocolOpenAI)
	}
	if c.Chat.HistoryLimit <= 0 {
		return fmt.Errorf("ASSISTANT_HISTORY_LIMIT must be > 0")
	}
	if c.Chat.HistoryTokenBudget <= 0 {
		return fmt.Errorf("ASSISTANT_HISTORY_TOKEN_BUDGET must be > 0")
	}
	if c.Chat.MaxToolCalls < 0 {
		return fmt.Errorf("ASSISTANT_MAX_TOOL_CALLS cannot be negative")
	}
	if c.Supervisor.BaseTickSeconds <= 0 {
		return fmt.Errorf("ORCHESTRATOR_BASE_SECONDS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func defaultAgentID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "supervisor"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
