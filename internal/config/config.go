// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	// APIBaseURL hosts chat, tools, registration and feedback endpoints.
	APIBaseURL string
	// IntegrationsBaseURL hosts the Jira and calendar integration endpoints.
	IntegrationsBaseURL string
	// ChatGRPCAddr switches the chat transport to gRPC when set.
	ChatGRPCAddr   string
	ServiceTimeout time.Duration

	DefaultJiraProjectKey string
	AssistantIdleTTL      time.Duration
	// TranscriptRetention is how long closed conversations are kept.
	TranscriptRetention time.Duration

	RateLimit          RateLimitConfig
	MaxRequestBodySize int64
	ConversationLog    ConversationLogConfig
}

// RateLimitConfig bounds message throughput per anonymous user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		FrontendURL:           getEnv("FRONTEND_URL", ""),
		DBPath:                getEnv("DB_PATH", "./data/assistant.db"),
		APIBaseURL:            strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:8000/api/v1"), "/"),
		IntegrationsBaseURL:   strings.TrimRight(getEnv("INTEGRATIONS_BASE_URL", "http://localhost:8000/api"), "/"),
		ChatGRPCAddr:          getEnv("CHAT_GRPC_ADDR", ""),
		ServiceTimeout:        getEnvDuration("SERVICE_TIMEOUT", 60*time.Second),
		DefaultJiraProjectKey: getEnv("DEFAULT_JIRA_PROJECT_KEY", "CHANGE"),
		AssistantIdleTTL:      getEnvDuration("ASSISTANT_IDLE_TTL", 2*time.Hour),
		TranscriptRetention:   getEnvDuration("TRANSCRIPT_RETENTION", 30*24*time.Hour),
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if err := validateBaseURL("API_BASE_URL", c.APIBaseURL); err != nil {
		return err
	}
	if err := validateBaseURL("INTEGRATIONS_BASE_URL", c.IntegrationsBaseURL); err != nil {
		return err
	}
	if c.ServiceTimeout <= 0 {
		return fmt.Errorf("SERVICE_TIMEOUT must be > 0")
	}
	if strings.TrimSpace(c.DefaultJiraProjectKey) == "" {
		return fmt.Errorf("DEFAULT_JIRA_PROJECT_KEY cannot be empty")
	}
	if c.AssistantIdleTTL <= 0 {
		return fmt.Errorf("ASSISTANT_IDLE_TTL must be > 0")
	}
	if c.TranscriptRetention <= 0 {
		return fmt.Errorf("TRANSCRIPT_RETENTION must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	if c.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{strings.TrimRight(c.FrontendURL, "/")}
}

// OriginPatterns returns the websocket origin host patterns for the frontend.
func (c *Config) OriginPatterns() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	u, err := url.Parse(c.FrontendURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}

func validateBaseURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s cannot be empty", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must use http or https", key)
	}
	return nil
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
