// Package config provides application configuration.
package config

import (
	"fmt"
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
	Generation  GenerationConfig
	Snapshot    SnapshotConfig
	Prompt      PromptConfig
	RateLimit   RateLimitConfig
	Transcript  TranscriptLogConfig
}

// GenerationConfig controls the generation gateway and its model chain.
type GenerationConfig struct {
	APIKey                string
	BaseURL               string
	ModelChain            []string // highest capability first
	Temperature           float64
	StructuredTemperature float64
	RateLimitBackoff      time.Duration
	RateLimitRetries      int // extra same-model attempts after a rate limit
	RequestTimeout        time.Duration
}

// SnapshotConfig controls context aggregation.
type SnapshotConfig struct {
	MaxListItems int
	CacheTTL     time.Duration
	FetchTimeout time.Duration
}

// PromptConfig controls prompt assembly bounds.
type PromptConfig struct {
	HistoryWindow       int
	DocumentExcerptSize int // bytes of document text injected per prompt
}

// RateLimitConfig controls per-user request throttling.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// TranscriptLogConfig controls NDJSON conversation logging.
type TranscriptLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/sage.db"),
		Generation: GenerationConfig{
			APIKey:                getEnv("GEMINI_API_KEY", ""),
			BaseURL:               getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
			ModelChain:            getEnvList("MODEL_CHAIN", []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.0-flash"}),
			Temperature:           getEnvFloat("GEN_TEMPERATURE", 0.7),
			StructuredTemperature: getEnvFloat("GEN_STRUCTURED_TEMPERATURE", 0.2),
			RateLimitBackoff:      getEnvDuration("GEN_RATE_LIMIT_BACKOFF", 1200*time.Millisecond),
			RateLimitRetries:      getEnvInt("GEN_RATE_LIMIT_RETRIES", 1),
			RequestTimeout:        getEnvDuration("GEN_REQUEST_TIMEOUT", 90*time.Second),
		},
		Snapshot: SnapshotConfig{
			MaxListItems: getEnvInt("SNAPSHOT_MAX_LIST_ITEMS", 5),
			CacheTTL:     getEnvDuration("SNAPSHOT_CACHE_TTL", 30*time.Second),
			FetchTimeout: getEnvDuration("SNAPSHOT_FETCH_TIMEOUT", 3*time.Second),
		},
		Prompt: PromptConfig{
			HistoryWindow:       getEnvInt("PROMPT_HISTORY_WINDOW", 30),
			DocumentExcerptSize: getEnvInt("PROMPT_DOCUMENT_EXCERPT_SIZE", 12000),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Transcript: TranscriptLogConfig{
			Enabled:       getEnvBool("TRANSCRIPT_LOG_ENABLED", true),
			Dir:           getEnv("TRANSCRIPT_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("TRANSCRIPT_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("TRANSCRIPT_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     getEnvInt("TRANSCRIPT_LOG_QUEUE_SIZE", 1000),
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
	if len(c.Generation.ModelChain) == 0 {
		return fmt.Errorf("MODEL_CHAIN cannot be empty")
	}
	if c.Generation.RateLimitRetries < 0 {
		return fmt.Errorf("GEN_RATE_LIMIT_RETRIES cannot be negative")
	}
	if c.Snapshot.MaxListItems <= 0 {
		return fmt.Errorf("SNAPSHOT_MAX_LIST_ITEMS must be > 0")
	}
	if c.Prompt.HistoryWindow <= 0 {
		return fmt.Errorf("PROMPT_HISTORY_WINDOW must be > 0")
	}
	if c.Prompt.DocumentExcerptSize <= 0 {
		return fmt.Errorf("PROMPT_DOCUMENT_EXCERPT_SIZE must be > 0")
	}
	if c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_DIR cannot be empty")
	}
	if c.Transcript.GlobalPath == "" {
		return fmt.Errorf("TRANSCRIPT_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
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

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
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

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var items []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	if len(items) == 0 {
		return fallback
	}
	return items
}
