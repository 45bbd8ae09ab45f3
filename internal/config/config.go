// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override, PARLEY_* prefix)
//  2. Config file (~/.parley/config.yaml or ./config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: completion model, embedder model, temperature
//   - Retrieval: per-source similarity thresholds and limits
//   - Pipeline: merge window, history cap, delivery interval, reconcile schedule
//   - Storage: PostgreSQL connection (see storage.go)
//
// All thresholds and intervals are policy defaults, overridable without a
// code change. Validation is fail-fast with sentinel errors usable with
// errors.Is().
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidThreshold indicates a similarity threshold is out of [0,1].
	ErrInvalidThreshold = errors.New("invalid similarity threshold")

	// ErrInvalidLimit indicates a retrieval limit is out of range.
	ErrInvalidLimit = errors.New("invalid retrieval limit")

	// ErrInvalidInterval indicates a duration setting is out of range.
	ErrInvalidInterval = errors.New("invalid interval")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")
)

const (
	// DefaultEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 supports truncation to 768 dimensions via
	// OutputDimensionality; the pgvector schema uses 768.
	DefaultEmbedderModel = "gemini-embedding-001"

	// EmbeddingDimension is the vector dimension the schema is built for.
	// Candidates with a different dimensionality are skipped at search time
	// (stale embedding version).
	EmbeddingDimension = 768

	// DefaultMergeWindow is the quiet period after which buffered user
	// messages become eligible for processing as one merged turn.
	DefaultMergeWindow = 15 * time.Second

	// DefaultDeliveryInterval is the pause between deferred delivery units.
	DefaultDeliveryInterval = 10 * time.Second
)

// RetrievalConfig groups the per-source similarity policies.
// Lower thresholds admit more context; the force threshold is the level at
// which a scripted answer overrides generation instead of biasing it.
type RetrievalConfig struct {
	PersonaThreshold      float64 `mapstructure:"persona_threshold" json:"persona_threshold"`
	AbbreviationThreshold float64 `mapstructure:"abbreviation_threshold" json:"abbreviation_threshold"`
	AbbreviationLimit     int     `mapstructure:"abbreviation_limit" json:"abbreviation_limit"`
	ScriptThreshold       float64 `mapstructure:"script_threshold" json:"script_threshold"`
	ScriptForceThreshold  float64 `mapstructure:"script_force_threshold" json:"script_force_threshold"`
	ScriptLimit           int     `mapstructure:"script_limit" json:"script_limit"`

	// SnippetCap bounds the soft reference block in the assembled prompt.
	SnippetCap int `mapstructure:"snippet_cap" json:"snippet_cap"`

	// FallbackScore is the fixed low-confidence score reported by the
	// substring fallback when no query embedding is available.
	FallbackScore float64 `mapstructure:"fallback_score" json:"fallback_score"`
}

// Config stores application configuration.
type Config struct {
	// AI provider and model configuration
	Provider      string  `mapstructure:"provider" json:"provider"`
	ModelName     string  `mapstructure:"model_name" json:"model_name"`
	Temperature   float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens     int     `mapstructure:"max_tokens" json:"max_tokens"`
	Language      string  `mapstructure:"language" json:"language"`
	EmbedderModel string  `mapstructure:"embedder_model" json:"embedder_model"`
	OllamaHost    string  `mapstructure:"ollama_host" json:"ollama_host"`

	// EmbeddingEnabled feature-flags the embedding service entirely.
	// When false, retrieval runs on the substring fallback only.
	EmbeddingEnabled bool `mapstructure:"embedding_enabled" json:"embedding_enabled"`

	// Retrieval policy
	Retrieval RetrievalConfig `mapstructure:"retrieval" json:"retrieval"`

	// Pipeline pacing
	MergeWindow      time.Duration `mapstructure:"merge_window" json:"merge_window"`
	HistoryLimit     int           `mapstructure:"history_limit" json:"history_limit"`
	DeliveryInterval time.Duration `mapstructure:"delivery_interval" json:"delivery_interval"`

	// Reconciler
	ReconcileSchedule  string        `mapstructure:"reconcile_schedule" json:"reconcile_schedule"`
	ReconcileBatchSize int           `mapstructure:"reconcile_batch_size" json:"reconcile_batch_size"`
	EmbedRate          float64       `mapstructure:"embed_rate" json:"embed_rate"` // embedding calls per second
	EmbedTimeout       time.Duration `mapstructure:"embed_timeout" json:"embed_timeout"`

	// HTTP server
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"-"`
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".parley")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL, when set, overrides the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config populated with defaults only, without touching
// the filesystem or environment. Used by tests and as a baseline.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults are hardcoded and always unmarshal cleanly.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// QualifiedModelName returns the model name prefixed with its Genkit
// provider namespace.
func (c *Config) QualifiedModelName() string {
	if c.Provider == "ollama" {
		return "ollama/" + c.ModelName
	}
	return "googleai/" + c.ModelName
}

// setDefaults sets all default configuration values.
func setDefaults(v *viper.Viper) {
	// AI defaults
	v.SetDefault("provider", "gemini")
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 2048)
	v.SetDefault("language", "en")
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("embedding_enabled", true)
	v.SetDefault("ollama_host", "http://localhost:11434")

	// Retrieval policy defaults (documented policy, not baked-in constants)
	v.SetDefault("retrieval.persona_threshold", 0.3)
	v.SetDefault("retrieval.abbreviation_threshold", 0.6)
	v.SetDefault("retrieval.abbreviation_limit", 5)
	v.SetDefault("retrieval.script_threshold", 0.5)
	v.SetDefault("retrieval.script_force_threshold", 0.95)
	v.SetDefault("retrieval.script_limit", 10)
	v.SetDefault("retrieval.snippet_cap", 3)
	v.SetDefault("retrieval.fallback_score", 0.1)

	// Pipeline pacing defaults
	v.SetDefault("merge_window", DefaultMergeWindow)
	v.SetDefault("history_limit", 20)
	v.SetDefault("delivery_interval", DefaultDeliveryInterval)

	// Reconciler defaults
	v.SetDefault("reconcile_schedule", "@every 1m")
	v.SetDefault("reconcile_batch_size", 50)
	v.SetDefault("embed_rate", 5.0)
	v.SetDefault("embed_timeout", 15*time.Second)

	// Server defaults
	v.SetDefault("listen_addr", "127.0.0.1:3600")

	// PostgreSQL defaults (local development)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "parley")
	v.SetDefault("postgres_password", "parley_dev_password")
	v.SetDefault("postgres_db_name", "parley")
	v.SetDefault("postgres_ssl_mode", "disable")
}

// bindEnvVariables binds environment overrides explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via Viper; its presence is
// checked in Validate based on the selected provider.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys can't fail to bind; a panic here is a bug, not a
	// runtime error.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "PARLEY_PROVIDER")
	mustBind("model_name", "PARLEY_MODEL_NAME")
	mustBind("embedder_model", "PARLEY_EMBEDDER_MODEL")
	mustBind("embedding_enabled", "PARLEY_EMBEDDING_ENABLED")
	mustBind("ollama_host", "PARLEY_OLLAMA_HOST")
	mustBind("language", "PARLEY_LANGUAGE")
	mustBind("listen_addr", "PARLEY_LISTEN_ADDR")

	mustBind("retrieval.persona_threshold", "PARLEY_PERSONA_THRESHOLD")
	mustBind("retrieval.abbreviation_threshold", "PARLEY_ABBREVIATION_THRESHOLD")
	mustBind("retrieval.script_threshold", "PARLEY_SCRIPT_THRESHOLD")
	mustBind("retrieval.script_force_threshold", "PARLEY_SCRIPT_FORCE_THRESHOLD")

	mustBind("merge_window", "PARLEY_MERGE_WINDOW")
	mustBind("history_limit", "PARLEY_HISTORY_LIMIT")
	mustBind("delivery_interval", "PARLEY_DELIVERY_INTERVAL")
	mustBind("reconcile_schedule", "PARLEY_RECONCILE_SCHEDULE")
}
