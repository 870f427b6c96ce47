// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override, CHORUS_ prefix)
//  2. Config file (~/.chorus/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: Gemini API key, model tier names, embedder model
//   - Pipeline: flush cadence, display chunk budget, memory window
//   - Credits: per-tier response costs, large-context surcharge threshold
//   - Storage: PostgreSQL connection URL for the vector store
//   - Search: web-search endpoint used by the search tool
//
// Error Handling:
//   - Sentinel errors for Go-idiomatic checking with errors.Is()
//   - Wrapped with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidChunkBudget indicates the display chunk budget is out of range.
	ErrInvalidChunkBudget = errors.New("invalid chunk budget")

	// ErrInvalidFlushCadence indicates the stream flush cadence is out of range.
	ErrInvalidFlushCadence = errors.New("invalid flush cadence")

	// ErrInvalidMemoryWindow indicates the bounded history window is out of range.
	ErrInvalidMemoryWindow = errors.New("invalid memory window")

	// ErrInvalidCreditCost indicates a per-tier credit cost is negative.
	ErrInvalidCreditCost = errors.New("invalid credit cost")

	// ErrInvalidPostgresURL indicates the PostgreSQL connection URL is malformed.
	ErrInvalidPostgresURL = errors.New("invalid PostgreSQL URL")
)

// Defaults mirror the behavior of the original service.
const (
	// DefaultChunkBudget is the display surface's per-message character budget.
	DefaultChunkBudget = 1970

	// DefaultFlushCadence is the number of stream events between display flushes.
	DefaultFlushCadence = 15

	// DefaultMemoryWindow is the bounded history size before semantic overflow.
	DefaultMemoryWindow = 14

	// DefaultMaxOutputTokens bounds a single model response.
	DefaultMaxOutputTokens = 1024

	// DefaultNoticeWindow rate-limits "credits needed" notices per scope.
	DefaultNoticeWindow = 45 * time.Second

	// DefaultCooldown is the per-scope inbound event cooldown.
	DefaultCooldown = 2 * time.Second

	// DefaultEmbedModel is the Gemini embedder model for the vector store.
	DefaultEmbedModel = "gemini-embedding-001"
)

// AI holds model provider configuration.
type AI struct {
	GeminiAPIKey string `mapstructure:"gemini_api_key"`
	EmbedModel   string `mapstructure:"embed_model"`

	// Tier name -> provider model ID. Populated with defaults for the three
	// tiers the ledger knows about (standard, large-context, premium).
	TierModels map[string]string `mapstructure:"tier_models"`
}

// Pipeline holds response streaming configuration.
type Pipeline struct {
	ChunkBudget     int           `mapstructure:"chunk_budget"`
	FlushCadence    int           `mapstructure:"flush_cadence"`
	MemoryWindow    int           `mapstructure:"memory_window"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens"`
	TurnDelay       time.Duration `mapstructure:"turn_delay"`
}

// Credits holds the prepaid-credit policy.
type Credits struct {
	StandardCost      int           `mapstructure:"standard_cost"`
	PremiumCost       int           `mapstructure:"premium_cost"`
	SurchargeTokens   int           `mapstructure:"surcharge_tokens"`
	NoticeWindow      time.Duration `mapstructure:"notice_window"`
	TopUpBearerSecret string        `mapstructure:"topup_bearer_secret"`
}

// Storage holds vector store connection configuration.
type Storage struct {
	PostgresURL string `mapstructure:"postgres_url"`
}

// Search holds web-search tool configuration.
type Search struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Config is the root application configuration.
type Config struct {
	AI       AI       `mapstructure:"ai"`
	Pipeline Pipeline `mapstructure:"pipeline"`
	Credits  Credits  `mapstructure:"credits"`
	Storage  Storage  `mapstructure:"storage"`
	Search   Search   `mapstructure:"search"`

	ListenAddr string `mapstructure:"listen_addr"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		AI: AI{
			EmbedModel: DefaultEmbedModel,
			TierModels: map[string]string{
				"standard":      "gemini-2.5-flash",
				"large-context": "gemini-2.5-flash",
				"premium":       "gemini-2.5-pro",
			},
		},
		Pipeline: Pipeline{
			ChunkBudget:     DefaultChunkBudget,
			FlushCadence:    DefaultFlushCadence,
			MemoryWindow:    DefaultMemoryWindow,
			MaxOutputTokens: DefaultMaxOutputTokens,
			TurnDelay:       4 * time.Second,
		},
		Credits: Credits{
			StandardCost:    1,
			PremiumCost:     10,
			SurchargeTokens: 4000,
			NoticeWindow:    DefaultNoticeWindow,
		},
		Search: Search{
			Timeout: 30 * time.Second,
		},
		ListenAddr: ":8390",
		Cooldown:   DefaultCooldown,
	}
}

// Load reads configuration from file and environment into a Config.
// Missing file is not an error; defaults and env vars still apply.
func Load() (*Config, error) {
	v := viper.New()

	home, err := os.UserHomeDir()
	if err == nil {
		v.AddConfigPath(filepath.Join(home, ".chorus"))
	}
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("CHORUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("ai.embed_model", d.AI.EmbedModel)
	v.SetDefault("pipeline.chunk_budget", d.Pipeline.ChunkBudget)
	v.SetDefault("pipeline.flush_cadence", d.Pipeline.FlushCadence)
	v.SetDefault("pipeline.memory_window", d.Pipeline.MemoryWindow)
	v.SetDefault("pipeline.max_output_tokens", d.Pipeline.MaxOutputTokens)
	v.SetDefault("pipeline.turn_delay", d.Pipeline.TurnDelay)
	v.SetDefault("credits.standard_cost", d.Credits.StandardCost)
	v.SetDefault("credits.premium_cost", d.Credits.PremiumCost)
	v.SetDefault("credits.surcharge_tokens", d.Credits.SurchargeTokens)
	v.SetDefault("credits.notice_window", d.Credits.NoticeWindow)
	v.SetDefault("search.timeout", d.Search.Timeout)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("cooldown", d.Cooldown)
}

// Validate checks configuration invariants. It does not require the API key;
// commands that talk to the provider check that separately via RequireAPIKey.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if c.Pipeline.ChunkBudget < 1 || c.Pipeline.ChunkBudget > 4000 {
		return fmt.Errorf("%w: %d (must be 1..4000)", ErrInvalidChunkBudget, c.Pipeline.ChunkBudget)
	}
	if c.Pipeline.FlushCadence < 1 {
		return fmt.Errorf("%w: %d (must be >= 1)", ErrInvalidFlushCadence, c.Pipeline.FlushCadence)
	}
	if c.Pipeline.MemoryWindow < 4 {
		return fmt.Errorf("%w: %d (must be >= 4)", ErrInvalidMemoryWindow, c.Pipeline.MemoryWindow)
	}
	if c.Credits.StandardCost < 0 || c.Credits.PremiumCost < 0 {
		return fmt.Errorf("%w: standard=%d premium=%d", ErrInvalidCreditCost,
			c.Credits.StandardCost, c.Credits.PremiumCost)
	}
	if c.Storage.PostgresURL != "" &&
		!strings.HasPrefix(c.Storage.PostgresURL, "postgres://") &&
		!strings.HasPrefix(c.Storage.PostgresURL, "postgresql://") {
		return fmt.Errorf("%w: must start with postgres:// or postgresql://", ErrInvalidPostgresURL)
	}
	return nil
}

// RequireAPIKey returns an error if no Gemini API key is configured.
func (c *Config) RequireAPIKey() error {
	if c.AI.GeminiAPIKey == "" {
		return fmt.Errorf("%w: set CHORUS_AI_GEMINI_API_KEY or ai.gemini_api_key", ErrMissingAPIKey)
	}
	return nil
}
