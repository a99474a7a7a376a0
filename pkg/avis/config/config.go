// Package config defines and loads all configuration for the Avis bot.
// Values come from config.yaml, overlaid on defaults, with secrets
// resolved from the OS keyring, environment variables, and .env files.
package config

import (
	"github.com/lbaudet/avis/pkg/avis/agent"
	"github.com/lbaudet/avis/pkg/avis/bot"
	"github.com/lbaudet/avis/pkg/avis/discord"
	"github.com/lbaudet/avis/pkg/avis/search"
	"github.com/lbaudet/avis/pkg/avis/session"
)

// Config holds all bot configuration.
type Config struct {
	// Name is the bot name used in logs.
	Name string `yaml:"name"`

	// API configures the model endpoint.
	API APIConfig `yaml:"api"`

	// Agent configures the conversation runtime.
	Agent agent.Config `yaml:"agent"`

	// Discord configures the Discord connection.
	Discord discord.Config `yaml:"discord"`

	// Search configures the history search engine and its tool defaults.
	Search SearchConfig `yaml:"search"`

	// Sessions configures the per-user session registry.
	Sessions session.Config `yaml:"sessions"`

	// Replies are the fixed user-facing strings.
	Replies bot.Replies `yaml:"replies"`

	// BlockedUsers are user IDs answered with the fixed blocked reply.
	BlockedUsers []string `yaml:"blocked_users"`

	// Transcript configures the SQLite exchange audit trail.
	Transcript TranscriptConfig `yaml:"transcript"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig holds model endpoint settings.
type APIConfig struct {
	// BaseURL is the OpenAI-compatible endpoint. Empty means api.openai.com.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the endpoint. Prefer AVIS_API_KEY or
	// the OS keyring over putting it here.
	APIKey string `yaml:"api_key"`

	// Model is the model identifier, e.g. "gpt-4o-mini".
	Model string `yaml:"model"`
}

// SearchConfig bundles engine tuning with the tool-level defaults applied
// when the model leaves search arguments unspecified.
type SearchConfig struct {
	Engine search.Config `yaml:"engine"`

	// DefaultChannelID scopes unscoped searches; empty means all channels.
	DefaultChannelID string `yaml:"default_channel_id"`

	// DefaultLookbackHours is the window used when the model gives none.
	DefaultLookbackHours int `yaml:"default_lookback_hours"`

	// DefaultLimit caps results when the model gives none.
	DefaultLimit int `yaml:"default_limit"`
}

// TranscriptConfig configures the exchange audit store.
type TranscriptConfig struct {
	// Enabled turns transcript recording on.
	Enabled bool `yaml:"enabled"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is "debug", "info", "warn", or "error".
	Level string `yaml:"level"`

	// Format is "json" or "text".
	Format string `yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name: "Avis",
		API: APIConfig{
			Model: "gpt-4o-mini",
		},
		Agent:   agent.DefaultConfig(),
		Discord: discord.DefaultConfig(),
		Search: SearchConfig{
			Engine:               search.DefaultConfig(),
			DefaultLookbackHours: 240,
			DefaultLimit:         50,
		},
		Sessions: session.DefaultConfig(),
		Replies:  bot.DefaultReplies(),
		Transcript: TranscriptConfig{
			Path: "avis.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
