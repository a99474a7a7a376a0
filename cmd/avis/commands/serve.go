package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/lbaudet/avis/pkg/avis/agent"
	"github.com/lbaudet/avis/pkg/avis/bot"
	"github.com/lbaudet/avis/pkg/avis/config"
	"github.com/lbaudet/avis/pkg/avis/discord"
	"github.com/lbaudet/avis/pkg/avis/search"
	"github.com/lbaudet/avis/pkg/avis/session"
	"github.com/lbaudet/avis/pkg/avis/transcript"
)

// newServeCmd creates the `avis serve` command that starts the bot.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to Discord and answer mentions",
		Long: `Start Avis as a daemon: connect to the Discord gateway, answer
mentions through the LLM agent, and sweep stale sessions on a schedule.

Examples:
  avis serve
  avis serve --config ./config.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}

	// ── Configure logger ──
	logger := newLogger(cmd, cfg)

	// ── Resolve secrets ──
	// Audit BEFORE resolving — checks the raw config values for hardcoded keys.
	config.AuditSecrets(cfg, logger)
	// Resolve from keyring → env → config.
	config.ResolveAPIKey(cfg, logger)
	config.ResolveDiscordToken(cfg, logger)

	// ── Discord front end (session created now, gateway opened later) ──
	d, err := discord.New(cfg.Discord, logger)
	if err != nil {
		return err
	}

	// ── Search engine over Discord history ──
	history := d.History()
	engine := search.NewEngine(history, history, cfg.Search.Engine, logger)

	// ── Agent runtime with tools ──
	executor := agent.NewToolExecutor(logger)
	agent.RegisterTimeTools(executor)
	agent.RegisterSearchTool(executor, engine, agent.SearchDefaults{
		ChannelID: cfg.Search.DefaultChannelID,
		Lookback:  time.Duration(cfg.Search.DefaultLookbackHours) * time.Hour,
		Limit:     cfg.Search.DefaultLimit,
	})

	llm := agent.NewLLMClient(cfg.API.BaseURL, cfg.API.APIKey, cfg.API.Model, logger)
	runtime := agent.NewRuntime(llm, executor, cfg.Agent, logger)

	// ── Session registry ──
	registry := session.NewRegistry(runtime, cfg.Sessions, logger)

	// ── Transcript store (optional) ──
	var recorder bot.Recorder
	if cfg.Transcript.Enabled {
		store, err := transcript.Open(cfg.Transcript.Path)
		if err != nil {
			return fmt.Errorf("opening transcript store: %w", err)
		}
		defer store.Close()
		recorder = store
		logger.Info("transcript store opened", "path", cfg.Transcript.Path)
	}

	// ── Orchestrator ──
	orch := bot.New(registry, runtime, recorder, cfg.Replies, cfg.BlockedUsers, logger)
	d.SetHandler(orch)

	// ── Connect ──
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := d.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	// ── Session sweeper ──
	ttl := time.Duration(cfg.Sessions.TTLHours) * time.Hour
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Sessions.SweepSchedule, func() {
		if evicted := registry.Sweep(ttl); evicted > 0 {
			logger.Info("session sweep", "evicted", evicted, "remaining", registry.Count())
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Sessions.SweepSchedule, err)
	}
	sweeper.Start()

	// ── Wait for shutdown ──
	logger.Info("Avis running. Press Ctrl+C to stop.",
		"name", cfg.Name,
		"model", cfg.API.Model,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	// Graceful shutdown with timeout.
	done := make(chan struct{})
	go func() {
		sweeper.Stop()
		d.Disconnect()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}

// newLogger builds the slog logger from config and the --verbose flag.
func newLogger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")

	logLevel := slog.LevelInfo
	switch {
	case verbose || cfg.Logging.Level == "debug":
		logLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		logLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// resolveConfig loads config from an explicit path or standard locations.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")

	// Try explicit path first.
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
		return cfg, nil
	}

	// Auto-discover config file.
	if found := config.FindConfigFile(); found != "" {
		cfg, err := config.LoadFromFile(found)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", found, err)
		}
		slog.Info("config loaded", "path", found)
		return cfg, nil
	}

	// No config file — run with defaults; secrets can still come from env.
	slog.Info("no config file found, using defaults. Run 'avis setup' to create one.")
	return config.DefaultConfig(), nil
}
