package commands

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/lbaudet/avis/pkg/avis/agent"
	"github.com/lbaudet/avis/pkg/avis/bot"
	"github.com/lbaudet/avis/pkg/avis/config"
	"github.com/lbaudet/avis/pkg/avis/session"
)

// newChatCmd creates the `avis chat` command for talking to the agent from
// the terminal, without Discord.
func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the agent from the terminal",
		Long: `Send one message to the agent, or start an interactive session.
The message search tool is unavailable here; it needs a Discord connection.

Examples:
  avis chat "what time is it in UTC?"
  avis chat  # interactive mode`,
		Args: cobra.MaximumNArgs(1),
		RunE: runChat,
	}

	cmd.Flags().StringP("model", "m", "", "override the configured model")
	return cmd
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	config.ResolveAPIKey(cfg, logger)
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.API.Model = model
	}

	// Time tools only; history search needs the Discord gateway.
	executor := agent.NewToolExecutor(logger)
	agent.RegisterTimeTools(executor)

	llm := agent.NewLLMClient(cfg.API.BaseURL, cfg.API.APIKey, cfg.API.Model, logger)
	runtime := agent.NewRuntime(llm, executor, cfg.Agent, logger)
	registry := session.NewRegistry(runtime, cfg.Sessions, logger)
	orch := bot.New(registry, runtime, nil, cfg.Replies, nil, logger)

	userID := "cli-" + uuid.NewString()
	ctx := cmd.Context()

	// Single-shot mode.
	if len(args) > 0 {
		fmt.Println(orch.Handle(ctx, userID, args[0]))
		return nil
	}

	return runChatREPL(ctx, orch, userID)
}

// runChatREPL runs the interactive prompt loop until EOF or /quit.
func runChatREPL(ctx context.Context, orch *bot.Orchestrator, userID string) error {
	rl, err := readline.New("avis> ")
	if err != nil {
		return fmt.Errorf("initializing prompt: %w", err)
	}
	defer rl.Close()

	fmt.Println("Interactive mode. Type /quit to exit.")

	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case line == "/quit", line == "/exit":
			return nil
		}

		fmt.Println(orch.Handle(ctx, userID, line))
	}
}
