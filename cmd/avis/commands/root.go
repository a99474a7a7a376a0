// Package commands implements the Avis CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root CLI command with all subcommands registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "avis",
		Short: "Avis - Discord advisory bot",
		Long: `Avis is a Discord bot that answers mentions through an LLM agent,
with per-user conversation sessions and tools for searching channel history.

Examples:
  avis serve
  avis chat "who talked about the deploy yesterday?"
  avis setup`,
		Version: version,
	}

	// Register subcommands.
	rootCmd.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newSetupCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logging")

	return rootCmd
}
