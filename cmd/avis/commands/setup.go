package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lbaudet/avis/pkg/avis/config"
)

// newSetupCmd creates the `avis setup` command for interactive configuration.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Starts an interactive wizard to create your initial config.yaml.
Asks for the bot name, Discord token, API endpoint, and model.
Secrets are stored in the OS keyring — never in plaintext.

Examples:
  avis setup`,
		RunE: runSetup,
	}
}

func runSetup(_ *cobra.Command, _ []string) error {
	reader := bufio.NewReader(os.Stdin)
	cfg := config.DefaultConfig()

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║            Avis — Setup Wizard               ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Println()

	// ── Step 1: Bot name ──
	fmt.Printf("1. Bot name [%s]: ", cfg.Name)
	if name := readLine(reader); name != "" {
		cfg.Name = name
	}

	// ── Step 2: Discord bot token ──
	fmt.Println()
	fmt.Println("   Create a bot at https://discord.com/developers/applications")
	fmt.Println("   and enable the Message Content intent.")
	fmt.Println()
	token, err := config.ReadPassword("2. Discord bot token (hidden input): ")
	if err != nil {
		fmt.Print("2. Discord bot token (or press Enter to skip): ")
		token = readLine(reader)
	}
	tokenStored := storeSecret(config.KeyringDiscordToken, token, "DISCORD_BOT_TOKEN")
	cfg.Discord.Token = "${DISCORD_BOT_TOKEN}"

	// ── Step 3: API endpoint ──
	fmt.Println()
	fmt.Println("   API endpoint (OpenAI-compatible). Leave empty for api.openai.com.")
	fmt.Println()
	fmt.Printf("3. API base URL [%s]: ", valueOr(cfg.API.BaseURL, "default"))
	if url := readLine(reader); url != "" {
		cfg.API.BaseURL = url
	}

	// ── Step 4: API key ──
	apiKey, err := config.ReadPassword("4. API key (hidden input): ")
	if err != nil {
		fmt.Print("4. API key (or press Enter to skip): ")
		apiKey = readLine(reader)
	}
	keyStored := storeSecret(config.KeyringAPIKey, apiKey, "AVIS_API_KEY")
	cfg.API.APIKey = "${AVIS_API_KEY}"

	// ── Step 5: Model ──
	fmt.Printf("5. Model [%s]: ", cfg.API.Model)
	if model := readLine(reader); model != "" {
		cfg.API.Model = model
	}

	// ── Step 6: Default search channel ──
	fmt.Println()
	fmt.Println("   Unscoped history searches use this channel. Leave empty to")
	fmt.Println("   search every channel the bot can read.")
	fmt.Println()
	fmt.Print("6. Default search channel ID [all channels]: ")
	cfg.Search.DefaultChannelID = readLine(reader)

	// ── Step 7: Transcript store ──
	fmt.Printf("7. Record exchanges to SQLite? (y/n) [n]: ")
	if t := readLine(reader); strings.ToLower(t) == "y" {
		cfg.Transcript.Enabled = true
		fmt.Printf("   Database path [%s]: ", cfg.Transcript.Path)
		if path := readLine(reader); path != "" {
			cfg.Transcript.Path = path
		}
	}

	// ── Summary ──
	fmt.Println()
	fmt.Println("─────────────────────────────────────────────")
	fmt.Println("  Configuration summary:")
	fmt.Println("─────────────────────────────────────────────")
	fmt.Printf("  Name:       %s\n", cfg.Name)
	fmt.Printf("  Token:      %s\n", secretStatus(tokenStored, token))
	fmt.Printf("  API URL:    %s\n", valueOr(cfg.API.BaseURL, "(default)"))
	fmt.Printf("  API key:    %s\n", secretStatus(keyStored, apiKey))
	fmt.Printf("  Model:      %s\n", cfg.API.Model)
	fmt.Printf("  Search in:  %s\n", valueOr(cfg.Search.DefaultChannelID, "(all channels)"))
	fmt.Printf("  Transcript: %v\n", cfg.Transcript.Enabled)
	fmt.Println("─────────────────────────────────────────────")
	fmt.Println()

	// ── Confirm and save ──
	target := "config.yaml"
	fmt.Printf("Save to %s? (y/n) [y]: ", target)
	if confirm := readLine(reader); strings.ToLower(confirm) == "n" {
		fmt.Println("Setup cancelled.")
		return nil
	}

	// Check if already exists.
	if _, err := os.Stat(target); err == nil {
		fmt.Printf("File %s already exists. Overwrite? (y/n) [n]: ", target)
		if overwrite := readLine(reader); strings.ToLower(overwrite) != "y" {
			fmt.Println("Setup cancelled. Existing file kept.")
			return nil
		}
	}

	if err := config.SaveToFile(cfg, target); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\nconfig.yaml created successfully!\n\n")
	fmt.Println("Next steps:")
	fmt.Println("  1. Invite the bot to your server")
	fmt.Println("  2. Run: avis serve")
	fmt.Println("  3. Mention the bot in a channel")
	fmt.Println()

	return nil
}

// storeSecret puts a secret in the OS keyring, falling back to advising an
// env var when the keyring is unavailable. Returns true when stored.
func storeSecret(key, value, envVar string) bool {
	if value == "" {
		fmt.Printf("   Skipped. Set %s later or re-run 'avis setup'.\n", envVar)
		return false
	}
	if err := config.StoreKeyring(key, value); err != nil {
		fmt.Printf("   [!] OS keyring unavailable (%v).\n", err)
		fmt.Printf("   Put the value in the %s environment variable instead.\n", envVar)
		return false
	}
	fmt.Println("   Stored in OS keyring.")
	return true
}

func secretStatus(stored bool, value string) string {
	switch {
	case stored:
		return "**** (OS keyring)"
	case value != "":
		return "**** (env var required)"
	default:
		return "(not set — configure later)"
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

// readLine reads a single line from the reader, trimming whitespace.
func readLine(reader *bufio.Reader) string {
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
