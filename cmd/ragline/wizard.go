package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"ragline/internal/config"

	"github.com/spf13/cobra"
)

// runWizard walks through the minimum viable setup: where the backend
// lives, how to authenticate, and which surface to talk through.
func runWizard(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(os.Stdin)
	prompt := func(label, def string) string {
		if def != "" {
			fmt.Printf("%s [%s]: ", label, def)
		} else {
			fmt.Printf("%s: ", label)
		}
		line, _ := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" {
			return def
		}
		return line
	}

	fmt.Println("ragline setup")
	fmt.Println()

	cfg := config.Defaults()

	// Step 1: backend
	fmt.Println("Step 1/3: backend")
	url := prompt("Backend URL", "http://localhost:8000")
	cfg.Backend.URLs = []string{url}
	token := prompt("Bearer token (empty to skip, or ${RAGLINE_TOKEN} to read the env var)", "")
	cfg.Backend.Token = token
	fmt.Println()

	// Step 2: channel
	fmt.Println("Step 2/3: channel")
	fmt.Println("  1. cli       terminal chat (ragline chat)")
	fmt.Println("  2. web       browser dashboard")
	fmt.Println("  3. telegram  Telegram bot")
	choice := prompt("Choose a channel", "1")
	var n int
	fmt.Sscanf(choice, "%d", &n)
	switch n {
	case 2:
		cfg.Channels.Web.Enabled = true
	case 3:
		cfg.Channels.Telegram.Enabled = true
		cfg.Channels.Telegram.Token = prompt("Telegram bot token (from @BotFather)", "")
	default:
		cfg.Channels.CLI.Enabled = true
	}
	fmt.Println()

	// Step 3: save
	fmt.Println("Step 3/3: save")
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	cfgPath := resolveConfigPath()
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	if err := os.MkdirAll(cfg.Presets.Dir, 0o755); err != nil {
		return err
	}

	fmt.Printf("Config saved to %s\n", cfgPath)
	fmt.Println()
	switch n {
	case 2:
		fmt.Println("Next: run 'ragline serve' and open the dashboard.")
	case 3:
		fmt.Println("Next: run 'ragline serve' and message your bot.")
	default:
		fmt.Println("Next: run 'ragline chat'.")
	}
	return nil
}
