package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"ragline/internal/bus"
	"ragline/internal/channel"
	"ragline/internal/client"
	"ragline/internal/config"
	"ragline/internal/domain"
	"ragline/internal/history"
	"ragline/internal/preset"
	"ragline/internal/relay"
	"ragline/internal/security"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	version    = "0.2.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	verbose    bool
)

func main() {
	logger = newLogger(slog.LevelInfo, nil)

	root := &cobra.Command{
		Use:   "ragline",
		Short: "ragline: chat gateway for a streaming RAG backend",
		Long:  "ragline connects terminals, the web, and chat platforms to a retrieval-augmented backend over one streaming pipeline.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.ragline/config.json)")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose {
			logger = newLogger(slog.LevelDebug, nil)
		}
	}

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(askCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(loginCmd())
	root.AddCommand(searchCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(presetsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(serviceCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// newLogger builds the process logger: text on stderr, secrets scrubbed
// from every string attribute before the handler writes it.
func newLogger(level slog.Level, extraRedact []string) *slog.Logger {
	return newLoggerTo(os.Stderr, level, extraRedact)
}

func newLoggerTo(w io.Writer, level slog.Level, extraRedact []string) *slog.Logger {
	redactor, err := security.NewRedactor(extraRedact)
	if err != nil {
		// Bad extra patterns also fail config validation; keep logging
		// alive with the built-in set.
		redactor, _ = security.NewRedactor(nil)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactor.LogReplaceAttr,
	}))
}

// reconfigureLogger applies the loaded config's log level, log file, and
// extra redaction patterns. --verbose wins over the configured level.
func reconfigureLogger(cfg *config.Config) {
	level := slog.LevelInfo
	switch cfg.General.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	w := io.Writer(os.Stderr)
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			logger.Warn("log dir not created, logging to stderr", "path", cfg.General.LogFile, "err", err)
		} else if f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err != nil {
			logger.Warn("log file not opened, logging to stderr", "path", cfg.General.LogFile, "err", err)
		} else {
			// Held for the process lifetime.
			w = f
		}
	}
	logger = newLoggerTo(w, level, cfg.Security.RedactPatterns)
}

// loadOrDefaults reads the config file, falling back to defaults when it
// does not exist yet, so chat and ask work before `ragline init`.
func loadOrDefaults() *config.Config {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Warn("config not loaded, using defaults", "path", cfgPath, "err", err)
		return config.Defaults()
	}
	return cfg
}

// buildBackend constructs the API client from config.
func buildBackend(cfg *config.Config) (*client.Client, error) {
	return client.New(client.Config{
		BaseURLs: cfg.Backend.URLs,
		Token:    client.StaticToken(cfg.Backend.Token),
		UserID:   cfg.General.UserID,
		Timeout:  cfg.Backend.Timeout(),
		Logger:   logger,
	})
}

// buildPresets loads built-ins plus the YAML preset directory.
func buildPresets(cfg *config.Config) *preset.Registry {
	reg := preset.NewRegistry(logger)
	reg.RegisterBuiltins()
	if cfg.Presets.Dir == "" {
		return reg
	}
	loaded, err := preset.LoadFromDirectory(cfg.Presets.Dir, logger)
	if err != nil {
		logger.Warn("preset directory not loaded", "dir", cfg.Presets.Dir, "err", err)
		return reg
	}
	for _, p := range loaded {
		if err := reg.Register(p); err != nil {
			logger.Warn("preset rejected", "name", p.Name, "err", err)
		}
	}
	return reg
}

// openStore opens the local cache when enabled. A nil store degrades
// gracefully: conversations stop surviving restarts, nothing else.
func openStore(cfg *config.Config) *history.Store {
	if !cfg.Cache.Enabled {
		return nil
	}
	store, err := history.Open(cfg.Cache.DBPath, logger)
	if err != nil {
		logger.Warn("cache unavailable", "path", cfg.Cache.DBPath, "err", err)
		return nil
	}
	return store
}

// conversationStore adapts a possibly-nil *history.Store to the domain
// interface without producing a non-nil interface around a nil pointer.
func conversationStore(store *history.Store) domain.ConversationStore {
	if store == nil {
		return nil
	}
	return store
}

// auditSink returns the store as the relay's audit sink when audit
// logging is on and the cache is available.
func auditSink(cfg *config.Config, store *history.Store) relay.AuditSink {
	if store == nil || !cfg.Security.AuditLog {
		return nil
	}
	return store
}

func initCmd() *cobra.Command {
	var wizard bool
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if wizard {
				return runWizard(cmd, args)
			}
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(config.ExpandPath(cfgPath)); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.Presets.Dir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "presets", cfg.Presets.Dir)
			return nil
		},
	}

	cmd.Flags().BoolVar(&wizard, "wizard", false, "interactive setup instead of plain defaults")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat in the terminal",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg := loadOrDefaults()
	reconfigureLogger(cfg)
	relay.SetVersion(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	messageBus := bus.New(100, logger)
	defer messageBus.Close()

	store := openStore(cfg)
	if store != nil {
		defer store.Close()
	}

	redactor, err := security.NewRedactor(cfg.Security.RedactPatterns)
	if err != nil {
		return fmt.Errorf("redact patterns: %w", err)
	}

	rel := relay.New(relay.Config{
		Backend:       backend,
		Bus:           messageBus,
		Conversations: relay.NewConversationManager(conversationStore(store), logger),
		Presets:       buildPresets(cfg),
		Redactor:      redactor,
		Audit:         auditSink(cfg, store),
		Logger:        logger,
		UserID:        cfg.General.UserID,
		DefaultPreset: cfg.General.DefaultPreset,
		SearchKind:    domain.SearchKind(cfg.Backend.SearchType),
		MaxConcurrent: cfg.General.MaxConcurrentStreams,
		RatePerMinute: float64(cfg.General.RateLimitPerMinute),
		HistoryKeep:   cfg.Cache.MaxHistoryPerConversation,
	})
	go rel.Run(ctx)

	cli := channel.NewCLI(channel.CLIConfig{
		Logger:      logger,
		HistoryFile: cfg.Channels.CLI.HistoryFile,
	})
	return cli.Start(ctx, messageBus)
}

func loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login [token]",
		Short: "Store the backend bearer token in the config",
		Long:  "Saves the token to the config file after testing it against the backend. With no argument the token is read from the terminal without echo.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w (run 'ragline init' first)", err)
			}

			var token string
			if len(args) == 1 {
				token = args[0]
			} else {
				token, err = promptToken()
				if err != nil {
					return err
				}
			}
			token = strings.TrimSpace(token)
			if token == "" {
				return fmt.Errorf("empty token")
			}
			cfg.Backend.Token = token

			backend, err := buildBackend(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			// Documents requires auth, unlike the health endpoint.
			if _, err := backend.Documents(ctx, 1, 0); err != nil {
				logger.Warn("token saved, but a test call failed", "err", err)
			} else {
				logger.Info("backend accepted the token")
			}

			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Printf("Token saved to %s\n", cfgPath)
			return nil
		},
	}
}

// promptToken reads the token without echo when stdin is a terminal.
func promptToken() (string, error) {
	fmt.Fprint(os.Stderr, "Backend token: ")
	if term.IsTerminal(int(os.Stdin.Fd())) {
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Backend health, endpoints, and cache contents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadOrDefaults()

			backend, err := buildBackend(cfg)
			if err != nil {
				return err
			}

			fmt.Printf("ragline v%s\n", version)
			fmt.Printf("Config:   %s\n", resolveConfigPath())
			fmt.Printf("Backend:  %s\n", strings.Join(cfg.Backend.URLs, ", "))

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if h, err := backend.Health(ctx); err != nil {
				fmt.Printf("Health:   unreachable (%v)\n", err)
			} else {
				fmt.Printf("Health:   %s (v%s)\n", h.Status, h.Version)
				fmt.Printf("          database %s, graph %s, llm %s\n",
					upDown(h.Database), upDown(h.GraphDatabase), upDown(h.LLMConnection))
			}

			fmt.Printf("Channels: %s\n", strings.Join(enabledChannels(cfg), ", "))

			if !cfg.Cache.Enabled {
				fmt.Printf("Cache:    disabled\n")
				return nil
			}
			store, err := history.Open(cfg.Cache.DBPath, logger)
			if err != nil {
				fmt.Printf("Cache:    %s (unreadable: %v)\n", cfg.Cache.DBPath, err)
				return nil
			}
			defer store.Close()
			st, err := store.Stats(ctx)
			if err != nil {
				fmt.Printf("Cache:    %s (stats failed: %v)\n", cfg.Cache.DBPath, err)
				return nil
			}
			fmt.Printf("Cache:    %d conversations, %d messages, %d uploads, %d paired senders\n",
				st.Conversations, st.Messages, st.Uploads, st.PairedUsers)
			return nil
		},
	}
}

func upDown(b bool) string {
	if b {
		return "up"
	}
	return "down"
}

// enabledChannels names the surfaces serve would start with this config.
func enabledChannels(cfg *config.Config) []string {
	var out []string
	if cfg.Channels.CLI.Enabled {
		out = append(out, "cli")
	}
	if cfg.Channels.Web.Enabled {
		out = append(out, fmt.Sprintf("web(:%d)", cfg.Channels.Web.Port))
	}
	if cfg.Channels.WebSocket.Enabled {
		out = append(out, fmt.Sprintf("websocket(:%d)", cfg.Channels.WebSocket.Port))
	}
	if cfg.Channels.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if cfg.Channels.Discord.Enabled {
		out = append(out, "discord")
	}
	if cfg.Channels.Slack.Enabled {
		out = append(out, "slack")
	}
	if cfg.Channels.Webhook.Enabled {
		out = append(out, fmt.Sprintf("webhook(:%d)", cfg.Channels.Webhook.Port))
	}
	if len(out) == 0 {
		out = append(out, "none")
	}
	return out
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Show, get, set, and validate configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the config with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. backend.searchType)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. backend.searchType hybrid)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return fmt.Errorf("refusing to save: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the config file for problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(resolveConfigPath()); err != nil {
				return err
			}
			fmt.Println("Config is valid.")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ragline v%s (%s/%s, %s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
		},
	}
}
