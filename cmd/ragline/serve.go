package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ragline/internal/bus"
	"ragline/internal/channel"
	"ragline/internal/config"
	"ragline/internal/domain"
	"ragline/internal/history"
	"ragline/internal/preset"
	"ragline/internal/relay"
	"ragline/internal/schedule"
	"ragline/internal/security"

	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "serve",
		Aliases: []string{"gateway"},
		Short:   "Run the gateway with all configured channels",
		Long:    "Starts the relay and every enabled channel (web, websocket, telegram, discord, slack, webhook) and runs until interrupted.",
		RunE:    runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w (run 'ragline init' first)", err)
	}
	reconfigureLogger(cfg)
	relay.SetVersion(version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := buildBackend(cfg)
	if err != nil {
		return err
	}

	messageBus := bus.New(100, logger)

	store := openStore(cfg)
	if store != nil {
		defer store.Close()
		if n, err := store.Prune(ctx, cfg.Cache.RetentionDays); err != nil {
			logger.Warn("prune failed", "err", err)
		} else if n > 0 {
			logger.Info("pruned expired conversations", "count", n)
		}
	}

	redactor, err := security.NewRedactor(cfg.Security.RedactPatterns)
	if err != nil {
		return fmt.Errorf("redact patterns: %w", err)
	}

	var pairing *security.PairingService
	if cfg.Security.PairingRequired {
		if store == nil {
			return fmt.Errorf("security.pairingRequired needs the cache enabled: pairings are stored there")
		}
		pairing = security.NewPairingService(security.PairingConfig{
			Required: true,
			TTLDays:  cfg.Security.PairingTTLDays,
			Store:    store,
			Logger:   logger,
		})
	}

	presets := buildPresets(cfg)
	if cfg.Presets.Watch {
		if err := os.MkdirAll(cfg.Presets.Dir, 0o755); err != nil {
			logger.Warn("preset dir not created", "dir", cfg.Presets.Dir, "err", err)
		} else if watcher, err := preset.NewWatcher(cfg.Presets.Dir, presets, logger); err != nil {
			logger.Warn("preset watcher unavailable", "err", err)
		} else if err := watcher.Watch(); err != nil {
			logger.Warn("preset watcher failed to start", "err", err)
			watcher.Close()
		} else {
			defer watcher.Close()
		}
	}

	rel := relay.New(relay.Config{
		Backend:       backend,
		Bus:           messageBus,
		Conversations: relay.NewConversationManager(conversationStore(store), logger),
		Presets:       presets,
		Pairing:       pairing,
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

	if cfg.Schedule.Enabled && len(cfg.Schedule.Tasks) > 0 {
		sched := schedule.New(messageBus, logger)
		sched.Load(cfg.Schedule.Tasks)
		go sched.Run(ctx)
		logger.Info("scheduler running", "tasks", len(cfg.Schedule.Tasks))
	}

	channels := startChannels(ctx, cfg, cfgPath, messageBus, store)
	if len(channels) == 0 {
		return fmt.Errorf("no channels enabled; enable at least one under channels.* and retry")
	}
	logger.Info("gateway running", "version", version, "channels", len(channels))

	<-ctx.Done()
	logger.Info("shutting down")

	done := make(chan struct{})
	go func() {
		for _, ch := range channels {
			if err := ch.Stop(); err != nil {
				logger.Warn("channel stop failed", "channel", ch.Name(), "err", err)
			}
		}
		messageBus.Close()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("shutdown timed out")
	}
	return nil
}

// startChannels builds and launches every enabled channel except the
// CLI, which has its own command. Each Start runs in its own goroutine
// so a channel that cannot bind does not take the gateway down.
func startChannels(ctx context.Context, cfg *config.Config, cfgPath string, messageBus domain.MessageBus, store *history.Store) []domain.Channel {
	var channels []domain.Channel

	add := func(ch domain.Channel) {
		channels = append(channels, ch)
		go func() {
			if err := ch.Start(ctx, messageBus); err != nil {
				logger.Error("channel stopped", "channel", ch.Name(), "err", err)
			}
		}()
		logger.Info("channel enabled", "channel", ch.Name())
	}

	if cfg.Channels.Web.Enabled {
		add(channel.NewWeb(channel.WebConfig{
			Host:       cfg.Channels.Web.Host,
			Port:       cfg.Channels.Web.Port,
			Logger:     logger,
			Config:     cfg,
			ConfigPath: cfgPath,
			Version:    version,
			Store:      conversationStore(store),
		}))
	}
	if cfg.Channels.WebSocket.Enabled {
		add(channel.NewWebSocket(channel.WSConfig{
			Port:   cfg.Channels.WebSocket.Port,
			Path:   cfg.Channels.WebSocket.Path,
			Logger: logger,
		}))
	}
	if cfg.Channels.Telegram.Enabled {
		add(channel.NewTelegram(channel.TelegramConfig{
			Token:          cfg.Channels.Telegram.Token,
			AllowFrom:      cfg.Channels.Telegram.AllowFrom,
			EditIntervalMs: cfg.Channels.Telegram.EditIntervalMs,
			Logger:         logger,
		}))
	}
	if cfg.Channels.Discord.Enabled {
		add(channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Logger:  logger,
		}))
	}
	if cfg.Channels.Slack.Enabled {
		add(channel.NewSlack(channel.SlackConfig{
			BotToken: cfg.Channels.Slack.BotToken,
			AppToken: cfg.Channels.Slack.AppToken,
			Logger:   logger,
		}))
	}
	if cfg.Channels.Webhook.Enabled {
		add(channel.NewWebhook(channel.WebhookCfg{
			Port:     cfg.Channels.Webhook.Port,
			Path:     cfg.Channels.Webhook.Path,
			Secret:   cfg.Channels.Webhook.Secret,
			SinkURLs: cfg.Channels.Webhook.SinkURLs,
			Logger:   logger,
		}))
	}

	return channels
}
