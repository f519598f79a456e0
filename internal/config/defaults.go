package config

import "path/filepath"

// Defaults returns a config that is valid out of the box: CLI against a
// local backend, cache on, everything network-facing off.
func Defaults() *Config {
	dir := DefaultConfigDir()

	return &Config{
		General: GeneralConfig{
			LogLevel:             "info",
			UserID:               "local",
			MaxConcurrentStreams: 4,
			RateLimitPerMinute:   20,
		},
		Backend: BackendConfig{
			URLs:           []string{"http://localhost:8000"},
			TimeoutSeconds: 120,
			SearchType:     "hybrid",
		},
		Channels: ChannelsConfig{
			CLI: CLIConfig{
				Enabled:     true,
				HistoryFile: filepath.Join(dir, "cli_history"),
			},
			Web: WebConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    8080,
			},
			WebSocket: WebSocketConfig{
				Enabled: false,
				Port:    8081,
				Path:    "/ws",
			},
			Telegram: TelegramConfig{
				Enabled:        false,
				EditIntervalMs: 1500,
			},
			Discord: DiscordConfig{},
			Slack:   SlackConfig{},
			Webhook: WebhookConfig{
				Enabled: false,
				Port:    9090,
				Path:    "/hooks/query",
			},
		},
		Cache: CacheConfig{
			Enabled:                   true,
			DBPath:                    filepath.Join(dir, "cache.db"),
			MaxHistoryPerConversation: 200,
			RetentionDays:             90,
		},
		Presets: PresetsConfig{
			Dir:   filepath.Join(dir, "presets"),
			Watch: true,
		},
		Ingest: IngestConfig{
			Enabled:              true,
			MaxFileMB:            50,
			RenderTimeoutSeconds: 45,
		},
		Schedule: ScheduleConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
		Security: SecurityConfig{
			PairingRequired: false,
			PairingTTLDays:  30,
			AuditLog:        true,
		},
	}
}
