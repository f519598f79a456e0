// Package config defines the ragline configuration schema and helpers to
// load, validate, and persist it. Config files are JSON with optional
// ${VAR} / ${VAR:-default} environment substitution applied before parsing.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration object.
type Config struct {
	General  GeneralConfig  `json:"general"`
	Backend  BackendConfig  `json:"backend"`
	Channels ChannelsConfig `json:"channels"`
	Cache    CacheConfig    `json:"cache"`
	Presets  PresetsConfig  `json:"presets"`
	Ingest   IngestConfig   `json:"ingest"`
	Schedule ScheduleConfig `json:"schedule"`
	Metrics  MetricsConfig  `json:"metrics"`
	Security SecurityConfig `json:"security"`
}

// GeneralConfig holds settings that apply across all channels.
type GeneralConfig struct {
	LogLevel             string `json:"logLevel"`
	LogFile              string `json:"logFile,omitempty"`
	UserID               string `json:"userId"`
	DefaultPreset        string `json:"defaultPreset,omitempty"`
	MaxConcurrentStreams int    `json:"maxConcurrentStreams"`
	RateLimitPerMinute   int    `json:"rateLimitPerMinute"`
}

// BackendConfig describes the RAG API the gateway talks to. URLs are tried
// in order; the first reachable base wins.
type BackendConfig struct {
	URLs           []string `json:"urls"`
	Token          string   `json:"token,omitempty"`
	TimeoutSeconds int      `json:"timeoutSeconds"`
	DefaultModel   string   `json:"defaultModel,omitempty"`
	SearchType     string   `json:"searchType"`
}

// Timeout returns the request timeout as a duration.
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// ChannelsConfig groups per-channel settings.
type ChannelsConfig struct {
	CLI       CLIConfig       `json:"cli"`
	Web       WebConfig       `json:"web"`
	WebSocket WebSocketConfig `json:"websocket"`
	Telegram  TelegramConfig  `json:"telegram"`
	Discord   DiscordConfig   `json:"discord"`
	Slack     SlackConfig     `json:"slack"`
	Webhook   WebhookConfig   `json:"webhook"`
}

// CLIConfig configures the interactive terminal channel.
type CLIConfig struct {
	Enabled     bool   `json:"enabled"`
	HistoryFile string `json:"historyFile,omitempty"`
}

// WebConfig configures the embedded web UI.
type WebConfig struct {
	Enabled bool    `json:"enabled"`
	Host    string  `json:"host"`
	Port    int     `json:"port"`
	Auth    WebAuth `json:"auth"`
}

// WebAuth is HTTP basic auth for the web channel. PasswordHash is a
// SHA-256 hex digest, never the cleartext password.
type WebAuth struct {
	Enabled      bool   `json:"enabled"`
	Username     string `json:"username,omitempty"`
	PasswordHash string `json:"passwordHash,omitempty"`
}

// WebSocketConfig configures the JSON socket endpoint for programmatic
// clients.
type WebSocketConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// TelegramConfig configures the Telegram bot channel. AllowFrom lists
// user IDs or @usernames permitted to talk to the bot; empty means open.
type TelegramConfig struct {
	Enabled        bool           `json:"enabled"`
	Token          string         `json:"token,omitempty"`
	AllowFrom      FlexStringList `json:"allowFrom,omitempty"`
	EditIntervalMs int            `json:"editIntervalMs"`
}

// DiscordConfig configures the Discord bot channel.
type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token,omitempty"`
	GuildID string `json:"guildId,omitempty"`
}

// SlackConfig configures the Slack channel (Socket Mode).
type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken,omitempty"`
	AppToken string `json:"appToken,omitempty"`
}

// WebhookConfig configures the inbound HMAC-signed webhook endpoint
// and the sink URLs settled answers are POSTed back to.
type WebhookConfig struct {
	Enabled  bool           `json:"enabled"`
	Port     int            `json:"port"`
	Path     string         `json:"path"`
	Secret   string         `json:"secret,omitempty"`
	SinkURLs FlexStringList `json:"sinkUrls,omitempty"`
}

// CacheConfig controls the local SQLite conversation cache.
type CacheConfig struct {
	Enabled                   bool   `json:"enabled"`
	DBPath                    string `json:"dbPath"`
	MaxHistoryPerConversation int    `json:"maxHistoryPerConversation"`
	RetentionDays             int    `json:"retentionDays"`
}

// PresetsConfig points at the directory of YAML query presets.
type PresetsConfig struct {
	Dir   string `json:"dir"`
	Watch bool   `json:"watch"`
}

// IngestConfig controls document upload and URL rendering.
type IngestConfig struct {
	Enabled              bool  `json:"enabled"`
	MaxFileMB            int64 `json:"maxFileMb"`
	RenderTimeoutSeconds int   `json:"renderTimeoutSeconds"`
}

// ScheduleConfig holds recurring queries fired on a timer.
type ScheduleConfig struct {
	Enabled bool             `json:"enabled"`
	Tasks   []ScheduledQuery `json:"tasks,omitempty"`
}

// ScheduledQuery is a query sent on a schedule, with the answer delivered
// to a channel/chat pair. Either IntervalSeconds or Daily ("HH:MM") must
// be set.
type ScheduledQuery struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Query           string `json:"query"`
	Preset          string `json:"preset,omitempty"`
	IntervalSeconds int    `json:"intervalSeconds,omitempty"`
	Daily           string `json:"daily,omitempty"`
	Channel         string `json:"channel"`
	ChatID          string `json:"chatId"`
	Enabled         bool   `json:"enabled"`
}

// MetricsConfig exposes counters on the web server when enabled.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// SecurityConfig controls sender pairing, audit logging, and log redaction.
type SecurityConfig struct {
	PairingRequired bool     `json:"pairingRequired"`
	PairingTTLDays  int      `json:"pairingTtlDays"`
	AuditLog        bool     `json:"auditLog"`
	RedactPatterns  []string `json:"redactPatterns,omitempty"`
}

// FlexStringList unmarshals a JSON array whose items may be strings or
// numbers into []string. Telegram allow-lists mix numeric IDs with
// @usernames, and hand-edited configs often leave the quotes off the IDs.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var raw []any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			out = append(out, v)
		case float64:
			out = append(out, strconv.FormatInt(int64(v), 10))
		default:
			return fmt.Errorf("unsupported list item type %T", item)
		}
	}
	*f = out
	return nil
}

// DefaultConfigDir returns ~/.ragline.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ragline"
	}
	return filepath.Join(home, ".ragline")
}

// DefaultConfigPath returns ~/.ragline/config.json.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads, env-expands, and validates a config file. Values missing
// from the file keep their defaults.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := ExpandEnvVars(string(data))

	cfg := Defaults()
	if err := json.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Cache.DBPath = ExpandPath(cfg.Cache.DBPath)
	cfg.Presets.Dir = ExpandPath(cfg.Presets.Dir)
	cfg.Channels.CLI.HistoryFile = ExpandPath(cfg.Channels.CLI.HistoryFile)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating parent directories.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// envVarRe matches ${VAR} and ${VAR:-default}.
var envVarRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars substitutes ${VAR} and ${VAR:-default} references in raw
// config text. An unset variable with no default is left as-is so the
// error surfaces in validation instead of silently becoming "".
func ExpandEnvVars(s string) string {
	return envVarRe.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarRe.FindStringSubmatch(match)
		name := groups[1]
		def := groups[2]

		if val := os.Getenv(name); val != "" {
			return val
		}
		if strings.Contains(match, ":-") {
			return def
		}
		return match
	})
}

// ExpandPath expands a leading ~/ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

var dailyRe = regexp.MustCompile(`^([01]?\d|2[0-3]):[0-5]\d$`)

// Validate checks the config for consistency and returns all problems at
// once rather than stopping at the first.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("general.logLevel must be debug|info|warn|error, got %q", cfg.General.LogLevel))
	}
	if cfg.General.MaxConcurrentStreams < 1 || cfg.General.MaxConcurrentStreams > 64 {
		errs = append(errs, fmt.Sprintf("general.maxConcurrentStreams must be 1-64, got %d", cfg.General.MaxConcurrentStreams))
	}
	if cfg.General.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Sprintf("general.rateLimitPerMinute must be >= 0, got %d", cfg.General.RateLimitPerMinute))
	}

	if len(cfg.Backend.URLs) == 0 {
		errs = append(errs, "backend.urls must list at least one URL")
	}
	for _, u := range cfg.Backend.URLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Sprintf("backend.urls entry %q must start with http:// or https://", u))
		}
	}
	if cfg.Backend.TimeoutSeconds < 1 || cfg.Backend.TimeoutSeconds > 600 {
		errs = append(errs, fmt.Sprintf("backend.timeoutSeconds must be 1-600, got %d", cfg.Backend.TimeoutSeconds))
	}
	switch cfg.Backend.SearchType {
	case "vector", "graph", "hybrid":
	default:
		errs = append(errs, fmt.Sprintf("backend.searchType must be vector|graph|hybrid, got %q", cfg.Backend.SearchType))
	}

	if cfg.Channels.Web.Enabled {
		if cfg.Channels.Web.Host == "" {
			errs = append(errs, "channels.web.host must be set when web is enabled")
		}
		if cfg.Channels.Web.Port < 1 || cfg.Channels.Web.Port > 65535 {
			errs = append(errs, fmt.Sprintf("channels.web.port must be 1-65535, got %d", cfg.Channels.Web.Port))
		}
		if cfg.Channels.Web.Auth.Enabled {
			if cfg.Channels.Web.Auth.Username == "" || cfg.Channels.Web.Auth.PasswordHash == "" {
				errs = append(errs, "channels.web.auth requires username and passwordHash when enabled")
			}
		}
	}
	if cfg.Channels.WebSocket.Enabled {
		if cfg.Channels.WebSocket.Port < 1 || cfg.Channels.WebSocket.Port > 65535 {
			errs = append(errs, fmt.Sprintf("channels.websocket.port must be 1-65535, got %d", cfg.Channels.WebSocket.Port))
		}
		if !strings.HasPrefix(cfg.Channels.WebSocket.Path, "/") {
			errs = append(errs, fmt.Sprintf("channels.websocket.path must start with /, got %q", cfg.Channels.WebSocket.Path))
		}
	}
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token must be set when telegram is enabled")
	}
	if cfg.Channels.Telegram.EditIntervalMs < 0 {
		errs = append(errs, fmt.Sprintf("channels.telegram.editIntervalMs must be >= 0, got %d", cfg.Channels.Telegram.EditIntervalMs))
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token must be set when discord is enabled")
	}
	if cfg.Channels.Slack.Enabled {
		if cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "" {
			errs = append(errs, "channels.slack requires botToken and appToken when enabled")
		}
	}
	if cfg.Channels.Webhook.Enabled {
		if cfg.Channels.Webhook.Port < 1 || cfg.Channels.Webhook.Port > 65535 {
			errs = append(errs, fmt.Sprintf("channels.webhook.port must be 1-65535, got %d", cfg.Channels.Webhook.Port))
		}
		if !strings.HasPrefix(cfg.Channels.Webhook.Path, "/") {
			errs = append(errs, fmt.Sprintf("channels.webhook.path must start with /, got %q", cfg.Channels.Webhook.Path))
		}
		if cfg.Channels.Webhook.Secret == "" {
			errs = append(errs, "channels.webhook.secret must be set when webhook is enabled")
		}
		for _, u := range cfg.Channels.Webhook.SinkURLs {
			if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
				errs = append(errs, fmt.Sprintf("channels.webhook.sinkUrls entries must be http(s) URLs, got %q", u))
			}
		}
	}

	if cfg.Cache.Enabled && cfg.Cache.DBPath == "" {
		errs = append(errs, "cache.dbPath must be set when cache is enabled")
	}
	if cfg.Cache.MaxHistoryPerConversation < 1 {
		errs = append(errs, fmt.Sprintf("cache.maxHistoryPerConversation must be >= 1, got %d", cfg.Cache.MaxHistoryPerConversation))
	}
	if cfg.Cache.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("cache.retentionDays must be >= 1, got %d", cfg.Cache.RetentionDays))
	}

	if cfg.Ingest.Enabled {
		if cfg.Ingest.MaxFileMB < 1 || cfg.Ingest.MaxFileMB > 512 {
			errs = append(errs, fmt.Sprintf("ingest.maxFileMb must be 1-512, got %d", cfg.Ingest.MaxFileMB))
		}
		if cfg.Ingest.RenderTimeoutSeconds < 1 || cfg.Ingest.RenderTimeoutSeconds > 300 {
			errs = append(errs, fmt.Sprintf("ingest.renderTimeoutSeconds must be 1-300, got %d", cfg.Ingest.RenderTimeoutSeconds))
		}
	}

	if cfg.Schedule.Enabled {
		seen := make(map[string]bool)
		for i, task := range cfg.Schedule.Tasks {
			where := fmt.Sprintf("schedule.tasks[%d]", i)
			if task.ID == "" {
				errs = append(errs, where+": id is required")
			} else if seen[task.ID] {
				errs = append(errs, fmt.Sprintf("%s: duplicate id %q", where, task.ID))
			} else {
				seen[task.ID] = true
			}
			if strings.TrimSpace(task.Query) == "" {
				errs = append(errs, where+": query is required")
			}
			if task.Channel == "" || task.ChatID == "" {
				errs = append(errs, where+": channel and chatId are required")
			}
			if task.IntervalSeconds <= 0 && task.Daily == "" {
				errs = append(errs, where+": either intervalSeconds or daily must be set")
			}
			if task.Daily != "" && !dailyRe.MatchString(task.Daily) {
				errs = append(errs, fmt.Sprintf("%s: daily must be HH:MM, got %q", where, task.Daily))
			}
		}
	}

	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, fmt.Sprintf("metrics.endpoint must start with /, got %q", cfg.Metrics.Endpoint))
	}

	if cfg.Security.PairingRequired && cfg.Security.PairingTTLDays < 1 {
		errs = append(errs, fmt.Sprintf("security.pairingTtlDays must be >= 1, got %d", cfg.Security.PairingTTLDays))
	}
	for _, pat := range cfg.Security.RedactPatterns {
		if _, err := regexp.Compile(pat); err != nil {
			errs = append(errs, fmt.Sprintf("security.redactPatterns entry %q: %v", pat, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
