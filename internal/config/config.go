package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for relaybot.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general" toml:"general"`
	Relay     RelayConfig     `json:"relay" yaml:"relay" toml:"relay"`
	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect" toml:"reconnect"`
	Cache     CacheConfig     `json:"cache" yaml:"cache" toml:"cache"`
	Platforms PlatformsConfig `json:"platforms" yaml:"platforms" toml:"platforms"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" toml:"metrics"`
}

type GeneralConfig struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel" toml:"logLevel"`    // debug | info | warn | error
	LogFormat string `json:"logFormat" yaml:"logFormat" toml:"logFormat"` // text | json
	LogFile   string `json:"logFile" yaml:"logFile" toml:"logFile"`       // optional log file path
}

// RelayConfig tunes the hub.
type RelayConfig struct {
	CallTimeoutSeconds int `json:"callTimeoutSeconds" yaml:"callTimeoutSeconds" toml:"callTimeoutSeconds"`
	RetryAttempts      int `json:"retryAttempts" yaml:"retryAttempts" toml:"retryAttempts"`
	RetryBackoffMs     int `json:"retryBackoffMs" yaml:"retryBackoffMs" toml:"retryBackoffMs"`
	RetentionHours     int `json:"retentionHours" yaml:"retentionHours" toml:"retentionHours"`
	MaxEntries         int `json:"maxEntries" yaml:"maxEntries" toml:"maxEntries"` // 0 = unbounded
}

// ReconnectConfig tunes every adapter's connection session.
type ReconnectConfig struct {
	InitialBackoffMs        int `json:"initialBackoffMs" yaml:"initialBackoffMs" toml:"initialBackoffMs"`
	MaxBackoffSeconds       int `json:"maxBackoffSeconds" yaml:"maxBackoffSeconds" toml:"maxBackoffSeconds"`
	MaxAttempts             int `json:"maxAttempts" yaml:"maxAttempts" toml:"maxAttempts"` // 0 = retry forever
	HandshakeTimeoutSeconds int `json:"handshakeTimeoutSeconds" yaml:"handshakeTimeoutSeconds" toml:"handshakeTimeoutSeconds"`
}

type CacheConfig struct {
	Dir                 string `json:"dir" yaml:"dir" toml:"dir"`
	FetchTimeoutSeconds int    `json:"fetchTimeoutSeconds" yaml:"fetchTimeoutSeconds" toml:"fetchTimeoutSeconds"`
	MaxFileBytes        int64  `json:"maxFileBytes" yaml:"maxFileBytes" toml:"maxFileBytes"` // 0 = unlimited
}

type PlatformsConfig struct {
	Discord  DiscordConfig  `json:"discord" yaml:"discord" toml:"discord"`
	OneBot   OneBotConfig   `json:"onebot" yaml:"onebot" toml:"onebot"`
	Slack    SlackConfig    `json:"slack" yaml:"slack" toml:"slack"`
	Telegram TelegramConfig `json:"telegram" yaml:"telegram" toml:"telegram"`
}

type DiscordConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Token              string  `json:"token" yaml:"token" toml:"token"`
	ChannelID          string  `json:"channelId" yaml:"channelId" toml:"channelId"`
	GatewayURL         string  `json:"gatewayUrl" yaml:"gatewayUrl" toml:"gatewayUrl"`
	IgnoreBots         bool    `json:"ignoreBots" yaml:"ignoreBots" toml:"ignoreBots"`
	RateLimitPerMinute float64 `json:"rateLimitPerMinute" yaml:"rateLimitPerMinute" toml:"rateLimitPerMinute"`
}

type OneBotConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	WSURL              string  `json:"wsUrl" yaml:"wsUrl" toml:"wsUrl"`
	APIURL             string  `json:"apiUrl" yaml:"apiUrl" toml:"apiUrl"`
	AccessToken        string  `json:"accessToken" yaml:"accessToken" toml:"accessToken"`
	GroupID            int64   `json:"groupId" yaml:"groupId" toml:"groupId"`
	RateLimitPerMinute float64 `json:"rateLimitPerMinute" yaml:"rateLimitPerMinute" toml:"rateLimitPerMinute"`
}

type SlackConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	BotToken           string  `json:"botToken" yaml:"botToken" toml:"botToken"`
	AppToken           string  `json:"appToken" yaml:"appToken" toml:"appToken"` // required for Socket Mode
	ChannelID          string  `json:"channelId" yaml:"channelId" toml:"channelId"`
	RateLimitPerMinute float64 `json:"rateLimitPerMinute" yaml:"rateLimitPerMinute" toml:"rateLimitPerMinute"`
}

type TelegramConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled" toml:"enabled"`
	Token              string  `json:"token" yaml:"token" toml:"token"`
	ChatID             int64   `json:"chatId" yaml:"chatId" toml:"chatId"`
	RateLimitPerMinute float64 `json:"rateLimitPerMinute" yaml:"rateLimitPerMinute" toml:"rateLimitPerMinute"`
}

// MetricsConfig configures the Prometheus text endpoint and /healthz.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" toml:"addr"`
	Path    string `json:"path" yaml:"path" toml:"path"`
}

// EnabledPlatforms lists the enabled platform names in a stable order.
func (c *Config) EnabledPlatforms() []string {
	var out []string
	p := c.Platforms
	if p.Discord.Enabled {
		out = append(out, "discord")
	}
	if p.OneBot.Enabled {
		out = append(out, "onebot")
	}
	if p.Slack.Enabled {
		out = append(out, "slack")
	}
	if p.Telegram.Enabled {
		out = append(out, "telegram")
	}
	return out
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// format picks the codec from the file extension; anything unknown is JSON.
func format(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	case ".toml":
		return "toml"
	}
	return "json"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch format(path) {
	case "yaml":
		err = yaml.Unmarshal(data, cfg)
	case "toml":
		_, err = toml.Decode(string(data), cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Cache.Dir = ExpandPath(cfg.Cache.Dir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		name := groups[1]
		def, hasDefault := "", len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			def = groups[2]
		}
		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match // keep unresolved references visible
	})
}

// Save writes cfg in the format chosen by the path extension.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	switch format(path) {
	case "yaml":
		data, err = yaml.Marshal(cfg)
	case "toml":
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(cfg)
		data = buf.Bytes()
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	// Tokens live in this file.
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	switch cfg.General.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, "general.logFormat must be one of: text, json")
	}

	if cfg.Relay.CallTimeoutSeconds < 1 {
		errs = append(errs, "relay.callTimeoutSeconds must be >= 1")
	}
	if cfg.Relay.RetryAttempts < 0 || cfg.Relay.RetryAttempts > 10 {
		errs = append(errs, "relay.retryAttempts must be between 0 and 10")
	}
	if cfg.Relay.RetentionHours < 1 {
		errs = append(errs, "relay.retentionHours must be >= 1")
	}
	if cfg.Relay.MaxEntries < 0 {
		errs = append(errs, "relay.maxEntries must be >= 0")
	}

	if cfg.Reconnect.InitialBackoffMs < 1 {
		errs = append(errs, "reconnect.initialBackoffMs must be >= 1")
	}
	if cfg.Reconnect.MaxBackoffSeconds < 1 {
		errs = append(errs, "reconnect.maxBackoffSeconds must be >= 1")
	}
	if cfg.Reconnect.MaxAttempts < 0 {
		errs = append(errs, "reconnect.maxAttempts must be >= 0")
	}

	if cfg.Cache.Dir == "" {
		errs = append(errs, "cache.dir is required")
	}
	if cfg.Cache.FetchTimeoutSeconds < 1 {
		errs = append(errs, "cache.fetchTimeoutSeconds must be >= 1")
	}
	if cfg.Cache.MaxFileBytes < 0 {
		errs = append(errs, "cache.maxFileBytes must be >= 0")
	}

	p := cfg.Platforms
	if p.Discord.Enabled && (p.Discord.Token == "" || p.Discord.ChannelID == "") {
		errs = append(errs, "platforms.discord: token and channelId are required")
	}
	if p.OneBot.Enabled && (p.OneBot.WSURL == "" || p.OneBot.APIURL == "" || p.OneBot.GroupID == 0) {
		errs = append(errs, "platforms.onebot: wsUrl, apiUrl and groupId are required")
	}
	if p.Slack.Enabled && (p.Slack.BotToken == "" || p.Slack.AppToken == "" || p.Slack.ChannelID == "") {
		errs = append(errs, "platforms.slack: botToken, appToken and channelId are required")
	}
	if p.Telegram.Enabled && (p.Telegram.Token == "" || p.Telegram.ChatID == 0) {
		errs = append(errs, "platforms.telegram: token and chatId are required")
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Addr == "" {
			errs = append(errs, "metrics.addr is required when metrics are enabled")
		}
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, "metrics.path must start with /")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
