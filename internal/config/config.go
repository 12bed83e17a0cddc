package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Provider  ProviderConfig  `mapstructure:"provider"`
	Watchlist WatchlistConfig `mapstructure:"watchlist"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	// Thresholds is resolved separately so that one malformed field falls back to its default.
	Thresholds Thresholds `mapstructure:"-"`
}

// ProviderConfig holds the quote gateway connection settings
type ProviderConfig struct {
	WSURL        string        `mapstructure:"ws_url"`
	RESTURL      string        `mapstructure:"rest_url"`
	AppKey       string        `mapstructure:"app_key"`
	AccessToken  string        `mapstructure:"access_token"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
}

// WatchlistConfig selects the external watchlist. With no file set, the gateway's
// watchlist groups are used.
type WatchlistConfig struct {
	File   string   `mapstructure:"file"`
	Groups []string `mapstructure:"groups"`
}

// MonitorConfig holds monitoring, scheduling and reconnect behavior
type MonitorConfig struct {
	Symbols               []string      `mapstructure:"symbols"`
	TickInterval          time.Duration `mapstructure:"tick_interval"`
	RefreshInterval       time.Duration `mapstructure:"refresh_interval"`
	QueueSize             int           `mapstructure:"queue_size"`
	Workers               int           `mapstructure:"workers"`
	RiskFreeRate          float64       `mapstructure:"risk_free_rate"`
	Timezone              string        `mapstructure:"timezone"`
	TradingDayCutoverHour int           `mapstructure:"trading_day_cutover_hour"`
	DailyResetTime        string        `mapstructure:"daily_reset_time"`
	Cooldown              time.Duration `mapstructure:"cooldown"`
	MaxRetries            int           `mapstructure:"max_retries"`
	BaseDelay             time.Duration `mapstructure:"base_delay"`
	MaxDelay              time.Duration `mapstructure:"max_delay"`
	DegradedCooldown      time.Duration `mapstructure:"degraded_cooldown"`
	ShutdownGrace         time.Duration `mapstructure:"shutdown_grace"`
}

// WebhookConfig holds chat-robot webhook delivery settings
type WebhookConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	URL               string        `mapstructure:"url"`
	Secret            string        `mapstructure:"secret"`
	RetryTimes        int           `mapstructure:"retry_times"`
	RetryInterval     time.Duration `mapstructure:"retry_interval"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RatePerMinute     int           `mapstructure:"rate_per_minute"`
	FailureAlertAfter int           `mapstructure:"failure_alert_after"`
}

// TelegramConfig holds Telegram mirror configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds the session signal log configuration
type StorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DBPath  string `mapstructure:"db_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	setDefaults(v)

	// QUOTESENTINEL_WEBHOOK_SECRET overrides webhook.secret, etc.
	v.SetEnvPrefix("QUOTESENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	base, err := ThresholdsFromEnv(DefaultThresholds())
	if err != nil {
		return nil, err
	}
	cfg.Thresholds, err = MergeThresholds(base, v.GetStringMap("thresholds"))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Provider defaults
	v.SetDefault("provider.ws_url", "ws://127.0.0.1:8765/v1/quote/ws")
	v.SetDefault("provider.rest_url", "http://127.0.0.1:8765")
	v.SetDefault("provider.app_key", "")
	v.SetDefault("provider.access_token", "")
	v.SetDefault("provider.timeout", "10s")
	v.SetDefault("provider.ping_interval", "30s")

	v.SetDefault("watchlist.file", "")
	v.SetDefault("watchlist.groups", []string{})

	// Monitor defaults
	v.SetDefault("monitor.symbols", []string{})
	v.SetDefault("monitor.tick_interval", "60s")
	v.SetDefault("monitor.refresh_interval", "5m")
	v.SetDefault("monitor.queue_size", 1024)
	v.SetDefault("monitor.workers", 4)
	v.SetDefault("monitor.risk_free_rate", 0.045)
	v.SetDefault("monitor.timezone", "Asia/Shanghai")
	v.SetDefault("monitor.trading_day_cutover_hour", 5)
	v.SetDefault("monitor.daily_reset_time", "05:30")
	v.SetDefault("monitor.cooldown", "5m")
	v.SetDefault("monitor.max_retries", 5)
	v.SetDefault("monitor.base_delay", "1s")
	v.SetDefault("monitor.max_delay", "60s")
	v.SetDefault("monitor.degraded_cooldown", "5m")
	v.SetDefault("monitor.shutdown_grace", "10s")

	// Webhook defaults
	v.SetDefault("webhook.enabled", true)
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.retry_times", 3)
	v.SetDefault("webhook.retry_interval", "1s")
	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.rate_per_minute", 20)
	v.SetDefault("webhook.failure_alert_after", 3)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Storage defaults
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.output", "stderr")
	v.SetDefault("logging.max_age_days", 7)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Provider config
	if c.Provider.WSURL == "" {
		return fmt.Errorf("provider.ws_url is required")
	}
	if c.Provider.RESTURL == "" {
		return fmt.Errorf("provider.rest_url is required")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be positive")
	}

	// Validate Monitor config
	if c.Monitor.TickInterval < time.Second {
		return fmt.Errorf("monitor.tick_interval must be at least 1 second")
	}
	if c.Monitor.RefreshInterval < c.Monitor.TickInterval {
		return fmt.Errorf("monitor.refresh_interval must not be shorter than monitor.tick_interval")
	}
	if c.Monitor.QueueSize < 1 {
		return fmt.Errorf("monitor.queue_size must be at least 1")
	}
	if c.Monitor.Workers < 1 {
		return fmt.Errorf("monitor.workers must be at least 1")
	}
	if c.Monitor.RiskFreeRate < 0 || c.Monitor.RiskFreeRate > 1 {
		return fmt.Errorf("monitor.risk_free_rate must be between 0.0 and 1.0")
	}
	if _, err := time.LoadLocation(c.Monitor.Timezone); err != nil {
		return fmt.Errorf("monitor.timezone is invalid: %w", err)
	}
	if c.Monitor.TradingDayCutoverHour < 0 || c.Monitor.TradingDayCutoverHour > 23 {
		return fmt.Errorf("monitor.trading_day_cutover_hour must be between 0 and 23")
	}
	if _, err := time.Parse("15:04", c.Monitor.DailyResetTime); err != nil {
		return fmt.Errorf("monitor.daily_reset_time must be HH:MM: %w", err)
	}
	if c.Monitor.Cooldown < 0 {
		return fmt.Errorf("monitor.cooldown must not be negative")
	}
	if c.Monitor.MaxRetries < 1 {
		return fmt.Errorf("monitor.max_retries must be at least 1")
	}
	if c.Monitor.BaseDelay <= 0 || c.Monitor.MaxDelay < c.Monitor.BaseDelay {
		return fmt.Errorf("monitor.base_delay must be positive and not exceed monitor.max_delay")
	}
	if c.Monitor.DegradedCooldown <= 0 {
		return fmt.Errorf("monitor.degraded_cooldown must be positive")
	}

	// Validate Webhook config
	if c.Webhook.Enabled {
		if c.Webhook.URL == "" {
			return fmt.Errorf("webhook.url is required when webhook is enabled")
		}
		if c.Webhook.RetryTimes < 1 {
			return fmt.Errorf("webhook.retry_times must be at least 1")
		}
		if c.Webhook.Timeout <= 0 {
			return fmt.Errorf("webhook.timeout must be positive")
		}
		if c.Webhook.RatePerMinute < 0 {
			return fmt.Errorf("webhook.rate_per_minute must not be negative")
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Location returns the reference clock used for trading dates and the daily reset.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Monitor.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DailyReset returns the hour and minute of the daily maintenance boundary.
func (c *Config) DailyReset() (hour, minute int) {
	t, err := time.Parse("15:04", c.Monitor.DailyResetTime)
	if err != nil {
		return 5, 30
	}
	return t.Hour(), t.Minute()
}

// MaskedWebhook returns the webhook URL with most characters hidden for logging.
func (c *Config) MaskedWebhook() string {
	return maskSecret(c.Webhook.URL)
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}
