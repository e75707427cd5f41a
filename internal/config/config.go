package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"gatekeeper-bot/internal/lifecycle"
	"gatekeeper-bot/internal/settings"
)

type Config struct {
	Telegram  TelegramConfig    `mapstructure:"telegram"`
	Database  DatabaseConfig    `mapstructure:"database"`
	Lifecycle LifecycleConfig   `mapstructure:"lifecycle"`
	Feed      FeedConfig        `mapstructure:"feed"`
	Logging   LoggingConfig     `mapstructure:"logging"`
	Defaults  map[string]string `mapstructure:"defaults"`
}

type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	AllowedChats   []int64       `mapstructure:"allowed_chats"`
	PollingTimeout int           `mapstructure:"polling_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RulesScreening makes new members accept the rules before verifying.
	RulesScreening bool `mapstructure:"rules_screening"`
	// RestrictNewcomers limits joining members to text until verified.
	RestrictNewcomers bool          `mapstructure:"restrict_newcomers"`
	PromptTTL         time.Duration `mapstructure:"prompt_ttl"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type LifecycleConfig struct {
	ReminderInterval    time.Duration `mapstructure:"reminder_interval"`
	ReminderSpacing     time.Duration `mapstructure:"reminder_spacing"`
	RemindersBeforeKick int           `mapstructure:"reminders_before_kick"`
	ExpiryInterval      time.Duration `mapstructure:"expiry_interval"`
	RejectedChannelTTL  time.Duration `mapstructure:"rejected_channel_ttl"`
	// MaxConcurrentSubmissions caps submissions in flight across all chats; 0 means no cap.
	MaxConcurrentSubmissions int `mapstructure:"max_concurrent_submissions"`
}

// FeedConfig enables the event feed and metrics endpoint when ListenAddr is set.
type FeedConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	JSONFormat bool   `mapstructure:"json_format"`
}

// Load reads configuration from defaults, an optional config file and the
// environment. An empty path searches the standard locations.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := lifecycle.DefaultOptions()
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.polling_timeout", 60)
	v.SetDefault("telegram.request_timeout", "2m")
	v.SetDefault("telegram.rules_screening", false)
	v.SetDefault("telegram.restrict_newcomers", false)
	v.SetDefault("telegram.prompt_ttl", "30m")
	v.SetDefault("database.path", "gatekeeper.db")
	v.SetDefault("lifecycle.reminder_interval", defaults.ReminderInterval)
	v.SetDefault("lifecycle.reminder_spacing", defaults.ReminderSpacing)
	v.SetDefault("lifecycle.reminders_before_kick", defaults.RemindersBeforeKick)
	v.SetDefault("lifecycle.expiry_interval", defaults.ExpiryInterval)
	v.SetDefault("lifecycle.rejected_channel_ttl", defaults.RejectedChannelTTL)
	v.SetDefault("lifecycle.max_concurrent_submissions", defaults.MaxConcurrentSubmissions)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json_format", false)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/gatekeeper-bot")
	}

	v.SetEnvPrefix("GATEKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required")
	}
	if c.Telegram.PollingTimeout < 0 {
		return fmt.Errorf("telegram.polling_timeout must not be negative")
	}
	if c.Telegram.RequestTimeout <= 0 {
		return fmt.Errorf("telegram.request_timeout must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Lifecycle.ReminderInterval <= 0 || c.Lifecycle.ExpiryInterval <= 0 {
		return fmt.Errorf("lifecycle sweep intervals must be positive")
	}
	if c.Lifecycle.ReminderSpacing < 0 {
		return fmt.Errorf("lifecycle.reminder_spacing must not be negative")
	}
	if c.Lifecycle.RemindersBeforeKick < 1 {
		return fmt.Errorf("lifecycle.reminders_before_kick must be at least 1")
	}
	if c.Lifecycle.RejectedChannelTTL <= 0 {
		return fmt.Errorf("lifecycle.rejected_channel_ttl must be positive")
	}
	if c.Lifecycle.MaxConcurrentSubmissions < 0 {
		return fmt.Errorf("lifecycle.max_concurrent_submissions must not be negative")
	}
	for key := range c.Defaults {
		if !settings.IsKnown(key) {
			return fmt.Errorf("defaults: unknown setting %q", key)
		}
	}
	return nil
}

func (c *Config) LifecycleOptions() lifecycle.Options {
	return lifecycle.Options{
		ReminderInterval:    c.Lifecycle.ReminderInterval,
		ReminderSpacing:     c.Lifecycle.ReminderSpacing,
		RemindersBeforeKick: c.Lifecycle.RemindersBeforeKick,
		ExpiryInterval:      c.Lifecycle.ExpiryInterval,
		RejectedChannelTTL:  c.Lifecycle.RejectedChannelTTL,

		MaxConcurrentSubmissions: c.Lifecycle.MaxConcurrentSubmissions,
	}
}
