package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Poll     PollConfig     `mapstructure:"poll"`
	Server   ServerConfig   `mapstructure:"server"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	History  HistoryConfig  `mapstructure:"history"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// APIConfig holds the bias service endpoints and HTTP client tuning
type APIConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	WSURL           string        `mapstructure:"ws_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	RetryDelayBase  time.Duration `mapstructure:"retry_delay_base"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"` // 0 disables reconnecting the alert stream
	MaxFrameBytes   int64         `mapstructure:"max_frame_bytes"`
}

// PollConfig holds the refresh cadence for aggregate data
type PollConfig struct {
	DashboardInterval time.Duration `mapstructure:"dashboard_interval"`
	ClustersInterval  time.Duration `mapstructure:"clusters_interval"`
}

// ServerConfig holds the local dashboard API settings
type ServerConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// HistoryConfig holds the session journal settings
type HistoryConfig struct {
	DBPath    string `mapstructure:"db_path"`
	MaxAlerts int    `mapstructure:"max_alerts"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// BIASWATCH_API_BASE_URL overrides api.base_url
	v.SetEnvPrefix("BIASWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// API defaults match the original dashboard's local backend
	v.SetDefault("api.base_url", "http://localhost:8000")
	v.SetDefault("api.ws_url", "ws://localhost:8000/ws/alerts")
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.retry_delay_base", "1s")
	v.SetDefault("api.max_idle_conns", 10)
	v.SetDefault("api.idle_conn_timeout", "90s")
	v.SetDefault("api.reconnect_delay", "0s")
	v.SetDefault("api.max_frame_bytes", 1<<20)

	v.SetDefault("poll.dashboard_interval", "30s")
	v.SetDefault("poll.clusters_interval", "1m")

	v.SetDefault("server.listen_addr", "127.0.0.1:8090")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// :memory: keeps the journal scoped to the running session
	v.SetDefault("history.db_path", ":memory:")
	v.SetDefault("history.max_alerts", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if err := validateURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("api.ws_url", c.API.WSURL, "ws", "wss"); err != nil {
		return err
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be positive")
	}
	if c.API.MaxRetries < 1 {
		return fmt.Errorf("api.max_retries must be at least 1")
	}
	if c.API.RetryDelayBase < 0 {
		return fmt.Errorf("api.retry_delay_base must not be negative")
	}
	if c.API.ReconnectDelay < 0 {
		return fmt.Errorf("api.reconnect_delay must not be negative")
	}
	if c.API.MaxFrameBytes < 1024 {
		return fmt.Errorf("api.max_frame_bytes must be at least 1024")
	}

	if c.Poll.DashboardInterval < time.Second {
		return fmt.Errorf("poll.dashboard_interval must be at least 1 second")
	}
	if c.Poll.ClustersInterval < time.Second {
		return fmt.Errorf("poll.clusters_interval must be at least 1 second")
	}

	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.History.DBPath == "" {
		return fmt.Errorf("history.db_path is required")
	}
	if c.History.MaxAlerts < 1 {
		return fmt.Errorf("history.max_alerts must be at least 1")
	}

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

func validateURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", key, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL", key, strings.Join(schemes, " or "))
}
