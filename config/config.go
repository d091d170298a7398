// Package config loads the server settings from the environment.
package config

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

const (
	BackendSQLite = "sqlite"
	BackendTables = "tables"
)

type Config struct {
	Debug bool `mapstructure:"debug"`

	// Port follows the Functions custom handler convention and wins over
	// ListenAddr when set.
	Port       string `mapstructure:"functions_customhandler_port"`
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
	BaseURL    string `mapstructure:"base_url" validate:"required,url"`

	StorageBackend          string `mapstructure:"storage_backend" validate:"oneof=sqlite tables"`
	DatabasePath            string `mapstructure:"database_path" validate:"required_if=StorageBackend sqlite"`
	StorageConnectionString string `mapstructure:"storage_connection_string" validate:"required_if=StorageBackend tables"`
	TasksTable              string `mapstructure:"tasks_table" validate:"required"`
	TasksPartition          string `mapstructure:"tasks_partition" validate:"required"`

	ChangeFeedQueue string `mapstructure:"change_feed_queue"`
	FeedWorkers     int    `mapstructure:"feed_workers" validate:"gte=1"`
	FeedBuffer      int    `mapstructure:"feed_buffer" validate:"gte=1"`

	RedisConnectionString string        `mapstructure:"redis_connection_string"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl" validate:"gte=0"`
	HubChannel            string        `mapstructure:"hub_channel" validate:"required"`

	HubKeepAlive        time.Duration `mapstructure:"hub_keepalive_interval" validate:"gt=0"`
	HubClientTimeout    time.Duration `mapstructure:"hub_client_timeout" validate:"gtfield=HubKeepAlive"`
	HubHandshakeTimeout time.Duration `mapstructure:"hub_handshake_timeout" validate:"gt=0"`
	HubReconnectDelays  string        `mapstructure:"hub_reconnect_delays" validate:"required"`

	ReadmePath      string        `mapstructure:"readme_path"`
	MetricsEnabled  bool          `mapstructure:"metrics_enabled"`
	PprofEnabled    bool          `mapstructure:"pprof_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

var defaults = map[string]any{
	"debug":                        false,
	"functions_customhandler_port": "",
	"listen_addr":                  ":8080",
	"base_url":                     "http://localhost:8080",
	"storage_backend":              BackendSQLite,
	"database_path":                "taskboard.db",
	"storage_connection_string":    "",
	"tasks_table":                  "tasks",
	"tasks_partition":              "board",
	"change_feed_queue":            "",
	"feed_workers":                 4,
	"feed_buffer":                  1024,
	"redis_connection_string":      "",
	"cache_ttl":                    time.Minute,
	"hub_channel":                  "taskhub",
	"hub_keepalive_interval":       15 * time.Second,
	"hub_client_timeout":           30 * time.Second,
	"hub_handshake_timeout":        15 * time.Second,
	"hub_reconnect_delays":         "0s,5s,10s",
	"readme_path":                  "README.md",
	"metrics_enabled":              true,
	"pprof_enabled":                false,
	"shutdown_timeout":             10 * time.Second,
}

// Load reads the configuration from environment variables named after the
// upper-cased keys, e.g. STORAGE_BACKEND or HUB_CLIENT_TIMEOUT.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if _, err := cfg.ReconnectDelays(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.RedisConnectionString != "" {
		if _, err := cfg.RedisOptions(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return &cfg, nil
}

// Addr is the address the HTTP server listens on.
func (c *Config) Addr() string {
	if c.Port != "" {
		return ":" + c.Port
	}
	return c.ListenAddr
}

// HubURL is the WebSocket address the server's own hub clients dial.
func (c *Config) HubURL() string {
	base := strings.TrimRight(c.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/taskhub"
}

// ReconnectDelays parses the comma separated HUB_RECONNECT_DELAYS list.
func (c *Config) ReconnectDelays() ([]time.Duration, error) {
	var out []time.Duration
	for _, part := range strings.Split(c.HubReconnectDelays, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := time.ParseDuration(part)
		if err != nil || d < 0 {
			return nil, fmt.Errorf("hub_reconnect_delays: bad delay %q", part)
		}
		out = append(out, d)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("hub_reconnect_delays: no delays")
	}
	return out, nil
}

// RedisOptions accepts a redis:// URL or the "host:port,password=..,ssl=true"
// form used by Azure Cache for Redis.
func (c *Config) RedisOptions() (*redis.Options, error) {
	if c.RedisConnectionString == "" {
		return nil, fmt.Errorf("redis connection string is empty")
	}
	opts, err := redis.ParseURL(c.RedisConnectionString)
	if err == nil {
		return opts, nil
	}
	parts := strings.Split(c.RedisConnectionString, ",")
	if strings.Contains(parts[0], "://") || strings.TrimSpace(parts[0]) == "" {
		return nil, fmt.Errorf("parse redis connection string: %w", err)
	}
	opts = &redis.Options{Addr: strings.TrimSpace(parts[0])}
	for _, p := range parts[1:] {
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(kv[0])) {
		case "password":
			opts.Password = kv[1]
		case "ssl":
			if strings.EqualFold(strings.TrimSpace(kv[1]), "true") {
				opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			}
		}
	}
	return opts, nil
}
