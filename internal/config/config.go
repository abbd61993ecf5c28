package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/threadline/internal/thread"
	"github.com/ehrlich-b/threadline/internal/ws"
)

// Config represents the application configuration
type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Switch    SwitchConfig    `yaml:"switch"`
	SendRate  SendRateConfig  `yaml:"send_rate"`
	Database  DatabaseConfig  `yaml:"database"`
	Relay     RelayConfig     `yaml:"relay"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SessionConfig points the chat client at a relay.
type SessionConfig struct {
	URL          string `yaml:"url"` // relay base URL, e.g. http://localhost:7777
	Token        string `yaml:"token"`
	HistoryLimit int    `yaml:"history_limit"` // messages loaded per switch, 0 loads all
}

type ReconnectConfig struct {
	Base        Duration `yaml:"base"`
	Max         Duration `yaml:"max"`
	Multiplier  float64  `yaml:"multiplier"`
	Jitter      float64  `yaml:"jitter"`
	MaxAttempts int      `yaml:"max_attempts"` // 0 retries forever
	Heartbeat   Duration `yaml:"heartbeat"`    // 0 disables pings
}

type BufferConfig struct {
	Capacity int    `yaml:"capacity"`
	Overflow string `yaml:"overflow"` // drop_oldest or reject_newest
}

type TimeoutConfig struct {
	Load   Duration `yaml:"load"`
	Commit Duration `yaml:"commit"`
	Write  Duration `yaml:"write"`
}

type SwitchConfig struct {
	ClearMessages bool `yaml:"clear_messages"`
	UpdateURL     bool `yaml:"update_url"`
	Scroll        bool `yaml:"scroll"`
}

type SendRateConfig struct {
	PerSecond float64 `yaml:"per_second"` // 0 is unlimited
	Burst     int     `yaml:"burst"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RelayConfig struct {
	Addr      string   `yaml:"addr"`
	Token     string   `yaml:"token"`
	RateLimit float64  `yaml:"rate_limit"` // inbound frames per second per peer, 0 is unlimited
	RateBurst int      `yaml:"rate_burst"`
	EchoAgent string   `yaml:"echo_agent"`
	EchoDelay Duration `yaml:"echo_delay"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	p := ws.DefaultPolicy()
	return &Config{
		Session: SessionConfig{URL: "http://localhost:7777", HistoryLimit: 200},
		Reconnect: ReconnectConfig{
			Base:       Duration(p.Base),
			Max:        Duration(p.Max),
			Multiplier: p.Multiplier,
			Jitter:     p.Jitter,
			Heartbeat:  Duration(30 * time.Second),
		},
		Buffer:   BufferConfig{Capacity: 256, Overflow: "drop_oldest"},
		Timeouts: TimeoutConfig{Load: Duration(10 * time.Second), Commit: Duration(15 * time.Second), Write: Duration(10 * time.Second)},
		Switch:   SwitchConfig{ClearMessages: true},
		Database: DatabaseConfig{Path: "threadline.db"},
		Relay:    RelayConfig{Addr: ":7777", RateLimit: 20, RateBurst: 40},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file on top of Default. A missing file
// is not an error. Environment overrides are applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables if present
	if v := os.Getenv("THREADLINE_URL"); v != "" {
		cfg.Session.URL = v
	}
	if v := os.Getenv("THREADLINE_TOKEN"); v != "" {
		cfg.Session.Token = v
		if cfg.Relay.Token == "" {
			cfg.Relay.Token = v
		}
	}
	if v := os.Getenv("THREADLINE_DB"); v != "" {
		cfg.Database.Path = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Session.URL == "" {
		return fmt.Errorf("session.url is required")
	}
	if c.Session.HistoryLimit < 0 {
		return fmt.Errorf("session.history_limit must be >= 0")
	}
	if err := c.ReconnectPolicy().Validate(); err != nil {
		return err
	}
	if c.Reconnect.Heartbeat < 0 {
		return fmt.Errorf("reconnect.heartbeat must be >= 0")
	}
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer.capacity must be positive")
	}
	if _, err := ws.ParseOverflowPolicy(c.Buffer.Overflow); err != nil {
		return fmt.Errorf("buffer.overflow: %w", err)
	}
	if c.Timeouts.Load < 0 || c.Timeouts.Commit < 0 || c.Timeouts.Write < 0 {
		return fmt.Errorf("timeouts must be >= 0")
	}
	if c.SendRate.PerSecond < 0 || c.SendRate.Burst < 0 {
		return fmt.Errorf("send_rate must be >= 0")
	}
	if c.Relay.RateLimit < 0 || c.Relay.RateBurst < 0 {
		return fmt.Errorf("relay rate limit must be >= 0")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}
	return nil
}

// ReconnectPolicy converts the reconnect section.
func (c *Config) ReconnectPolicy() ws.ReconnectPolicy {
	return ws.ReconnectPolicy{
		Base:        c.Reconnect.Base.D(),
		Max:         c.Reconnect.Max.D(),
		Multiplier:  c.Reconnect.Multiplier,
		Jitter:      c.Reconnect.Jitter,
		MaxAttempts: c.Reconnect.MaxAttempts,
	}
}

// ClientOptions builds ws.Client options. Call on a validated config.
func (c *Config) ClientOptions(l *zap.Logger) ws.Options {
	overflow, _ := ws.ParseOverflowPolicy(c.Buffer.Overflow)
	burst := c.SendRate.Burst
	if burst == 0 && c.SendRate.PerSecond > 0 {
		burst = 1
	}
	return ws.Options{
		Transport:    &ws.WebSocketTransport{Token: c.Session.Token},
		Policy:       c.ReconnectPolicy(),
		BufferSize:   c.Buffer.Capacity,
		Overflow:     overflow,
		WriteTimeout: c.Timeouts.Write.D(),
		Heartbeat:    c.Reconnect.Heartbeat.D(),
		SendRate:     rate.Limit(c.SendRate.PerSecond),
		SendBurst:    burst,
		Logger:       l,
	}
}

// SwitchOptions returns the defaults applied to every thread switch.
func (c *Config) SwitchOptions() thread.Options {
	return thread.Options{
		ClearMessages: c.Switch.ClearMessages,
		UpdateURL:     c.Switch.UpdateURL,
		Scroll:        c.Switch.Scroll,
		Limit:         c.Session.HistoryLimit,
	}
}
