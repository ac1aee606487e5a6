package factory

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"github.com/opd-ai/tradechat/limits"
	"github.com/opd-ai/tradechat/queue"
	"github.com/opd-ai/tradechat/session"
	"github.com/opd-ai/tradechat/typing"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "TRADECHAT_"

// Validation bounds for configuration values.
const (
	MinTimeout           = 100 * time.Millisecond
	MaxTimeout           = 10 * time.Minute
	MaxReconnectAttempts = 100
	MinTypingTimeout     = 500 * time.Millisecond
	MaxTypingTimeout     = time.Minute
	MinQueueMaxAge       = time.Minute
	MaxQueueMaxAge       = 30 * 24 * time.Hour
	MinCheckInterval     = time.Second
)

// Config holds every tunable of a tradechat client.
type Config struct {
	ServerURL         string        `yaml:"server_url"         env:"SERVER_URL"`
	UseSimulation     bool          `yaml:"use_simulation"     env:"USE_SIMULATION"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"  env:"HANDSHAKE_TIMEOUT"`
	RequestTimeout    time.Duration `yaml:"request_timeout"    env:"REQUEST_TIMEOUT"`
	ReconnectBase     time.Duration `yaml:"reconnect_base"     env:"RECONNECT_BASE"`
	ReconnectMax      time.Duration `yaml:"reconnect_max"      env:"RECONNECT_MAX"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" env:"RECONNECT_ATTEMPTS"`
	ReconnectJitter   float64       `yaml:"reconnect_jitter"   env:"RECONNECT_JITTER"`
	PageSize          int           `yaml:"page_size"          env:"PAGE_SIZE"`
	TypingTimeout     time.Duration `yaml:"typing_timeout"     env:"TYPING_TIMEOUT"`
	RemoteTypingTTL   time.Duration `yaml:"remote_typing_ttl"  env:"REMOTE_TYPING_TTL"`
	QueueDir          string        `yaml:"queue_dir"          env:"QUEUE_DIR"`
	QueueSealKey      string        `yaml:"queue_seal_key"     env:"QUEUE_SEAL_KEY"`
	QueueMaxAge       time.Duration `yaml:"queue_max_age"      env:"QUEUE_MAX_AGE"`
	PurgeSchedule     string        `yaml:"purge_schedule"     env:"PURGE_SCHEDULE"`
	CheckAddress      string        `yaml:"check_address"      env:"CHECK_ADDRESS"`
	CheckInterval     time.Duration `yaml:"check_interval"     env:"CHECK_INTERVAL"`
	LogLevel          string        `yaml:"log_level"          env:"LOG_LEVEL"`
	MetricsAddr       string        `yaml:"metrics_addr"       env:"METRICS_ADDR"`
}

// DefaultConfig returns the built-in configuration.
//
// Default Value Rationale:
//   - UseSimulation: false, the real server must be opted out of explicitly
//   - Reconnect: 1s doubling to 30s, 10 attempts, ±50% jitter
//   - TypingTimeout: 3s of local inactivity sends "stopped typing"
//   - QueueMaxAge: 72h keeps a long weekend of offline messages
func DefaultConfig() *Config {
	return &Config{
		ServerURL:         "ws://localhost:8080/ws",
		UseSimulation:     false,
		HandshakeTimeout:  10 * time.Second,
		RequestTimeout:    15 * time.Second,
		ReconnectBase:     session.DefaultBackoffBase,
		ReconnectMax:      session.DefaultBackoffMax,
		ReconnectAttempts: session.DefaultReconnectAttempts,
		ReconnectJitter:   session.DefaultJitter,
		PageSize:          limits.DefaultPageSize,
		TypingTimeout:     typing.DefaultIdleTimeout,
		RemoteTypingTTL:   typing.DefaultRemoteTTL,
		QueueMaxAge:       limits.DefaultQueueMaxAge,
		PurgeSchedule:     queue.DefaultPurgeSchedule,
		CheckInterval:     15 * time.Second,
		LogLevel:          "info",
	}
}

// LoadConfig layers the YAML file at path (skipped when path is empty) and
// the environment over DefaultConfig, then validates the result.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnvironment(nil); err != nil {
		return nil, err
	}
	cfg.Validate()
	logConfigurationInfo(cfg)
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file not found: %s", path)
		}
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// applyEnvironment overlays TRADECHAT_* variables. A nil environ reads the
// process environment.
func (c *Config) applyEnvironment(environ map[string]string) error {
	opts := env.Options{Prefix: EnvPrefix}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(c, opts); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	return nil
}

// Validate resets out-of-range values to their defaults, logging a warning
// for each.
func (c *Config) Validate() {
	def := DefaultConfig()

	c.HandshakeTimeout = durationInRange("handshake_timeout", c.HandshakeTimeout, MinTimeout, MaxTimeout, def.HandshakeTimeout)
	c.RequestTimeout = durationInRange("request_timeout", c.RequestTimeout, MinTimeout, MaxTimeout, def.RequestTimeout)
	c.ReconnectBase = durationInRange("reconnect_base", c.ReconnectBase, MinTimeout, MaxTimeout, def.ReconnectBase)
	c.ReconnectMax = durationInRange("reconnect_max", c.ReconnectMax, c.ReconnectBase, MaxTimeout, def.ReconnectMax)
	c.TypingTimeout = durationInRange("typing_timeout", c.TypingTimeout, MinTypingTimeout, MaxTypingTimeout, def.TypingTimeout)
	c.RemoteTypingTTL = durationInRange("remote_typing_ttl", c.RemoteTypingTTL, c.TypingTimeout, MaxTypingTimeout, def.RemoteTypingTTL)
	c.QueueMaxAge = durationInRange("queue_max_age", c.QueueMaxAge, MinQueueMaxAge, MaxQueueMaxAge, def.QueueMaxAge)
	c.CheckInterval = durationInRange("check_interval", c.CheckInterval, MinCheckInterval, MaxTimeout, def.CheckInterval)

	if c.ReconnectAttempts < 1 || c.ReconnectAttempts > MaxReconnectAttempts {
		warnOutOfBounds("reconnect_attempts", c.ReconnectAttempts, 1, MaxReconnectAttempts, def.ReconnectAttempts)
		c.ReconnectAttempts = def.ReconnectAttempts
	}
	if c.ReconnectJitter < 0 || c.ReconnectJitter >= 1 {
		warnOutOfBounds("reconnect_jitter", c.ReconnectJitter, 0, 1, def.ReconnectJitter)
		c.ReconnectJitter = def.ReconnectJitter
	}
	if c.PageSize < 1 || c.PageSize > limits.MaxPageSize {
		warnOutOfBounds("page_size", c.PageSize, 1, limits.MaxPageSize, def.PageSize)
		c.PageSize = def.PageSize
	}
	if !gronx.IsValid(c.PurgeSchedule) {
		logrus.WithFields(logrus.Fields{
			"function":    "Config.Validate",
			"key":         "purge_schedule",
			"value":       c.PurgeSchedule,
			"using_value": def.PurgeSchedule,
		}).Warn("Invalid cron expression, using default")
		c.PurgeSchedule = def.PurgeSchedule
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "Config.Validate",
			"key":         "log_level",
			"value":       c.LogLevel,
			"using_value": def.LogLevel,
		}).Warn("Unknown log level, using default")
		c.LogLevel = def.LogLevel
	}
}

// Backoff returns the reconnect schedule described by the configuration.
func (c *Config) Backoff() session.Backoff {
	return session.Backoff{
		Base:        c.ReconnectBase,
		Max:         c.ReconnectMax,
		MaxAttempts: c.ReconnectAttempts,
		Jitter:      c.ReconnectJitter,
	}
}

func durationInRange(key string, v, min, max, def time.Duration) time.Duration {
	if v < min || v > max {
		warnOutOfBounds(key, v, min, max, def)
		return def
	}
	return v
}

func warnOutOfBounds(key string, value, min, max, using interface{}) {
	logrus.WithFields(logrus.Fields{
		"function":    "Config.Validate",
		"key":         key,
		"value":       value,
		"min":         min,
		"max":         max,
		"using_value": using,
	}).Warn("Configuration value out of bounds, using default")
}

func logConfigurationInfo(c *Config) {
	logrus.WithFields(logrus.Fields{
		"function":           "LoadConfig",
		"server_url":         c.ServerURL,
		"use_simulation":     c.UseSimulation,
		"request_timeout":    c.RequestTimeout,
		"reconnect_attempts": c.ReconnectAttempts,
		"queue_dir":          c.QueueDir,
		"queue_sealed":       c.QueueSealKey != "",
		"purge_schedule":     c.PurgeSchedule,
	}).Info("Loaded configuration")
}
