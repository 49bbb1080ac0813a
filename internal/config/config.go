package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/forge/internal/conduit"
	"github.com/seantiz/forge/internal/engine"
	"github.com/seantiz/forge/internal/model"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "forge.db"
	defaultConduit    = conduit.NameLocal
	defaultCapacity   = 4

	envListenAddr     = "FORGE_LISTEN_ADDR"
	envDBPath         = "FORGE_DB_PATH"
	envLogLevel       = "FORGE_LOG_LEVEL"
	envLogFile        = "FORGE_LOG_FILE"
	envConduit        = "FORGE_CONDUIT"
	envCapacity       = "FORGE_CAPACITY"
	envWorkers        = "FORGE_WORKERS"
	envSeed           = "FORGE_SEED"
	envDefaultOutcome = "FORGE_DEFAULT_OUTCOME"
	envRedisAddr      = "FORGE_REDIS_ADDR"
	envRedisInstance  = "FORGE_REDIS_INSTANCE"

	envReclaimTimeout    = "FORGE_RECLAIM_TIMEOUT"
	envDialTimeout       = "FORGE_DIAL_TIMEOUT"
	envHeartbeatInterval = "FORGE_HEARTBEAT_INTERVAL"
	envHeartbeatTimeout  = "FORGE_HEARTBEAT_TIMEOUT"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file, then FORGE_* environment variables.
type Config struct {
	ListenAddr        string        `yaml:"listen_addr"`
	DBPath            string        `yaml:"db_path"`
	Conduit           string        `yaml:"conduit"`
	Capacity          int           `yaml:"capacity"`
	Workers           []string      `yaml:"workers,omitempty"`
	Seed              uint64        `yaml:"seed"`
	DefaultOutcome    string        `yaml:"default_outcome"`
	ReclaimTimeout    time.Duration `yaml:"reclaim_timeout"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	Log               LogConfig     `yaml:"log"`
	Redis             RedisConfig   `yaml:"redis"`
}

// LogConfig selects the log level and an optional rotated log file.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// RedisConfig enables publishing sample events when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Instance string `yaml:"instance,omitempty"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		ListenAddr:        defaultListenAddr,
		DBPath:            defaultDBPath,
		Conduit:           defaultConduit,
		Capacity:          defaultCapacity,
		DefaultOutcome:    string(model.PolicyTruncated),
		ReclaimTimeout:    5 * time.Second,
		DialTimeout:       2 * time.Second,
		HeartbeatInterval: time.Second,
		HeartbeatTimeout:  10 * time.Second,
		Log:               LogConfig{Level: "info"},
		Redis:             RedisConfig{Instance: "forge"},
	}
}

// Load reads the YAML file at path (skipped when path is empty) over the
// defaults, applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv(envListenAddr); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(envLogFile); v != "" {
		c.Log.File = v
	}
	if v := os.Getenv(envConduit); v != "" {
		c.Conduit = v
	}
	if v := os.Getenv(envCapacity); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envCapacity, err)
		}
		c.Capacity = n
	}
	if v := os.Getenv(envWorkers); v != "" {
		c.Workers = nil
		for _, w := range strings.Split(v, ",") {
			if w = strings.TrimSpace(w); w != "" {
				c.Workers = append(c.Workers, w)
			}
		}
	}
	if v := os.Getenv(envSeed); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envSeed, err)
		}
		c.Seed = n
	}
	if v := os.Getenv(envDefaultOutcome); v != "" {
		c.DefaultOutcome = v
	}
	for env, d := range map[string]*time.Duration{
		envReclaimTimeout:    &c.ReclaimTimeout,
		envDialTimeout:       &c.DialTimeout,
		envHeartbeatInterval: &c.HeartbeatInterval,
		envHeartbeatTimeout:  &c.HeartbeatTimeout,
	} {
		v := os.Getenv(env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", env, err)
		}
		*d = parsed
	}
	if v := os.Getenv(envRedisAddr); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv(envRedisInstance); v != "" {
		c.Redis.Instance = v
	}
	return nil
}

// Validate checks the conduit selection, pool size and outcome policy.
func (c Config) Validate() error {
	switch c.Conduit {
	case conduit.NameCooperative, conduit.NameLocal:
		if c.Capacity < 1 {
			return fmt.Errorf("capacity must be at least 1, got %d", c.Capacity)
		}
	case conduit.NameDistributed:
		if len(c.Workers) == 0 {
			return errors.New("distributed conduit requires at least one worker address")
		}
		if c.Capacity != 0 && c.Capacity != len(c.Workers) {
			return fmt.Errorf("capacity %d does not match %d worker addresses", c.Capacity, len(c.Workers))
		}
	default:
		return fmt.Errorf("unknown conduit %q (want cooperative, local or distributed)", c.Conduit)
	}

	if _, err := model.ParseOutcomePolicy(c.DefaultOutcome); err != nil {
		return err
	}

	for name, d := range map[string]time.Duration{
		"reclaim_timeout":    c.ReclaimTimeout,
		"dial_timeout":       c.DialTimeout,
		"heartbeat_interval": c.HeartbeatInterval,
		"heartbeat_timeout":  c.HeartbeatTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.HeartbeatTimeout > 0 && c.HeartbeatInterval >= c.HeartbeatTimeout {
		return fmt.Errorf("heartbeat_interval %v must be shorter than heartbeat_timeout %v", c.HeartbeatInterval, c.HeartbeatTimeout)
	}
	return nil
}

// EngineConfig returns the engine settings carried by c.
func (c Config) EngineConfig() engine.Config {
	return engine.Config{
		Conduit:           c.Conduit,
		Capacity:          c.Capacity,
		Workers:           c.Workers,
		Seed:              c.Seed,
		DefaultOutcome:    model.OutcomePolicy(c.DefaultOutcome),
		ReclaimTimeout:    c.ReclaimTimeout,
		DialTimeout:       c.DialTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
	}
}

// LogLevel returns the parsed log level.
func (c Config) LogLevel() slog.Level {
	return parseLogLevel(c.Log.Level)
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogWriter returns fallback, or a size-rotated file when a log file is set.
func (c LogConfig) LogWriter(fallback io.Writer) io.Writer {
	if c.File == "" {
		return fallback
	}
	return &lumberjack.Logger{
		Filename:   c.File,
		MaxSize:    max(c.MaxSizeMB, 10),
		MaxBackups: max(c.MaxBackups, 1),
		MaxAge:     max(c.MaxAgeDays, 7),
		Compress:   c.Compress,
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
