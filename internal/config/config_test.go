package config

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/seantiz/forge/internal/model"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envListenAddr, envDBPath, envLogLevel, envLogFile, envConduit, envCapacity,
		envWorkers, envSeed, envDefaultOutcome, envRedisAddr, envRedisInstance,
		envReclaimTimeout, envDialTimeout, envHeartbeatInterval, envHeartbeatTimeout,
	} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forge.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.Conduit != defaultConduit || cfg.Capacity != defaultCapacity {
		t.Errorf("Conduit/Capacity = %q/%d, want %q/%d", cfg.Conduit, cfg.Capacity, defaultConduit, defaultCapacity)
	}
	if cfg.DefaultOutcome != "truncated" {
		t.Errorf("DefaultOutcome = %q, want truncated", cfg.DefaultOutcome)
	}
	if cfg.LogLevel() != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel(), slog.LevelInfo)
	}
}

func TestLoadFromFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
conduit: distributed
capacity: 2
workers:
  - tcp://10.0.0.1:7070
  - vsock://3:7070
seed: 99
default_outcome: require
reclaim_timeout: 1500ms
heartbeat_interval: 250ms
heartbeat_timeout: 2s
log:
  level: debug
redis:
  addr: localhost:6379
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Conduit != "distributed" {
		t.Errorf("Conduit = %q, want distributed", cfg.Conduit)
	}
	if !slices.Equal(cfg.Workers, []string{"tcp://10.0.0.1:7070", "vsock://3:7070"}) {
		t.Errorf("Workers = %v", cfg.Workers)
	}
	if cfg.Seed != 99 {
		t.Errorf("Seed = %d, want 99", cfg.Seed)
	}
	if cfg.ReclaimTimeout != 1500*time.Millisecond {
		t.Errorf("ReclaimTimeout = %v, want 1.5s", cfg.ReclaimTimeout)
	}
	if cfg.HeartbeatTimeout != 2*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want 2s", cfg.HeartbeatTimeout)
	}
	if cfg.LogLevel() != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want debug", cfg.LogLevel())
	}
	if cfg.Redis.Addr != "localhost:6379" || cfg.Redis.Instance != "forge" {
		t.Errorf("Redis = %+v", cfg.Redis)
	}
	// Unset keys keep their defaults.
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want default", cfg.DBPath)
	}
}

func TestEngineConfig(t *testing.T) {
	clearEnv(t)
	t.Setenv(envSeed, "5")
	t.Setenv(envDefaultOutcome, "terminal")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ec := cfg.EngineConfig()
	if ec.Conduit != defaultConduit || ec.Capacity != defaultCapacity || ec.Seed != 5 {
		t.Errorf("engine config = %+v", ec)
	}
	if ec.DefaultOutcome != model.PolicyTerminal {
		t.Errorf("DefaultOutcome = %q, want terminal", ec.DefaultOutcome)
	}
	if ec.ReclaimTimeout != 5*time.Second || ec.HeartbeatTimeout != 10*time.Second {
		t.Errorf("timeouts = %v/%v", ec.ReclaimTimeout, ec.HeartbeatTimeout)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "conduit: local\ncapacity: 2\n")
	t.Setenv(envConduit, "cooperative")
	t.Setenv(envCapacity, "8")
	t.Setenv(envSeed, "7")
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Conduit != "cooperative" || cfg.Capacity != 8 || cfg.Seed != 7 {
		t.Errorf("Conduit/Capacity/Seed = %q/%d/%d", cfg.Conduit, cfg.Capacity, cfg.Seed)
	}
	if cfg.ListenAddr != ":9090" || cfg.DBPath != "/tmp/test.db" {
		t.Errorf("ListenAddr/DBPath = %q/%q", cfg.ListenAddr, cfg.DBPath)
	}
}

func TestLoadTimeoutsFromEnv(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "reclaim_timeout: 1s\nheartbeat_timeout: 4s\n")
	t.Setenv(envReclaimTimeout, "750ms")
	t.Setenv(envDialTimeout, "3s")
	t.Setenv(envHeartbeatInterval, "100ms")
	t.Setenv(envHeartbeatTimeout, "500ms")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReclaimTimeout != 750*time.Millisecond || cfg.DialTimeout != 3*time.Second {
		t.Errorf("ReclaimTimeout/DialTimeout = %v/%v", cfg.ReclaimTimeout, cfg.DialTimeout)
	}
	if cfg.HeartbeatInterval != 100*time.Millisecond || cfg.HeartbeatTimeout != 500*time.Millisecond {
		t.Errorf("HeartbeatInterval/HeartbeatTimeout = %v/%v", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	}
}

func TestLoadWorkersFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envConduit, "distributed")
	t.Setenv(envCapacity, "0")
	t.Setenv(envWorkers, "tcp://a:1, unix:///tmp/w.sock ,")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !slices.Equal(cfg.Workers, []string{"tcp://a:1", "unix:///tmp/w.sock"}) {
		t.Errorf("Workers = %v", cfg.Workers)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		file string
		want string
	}{
		{"bad capacity env", map[string]string{envCapacity: "many"}, "", envCapacity},
		{"bad seed env", map[string]string{envSeed: "-1"}, "", envSeed},
		{"bad duration env", map[string]string{envDialTimeout: "soon"}, "", envDialTimeout},
		{"bad yaml", nil, "conduit: [", "parse YAML"},
		{"unknown conduit", map[string]string{envConduit: "quantum"}, "", "unknown conduit"},
		{"zero capacity", nil, "capacity: 0\n", "capacity must be at least 1"},
		{"distributed without workers", map[string]string{envConduit: "distributed"}, "", "at least one worker"},
		{"distributed capacity mismatch", nil, "conduit: distributed\ncapacity: 3\nworkers: [tcp://a:1]\n", "does not match"},
		{"unknown outcome", map[string]string{envDefaultOutcome: "maybe"}, "", "unknown outcome policy"},
		{"negative timeout", nil, "dial_timeout: -1s\n", "dial_timeout"},
		{"heartbeat order", nil, "heartbeat_interval: 5s\nheartbeat_timeout: 1s\n", "heartbeat_interval"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := ""
			if tc.file != "" {
				path = writeFile(t, tc.file)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error = %q, want it to mention %q", err, tc.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"invalid", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		got := parseLogLevel(tt.input)
		if got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestLogWriter(t *testing.T) {
	var buf bytes.Buffer
	if w := (LogConfig{}).LogWriter(&buf); w != &buf {
		t.Errorf("LogWriter without file = %T, want the fallback", w)
	}

	path := filepath.Join(t.TempDir(), "forge.log")
	w := (LogConfig{File: path, MaxBackups: 3}).LogWriter(&buf)
	lj, ok := w.(*lumberjack.Logger)
	if !ok {
		t.Fatalf("LogWriter with file = %T, want *lumberjack.Logger", w)
	}
	defer lj.Close()
	if lj.Filename != path || lj.MaxSize != 10 || lj.MaxBackups != 3 || lj.MaxAge != 7 {
		t.Errorf("lumberjack = %+v", lj)
	}

	logger := NewLogger(w, slog.LevelInfo)
	logger.Info("rotated", "run_id", "r1")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"run_id":"r1"`) {
		t.Errorf("log file = %s", data)
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	logger.Info("test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
}
