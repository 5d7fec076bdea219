package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func defaultTestConfig() *Config {
	return &Config{
		StartPaths:     []string{"/"},
		MonitorTime:    60 * time.Second,
		PollInterval:   time.Second,
		MaxIOPerSecond: 1000,
		LogLevel:       "info",
		OutputFileName: "out.ndjson",
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := defaultTestConfig()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero monitor time", func(c *Config) { c.MonitorTime = 0 }},
		{"zero interval", func(c *Config) { c.PollInterval = 0 }},
		{"interval >= monitor time", func(c *Config) { c.PollInterval = c.MonitorTime }},
		{"relative allow-list entry", func(c *Config) { c.AllowList = []string{"bin/passwd"} }},
		{"negative io limit", func(c *Config) { c.MaxIOPerSecond = -1 }},
		{"empty output", func(c *Config) { c.OutputFileName = "" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"schemeless otel endpoint", func(c *Config) { c.OtelEndpoint = "collector:4318" }},
		{"no start paths", func(c *Config) { c.StartPaths = nil }},
		{"negative diag threshold", func(c *Config) { c.DiagSlowScanThreshold = -time.Second }},
		{"negative flight min age", func(c *Config) { c.TraceFlightMinAge = -time.Second }},
	}
	for _, tc := range cases {
		cfg := defaultTestConfig()
		tc.mutate(cfg)
		if err := cfg.validate(); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
start_paths:
  - /usr
  - /opt
monitor_time: 2m
poll_interval: 500ms
dry_run: true
allow_list:
  - /usr/bin/sudo
  - /usr/bin/passwd
max_io_per_second: 0
log_level: debug
diag_slow_scan_threshold: 3s
trace_flight: true
`)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := defaultTestConfig()
	if err := cfg.loadFromFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.StartPaths) != 2 || cfg.StartPaths[0] != "/usr" {
		t.Fatalf("unexpected start paths: %v", cfg.StartPaths)
	}
	if cfg.MonitorTime != 2*time.Minute {
		t.Fatalf("monitor time = %v, want 2m", cfg.MonitorTime)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Fatalf("poll interval = %v, want 500ms", cfg.PollInterval)
	}
	if !cfg.DryRun {
		t.Fatal("expected dry_run true")
	}
	if len(cfg.AllowList) != 2 {
		t.Fatalf("unexpected allow list: %v", cfg.AllowList)
	}
	if cfg.MaxIOPerSecond != 0 {
		t.Fatalf("max io = %d, want 0", cfg.MaxIOPerSecond)
	}
	if cfg.DiagSlowScanThreshold != 3*time.Second {
		t.Fatalf("diag threshold = %v, want 3s", cfg.DiagSlowScanThreshold)
	}
	if !cfg.TraceFlight {
		t.Fatal("expected trace_flight true")
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("loaded config should validate: %v", err)
	}
}

func TestLoadFromFileRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("monitor_time: sixty\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := defaultTestConfig()
	if err := cfg.loadFromFile(path); err == nil {
		t.Fatal("expected error for unparseable duration")
	}
}

func TestLoadFromFileRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("monitor_tiem: 60s\n"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := defaultTestConfig()
	if err := cfg.loadFromFile(path); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestParseCommaSeparated(t *testing.T) {
	got := parseCommaSeparated(" /usr , /opt ,, ")
	if len(got) != 2 || got[0] != "/usr" || got[1] != "/opt" {
		t.Fatalf("unexpected result: %v", got)
	}
	if len(parseCommaSeparated("")) != 0 {
		t.Fatal("empty input should yield no items")
	}
}

func TestParseHeaders(t *testing.T) {
	got := parseHeaders("authorization=Bearer x, team=sec ,broken")
	if len(got) != 2 {
		t.Fatalf("unexpected headers: %v", got)
	}
	if got["authorization"] != "Bearer x" || got["team"] != "sec" {
		t.Fatalf("unexpected header values: %v", got)
	}
}
