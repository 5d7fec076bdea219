package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"desuid/version"

	"gopkg.in/yaml.v2"
)

type Config struct {
	StartPaths      []string          `yaml:"start_paths"`
	ExcludePatterns []string          `yaml:"exclude_patterns"`
	MonitorTime     time.Duration     `yaml:"-"`
	PollInterval    time.Duration     `yaml:"-"`
	DryRun          bool              `yaml:"dry_run"`
	AllowList       []string          `yaml:"allow_list"`
	HashCandidates  bool              `yaml:"hash_candidates"`
	MaxIOPerSecond  int               `yaml:"max_io_per_second"`
	LogLevel        string            `yaml:"log_level"`
	OutputFileName  string            `yaml:"output_file_name"`
	OtelEndpoint    string            `yaml:"otel_endpoint"`
	OtelFromEnv     bool              `yaml:"otel_from_env"`
	OtelHeaders     map[string]string `yaml:"otel_headers"`
	OtelServiceName string            `yaml:"otel_service_name"`
	OtelTimeout     time.Duration     `yaml:"-"`
	ConfigFile      string            `yaml:"-"`

	DiagSlowScanThreshold time.Duration `yaml:"-"`
	DiagDir               string        `yaml:"diag_dir"`
	DiagGoroutineLeak     bool          `yaml:"diag_goroutine_leak"`
	TraceFlight           bool          `yaml:"trace_flight"`
	TraceFlightFile       string        `yaml:"trace_flight_file"`
	TraceFlightMaxBytes   uint64        `yaml:"trace_flight_max_bytes"`
	TraceFlightMinAge     time.Duration `yaml:"-"`
}

// fileConfig mirrors Config for YAML loading, with durations expressed
// as strings ("60s", "1500ms") the way operators write them.
type fileConfig struct {
	StartPaths      []string          `yaml:"start_paths"`
	ExcludePatterns []string          `yaml:"exclude_patterns"`
	MonitorTime     string            `yaml:"monitor_time"`
	PollInterval    string            `yaml:"poll_interval"`
	DryRun          *bool             `yaml:"dry_run"`
	AllowList       []string          `yaml:"allow_list"`
	HashCandidates  *bool             `yaml:"hash_candidates"`
	MaxIOPerSecond  *int              `yaml:"max_io_per_second"`
	LogLevel        string            `yaml:"log_level"`
	OutputFileName  string            `yaml:"output_file_name"`
	OtelEndpoint    string            `yaml:"otel_endpoint"`
	OtelFromEnv     *bool             `yaml:"otel_from_env"`
	OtelHeaders     map[string]string `yaml:"otel_headers"`
	OtelServiceName string            `yaml:"otel_service_name"`
	OtelTimeout     string            `yaml:"otel_timeout"`

	DiagSlowScanThreshold string  `yaml:"diag_slow_scan_threshold"`
	DiagDir               string  `yaml:"diag_dir"`
	DiagGoroutineLeak     *bool   `yaml:"diag_goroutine_leak"`
	TraceFlight           *bool   `yaml:"trace_flight"`
	TraceFlightFile       string  `yaml:"trace_flight_file"`
	TraceFlightMaxBytes   *uint64 `yaml:"trace_flight_max_bytes"`
	TraceFlightMinAge     string  `yaml:"trace_flight_min_age"`
}

func LoadConfig() (*Config, error) {
	now := time.Now().UTC()
	timestamp := now.Format("20060102-150405")
	cfg := &Config{
		StartPaths:      []string{"/"},
		ExcludePatterns: []string{},
		MonitorTime:     60 * time.Second,
		PollInterval:    time.Second,
		DryRun:          false,
		AllowList:       []string{},
		HashCandidates:  true,
		MaxIOPerSecond:  1000,
		LogLevel:        "info",
		OutputFileName:  fmt.Sprintf("desuid-%s.ndjson", timestamp),
		OtelHeaders:     map[string]string{},
		OtelServiceName: "desuid",
		OtelTimeout:     5 * time.Second,

		DiagSlowScanThreshold: 0,
		DiagDir:               ".",
		DiagGoroutineLeak:     false,
		TraceFlight:           false,
		TraceFlightFile:       "trace-flight.out",
		TraceFlightMaxBytes:   0,
		TraceFlightMinAge:     0,
	}

	startPath := flag.String("path", strings.Join(cfg.StartPaths, ","), fmt.Sprintf("Comma-separated list of root paths to scan for setuid/setgid executables (default: %s).", strings.Join(cfg.StartPaths, ",")))
	excludes := flag.String("exclude", "", "Comma-separated list of exclude prefixes or basename globs (default: none).")
	monitorTime := flag.Duration("monitor-time", cfg.MonitorTime, "Duration to monitor process activity before classifying (default: 60s).")
	pollInterval := flag.Duration("interval", cfg.PollInterval, "Process table polling interval (default: 1s).")
	dryRun := flag.Bool("dry-run", cfg.DryRun, fmt.Sprintf("Simulate bit removal without touching the filesystem (default: %t).", cfg.DryRun))
	allowList := flag.String("allow-list", "", "Comma-separated list of absolute paths always treated as necessary (default: none).")
	hashCandidates := flag.Bool("hash-candidates", cfg.HashCandidates, fmt.Sprintf("Record an xxhash64 fingerprint of each candidate binary (default: %t).", cfg.HashCandidates))
	maxIO := flag.Int("max-io-per-second", cfg.MaxIOPerSecond, fmt.Sprintf("Maximum stat operations per second during the scan, 0 for unlimited (default: %d).", cfg.MaxIOPerSecond))
	logLevel := flag.String("log-level", cfg.LogLevel, fmt.Sprintf("Log level: debug, info, warn, error, fatal, or panic (default: %s).", cfg.LogLevel))
	output := flag.String("output", cfg.OutputFileName, "Report file name (default: desuid-<timestamp>.ndjson).")
	otelEndpoint := flag.String("otel-endpoint", cfg.OtelEndpoint, "OTLP/HTTP logs endpoint for verdict export (default: none).")
	otelFromEnv := flag.Bool("otel-from-env", cfg.OtelFromEnv, "Allow OTEL endpoint fallback from OTEL environment variables (default: false).")
	otelHeaders := flag.String("otel-headers", "", "Comma-separated OTEL headers (key=value) for export (default: none).")
	otelServiceName := flag.String("otel-service-name", cfg.OtelServiceName, "OTEL service name for export (default: desuid).")
	otelTimeout := flag.Duration("otel-timeout", cfg.OtelTimeout, "OTEL export timeout (default: 5s).")
	diagSlowScanThreshold := flag.Duration(
		"diag-slow-scan-threshold",
		cfg.DiagSlowScanThreshold,
		"If positive, emit diagnostics when scan progress stalls for this duration (default: 0/off).",
	)
	diagDir := flag.String("diag-dir", cfg.DiagDir, "Diagnostics output directory (default: current directory).")
	diagGoroutineLeak := flag.Bool(
		"diag-goroutine-leak",
		cfg.DiagGoroutineLeak,
		"Dump a goroutine profile at shutdown (default: false).",
	)
	traceFlight := flag.Bool("trace-flight", cfg.TraceFlight, fmt.Sprintf("Enable flight recorder tracing (default: %t).", cfg.TraceFlight))
	traceFlightFile := flag.String("trace-flight-file", cfg.TraceFlightFile, fmt.Sprintf("Flight recorder output file (default: %s).", cfg.TraceFlightFile))
	traceFlightMaxBytes := flag.Uint64("trace-flight-max-bytes", cfg.TraceFlightMaxBytes, "Max bytes for flight recorder buffer (default: 0 for runtime default).")
	traceFlightMinAge := flag.Duration("trace-flight-min-age", cfg.TraceFlightMinAge, "Minimum age of trace events to retain (default: 0).")
	configFile := flag.String("config", "", "Path to YAML configuration file (default: none).")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = displayHelp
	flag.Parse()

	if *showVersion {
		fmt.Printf("desuid version %s\n", version.Version)
		os.Exit(0)
	}

	if *configFile != "" {
		cfg.ConfigFile = *configFile
		if err := cfg.loadFromFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	// Command-line flags override file settings. Only flags the
	// operator actually set are applied.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "path":
			cfg.StartPaths = parseCommaSeparated(*startPath)
		case "exclude":
			cfg.ExcludePatterns = parseCommaSeparated(*excludes)
		case "monitor-time":
			cfg.MonitorTime = *monitorTime
		case "interval":
			cfg.PollInterval = *pollInterval
		case "dry-run":
			cfg.DryRun = *dryRun
		case "allow-list":
			cfg.AllowList = parseCommaSeparated(*allowList)
		case "hash-candidates":
			cfg.HashCandidates = *hashCandidates
		case "max-io-per-second":
			cfg.MaxIOPerSecond = *maxIO
		case "log-level":
			cfg.LogLevel = strings.ToLower(*logLevel)
		case "output":
			cfg.OutputFileName = *output
		case "otel-endpoint":
			cfg.OtelEndpoint = strings.TrimSpace(*otelEndpoint)
		case "otel-from-env":
			cfg.OtelFromEnv = *otelFromEnv
		case "otel-headers":
			cfg.OtelHeaders = parseHeaders(*otelHeaders)
		case "otel-service-name":
			cfg.OtelServiceName = strings.TrimSpace(*otelServiceName)
		case "otel-timeout":
			cfg.OtelTimeout = *otelTimeout
		case "diag-slow-scan-threshold":
			cfg.DiagSlowScanThreshold = *diagSlowScanThreshold
		case "diag-dir":
			cfg.DiagDir = strings.TrimSpace(*diagDir)
		case "diag-goroutine-leak":
			cfg.DiagGoroutineLeak = *diagGoroutineLeak
		case "trace-flight":
			cfg.TraceFlight = *traceFlight
		case "trace-flight-file":
			cfg.TraceFlightFile = *traceFlightFile
		case "trace-flight-max-bytes":
			cfg.TraceFlightMaxBytes = *traceFlightMaxBytes
		case "trace-flight-min-age":
			cfg.TraceFlightMinAge = *traceFlightMinAge
		}
	})

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if len(cfg.StartPaths) == 0 {
		cfg.StartPaths = []string{"/"}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func displayHelp() {
	fmt.Println("desuid - setuid/setgid usage auditor")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  desuid [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  desuid --dry-run")
	fmt.Println("  desuid --path \"/usr,/opt\" --monitor-time 5m")
	fmt.Println("  desuid --allow-list \"/usr/bin/sudo,/usr/bin/passwd\"")
}

func (cfg *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read config file: %v", err)
	}
	var fc fileConfig
	if err := yaml.UnmarshalStrict(data, &fc); err != nil {
		return fmt.Errorf("invalid config file format: %v", err)
	}
	if len(fc.StartPaths) > 0 {
		cfg.StartPaths = fc.StartPaths
	}
	if len(fc.ExcludePatterns) > 0 {
		cfg.ExcludePatterns = fc.ExcludePatterns
	}
	if fc.MonitorTime != "" {
		d, err := time.ParseDuration(fc.MonitorTime)
		if err != nil {
			return fmt.Errorf("invalid monitor_time: %v", err)
		}
		cfg.MonitorTime = d
	}
	if fc.PollInterval != "" {
		d, err := time.ParseDuration(fc.PollInterval)
		if err != nil {
			return fmt.Errorf("invalid poll_interval: %v", err)
		}
		cfg.PollInterval = d
	}
	if fc.DryRun != nil {
		cfg.DryRun = *fc.DryRun
	}
	if len(fc.AllowList) > 0 {
		cfg.AllowList = fc.AllowList
	}
	if fc.HashCandidates != nil {
		cfg.HashCandidates = *fc.HashCandidates
	}
	if fc.MaxIOPerSecond != nil {
		cfg.MaxIOPerSecond = *fc.MaxIOPerSecond
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.OutputFileName != "" {
		cfg.OutputFileName = fc.OutputFileName
	}
	if fc.OtelEndpoint != "" {
		cfg.OtelEndpoint = fc.OtelEndpoint
	}
	if fc.OtelFromEnv != nil {
		cfg.OtelFromEnv = *fc.OtelFromEnv
	}
	if len(fc.OtelHeaders) > 0 {
		cfg.OtelHeaders = fc.OtelHeaders
	}
	if fc.OtelServiceName != "" {
		cfg.OtelServiceName = fc.OtelServiceName
	}
	if fc.OtelTimeout != "" {
		d, err := time.ParseDuration(fc.OtelTimeout)
		if err != nil {
			return fmt.Errorf("invalid otel_timeout: %v", err)
		}
		cfg.OtelTimeout = d
	}
	if fc.DiagSlowScanThreshold != "" {
		d, err := time.ParseDuration(fc.DiagSlowScanThreshold)
		if err != nil {
			return fmt.Errorf("invalid diag_slow_scan_threshold: %v", err)
		}
		cfg.DiagSlowScanThreshold = d
	}
	if fc.DiagDir != "" {
		cfg.DiagDir = fc.DiagDir
	}
	if fc.DiagGoroutineLeak != nil {
		cfg.DiagGoroutineLeak = *fc.DiagGoroutineLeak
	}
	if fc.TraceFlight != nil {
		cfg.TraceFlight = *fc.TraceFlight
	}
	if fc.TraceFlightFile != "" {
		cfg.TraceFlightFile = fc.TraceFlightFile
	}
	if fc.TraceFlightMaxBytes != nil {
		cfg.TraceFlightMaxBytes = *fc.TraceFlightMaxBytes
	}
	if fc.TraceFlightMinAge != "" {
		d, err := time.ParseDuration(fc.TraceFlightMinAge)
		if err != nil {
			return fmt.Errorf("invalid trace_flight_min_age: %v", err)
		}
		cfg.TraceFlightMinAge = d
	}
	return nil
}

func (cfg *Config) validate() error {
	if cfg.MonitorTime <= 0 {
		return fmt.Errorf("monitor-time must be positive")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	if cfg.PollInterval >= cfg.MonitorTime {
		return fmt.Errorf("interval must be shorter than monitor-time")
	}
	if len(cfg.StartPaths) == 0 {
		return fmt.Errorf("at least one start path must be specified")
	}
	for _, p := range cfg.AllowList {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("allow-list entries must be absolute paths: %s", p)
		}
	}
	if cfg.MaxIOPerSecond < 0 {
		return fmt.Errorf("max-io-per-second must be zero or positive")
	}
	if cfg.OutputFileName == "" {
		return fmt.Errorf("output file name must not be empty")
	}
	if cfg.LogLevel != "debug" && cfg.LogLevel != "info" && cfg.LogLevel != "warn" &&
		cfg.LogLevel != "error" && cfg.LogLevel != "fatal" && cfg.LogLevel != "panic" {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.OtelTimeout < 0 {
		return fmt.Errorf("otel-timeout must be zero or positive")
	}
	if cfg.OtelEndpoint != "" {
		if !strings.HasPrefix(cfg.OtelEndpoint, "http://") && !strings.HasPrefix(cfg.OtelEndpoint, "https://") {
			return fmt.Errorf("otel-endpoint must include scheme (http or https)")
		}
	}
	if cfg.DiagSlowScanThreshold < 0 {
		return fmt.Errorf("diag-slow-scan-threshold must be zero or positive")
	}
	if strings.TrimSpace(cfg.DiagDir) == "" {
		cfg.DiagDir = "."
	}
	if cfg.TraceFlight && cfg.TraceFlightFile == "" {
		cfg.TraceFlightFile = "trace-flight.out"
	}
	if cfg.TraceFlightMinAge < 0 {
		return fmt.Errorf("trace-flight-min-age must be zero or positive")
	}
	return nil
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return []string{}
	}
	items := strings.Split(input, ",")
	out := items[:0]
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseHeaders(input string) map[string]string {
	headers := make(map[string]string)
	if input == "" {
		return headers
	}
	for _, item := range strings.Split(input, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		headers[key] = strings.TrimSpace(parts[1])
	}
	return headers
}
