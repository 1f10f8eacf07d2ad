// Package config loads the probe configuration: built-in defaults, then an
// optional YAML file, then TSPROBE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zsiec/tsprobe/internal/ingest"
)

// Source kinds.
const (
	SourceUDP  = "udp"
	SourceRaw  = "raw"
	SourcePcap = "pcap"
	SourceFile = "file"
	SourceSRT  = "srt"
	SourceQUIC = "quic"
)

// Report modes.
const (
	ReportText = "text"
	ReportLog  = "log"
	ReportNone = "none"
)

var (
	sourceKinds = []string{SourceUDP, SourceRaw, SourcePcap, SourceFile, SourceSRT, SourceQUIC}
	reportModes = []string{ReportText, ReportLog, ReportNone}
	logLevels   = []string{"debug", "info", "warn", "error"}
)

type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Logging  LoggingConfig  `yaml:"logging"`
	Report   string         `yaml:"report"`
	// StatsInterval is how often the running stats are logged. Zero
	// disables the periodic line.
	StatsInterval time.Duration `yaml:"stats_interval"`
}

type SourceConfig struct {
	Kind string `yaml:"kind"`
	// Addr is the listen address (udp, srt, quic), the remote address
	// (srt caller), the bind host (raw) or the path (pcap, file).
	Addr string `yaml:"addr"`
	// Interface names the NIC for multicast UDP groups.
	Interface  string `yaml:"interface"`
	ReadBuffer int    `yaml:"read_buffer"`
	// Port filters raw and pcap sources by UDP destination port.
	Port        uint16 `yaml:"port"`
	KeepHeaders bool   `yaml:"keep_headers"`
	SyncPackets int    `yaml:"sync_packets"`
	StreamKey   string `yaml:"stream_key"`
	Caller      bool   `yaml:"caller"`
	CertFile    string `yaml:"cert_file"`
	KeyFile     string `yaml:"key_file"`
}

// AutoHeaderSkip selects the header size the source prefixes packets with:
// RawHeaderSize for raw sources and header-keeping pcap replay, else zero.
const AutoHeaderSkip = -1

type PipelineConfig struct {
	QueueCapacity int `yaml:"queue_capacity"`
	// HeaderSkip is stripped from every packet before decoding.
	HeaderSkip     int           `yaml:"header_skip"`
	ReceiveTimeout time.Duration `yaml:"receive_timeout"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration: a UDP listener on :5000 with
// a 20-packet queue, reported as text.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Kind: SourceUDP,
			Addr: ":5000",
		},
		Pipeline: PipelineConfig{
			QueueCapacity: 20,
			HeaderSkip:    AutoHeaderSkip,
		},
		Logging:       LoggingConfig{Level: "info"},
		Report:        ReportText,
		StatsInterval: 10 * time.Second,
	}
}

// Load builds the configuration from path (skipped when empty) and the
// environment, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.resolveHeaderSkip()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	envOr := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}

	c.Source.Kind = envOr("TSPROBE_SOURCE", c.Source.Kind)
	c.Source.Addr = envOr("TSPROBE_ADDR", c.Source.Addr)
	c.Source.StreamKey = envOr("TSPROBE_STREAM_KEY", c.Source.StreamKey)
	c.Logging.Level = envOr("TSPROBE_LOG_LEVEL", c.Logging.Level)
	c.Report = envOr("TSPROBE_REPORT", c.Report)

	if v := getenv("TSPROBE_QUEUE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: TSPROBE_QUEUE_CAPACITY: %w", err)
		}
		c.Pipeline.QueueCapacity = n
	}
	if v := getenv("TSPROBE_HEADER_SKIP"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: TSPROBE_HEADER_SKIP: %w", err)
		}
		c.Pipeline.HeaderSkip = n
	}
	if v := getenv("TSPROBE_RECEIVE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: TSPROBE_RECEIVE_TIMEOUT: %w", err)
		}
		c.Pipeline.ReceiveTimeout = d
	}
	return nil
}

func (c *Config) resolveHeaderSkip() {
	if c.Pipeline.HeaderSkip != AutoHeaderSkip {
		return
	}
	c.Pipeline.HeaderSkip = 0
	if c.Source.Kind == SourceRaw || (c.Source.Kind == SourcePcap && c.Source.KeepHeaders) {
		c.Pipeline.HeaderSkip = ingest.RawHeaderSize
	}
}

// Validate checks the configuration for values the probe cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains(sourceKinds, c.Source.Kind) {
		errs = append(errs, fmt.Errorf("invalid source kind %q (must be one of: %v)", c.Source.Kind, sourceKinds))
	}
	if c.Source.Addr == "" && c.Source.Kind != SourceRaw {
		errs = append(errs, fmt.Errorf("source %s requires an address", c.Source.Kind))
	}
	if c.Source.SyncPackets < 0 {
		errs = append(errs, fmt.Errorf("invalid sync_packets: %d (must be non-negative)", c.Source.SyncPackets))
	}
	if c.Source.ReadBuffer < 0 {
		errs = append(errs, fmt.Errorf("invalid read_buffer: %d (must be non-negative)", c.Source.ReadBuffer))
	}
	if (c.Source.CertFile == "") != (c.Source.KeyFile == "") {
		errs = append(errs, errors.New("cert_file and key_file must be set together"))
	}
	if c.Pipeline.QueueCapacity < 1 {
		errs = append(errs, fmt.Errorf("invalid queue_capacity: %d (must be positive)", c.Pipeline.QueueCapacity))
	}
	if c.Pipeline.HeaderSkip < 0 {
		errs = append(errs, fmt.Errorf("invalid header_skip: %d (must be non-negative)", c.Pipeline.HeaderSkip))
	}
	if c.Pipeline.ReceiveTimeout < 0 {
		errs = append(errs, fmt.Errorf("invalid receive_timeout: %v (must be non-negative)", c.Pipeline.ReceiveTimeout))
	}
	if c.StatsInterval < 0 {
		errs = append(errs, fmt.Errorf("invalid stats_interval: %v (must be non-negative)", c.StatsInterval))
	}
	if !slices.Contains(reportModes, c.Report) {
		errs = append(errs, fmt.Errorf("invalid report %q (must be one of: %v)", c.Report, reportModes))
	}
	if !slices.Contains(logLevels, strings.ToLower(c.Logging.Level)) {
		errs = append(errs, fmt.Errorf("invalid log level %q (must be one of: %v)", c.Logging.Level, logLevels))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
