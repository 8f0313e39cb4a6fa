// Package config loads biolink settings from YAML, with defaults taken from struct
// tags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/biolink/internal/backoff"
	"github.com/srg/biolink/internal/board"
	"github.com/srg/biolink/internal/streamer"
)

// MaxBufferSize caps the per-preset ring buffer, in rows.
const MaxBufferSize = 10_000_000

var outputFormats = map[string]bool{"table": true, "json": true, "csv": true}

// Config holds application configuration
type Config struct {
	LogLevel     string         `yaml:"log_level" json:"log_level" default:"info"`
	Board        string         `yaml:"board" json:"board" default:"synthetic"`
	SerialPort   string         `yaml:"serial_port" json:"serial_port"`
	MACAddress   string         `yaml:"mac_address" json:"mac_address"`
	DeviceName   string         `yaml:"device_name" json:"device_name"`
	Other        string         `yaml:"other_info" json:"other_info"`
	Timeout      time.Duration  `yaml:"timeout" json:"timeout" default:"15s"`
	ScanTimeout  time.Duration  `yaml:"scan_timeout" json:"scan_timeout" default:"10s"`
	BufferSize   int            `yaml:"buffer_size" json:"buffer_size" default:"45000"`
	Reconnect    backoff.Policy `yaml:"reconnect" json:"reconnect"`
	Streamers    []string       `yaml:"streamers" json:"streamers"`
	MetricsAddr  string         `yaml:"metrics_addr" json:"metrics_addr"` // empty disables the /metrics endpoint
	OutputFormat string         `yaml:"output_format" json:"output_format" default:"table"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys are
// rejected.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if _, err := board.ParseKind(c.Board); err != nil {
		errs = append(errs, fmt.Errorf("board: %w", err))
	}
	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be > 0"))
	}
	if c.ScanTimeout <= 0 {
		errs = append(errs, errors.New("scan_timeout must be > 0"))
	}
	if c.BufferSize <= 0 || c.BufferSize > MaxBufferSize {
		errs = append(errs, fmt.Errorf("buffer_size must be in 1..%d, got %d", MaxBufferSize, c.BufferSize))
	}
	if err := c.Reconnect.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reconnect: %w", err))
	}
	for _, uri := range c.Streamers {
		if _, err := streamer.ParseURI(uri); err != nil {
			errs = append(errs, fmt.Errorf("streamers: %w", err))
		}
	}
	if !outputFormats[c.OutputFormat] {
		errs = append(errs, fmt.Errorf("output_format must be table, json or csv, got %q", c.OutputFormat))
	}
	return errors.Join(errs...)
}

// Kind returns the configured board.
func (c *Config) Kind() (board.Kind, error) {
	return board.ParseKind(c.Board)
}

// InputParams returns the device parameters of the configured board.
func (c *Config) InputParams() board.InputParams {
	return board.InputParams{
		SerialPort: c.SerialPort,
		MACAddress: c.MACAddress,
		DeviceName: c.DeviceName,
		Timeout:    c.Timeout,
		Other:      c.Other,
	}
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
