package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/biolink/internal/board"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "synthetic", cfg.Board)
	assert.Equal(t, 15*time.Second, cfg.Timeout)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 45000, cfg.BufferSize)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.InitialDelay, "nested reconnect policy MUST get defaults")
	assert.Equal(t, 10*time.Second, cfg.Reconnect.MaxDelay)
	assert.NoError(t, cfg.Validate())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
board: cyton
serial_port: /dev/ttyUSB0
timeout: 2s
buffer_size: 1000
reconnect:
  max_attempts: 3
  max_delay: 1s
streamers:
  - file:///tmp/eeg.csv:w
`))
	require.NoError(t, err)

	kind, err := cfg.Kind()
	require.NoError(t, err)
	assert.Equal(t, board.CytonBoard, kind)
	assert.Equal(t, board.InputParams{SerialPort: "/dev/ttyUSB0", Timeout: 2 * time.Second}, cfg.InputParams())
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 250*time.Millisecond, cfg.Reconnect.InitialDelay, "unset keys MUST keep their defaults")
	assert.Equal(t, []string{"file:///tmp/eeg.csv:w"}, cfg.Streamers)

	t.Run("empty document", func(t *testing.T) {
		cfg, err := Parse(nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("unknown key", func(t *testing.T) {
		_, err := Parse([]byte("bord: cyton\n"))
		assert.ErrorContains(t, err, "bord")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown board", func(c *Config) { c.Board = "muse" }, "board"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, "timeout"},
		{"zero buffer", func(c *Config) { c.BufferSize = 0 }, "buffer_size"},
		{"huge buffer", func(c *Config) { c.BufferSize = MaxBufferSize + 1 }, "buffer_size"},
		{"bad reconnect", func(c *Config) { c.Reconnect.Multiplier = 0.5 }, "reconnect"},
		{"bad streamer", func(c *Config) { c.Streamers = []string{"udp://1.2.3.4"} }, "streamers"},
		{"unknown format", func(c *Config) { c.OutputFormat = "xml" }, "output_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}

	t.Run("all problems reported", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Board = "muse"
		cfg.OutputFormat = "xml"
		err := cfg.Validate()
		assert.ErrorContains(t, err, "board")
		assert.ErrorContains(t, err, "output_format")
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "biolink.yaml")
	require.NoError(t, os.WriteFile(path, []byte("board: ganglion\nmac_address: C4:5A:11:22:33:44\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "C4:5A:11:22:33:44", cfg.InputParams().MACAddress)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestConfig_NewLogger(t *testing.T) {
	for _, level := range []logrus.Level{logrus.DebugLevel, logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel} {
		t.Run(level.String(), func(t *testing.T) {
			cfg := &Config{LogLevel: level.String()}
			logger := cfg.NewLogger()

			assert.Equal(t, level, logger.GetLevel())
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			require.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}

	t.Run("invalid level falls back to info", func(t *testing.T) {
		assert.Equal(t, logrus.InfoLevel, (&Config{LogLevel: "loud"}).NewLogger().GetLevel())
	})
}
