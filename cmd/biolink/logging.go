package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/biolink/pkg/config"
)

// configureLogger creates a logger with the appropriate log level based on flags.
// --log-level takes precedence over --verbose. Without either the logger is silent.
func configureLogger(cmd *cobra.Command, verboseFlagName string) (*logrus.Logger, error) {
	level := logrus.PanicLevel

	if name, _ := cmd.Flags().GetString("log-level"); name != "" {
		switch name {
		case "debug", "info", "warn", "error":
			level, _ = logrus.ParseLevel(name)
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", name)
		}
	} else if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
		level = logrus.DebugLevel
	}

	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger, nil
}

// settings bundles what every command needs: the effective config and a logger.
type settings struct {
	cfg    *config.Config
	logger *logrus.Logger
}

// loadSettings reads --config when given. The file's log_level applies only when
// neither --log-level nor --verbose was passed.
func loadSettings(cmd *cobra.Command) (*settings, error) {
	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return nil, err
	}

	cfg := config.DefaultConfig()
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return &settings{cfg: cfg, logger: logger}, nil
	}

	if cfg, err = config.Load(path); err != nil {
		return nil, err
	}
	if !cmd.Flags().Changed("log-level") && !cmd.Flags().Changed("verbose") {
		if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			logger.SetLevel(level)
		}
	}
	logger.WithField("path", path).Debug("Config loaded")
	return &settings{cfg: cfg, logger: logger}, nil
}
