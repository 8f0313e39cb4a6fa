//go:build test

package main

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/suite"
)

type LoggingTestSuite struct {
	CommandTestSuite
}

func newFlagCmd(args ...string) *cobra.Command {
	cmd := &cobra.Command{Use: "x", RunE: func(*cobra.Command, []string) error { return nil }}
	cmd.Flags().String("log-level", "", "")
	cmd.Flags().Bool("verbose", false, "")
	cmd.Flags().String("config", "", "")
	_ = cmd.ParseFlags(args)
	return cmd
}

func (s *LoggingTestSuite) TestConfigureLogger() {
	cases := []struct {
		name  string
		args  []string
		level logrus.Level
	}{
		{"silent by default", nil, logrus.PanicLevel},
		{"verbose", []string{"--verbose"}, logrus.DebugLevel},
		{"explicit level", []string{"--log-level", "warn"}, logrus.WarnLevel},
		{"log-level wins over verbose", []string{"--verbose", "--log-level", "error"}, logrus.ErrorLevel},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			logger, err := configureLogger(newFlagCmd(tc.args...), "verbose")
			s.Require().NoError(err)
			s.Equal(tc.level, logger.GetLevel())
		})
	}

	s.Run("invalid level", func() {
		_, err := configureLogger(newFlagCmd("--log-level", "trace"), "verbose")
		s.ErrorContains(err, "invalid log level: trace")
	})
}

func (s *LoggingTestSuite) TestConfigLogLevel() {
	path := s.WriteConfig("log_level: warn\n")

	s.Run("file level applies without flags", func() {
		st, err := loadSettings(newFlagCmd("--config", path))
		s.Require().NoError(err)
		s.Equal(logrus.WarnLevel, st.logger.GetLevel())
	})

	s.Run("flags win over the file", func() {
		st, err := loadSettings(newFlagCmd("--config", path, "--verbose"))
		s.Require().NoError(err)
		s.Equal(logrus.DebugLevel, st.logger.GetLevel())
	})

	s.Run("invalid file", func() {
		_, err := loadSettings(newFlagCmd("--config", s.WriteConfig("bogus: 1\n")))
		s.ErrorContains(err, "failed to parse config")
	})
}

func (s *LoggingTestSuite) TestVersion() {
	out, _, err := s.ExecuteCommand("--version")
	s.Require().NoError(err)
	s.Equal("biolink dev (commit none, built unknown)\n", out)
	s.Equal("v1.2.0", formatVersion("1.2.0"))
	s.Equal("dev", formatVersion("dev"))
}

func TestLoggingTestSuite(t *testing.T) {
	suite.Run(t, new(LoggingTestSuite))
}
