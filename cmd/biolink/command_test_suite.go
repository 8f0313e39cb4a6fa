//go:build test

package main

import (
	"bytes"
	"context"

	"github.com/fatih/color"
	"github.com/stretchr/testify/suite"

	"github.com/srg/biolink/internal/testutils"
)

// CommandTestSuite runs commands against a fresh root and captures their output.
// All cmd/biolink test suites should embed it.
type CommandTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
}

func (s *CommandTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	color.NoColor = true
}

// ExecuteCommand runs the root command with args and returns stdout, stderr and
// the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// WriteConfig stores a YAML config for --config.
func (s *CommandTestSuite) WriteConfig(yaml string) string {
	return s.helper.WriteFile("biolink.yaml", yaml)
}
