//go:build test

package main

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/biolink/internal/board"
	"github.com/srg/biolink/internal/testutils"
)

type DescribeTestSuite struct {
	CommandTestSuite
}

func (s *DescribeTestSuite) TestTable() {
	out, _, err := s.ExecuteCommand("describe", "synthetic")
	s.Require().NoError(err)

	testutils.NewTextAsserter(s.T()).Assert(out, `
BOARD      PRESET     RATE  ROWS  EEG  ACCEL  OTHER                 TIMESTAMP  MARKER
synthetic  default    250   16    1-8  9-11   other 15; battery 12  13         14
synthetic  auxiliary  250   5     -    -      ppg 1,2               3          4
`)
}

func (s *DescribeTestSuite) TestJSON() {
	out, _, err := s.ExecuteCommand("describe", "CYTON", "--format", "json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"cyton": {
			"default": {
				"name": "Cyton",
				"sampling_rate": 250,
				"num_rows": 24,
				"package_num_channel": 0,
				"eeg_channels": [1, 2, 3, 4, 5, 6, 7, 8],
				"accel_channels": [9, 10, 11],
				"analog_channels": [19, 20, 21],
				"timestamp_channel": 22,
				"marker_channel": 23
			}
		}
	}`)
}

func (s *DescribeTestSuite) TestAllBoards() {
	out, _, err := s.ExecuteCommand("describe", "--format", "json")
	s.Require().NoError(err)

	testutils.NewJSONAsserter(s.T()).Assert(out, `{
		"cyton": {"default": {"name": "Cyton"}},
		"ganglion": {"default": {"name": "Ganglion", "sampling_rate": 200}},
		"synthetic": {"default": {"name": "Synthetic"}, "auxiliary": {"num_rows": 5}}
	}`)
}

func (s *DescribeTestSuite) TestErrors() {
	s.Run("unknown board", func() {
		_, _, err := s.ExecuteCommand("describe", "muse")
		s.ErrorIs(err, board.ErrUnsupportedBoard)
	})

	s.Run("unknown format", func() {
		_, _, err := s.ExecuteCommand("describe", "--format", "xml")
		s.ErrorContains(err, "invalid format 'xml'")
	})
}

func TestDescribeTestSuite(t *testing.T) {
	suite.Run(t, new(DescribeTestSuite))
}
