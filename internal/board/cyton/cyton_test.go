//go:build test

package cyton

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/biolink/internal/board"
	"github.com/srg/biolink/internal/frame"
	"github.com/srg/biolink/internal/testutils"
)

const banner = "OpenBCI V3 8-16 channel\nOn Board ADS1299 Device ID: 0x3E\nFirmware: v3.1.2\n$$$"

type CytonTestSuite struct {
	suite.Suite
	ctx         context.Context
	logger      *logrus.Logger
	port        *testutils.FakeSerialPort
	openedPath  string
	origFactory func(string) (Port, error)
}

func (s *CytonTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.logger = testutils.NewTestHelper(s.T()).Logger
	s.port = testutils.NewFakeSerialPort().
		Reply("v", banner).
		Reply("d", "updating channel settings to default$$$")

	s.origFactory = PortFactory
	s.useFakePort()
}

func (s *CytonTestSuite) useFakePort() {
	PortFactory = func(path string) (Port, error) {
		s.openedPath = path
		return s.port, nil
	}
}

func (s *CytonTestSuite) TearDownTest() {
	PortFactory = s.origFactory
}

func (s *CytonTestSuite) newDriver() *Driver {
	return New(board.InputParams{SerialPort: "/dev/ttyUSB0", Timeout: 10 * time.Millisecond}, s.logger)
}

func packet(counter uint8, eeg int32, end byte) []byte {
	p := make([]byte, frame.CytonPacketSize)
	var channels [frame.CytonEEGChannels]int32
	for i := range channels {
		channels[i] = eeg
	}
	frame.EncodeCyton(p, counter, channels, [6]byte{0x00, 0x10, 0x00, 0x20, 0x00, 0x30}, end)
	return p
}

type collected struct {
	rows [][]float64
}

func (c *collected) emit(preset board.Preset, _ float64, row []float64) {
	c.rows = append(c.rows, append([]float64(nil), row...))
}

func (s *CytonTestSuite) TestOpenHandshake() {
	// GOAL: Verify Open performs the v / $$$ / d handshake on the configured port
	//
	// TEST SCENARIO: Open → port opened at path → "v" then "d" written → input flushed first
	d := s.newDriver()
	s.Require().NoError(d.Open(s.ctx))
	defer d.Close()

	s.Equal("/dev/ttyUSB0", s.openedPath)
	s.Equal("vd", s.port.Written())
	s.Equal(1, s.port.Resets(), "stale input MUST be flushed before the handshake")

	s.ErrorIs(d.Open(s.ctx), board.ErrPortAlreadyOpen)
}

func (s *CytonTestSuite) TestOpenFailures() {
	s.Run("EmptyPort", func() {
		d := New(board.InputParams{}, s.logger)
		s.ErrorIs(d.Open(s.ctx), board.ErrInvalidArguments)
	})

	s.Run("PortFactoryFails", func() {
		PortFactory = func(string) (Port, error) { return nil, errors.New("no such file or directory") }
		defer s.useFakePort()
		err := s.newDriver().Open(s.ctx)
		s.ErrorIs(err, board.ErrUnableToOpenPort)
		s.ErrorContains(err, "no such file")
	})

	s.Run("SilentBoard", func() {
		s.port = testutils.NewFakeSerialPort()
		d := s.newDriver()
		err := d.Open(s.ctx)
		s.ErrorIs(err, board.ErrBoardNotReady, "a board that never prompts MUST be reported as not ready")
		s.Require().NoError(d.Close())
		s.True(s.port.Closed())
	})

	s.Run("DefaultsRejected", func() {
		s.port = testutils.NewFakeSerialPort().
			Reply("v", banner).
			Reply("d", "Failure: no channels$$$")
		err := s.newDriver().Open(s.ctx)
		s.ErrorIs(err, board.ErrBoardNotReady)
		s.ErrorContains(err, "Failure")
	})

	s.Run("WriteFails", func() {
		s.port = testutils.NewFakeSerialPort()
		s.port.FailWrites(errors.New("io error"))
		s.ErrorIs(s.newDriver().Open(s.ctx), board.ErrBoardWrite)
	})
}

func (s *CytonTestSuite) TestStreamingCommands() {
	d := s.newDriver()
	s.Require().NoError(d.Open(s.ctx))
	defer d.Close()

	s.Require().NoError(d.StartStreaming(s.ctx))
	s.Equal(PollInterval, s.port.ReadTimeout(), "streaming reads MUST be bounded by the poll interval")
	s.Require().NoError(d.StopStreaming(s.ctx))
	s.Equal("vdbs", s.port.Written())
}

func (s *CytonTestSuite) TestReadUnitDecodesPackets() {
	d := s.newDriver()
	s.Require().NoError(d.Open(s.ctx))
	defer d.Close()
	s.Require().NoError(d.StartStreaming(s.ctx))

	s.port.Feed(append(packet(1, 1, frame.CytonEndStandard), packet(2, -1, frame.CytonEndStandard)...))

	var got collected
	s.Require().NoError(d.ReadUnit(s.ctx, got.emit))
	s.Require().Len(got.rows, 2)

	desc := board.CytonDescription()
	scale := frame.CytonEEGScale(frame.DefaultCytonGain)
	s.Equal(1.0, got.rows[0][desc.PackageChannel])
	s.InDelta(scale, got.rows[0][desc.EEGChannels[0]], 1e-12, "0x000001 MUST decode to +scale")
	s.InDelta(-scale, got.rows[1][desc.EEGChannels[7]], 1e-12, "0xFFFFFF MUST decode to -scale")
	s.InDelta(16*frame.CytonAccelScale, got.rows[0][desc.AccelChannels[0]], 1e-12)
	s.Equal(float64(frame.CytonEndStandard), got.rows[0][desc.OtherChannels[6]])
}

func (s *CytonTestSuite) TestReadUnitResynchronizes() {
	// GOAL: Verify a packet with a corrupted END byte is dropped and decoding resumes at the next START byte
	//
	// TEST SCENARIO: garbage + valid(1) + corrupt(2) + valid(3) → rows 1 and 3, one framing error
	d := s.newDriver()
	s.Require().NoError(d.Open(s.ctx))
	defer d.Close()
	s.Require().NoError(d.StartStreaming(s.ctx))

	stream := []byte{0x01, 0x02, 0x03}
	stream = append(stream, packet(1, 5, frame.CytonEndStandard)...)
	stream = append(stream, packet(2, 5, 0x00)...)
	stream = append(stream, packet(3, 5, frame.CytonEndAnalog)...)
	s.port.Feed(stream)

	var got collected
	s.Require().NoError(d.ReadUnit(s.ctx, got.emit))
	s.Require().Len(got.rows, 2)
	s.Equal(1.0, got.rows[0][0])
	s.Equal(3.0, got.rows[1][0])
	s.EqualValues(1, d.FramingErrors())

	desc := board.CytonDescription()
	s.Equal(16.0, got.rows[1][desc.AnalogChannels[0]], "END 0xC1 MUST route aux bytes to analog channels")
	s.Zero(got.rows[1][desc.AccelChannels[0]])
}

func (s *CytonTestSuite) TestReadUnitJoinsSplitPackets() {
	d := s.newDriver()
	s.Require().NoError(d.Open(s.ctx))
	defer d.Close()
	s.Require().NoError(d.StartStreaming(s.ctx))

	p := packet(7, 9, frame.CytonEndStandard)
	s.port.Feed(p[:10])

	var got collected
	s.Require().NoError(d.ReadUnit(s.ctx, got.emit))
	s.Empty(got.rows, "a partial packet MUST NOT be emitted")

	s.port.Feed(p[10:])
	s.Require().NoError(d.ReadUnit(s.ctx, got.emit))
	s.Require().Len(got.rows, 1)
	s.Equal(7.0, got.rows[0][0])

	s.Require().NoError(d.ReadUnit(s.ctx, got.emit))
	s.Len(got.rows, 1, "an idle port MUST yield no rows")
}

func (s *CytonTestSuite) TestConfigureUpdatesGain() {
	s.port.Reply("x1040110X", "Success: Channel set for 1$$$")

	d := s.newDriver()
	s.Require().NoError(d.Open(s.ctx))
	defer d.Close()

	reply, err := d.Configure(s.ctx, "x1040110X")
	s.Require().NoError(err)
	s.Equal("Success: Channel set for 1", reply)

	s.Require().NoError(d.StartStreaming(s.ctx))
	s.port.Feed(packet(1, 1, frame.CytonEndStandard))

	var got collected
	s.Require().NoError(d.ReadUnit(s.ctx, got.emit))
	s.Require().Len(got.rows, 1)
	s.InDelta(frame.CytonEEGScale(8), got.rows[0][1], 1e-12, "channel 1 MUST follow the configured gain")
	s.InDelta(frame.CytonEEGScale(24), got.rows[0][2], 1e-12, "other channels MUST keep the default gain")

	s.Run("NoReplyWhileStreaming", func() {
		reply, err := d.Configure(s.ctx, "x2000000X")
		s.Require().NoError(err)
		s.Empty(reply)
	})

	s.Run("InvalidCommands", func() {
		for _, cmd := range []string{"", "x1", "xQ060110X", "x1090110X"} {
			_, err := d.Configure(s.ctx, cmd)
			s.ErrorIs(err, board.ErrInvalidArguments, "command %q MUST be rejected", cmd)
		}
	})
}

func (s *CytonTestSuite) TestSessionIntegration() {
	// GOAL: Verify the driver works end to end under a Session acquisition loop
	//
	// TEST SCENARIO: prepare → start → board streams 5 packets after "b" → 5 rows buffered → stop sends "s"
	s.port.OnWrite(func(cmd string) {
		if cmd != "b" {
			return
		}
		for i := uint8(0); i < 5; i++ {
			s.port.Feed(packet(i, 100, frame.CytonEndStandard))
		}
	})

	sess := board.NewSession(board.NewIdentity(board.CytonBoard, board.InputParams{SerialPort: "/dev/ttyUSB0"}), s.newDriver(), s.logger)
	s.Require().NoError(sess.PrepareSession(s.ctx))
	s.Require().NoError(sess.StartStream(s.ctx, 100))

	s.Require().Eventually(func() bool {
		n, err := sess.GetBoardDataCount(board.DefaultPreset)
		return err == nil && n == 5
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := sess.GetBoardData(0, board.DefaultPreset)
	s.Require().NoError(err)
	for i, row := range snap.Rows {
		s.Equal(float64(i), row[0])
		s.Equal(snap.Timestamps[i], row[22])
	}

	s.Require().NoError(sess.StopStream(s.ctx))
	s.Require().NoError(sess.ReleaseSession(s.ctx))
	s.Equal("vdbs", s.port.Written())
	s.True(s.port.Closed())
}

func TestCytonTestSuite(t *testing.T) {
	suite.Run(t, new(CytonTestSuite))
}
