package ptyio

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type PTYTestSuite struct {
	suite.Suite
	pty   *PTY
	slave *os.File
}

func (s *PTYTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	p, err := Open(Options{WriteCap: 64, Logger: logger})
	if err != nil {
		s.T().Skipf("pty unavailable: %v", err)
	}
	s.pty = p

	slave, err := os.OpenFile(p.TTYName(), os.O_RDWR, 0)
	s.Require().NoError(err)
	s.slave = slave
}

func (s *PTYTestSuite) TearDownTest() {
	if s.slave != nil {
		_ = s.slave.Close()
	}
	if s.pty != nil {
		s.NoError(s.pty.Close())
	}
}

func (s *PTYTestSuite) TestRoundTrip() {
	// GOAL: Verify bytes flow both ways between the master and a serial client
	//
	// TEST SCENARIO: client writes "v" → callback sees it → master replies → client reads reply
	var (
		mu  sync.Mutex
		got []byte
	)
	s.pty.SetReadCallback(func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	})

	_, err := s.slave.Write([]byte("v"))
	s.Require().NoError(err)
	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "v"
	}, 2*time.Second, 5*time.Millisecond, "client bytes MUST reach the read callback")

	n, err := s.pty.Write([]byte("ok$$$"))
	s.Require().NoError(err)
	s.Equal(5, n)

	reply := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := s.slave.Read(buf)
		reply <- string(buf[:n])
	}()
	select {
	case r := <-reply:
		s.Equal("ok$$$", r)
	case <-time.After(2 * time.Second):
		s.Fail("the client MUST receive queued bytes")
	}

	s.Eventually(func() bool {
		st := s.pty.Stats()
		return st.ReadBytesTotal == 1 && st.WriteBytesTotal == 5
	}, time.Second, 5*time.Millisecond)
}

func (s *PTYTestSuite) TestOverflowDrops() {
	s.pty.SetReadCallback(nil)

	n, err := s.pty.Write(make([]byte, 200))
	s.Require().NoError(err)
	s.LessOrEqual(n, 64, "writes beyond the queue capacity MUST be dropped")
	s.Equal(uint64(200-n), s.pty.Stats().DroppedWrite)
}

func (s *PTYTestSuite) TestClose() {
	s.Require().NoError(s.pty.Close())
	s.NoError(s.pty.Close(), "Close MUST be idempotent")

	_, err := s.pty.Write([]byte("x"))
	s.ErrorIs(err, os.ErrClosed)
	s.pty = nil
}

func TestPTYTestSuite(t *testing.T) {
	suite.Run(t, new(PTYTestSuite))
}
