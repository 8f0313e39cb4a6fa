package streamer

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"
)

type memorySink struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (m *memorySink) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.String()
}

type StreamerTestSuite struct {
	suite.Suite
	logger      *logrus.Logger
	sink        *memorySink
	defaultOpen func(Target) (io.WriteCloser, error)
}

func (s *StreamerTestSuite) SetupTest() {
	s.logger = logrus.New()
	s.logger.SetLevel(logrus.DebugLevel)
	s.sink = &memorySink{}
	s.defaultOpen = OpenSink
	OpenSink = func(Target) (io.WriteCloser, error) { return s.sink, nil }
}

func (s *StreamerTestSuite) TearDownTest() {
	OpenSink = s.defaultOpen
}

func (s *StreamerTestSuite) TestParseURI() {
	tests := []struct {
		uri    string
		path   string
		append bool
		valid  bool
	}{
		{"file://data.csv:w", "data.csv", false, true},
		{"file:///tmp/run:1.tsv:a", "/tmp/run:1.tsv", true, true},
		{"file://data.csv", "", false, false},
		{"file://data.csv:x", "", false, false},
		{"file://:w", "", false, false},
		{"file://data.csv:", "", false, false},
		{"streaming_board://225.1.1.1:6677", "", false, false},
	}
	for _, tt := range tests {
		s.Run(tt.uri, func() {
			target, err := ParseURI(tt.uri)
			if !tt.valid {
				s.ErrorIs(err, ErrInvalidURI)
				return
			}
			s.Require().NoError(err)
			s.Equal(tt.path, target.Path)
			s.Equal(tt.append, target.Append)
			s.Equal(tt.uri, target.String(), "target MUST render back to its uri")
		})
	}
}

func (s *StreamerTestSuite) TestPublishWritesLines() {
	// GOAL: Verify published rows reach the sink as tab-separated lines in order
	//
	// TEST SCENARIO: Start → publish 3 rows → stop → sink holds 3 lines with preset, timestamp, values
	st, err := New("file://ignored.tsv:w", 16, s.logger)
	s.Require().NoError(err)
	s.Require().NoError(st.Start())

	for i := 0; i < 3; i++ {
		st.Publish("default", float64(i)+0.5, []float64{float64(i), 1})
	}
	s.Require().NoError(st.Stop())

	lines := strings.Split(strings.TrimSpace(s.sink.String()), "\n")
	s.Require().Len(lines, 3)
	s.Equal("default\t0.500000\t0.000000\t1.000000", lines[0])
	s.Equal("default\t2.500000\t2.000000\t1.000000", lines[2])
	s.True(s.sink.closed, "sink MUST be closed on stop")

	m := st.GetMetrics()
	s.EqualValues(3, m.RecordsPublished)
	s.EqualValues(3, m.RecordsWritten)
	s.Equal(StateNotRunning, st.GetState())
}

func (s *StreamerTestSuite) TestPublishDoesNotAliasRow() {
	st, err := New("file://ignored.tsv:w", 16, s.logger)
	s.Require().NoError(err)
	s.Require().NoError(st.Start())

	row := []float64{1}
	st.Publish("default", 0, row)
	row[0] = 9
	s.Require().NoError(st.Stop())

	s.Contains(s.sink.String(), "\t1.000000\n")
	s.NotContains(s.sink.String(), "9.000000")
}

func (s *StreamerTestSuite) TestPublishWhenNotRunningIsDropped() {
	st, err := New("file://ignored.tsv:w", 16, s.logger)
	s.Require().NoError(err)

	st.Publish("default", 0, []float64{1})
	s.EqualValues(0, st.GetMetrics().RecordsPublished)
}

func (s *StreamerTestSuite) TestLifecycleErrors() {
	s.Run("DoubleStart", func() {
		st, err := New("file://ignored.tsv:w", 16, s.logger)
		s.Require().NoError(err)
		s.Require().NoError(st.Start())
		s.ErrorContains(st.Start(), "already running")
		s.Require().NoError(st.Stop())
	})

	s.Run("StopWhenStopped", func() {
		st, err := New("file://ignored.tsv:w", 16, s.logger)
		s.Require().NoError(err)
		s.NoError(st.Stop())
	})

	s.Run("SinkOpenFailure", func() {
		OpenSink = func(Target) (io.WriteCloser, error) { return nil, errors.New("read-only filesystem") }
		st, err := New("file://ignored.tsv:w", 16, s.logger)
		s.Require().NoError(err)
		s.ErrorContains(st.Start(), "read-only filesystem")
		s.Equal(StateNotRunning, st.GetState(), "failed start MUST leave the streamer restartable")
	})

	s.Run("BufferTooLarge", func() {
		_, err := New("file://ignored.tsv:w", MaxBufferSize+1, s.logger)
		s.ErrorContains(err, "exceeds maximum")
	})
}

func (s *StreamerTestSuite) TestFileSinkModes() {
	// GOAL: Verify w truncates and a appends on a real file
	//
	// TEST SCENARIO: Write one row with :w twice → one line → write with :a → two lines
	OpenSink = s.defaultOpen
	path := filepath.Join(s.T().TempDir(), "rows.tsv")

	write := func(mode string) {
		st, err := New("file://"+path+":"+mode, 16, s.logger)
		s.Require().NoError(err)
		s.Require().NoError(st.Start())
		st.Publish("default", 1, []float64{2})
		s.Require().NoError(st.Stop())
	}

	write("w")
	write("w")
	data, err := os.ReadFile(path)
	s.Require().NoError(err)
	s.Equal(1, strings.Count(string(data), "\n"), "w mode MUST truncate")

	write("a")
	data, err = os.ReadFile(path)
	s.Require().NoError(err)
	s.Equal(2, strings.Count(string(data), "\n"), "a mode MUST append")
}

func (s *StreamerTestSuite) TestBackgroundFlush() {
	st, err := New("file://ignored.tsv:w", 16, s.logger)
	s.Require().NoError(err)
	s.Require().NoError(st.Start())
	defer func() { _ = st.Stop() }()

	st.Publish("auxiliary", 3, []float64{4})
	s.Eventually(func() bool {
		return strings.Contains(s.sink.String(), "auxiliary\t3.000000\t4.000000")
	}, 2*time.Second, 10*time.Millisecond, "rows MUST be flushed without waiting for stop")
}

// stuckSink blocks every write until released.
type stuckSink struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	closed  chan struct{}
}

func newStuckSink() *stuckSink {
	return &stuckSink{entered: make(chan struct{}), release: make(chan struct{}), closed: make(chan struct{})}
}

func (b *stuckSink) Write(p []byte) (int, error) {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return len(p), nil
}

func (b *stuckSink) Close() error {
	close(b.closed)
	return nil
}

func (s *StreamerTestSuite) TestStopIsBoundedByTimeout() {
	// GOAL: Verify Stop returns after StopTimeout even when the sink hangs
	//
	// TEST SCENARIO: sink write blocks → Stop fails fast with a timeout → sink released → closed in the background
	sink := newStuckSink()
	OpenSink = func(Target) (io.WriteCloser, error) { return sink, nil }
	defaultTimeout := StopTimeout
	StopTimeout = 50 * time.Millisecond
	defer func() { StopTimeout = defaultTimeout }()

	st, err := New("file://stuck.tsv:w", 16, s.logger)
	s.Require().NoError(err)
	s.Require().NoError(st.Start())

	st.Publish("default", 1, []float64{2})
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		s.FailNow("sink write MUST be attempted")
	}

	started := time.Now()
	err = st.Stop()
	s.ErrorContains(err, "timeout")
	s.Less(time.Since(started), time.Second, "Stop MUST NOT wait past its timeout")
	s.Equal(StateStopping, st.GetState())

	close(sink.release)
	select {
	case <-sink.closed:
	case <-time.After(2 * time.Second):
		s.FailNow("sink MUST be closed once the write returns")
	}
	s.Eventually(func() bool {
		return st.GetState() == StateNotRunning
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamerTestSuite(t *testing.T) {
	suite.Run(t, new(StreamerTestSuite))
}
