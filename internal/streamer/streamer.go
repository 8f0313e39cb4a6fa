// Package streamer forwards acquired rows to external sinks without ever blocking
// the acquisition goroutine.
//
// Publish enqueues into an overlapped ring buffer (oldest records are overwritten
// when the writer falls behind) and a named drain goroutine writes buffered records
// to the sink as tab-separated lines.
package streamer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"

	"github.com/srg/biolink/internal/groutine"
)

// Record is one published row.
type Record struct {
	Preset    string
	Timestamp float64
	Row       []float64
}

// Metrics provides lock-free counters for a Streamer.
type Metrics struct {
	RecordsPublished   int64
	RecordsWritten     int64
	RecordsOverwritten int64
	ErrorsOccurred     int64
}

func (m *Metrics) incPublished()           { atomic.AddInt64(&m.RecordsPublished, 1) }
func (m *Metrics) incWritten()             { atomic.AddInt64(&m.RecordsWritten, 1) }
func (m *Metrics) incErrors()              { atomic.AddInt64(&m.ErrorsOccurred, 1) }
func (m *Metrics) addOverwritten(n uint32) { atomic.AddInt64(&m.RecordsOverwritten, int64(n)) }

func (m *Metrics) snapshot() Metrics {
	return Metrics{
		RecordsPublished:   atomic.LoadInt64(&m.RecordsPublished),
		RecordsWritten:     atomic.LoadInt64(&m.RecordsWritten),
		RecordsOverwritten: atomic.LoadInt64(&m.RecordsOverwritten),
		ErrorsOccurred:     atomic.LoadInt64(&m.ErrorsOccurred),
	}
}

const (
	StateNotRunning uint32 = iota
	StateRunning
	StateStopping

	// DefaultBufferSize is the number of records held while the sink catches up.
	DefaultBufferSize uint32 = 4096
	// MaxBufferSize guards against accidental misconfiguration.
	MaxBufferSize uint32 = 1024 * 1024

	flushInterval = 100 * time.Millisecond
)

// StopTimeout bounds how long Stop waits for the drain goroutine. A sink still
// blocked after that is closed in the background once the goroutine returns.
//
//nolint:revive // overridable for tests
var StopTimeout = 5 * time.Second

// OpenSink opens the destination for a target. Tests replace it to capture output.
var OpenSink = func(t Target) (io.WriteCloser, error) {
	flags := os.O_CREATE | os.O_WRONLY
	if t.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	return os.OpenFile(t.Path, flags, 0o644)
}

// Streamer copies published records to one sink.
type Streamer struct {
	target Target
	logger *logrus.Logger

	buffer mpmc.RichOverlappedRingBuffer[Record]
	wake   chan struct{}
	stop   chan struct{}
	done   <-chan struct{}

	sink io.WriteCloser
	out  *bufio.Writer

	metrics Metrics
	state   uint32
}

// New parses uri and prepares a streamer. The sink is opened by Start.
func New(uri string, bufferSize uint32, logger *logrus.Logger) (*Streamer, error) {
	target, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if bufferSize == 0 {
		bufferSize = DefaultBufferSize
	}
	if bufferSize > MaxBufferSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", bufferSize, MaxBufferSize)
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &Streamer{
		target: target,
		logger: logger,
		buffer: mpmc.NewOverlappedRingBuffer[Record](bufferSize),
		wake:   make(chan struct{}, 1),
		state:  StateNotRunning,
	}, nil
}

// Target returns the parsed destination.
func (s *Streamer) Target() Target {
	return s.target
}

// Start opens the sink and launches the drain goroutine.
func (s *Streamer) Start() error {
	if !atomic.CompareAndSwapUint32(&s.state, StateNotRunning, StateRunning) {
		switch atomic.LoadUint32(&s.state) {
		case StateRunning:
			return fmt.Errorf("streamer %s is already running", s.target)
		case StateStopping:
			return fmt.Errorf("streamer %s is stopping, wait for it to finish", s.target)
		default:
			return fmt.Errorf("streamer %s is in unknown state", s.target)
		}
	}

	sink, err := OpenSink(s.target)
	if err != nil {
		atomic.StoreUint32(&s.state, StateNotRunning)
		return fmt.Errorf("failed to open streamer sink %s: %w", s.target.Path, err)
	}
	s.sink = sink
	s.out = bufio.NewWriter(sink)
	s.stop = make(chan struct{})

	started := make(chan struct{}, 1)
	s.done = groutine.Go(context.Background(), "streamer-"+s.target.Path, func(ctx context.Context) {
		started <- struct{}{}
		s.run()
	})

	select {
	case <-started:
		s.logger.WithField("target", s.target.String()).Debug("Streamer started")
		return nil
	case <-time.After(time.Second):
		close(s.stop)
		<-s.done
		atomic.StoreUint32(&s.state, StateNotRunning)
		_ = s.sink.Close()
		return fmt.Errorf("streamer %s failed to start within 1s timeout", s.target)
	}
}

// Publish enqueues a copy of row. It never blocks; when the buffer is full the oldest
// record is overwritten. Records published while the streamer is not running are
// dropped.
func (s *Streamer) Publish(preset string, timestamp float64, row []float64) {
	if atomic.LoadUint32(&s.state) != StateRunning {
		return
	}

	rec := Record{Preset: preset, Timestamp: timestamp, Row: append([]float64(nil), row...)}
	overwrites, err := s.buffer.EnqueueM(rec)
	if err != nil {
		s.metrics.incErrors()
		return
	}
	s.metrics.addOverwritten(overwrites)
	s.metrics.incPublished()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Streamer) run() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			s.drain()
			return
		case <-s.wake:
			s.drain()
		case <-ticker.C:
			s.drain()
		}
	}
}

func (s *Streamer) drain() {
	for !s.buffer.IsEmpty() {
		rec, err := s.buffer.Dequeue()
		if err != nil {
			break
		}
		if err := s.write(rec); err != nil {
			s.metrics.incErrors()
			s.logger.WithError(err).WithField("target", s.target.String()).Warn("Streamer write failed")
			continue
		}
		s.metrics.incWritten()
	}
	if err := s.out.Flush(); err != nil {
		s.metrics.incErrors()
	}
}

func (s *Streamer) write(rec Record) error {
	line := make([]byte, 0, 16*(len(rec.Row)+2))
	line = append(line, rec.Preset...)
	line = append(line, '\t')
	line = strconv.AppendFloat(line, rec.Timestamp, 'f', 6, 64)
	for _, v := range rec.Row {
		line = append(line, '\t')
		line = strconv.AppendFloat(line, v, 'f', 6, 64)
	}
	line = append(line, '\n')
	_, err := s.out.Write(line)
	return err
}

// Stop drains outstanding records, stops the goroutine and closes the sink.
func (s *Streamer) Stop() error {
	if !atomic.CompareAndSwapUint32(&s.state, StateRunning, StateStopping) {
		if atomic.LoadUint32(&s.state) == StateNotRunning {
			return nil
		}
	} else {
		close(s.stop)
	}

	select {
	case <-s.done:
	case <-time.After(StopTimeout):
		groutine.Go(context.Background(), "streamer-close-"+s.target.Path, func(context.Context) {
			<-s.done
			_ = s.finishStop()
		})
		return fmt.Errorf("streamer %s stop exceeded %s timeout, sink closes once pending writes return", s.target, StopTimeout)
	}
	return s.finishStop()
}

func (s *Streamer) finishStop() error {
	err := s.sink.Close()
	atomic.StoreUint32(&s.state, StateNotRunning)

	s.logger.WithFields(logrus.Fields{
		"target":  s.target.String(),
		"written": atomic.LoadInt64(&s.metrics.RecordsWritten),
	}).Debug("Streamer stopped")
	return err
}

// GetState returns the current lifecycle state.
func (s *Streamer) GetState() uint32 {
	return atomic.LoadUint32(&s.state)
}

// GetMetrics returns a copy of the current counters.
func (s *Streamer) GetMetrics() Metrics {
	return s.metrics.snapshot()
}
