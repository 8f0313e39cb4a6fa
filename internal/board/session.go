package board

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/srg/biolink/internal/groutine"
	"github.com/srg/biolink/internal/samplebuf"
	"github.com/srg/biolink/internal/streamer"
)

// State is the lifecycle state of a Session.
type State int32

const (
	Unprepared State = iota
	Prepared
	Streaming
)

func (s State) String() string {
	switch s {
	case Unprepared:
		return "unprepared"
	case Prepared:
		return "prepared"
	case Streaming:
		return "streaming"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// readErrorPause throttles the acquisition loop when the driver keeps failing.
const readErrorPause = 10 * time.Millisecond

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithMetricsRegisterer exposes every sample buffer of the session as Prometheus metrics.
func WithMetricsRegisterer(reg prometheus.Registerer) SessionOption {
	return func(s *Session) {
		s.registerer = reg
	}
}

// WithStreamerBufferSize sets the per-streamer record queue size.
func WithStreamerBufferSize(n uint32) SessionOption {
	return func(s *Session) {
		s.streamerBufferSize = n
	}
}

// Session owns one device connection, its lifecycle state, its sample buffers and
// the acquisition goroutine.
//
// Lifecycle calls are serialized by an internal mutex. Buffer reads never take that
// mutex, so they stay responsive while StopStream is joining the acquisition loop.
type Session struct {
	id         Identity
	instanceID string
	driver     Driver
	logger     *logrus.Logger

	lifecycle sync.Mutex
	state     atomic.Int32

	descriptions *Descriptions

	bufMu     sync.RWMutex
	buffers   map[Preset]*samplebuf.Buffer
	streamers []*streamer.Streamer

	markerMu sync.Mutex
	markers  map[Preset][]float64

	cancel context.CancelFunc
	done   <-chan struct{}

	registerer         prometheus.Registerer
	streamerBufferSize uint32
}

// NewSession wraps driver in an Unprepared session.
func NewSession(id Identity, driver Driver, logger *logrus.Logger, opts ...SessionOption) *Session {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Session{
		id:           id,
		instanceID:   uuid.NewString(),
		driver:       driver,
		logger:       logger,
		descriptions: driver.Descriptions(),
		markers:      make(map[Preset][]float64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Identity returns the registry key of the session.
func (s *Session) Identity() Identity {
	return s.id
}

// Kind returns the board kind.
func (s *Session) Kind() Kind {
	return s.driver.Kind()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Description returns the row layout for preset.
func (s *Session) Description(preset Preset) (Description, error) {
	d, ok := s.descriptions.Get(preset)
	if !ok {
		return Description{}, Errorf(InvalidArguments, "describe", "board %s has no %s preset", s.driver.Kind(), preset)
	}
	return d, nil
}

func (s *Session) log() *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{
		"board":   s.driver.Kind().String(),
		"session": s.instanceID,
	})
}

// PrepareSession opens the transport. Calling it on a prepared or streaming session
// is a no-op.
func (s *Session) PrepareSession(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() != Unprepared {
		s.log().Debug("Session already prepared")
		return nil
	}

	if err := s.driver.Open(ctx); err != nil {
		_ = s.driver.Close()
		s.log().WithError(err).Error("Failed to prepare session")
		return err
	}

	s.state.Store(int32(Prepared))
	s.log().Info("Session prepared")
	return nil
}

// StartStream allocates one buffer of bufferSize rows per preset, starts the given
// streamers and launches the acquisition goroutine.
func (s *Session) StartStream(ctx context.Context, bufferSize int, streamerURIs ...string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	const op = "start stream"
	switch s.State() {
	case Unprepared:
		return Errorf(BoardNotReady, op, "session is not prepared")
	case Streaming:
		return NewError(StreamAlreadyRunning, op, nil)
	}

	// Buffers of the previous run keep serving reads but release their collectors,
	// which the new buffers register under the same names.
	s.bufMu.RLock()
	closeBuffers(s.buffers)
	s.bufMu.RUnlock()

	buffers, err := s.newBuffers(bufferSize)
	if err != nil {
		return err
	}

	streamers, err := s.startStreamers(streamerURIs)
	if err != nil {
		closeBuffers(buffers)
		return err
	}

	if err := s.driver.StartStreaming(ctx); err != nil {
		stopStreamers(streamers, s.log())
		closeBuffers(buffers)
		s.log().WithError(err).Error("Failed to start streaming")
		return err
	}

	s.bufMu.Lock()
	s.buffers = buffers
	s.streamers = streamers
	s.bufMu.Unlock()

	s.markerMu.Lock()
	s.markers = make(map[Preset][]float64)
	s.markerMu.Unlock()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = groutine.Go(loopCtx, fmt.Sprintf("%s-acquisition", s.driver.Kind()), s.acquire)

	s.state.Store(int32(Streaming))
	s.log().WithFields(logrus.Fields{
		"buffer_size": bufferSize,
		"streamers":   len(streamers),
	}).Info("Stream started")
	return nil
}

func (s *Session) newBuffers(bufferSize int) (map[Preset]*samplebuf.Buffer, error) {
	const op = "start stream"
	buffers := make(map[Preset]*samplebuf.Buffer, s.descriptions.Len())

	for pair := s.descriptions.Oldest(); pair != nil; pair = pair.Next() {
		opts := []samplebuf.Option{samplebuf.WithMaxCapacity(pair.Value.MaxCapacity())}
		if s.registerer != nil {
			opts = append(opts, samplebuf.WithMetrics(s.registerer, fmt.Sprintf("%s_%s", s.driver.Kind(), pair.Key)))
		}

		buf, err := samplebuf.New(pair.Value.NumRows, bufferSize, opts...)
		if err != nil {
			closeBuffers(buffers)
			if errors.Is(err, samplebuf.ErrInvalidCapacity) {
				return nil, NewError(InvalidBufferSize, op, err)
			}
			return nil, NewError(GeneralError, op, err)
		}
		buffers[pair.Key] = buf
	}
	return buffers, nil
}

func (s *Session) startStreamers(uris []string) ([]*streamer.Streamer, error) {
	const op = "start stream"
	streamers := make([]*streamer.Streamer, 0, len(uris))

	for _, uri := range uris {
		st, err := streamer.New(uri, s.streamerBufferSize, s.logger)
		if err != nil {
			stopStreamers(streamers, s.log())
			return nil, NewError(InvalidArguments, op, err)
		}
		if err := st.Start(); err != nil {
			stopStreamers(streamers, s.log())
			return nil, NewError(GeneralError, op, err)
		}
		streamers = append(streamers, st)
	}
	return streamers, nil
}

func closeBuffers(buffers map[Preset]*samplebuf.Buffer) {
	for _, b := range buffers {
		b.Close()
	}
}

func stopStreamers(streamers []*streamer.Streamer, log *logrus.Entry) {
	for _, st := range streamers {
		if err := st.Stop(); err != nil {
			log.WithError(err).WithField("target", st.Target().String()).Warn("Failed to stop streamer")
		}
	}
}

// acquire is the acquisition loop. It polls the stop signal once per read cycle.
func (s *Session) acquire(ctx context.Context) {
	log := s.log().WithField("goroutine", groutine.GetName(ctx))
	log.Debug("Acquisition loop started")
	defer log.Debug("Acquisition loop stopped")

	for ctx.Err() == nil {
		if err := s.driver.ReadUnit(ctx, s.push); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("Read cycle failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(readErrorPause):
			}
		}
	}
}

// push stamps timestamp and marker into row and stores it. Runs on the acquisition
// goroutine only.
func (s *Session) push(preset Preset, timestamp float64, row []float64) {
	desc, ok := s.descriptions.Get(preset)
	if !ok {
		s.log().WithField("preset", preset.String()).Error("Driver emitted row for undescribed preset")
		return
	}
	if len(row) == desc.NumRows {
		row[desc.TimestampChannel] = timestamp
		row[desc.MarkerChannel] = s.popMarker(preset)
	}

	s.bufMu.RLock()
	buf := s.buffers[preset]
	streamers := s.streamers
	s.bufMu.RUnlock()

	if buf == nil {
		return
	}
	if err := buf.Push(timestamp, row); err != nil {
		s.log().WithError(err).WithField("preset", preset.String()).Error("Dropped malformed row")
		return
	}
	for _, st := range streamers {
		st.Publish(preset.String(), timestamp, row)
	}
}

func (s *Session) popMarker(preset Preset) float64 {
	s.markerMu.Lock()
	defer s.markerMu.Unlock()

	q := s.markers[preset]
	if len(q) == 0 {
		return 0
	}
	m := q[0]
	s.markers[preset] = q[1:]
	return m
}

// StopStream joins the acquisition goroutine, tells the board to stop and clears the
// buffers. The session returns to Prepared even when the stop command fails.
func (s *Session) StopStream(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.stopLocked(ctx)
}

func (s *Session) stopLocked(ctx context.Context) error {
	if s.State() != Streaming {
		return NewError(StreamNotRunning, "stop stream", nil)
	}

	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil

	err := s.driver.StopStreaming(ctx)

	s.bufMu.Lock()
	streamers := s.streamers
	s.streamers = nil
	for _, b := range s.buffers {
		b.Clear()
	}
	s.bufMu.Unlock()
	stopStreamers(streamers, s.log())

	s.state.Store(int32(Prepared))
	if err != nil {
		s.log().WithError(err).Warn("Stream stopped with error")
		return err
	}
	s.log().Info("Stream stopped")
	return nil
}

// ReleaseSession stops streaming if needed, closes the transport and drops all
// buffers. Calling it on an unprepared session is a no-op.
func (s *Session) ReleaseSession(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	var errs []error
	if s.State() == Streaming {
		if err := s.stopLocked(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if s.State() == Prepared {
		if err := s.driver.Close(); err != nil {
			errs = append(errs, err)
		}
		s.log().Info("Session released")
	}

	s.bufMu.Lock()
	closeBuffers(s.buffers)
	s.buffers = nil
	s.bufMu.Unlock()

	s.state.Store(int32(Unprepared))
	return errors.Join(errs...)
}

func (s *Session) buffer(op string, preset Preset) (*samplebuf.Buffer, error) {
	if _, ok := s.descriptions.Get(preset); !ok {
		return nil, Errorf(InvalidArguments, op, "board %s has no %s preset", s.driver.Kind(), preset)
	}

	s.bufMu.RLock()
	buf := s.buffers[preset]
	s.bufMu.RUnlock()

	if buf == nil {
		return nil, Errorf(NoDataAvailable, op, "no buffer for %s preset, stream was never started", preset)
	}
	return buf, nil
}

// GetCurrentBoardData returns up to n of the newest rows without consuming them.
func (s *Session) GetCurrentBoardData(n int, preset Preset) (samplebuf.Snapshot, error) {
	buf, err := s.buffer("get current board data", preset)
	if err != nil {
		return samplebuf.Snapshot{}, err
	}
	return buf.Peek(n), nil
}

// GetBoardData removes and returns up to n of the oldest rows. n <= 0 drains everything.
func (s *Session) GetBoardData(n int, preset Preset) (samplebuf.Snapshot, error) {
	buf, err := s.buffer("get board data", preset)
	if err != nil {
		return samplebuf.Snapshot{}, err
	}
	if n <= 0 {
		n = buf.Cap()
	}
	return buf.Drain(n), nil
}

// GetBoardDataCount returns the number of buffered rows for preset.
func (s *Session) GetBoardDataCount(preset Preset) (int, error) {
	buf, err := s.buffer("get board data count", preset)
	if err != nil {
		return 0, err
	}
	return buf.Len(), nil
}

// BufferStats returns the statistics of the preset's current buffer.
func (s *Session) BufferStats(preset Preset) (*samplebuf.Statistics, error) {
	buf, err := s.buffer("buffer stats", preset)
	if err != nil {
		return nil, err
	}
	return buf.Stats(), nil
}

// InsertMarker queues value for the marker channel of the next row of preset.
func (s *Session) InsertMarker(value float64, preset Preset) error {
	const op = "insert marker"
	if value == 0 {
		return Errorf(InvalidArguments, op, "marker value must be non-zero")
	}
	if _, ok := s.descriptions.Get(preset); !ok {
		return Errorf(InvalidArguments, op, "board %s has no %s preset", s.driver.Kind(), preset)
	}
	if s.State() != Streaming {
		return Errorf(BoardNotReady, op, "session is not streaming")
	}

	s.markerMu.Lock()
	s.markers[preset] = append(s.markers[preset], value)
	s.markerMu.Unlock()
	return nil
}

// ConfigBoard forwards a raw command to the board and returns its reply.
func (s *Session) ConfigBoard(ctx context.Context, command string) (string, error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() == Unprepared {
		return "", Errorf(BoardNotReady, "config board", "session is not prepared")
	}
	if s.State() == Streaming {
		s.log().WithField("command", command).Warn("Sending config while streaming, the board may not reply")
	}
	return s.driver.Configure(ctx, command)
}
