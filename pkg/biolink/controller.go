// Package biolink is the process-facing API. A Controller keeps at most one session
// per board identity and routes every call to it.
//
//	c := biolink.New(logger)
//	defer c.ReleaseAll(ctx)
//	params := board.InputParams{SerialPort: "/dev/ttyUSB0"}
//	if err := c.PrepareSession(ctx, board.CytonBoard, params); err != nil {
//	    return err
//	}
//	if err := c.StartStream(ctx, board.CytonBoard, params, 45000); err != nil {
//	    return err
//	}
//	snap, err := c.GetBoardData(board.CytonBoard, params, 0, board.DefaultPreset)
package biolink

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/srg/biolink/internal/board"
	"github.com/srg/biolink/internal/boardfactory"
	"github.com/srg/biolink/internal/samplebuf"
)

// Re-exported so callers outside the module can use the API.
type (
	Kind        = board.Kind
	InputParams = board.InputParams
	Preset      = board.Preset
	Snapshot    = samplebuf.Snapshot
	ExitCode    = board.ExitCode
)

// Option configures a Controller.
type Option func(*Controller)

// WithDriverOptions tunes driver construction (reconnect policy, queue size, seed).
func WithDriverOptions(opts boardfactory.Options) Option {
	return func(c *Controller) {
		c.driverOpts = opts
	}
}

// WithSessionOptions applies opts to every session the controller creates.
func WithSessionOptions(opts ...board.SessionOption) Option {
	return func(c *Controller) {
		c.sessionOpts = append(c.sessionOpts, opts...)
	}
}

// Controller is safe for concurrent use. Calls for different identities do not
// block each other.
type Controller struct {
	logger      *logrus.Logger
	registry    *board.Registry
	driverOpts  boardfactory.Options
	sessionOpts []board.SessionOption
}

// New creates a Controller with an empty registry.
func New(logger *logrus.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Controller{
		logger:   logger,
		registry: board.NewRegistry(logger),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) session(kind Kind, params InputParams) (*board.Session, error) {
	return c.registry.Get(board.NewIdentity(kind, params))
}

// PrepareSession creates the session for kind and params if needed and prepares it.
// Preparing an already prepared session succeeds without I/O. A session that fails
// to prepare is removed again.
func (c *Controller) PrepareSession(ctx context.Context, kind Kind, params InputParams) error {
	if _, err := board.DescribeKind(kind); err != nil {
		return err
	}

	s, err := c.session(kind, params)
	if err != nil {
		s, err = c.registry.Create(kind, params, boardfactory.Constructor(kind, params, c.logger, c.driverOpts), c.sessionOpts...)
		if err != nil {
			return err
		}
	}

	if err := s.PrepareSession(ctx); err != nil {
		if derr := c.registry.Destroy(ctx, s.Identity()); derr != nil {
			c.logger.WithError(derr).WithField("identity", s.Identity().String()).Warn("Failed to drop unprepared session")
		}
		return err
	}
	return nil
}

// IsPrepared reports whether a session exists and is past Unprepared.
func (c *Controller) IsPrepared(kind Kind, params InputParams) bool {
	s, err := c.session(kind, params)
	return err == nil && s.State() != board.Unprepared
}

// StartStream allocates bufferSize rows per preset and starts acquisition.
func (c *Controller) StartStream(ctx context.Context, kind Kind, params InputParams, bufferSize int, streamerURIs ...string) error {
	s, err := c.session(kind, params)
	if err != nil {
		return err
	}
	return s.StartStream(ctx, bufferSize, streamerURIs...)
}

func (c *Controller) StopStream(ctx context.Context, kind Kind, params InputParams) error {
	s, err := c.session(kind, params)
	if err != nil {
		return err
	}
	return s.StopStream(ctx)
}

// ReleaseSession stops and closes the session and removes it.
func (c *Controller) ReleaseSession(ctx context.Context, kind Kind, params InputParams) error {
	return c.registry.Destroy(ctx, board.NewIdentity(kind, params))
}

// ReleaseAll releases every session.
func (c *Controller) ReleaseAll(ctx context.Context) error {
	return c.registry.ReleaseAll(ctx)
}

// GetBoardData drains up to n of the oldest rows. n <= 0 drains everything.
func (c *Controller) GetBoardData(kind Kind, params InputParams, n int, preset Preset) (Snapshot, error) {
	s, err := c.session(kind, params)
	if err != nil {
		return Snapshot{}, err
	}
	return s.GetBoardData(n, preset)
}

// GetCurrentBoardData peeks at the n newest rows.
func (c *Controller) GetCurrentBoardData(kind Kind, params InputParams, n int, preset Preset) (Snapshot, error) {
	s, err := c.session(kind, params)
	if err != nil {
		return Snapshot{}, err
	}
	return s.GetCurrentBoardData(n, preset)
}

func (c *Controller) GetBoardDataCount(kind Kind, params InputParams, preset Preset) (int, error) {
	s, err := c.session(kind, params)
	if err != nil {
		return 0, err
	}
	return s.GetBoardDataCount(preset)
}

// InsertMarker tags the next row of preset with value.
func (c *Controller) InsertMarker(kind Kind, params InputParams, value float64, preset Preset) error {
	s, err := c.session(kind, params)
	if err != nil {
		return err
	}
	return s.InsertMarker(value, preset)
}

// ConfigBoard sends a raw board command and returns the reply.
func (c *Controller) ConfigBoard(ctx context.Context, kind Kind, params InputParams, command string) (string, error) {
	s, err := c.session(kind, params)
	if err != nil {
		return "", err
	}
	return s.ConfigBoard(ctx, command)
}

// Describe returns the row layout of every preset of kind.
func (c *Controller) Describe(kind Kind) (*board.Descriptions, error) {
	return board.DescribeKind(kind)
}

// Sessions lists the identities of the registered sessions.
func (c *Controller) Sessions() []board.Identity {
	return c.registry.Identities()
}
