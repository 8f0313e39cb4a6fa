// Package boardfactory builds board drivers by kind with their production
// transports.
package boardfactory

import (
	"github.com/sirupsen/logrus"

	"github.com/srg/biolink/internal/backoff"
	"github.com/srg/biolink/internal/board"
	"github.com/srg/biolink/internal/board/cyton"
	"github.com/srg/biolink/internal/board/ganglion"
	"github.com/srg/biolink/internal/board/synthetic"
	"github.com/srg/biolink/internal/transport/goble"
)

// Options tune driver construction. The zero value selects defaults.
type Options struct {
	Reconnect     *backoff.Policy
	QueueCapacity int
	Seed          *uint64
}

// NewDriver creates the driver for kind. It is a variable so that tests can
// substitute fakes.
//
//nolint:gochecknoglobals // overridable for tests
var NewDriver = func(kind board.Kind, params board.InputParams, logger *logrus.Logger, opts Options) (board.Driver, error) {
	switch kind {
	case board.CytonBoard:
		return cyton.New(params, logger), nil

	case board.GanglionBoard:
		var gopts []ganglion.Option
		if opts.Reconnect != nil {
			gopts = append(gopts, ganglion.WithReconnectPolicy(*opts.Reconnect))
		}
		if opts.QueueCapacity > 0 {
			gopts = append(gopts, ganglion.WithQueueCapacity(opts.QueueCapacity))
		}
		return ganglion.New(params, goble.New(logger), logger, gopts...), nil

	case board.SyntheticBoard:
		var sopts []synthetic.Option
		if opts.Seed != nil {
			sopts = append(sopts, synthetic.WithSeed(*opts.Seed))
		}
		return synthetic.New(params, logger, sopts...), nil
	}
	return nil, board.Errorf(board.UnsupportedBoard, "create driver", "unsupported board %v", kind)
}

// Constructor binds NewDriver to one board, in the form board.Registry.Create takes.
func Constructor(kind board.Kind, params board.InputParams, logger *logrus.Logger, opts Options) func() (board.Driver, error) {
	return func() (board.Driver, error) {
		return NewDriver(kind, params, logger, opts)
	}
}
