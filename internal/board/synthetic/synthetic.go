// Package synthetic implements a software board that produces deterministic test
// waveforms at the nominal sampling rate. It needs no hardware.
package synthetic

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/biolink/internal/board"
)

const (
	waveSamples = 256
	amplitude   = 1000.0
	noiseRatio  = 0.6
	phaseShift  = 0.3

	// SquareMode in InputParams.Other switches EEG channels to a square wave.
	SquareMode = "square"
)

// Option configures a Driver.
type Option func(*Driver)

// WithSeed makes the noise sequence reproducible.
func WithSeed(seed uint64) Option {
	return func(d *Driver) {
		d.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// WithoutNoise disables EEG noise.
func WithoutNoise() Option {
	return func(d *Driver) {
		d.noise = 0
	}
}

// Driver implements board.Driver without any transport.
type Driver struct {
	params board.InputParams
	logger *logrus.Logger
	descs  *board.Descriptions
	main   board.Description
	aux    board.Description

	rng   *rand.Rand
	noise float64
	wave  [waveSamples]float64

	counter  uint8
	positive bool
	period   time.Duration
	next     time.Time

	mainRow []float64
	auxRow  []float64
}

// New creates a synthetic board.
func New(params board.InputParams, logger *logrus.Logger, opts ...Option) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	descs := board.SyntheticDescriptions()
	main, _ := descs.Get(board.DefaultPreset)
	aux, _ := descs.Get(board.AuxiliaryPreset)

	d := &Driver{
		params:  params,
		logger:  logger,
		descs:   descs,
		main:    main,
		aux:     aux,
		rng:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
		noise:   amplitude * noiseRatio / 2,
		period:  time.Second / time.Duration(main.SamplingRate),
		mainRow: main.NewRow(),
		auxRow:  aux.NewRow(),
	}
	for i := range d.wave {
		d.wave[i] = amplitude * math.Sin(1.8*float64(i)*math.Pi/180+phaseShift)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Driver) Kind() board.Kind { return board.SyntheticBoard }

func (d *Driver) Descriptions() *board.Descriptions { return d.descs }

func (d *Driver) Open(context.Context) error {
	d.logger.WithFields(logrus.Fields{
		"board": board.SyntheticBoard.String(),
		"mode":  d.mode(),
	}).Info("Synthetic board ready")
	return nil
}

func (d *Driver) mode() string {
	if d.params.Other == SquareMode {
		return SquareMode
	}
	return "sine"
}

func (d *Driver) StartStreaming(context.Context) error {
	d.counter = 0
	d.positive = true
	d.next = time.Now()
	return nil
}

func (d *Driver) StopStreaming(context.Context) error {
	return nil
}

// ReadUnit waits until the next sample is due and emits one row per preset.
func (d *Driver) ReadUnit(ctx context.Context, emit board.EmitFunc) error {
	if wait := time.Until(d.next); wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
	d.next = d.next.Add(d.period)

	ts := board.Timestamp(board.Now())
	d.fill()
	emit(board.DefaultPreset, ts, d.mainRow)
	emit(board.AuxiliaryPreset, ts, d.auxRow)
	d.counter++
	return nil
}

func (d *Driver) fill() {
	c := float64(d.counter)
	if d.counter%51 == 0 && d.counter != 255 {
		d.positive = !d.positive
	}

	row := d.mainRow
	clear(row)
	row[d.main.PackageChannel] = c
	for _, ch := range d.main.EEGChannels {
		if d.params.Other == SquareMode {
			if d.positive {
				row[ch] = amplitude / 2
			} else {
				row[ch] = -amplitude / 2
			}
			continue
		}
		row[ch] = d.wave[d.counter]
		if d.noise > 0 {
			row[ch] += (d.rng.Float64()*2 - 1) * d.noise
		}
	}
	for _, ch := range d.main.AccelChannels {
		row[ch] = c / 255
	}
	if d.main.BatteryChannel != nil {
		row[*d.main.BatteryChannel] = 100 - c/3
	}
	for _, ch := range d.main.OtherChannels {
		row[ch] = 36 + c/200
	}

	aux := d.auxRow
	clear(aux)
	aux[d.aux.PackageChannel] = c
	for _, ch := range d.aux.PPGChannels {
		aux[ch] = 1000 + c/5
	}
}

// Configure accepts any command and echoes it back.
func (d *Driver) Configure(_ context.Context, command string) (string, error) {
	if command == "" {
		return "", board.Errorf(board.InvalidArguments, "config synthetic", "empty command")
	}
	d.logger.WithField("command", command).Debug("Synthetic board ignoring command")
	return command, nil
}

func (d *Driver) Close() error {
	return nil
}
