// Package cyton drives the 8-channel OpenBCI Cyton board over its serial dongle.
package cyton

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/biolink/internal/board"
	"github.com/srg/biolink/internal/frame"
)

const (
	// DefaultHandshakeTimeout is the read timeout used while talking to the board
	// outside of streaming.
	DefaultHandshakeTimeout = time.Second
	// PollInterval bounds a single streaming read, so the acquisition loop can observe
	// its stop signal.
	PollInterval = 100 * time.Millisecond

	maxPromptBytes = 500
	maxEmptyReads  = 5

	chunkSize   = frame.CytonPacketSize * 16
	stagingSize = frame.CytonPacketSize * 64
)

var prompt = []byte("$$$")

// Driver implements board.Driver for the Cyton.
type Driver struct {
	params board.InputParams
	logger *logrus.Logger
	descs  *board.Descriptions
	desc   board.Description

	// mu serializes writes and guards the decoder gains.
	mu        sync.Mutex
	port      Port
	decoder   *frame.CytonDecoder
	streaming atomic.Bool

	staging *ringbuffer.RingBuffer
	chunk   []byte
	packet  [frame.CytonPacketSize]byte
	fill    int
	row     []float64

	framingErrors atomic.Uint64
}

// New creates a driver for params.SerialPort. The port is not touched until Open.
func New(params board.InputParams, logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	desc := board.CytonDescription()
	return &Driver{
		params:  params,
		logger:  logger,
		descs:   board.NewDescriptions(desc),
		desc:    desc,
		decoder: frame.NewCytonDecoder(),
		staging: ringbuffer.New(stagingSize),
		chunk:   make([]byte, chunkSize),
		row:     desc.NewRow(),
	}
}

func (d *Driver) Kind() board.Kind { return board.CytonBoard }

func (d *Driver) Descriptions() *board.Descriptions { return d.descs }

// FramingErrors returns the number of packets dropped for bad markers.
func (d *Driver) FramingErrors() uint64 {
	return d.framingErrors.Load()
}

func (d *Driver) log() *logrus.Entry {
	return d.logger.WithFields(logrus.Fields{
		"board": board.CytonBoard.String(),
		"port":  d.params.SerialPort,
	})
}

func (d *Driver) handshakeTimeout() time.Duration {
	if d.params.Timeout > 0 {
		return d.params.Timeout
	}
	return DefaultHandshakeTimeout
}

// Open opens the serial port, checks that the board answers with its prompt and
// restores default channel settings.
func (d *Driver) Open(ctx context.Context) error {
	const op = "open cyton"

	if d.params.SerialPort == "" {
		return board.Errorf(board.InvalidArguments, op, "serial port is required")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port != nil {
		return board.Errorf(board.PortAlreadyOpen, op, "port %s is already open", d.params.SerialPort)
	}

	port, err := PortFactory(d.params.SerialPort)
	if err != nil {
		if IsPortBusy(err) {
			return board.NewError(board.PortAlreadyOpen, op, err)
		}
		return board.NewError(board.UnableToOpenPort, op, err)
	}
	d.port = port
	d.log().Debug("Serial port opened")

	if err := port.SetReadTimeout(d.handshakeTimeout()); err != nil {
		return board.NewError(board.SetPortError, op, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		return board.NewError(board.SetPortError, op, err)
	}

	if err := d.writeLocked(op, "v"); err != nil {
		return err
	}
	banner, err := d.readPromptLocked(ctx, op)
	if err != nil {
		return err
	}
	d.log().WithField("banner", string(bytes.TrimSpace(banner))).Debug("Board answered")

	reply, err := d.commandLocked(ctx, op, "d")
	if err != nil {
		return err
	}
	if bytes.HasPrefix(reply, []byte("Failure")) {
		return board.Errorf(board.BoardNotReady, op, "board rejected default settings: %s", bytes.TrimSpace(reply))
	}
	d.resetGainsLocked()

	d.log().Info("Cyton ready")
	return nil
}

func (d *Driver) writeLocked(op, cmd string) error {
	if d.port == nil {
		return board.Errorf(board.BoardNotReady, op, "port is not open")
	}
	if _, err := d.port.Write([]byte(cmd)); err != nil {
		return board.NewError(board.BoardWriteError, op, err)
	}
	d.log().WithField("command", cmd).Debug("Sent command")
	return nil
}

// readPromptLocked collects bytes until the board's "$$$" prompt.
func (d *Driver) readPromptLocked(ctx context.Context, op string) ([]byte, error) {
	var (
		reply []byte
		buf   [64]byte
		empty int
	)
	for len(reply) < maxPromptBytes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := d.port.Read(buf[:])
		if err != nil {
			return nil, board.NewError(board.IncomingMsgError, op, err)
		}
		if n == 0 {
			empty++
			if empty > maxEmptyReads {
				return nil, board.Errorf(board.BoardNotReady, op, "no prompt after %d empty reads", empty)
			}
			continue
		}
		empty = 0
		reply = append(reply, buf[:n]...)
		if i := bytes.Index(reply, prompt); i >= 0 {
			return reply[:i], nil
		}
	}
	return nil, board.Errorf(board.BoardNotReady, op, "no prompt within %d bytes", maxPromptBytes)
}

func (d *Driver) commandLocked(ctx context.Context, op, cmd string) ([]byte, error) {
	if err := d.writeLocked(op, cmd); err != nil {
		return nil, err
	}
	return d.readPromptLocked(ctx, op)
}

func (d *Driver) resetGainsLocked() {
	for ch := 0; ch < frame.CytonEEGChannels; ch++ {
		d.decoder.SetGain(ch, frame.DefaultCytonGain)
	}
}

// StartStreaming switches the port to short reads and sends "b".
func (d *Driver) StartStreaming(context.Context) error {
	const op = "start cyton stream"
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return board.Errorf(board.BoardNotReady, op, "port is not open")
	}
	if err := d.port.SetReadTimeout(PollInterval); err != nil {
		return board.NewError(board.SetPortError, op, err)
	}
	d.staging.Reset()
	d.fill = 0
	if err := d.writeLocked(op, "b"); err != nil {
		return err
	}
	d.streaming.Store(true)
	return nil
}

// StopStreaming sends "s" and discards whatever the board already sent.
func (d *Driver) StopStreaming(context.Context) error {
	const op = "stop cyton stream"
	d.mu.Lock()
	defer d.mu.Unlock()

	d.streaming.Store(false)
	if d.port == nil {
		return nil
	}

	err := d.writeLocked(op, "s")
	if rerr := d.port.SetReadTimeout(d.handshakeTimeout()); rerr != nil && err == nil {
		err = board.NewError(board.SetPortError, op, rerr)
	}
	if rerr := d.port.ResetInputBuffer(); rerr != nil {
		d.log().WithError(rerr).Warn("Failed to flush input after stop")
	}
	d.staging.Reset()
	d.fill = 0
	return err
}

// ReadUnit reads whatever arrived within PollInterval and emits every complete packet.
// Packets with bad markers are dropped and the stream resynchronizes on the next
// START byte.
func (d *Driver) ReadUnit(ctx context.Context, emit board.EmitFunc) error {
	if d.port == nil {
		return board.Errorf(board.BoardNotReady, "read cyton", "port is not open")
	}

	n, err := d.port.Read(d.chunk)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return board.NewError(board.IncomingMsgError, "read cyton", err)
	}
	if n == 0 {
		return nil
	}
	ts := board.Timestamp(board.Now())

	if _, err := d.staging.Write(d.chunk[:n]); err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return board.NewError(board.IncomingMsgError, "stage cyton bytes", err)
	}

	for d.nextPacket() {
		d.mu.Lock()
		sample, err := d.decoder.Decode(d.packet[:])
		d.mu.Unlock()
		if err != nil {
			d.framingErrors.Add(1)
			d.log().WithError(err).Warn("Dropping malformed packet")
			d.resync()
			continue
		}
		d.fill = 0
		d.fillRow(sample)
		emit(board.DefaultPreset, ts, d.row)
	}
	return nil
}

// nextPacket assembles bytes from the staging buffer into d.packet. It reports true
// once a full packet starting with the START byte is available.
func (d *Driver) nextPacket() bool {
	for {
		if d.fill == 0 {
			b, err := d.staging.ReadByte()
			if err != nil {
				return false
			}
			if b != frame.CytonStartByte {
				continue
			}
			d.packet[0] = b
			d.fill = 1
		}
		if d.fill == frame.CytonPacketSize {
			return true
		}
		n, err := d.staging.Read(d.packet[d.fill:])
		d.fill += n
		if err != nil || d.fill < frame.CytonPacketSize {
			return d.fill == frame.CytonPacketSize
		}
	}
}

// resync drops the START byte of a rejected packet and moves the next candidate START
// byte to the front.
func (d *Driver) resync() {
	i := bytes.IndexByte(d.packet[1:d.fill], frame.CytonStartByte)
	if i < 0 {
		d.fill = 0
		return
	}
	i++
	d.fill = copy(d.packet[:], d.packet[i:d.fill])
}

func (d *Driver) fillRow(s frame.CytonSample) {
	row := d.row
	clear(row)
	row[d.desc.PackageChannel] = float64(s.Counter)
	for i, ch := range d.desc.EEGChannels {
		row[ch] = s.EEG[i]
	}
	for i, ch := range d.desc.AccelChannels {
		row[ch] = s.Accel[i]
	}
	for i, ch := range d.desc.OtherChannels {
		row[ch] = s.Other[i]
	}
	for i, ch := range d.desc.AnalogChannels {
		row[ch] = s.Analog[i]
	}
}

// Configure sends a raw command. Channel setting commands update the EEG scales. While
// streaming the board's reply would interleave with packets, so no reply is read.
func (d *Driver) Configure(ctx context.Context, command string) (string, error) {
	const op = "config cyton"
	if command == "" {
		return "", board.Errorf(board.InvalidArguments, op, "empty command")
	}

	gains, reset, err := ParseChannelSettings(command)
	if err != nil {
		return "", board.NewError(board.InvalidArguments, op, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.writeLocked(op, command); err != nil {
		return "", err
	}

	if reset {
		d.resetGainsLocked()
	}
	for ch, gain := range gains {
		d.decoder.SetGain(ch, gain)
		d.log().WithFields(logrus.Fields{"channel": ch + 1, "gain": gain}).Debug("Channel gain updated")
	}

	if d.streaming.Load() {
		return "", nil
	}
	reply, err := d.readPromptLocked(ctx, op)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// Close stops a running stream best-effort and closes the port.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.port == nil {
		return nil
	}
	if d.streaming.Swap(false) {
		_, _ = d.port.Write([]byte("s"))
	}
	err := d.port.Close()
	d.port = nil
	if err != nil {
		return fmt.Errorf("failed to close %s: %w", d.params.SerialPort, err)
	}
	d.log().Debug("Serial port closed")
	return nil
}
