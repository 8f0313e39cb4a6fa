// Package emulator serves the Cyton serial protocol on a pseudo-terminal, so the
// Cyton driver can be exercised without hardware.
package emulator

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/biolink/internal/frame"
	"github.com/srg/biolink/internal/groutine"
	"github.com/srg/biolink/internal/ptyio"
)

const (
	// Banner is the reply to "v".
	Banner = "OpenBCI Emulator $$$"
	// DefaultsReply is the reply to "d".
	DefaultsReply = "Success: channels reset to default$$$"
	// DefaultRate is the packet rate while streaming, in Hz.
	DefaultRate = 250.0

	waveAmplitude = 20000
	wavePeriod    = 250
	maxCommandLen = 16
)

// Option configures a Cyton emulator.
type Option func(*Cyton)

// WithRate sets the packet rate while streaming.
func WithRate(hz float64) Option {
	return func(c *Cyton) {
		if hz > 0 {
			c.rate = hz
		}
	}
}

// WithPTYOptions overrides the pty settings.
func WithPTYOptions(opts ptyio.Options) Option {
	return func(c *Cyton) {
		c.ptyOpts = opts
	}
}

// Cyton emulates an 8-channel Cyton board: "v" prints the banner, "d" resets
// channel settings, "b" and "s" start and stop 33-byte packets, "x...X" channel
// settings are acknowledged.
type Cyton struct {
	logger  *logrus.Logger
	rate    float64
	ptyOpts ptyio.Options
	pty     *ptyio.PTY

	mu         sync.Mutex
	command    []byte
	collecting bool
	stop       context.CancelFunc
	done       <-chan struct{}
	packets    uint64
}

// NewCyton opens a pty pair and starts serving. Clients connect to TTYName().
func NewCyton(logger *logrus.Logger, opts ...Option) (*Cyton, error) {
	if logger == nil {
		logger = logrus.New()
	}
	c := &Cyton{logger: logger, rate: DefaultRate}
	for _, opt := range opts {
		opt(c)
	}
	if c.ptyOpts.Logger == nil {
		c.ptyOpts.Logger = logger
	}

	p, err := ptyio.Open(c.ptyOpts)
	if err != nil {
		return nil, err
	}
	c.pty = p
	p.SetReadCallback(c.handle)

	logger.WithFields(logrus.Fields{"tty": p.TTYName(), "rate": c.rate}).Info("Cyton emulator ready")
	return c, nil
}

// TTYName is the serial port path to open.
func (c *Cyton) TTYName() string {
	return c.pty.TTYName()
}

// Packets reports how many data packets were queued since the emulator started.
func (c *Cyton) Packets() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets
}

// handle runs on the pty read loop.
func (c *Cyton) handle(data []byte) {
	for _, b := range data {
		if reply, ok := c.feed(b); ok && reply != "" {
			c.reply(reply)
		}
	}
}

// feed consumes one command byte and returns the reply to send, if any.
func (c *Cyton) feed(b byte) (string, bool) {
	c.mu.Lock()
	if c.collecting {
		c.command = append(c.command, b)
		if b != 'X' && len(c.command) < maxCommandLen {
			c.mu.Unlock()
			return "", false
		}
		cmd := string(c.command)
		c.collecting, c.command = false, c.command[:0]
		streaming := c.stop != nil
		c.mu.Unlock()
		return channelReply(cmd, streaming), true
	}
	c.mu.Unlock()

	switch b {
	case 'v':
		c.stopStreaming()
		return Banner, true
	case 'd':
		return DefaultsReply, true
	case 'b':
		c.startStreaming()
		return "", true
	case 's':
		c.stopStreaming()
		return "", true
	case 'x':
		c.mu.Lock()
		c.collecting = true
		c.command = append(c.command[:0], b)
		c.mu.Unlock()
		return "", false
	case '\r', '\n':
		return "", false
	default:
		c.logger.WithField("command", string(b)).Debug("Emulator ignores unsupported command")
		return "", false
	}
}

// channelReply acknowledges an x<ch>...X command. The board stays silent while
// streaming.
func channelReply(cmd string, streaming bool) string {
	if streaming {
		return ""
	}
	if len(cmd) != 9 || cmd[8] != 'X' {
		return "Failure: too few chars$$$"
	}
	return fmt.Sprintf("Success: Channel set for %c$$$", cmd[1])
}

func (c *Cyton) reply(s string) {
	if _, err := c.pty.Write([]byte(s)); err != nil {
		c.logger.WithError(err).Warn("Emulator reply failed")
	}
}

func (c *Cyton) startStreaming() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stop != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.stop = cancel
	c.done = groutine.Go(ctx, "cyton-emulator-stream", c.stream)
	c.logger.Debug("Emulator streaming started")
}

func (c *Cyton) stopStreaming() {
	c.mu.Lock()
	stop, done := c.stop, c.done
	c.stop, c.done = nil, nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
	c.logger.Debug("Emulator streaming stopped")
}

func (c *Cyton) stream(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / c.rate))
	defer ticker.Stop()

	packet := make([]byte, frame.CytonPacketSize)
	var counter uint8
	var step int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame.EncodeCyton(packet, counter, sineCounts(step), accelCounts(), frame.CytonEndStandard)
		if _, err := c.pty.Write(packet); err != nil {
			c.logger.WithError(err).Debug("Emulator stream write failed")
			return
		}

		c.mu.Lock()
		c.packets++
		c.mu.Unlock()
		counter++
		step++
	}
}

// sineCounts returns raw ADS1299 counts for step, each channel phase-shifted.
func sineCounts(step int) [frame.CytonEEGChannels]int32 {
	var out [frame.CytonEEGChannels]int32
	for ch := range out {
		phase := 2*math.Pi*float64(step%wavePeriod)/wavePeriod + float64(ch)*0.3
		out[ch] = int32(waveAmplitude * math.Sin(phase))
	}
	return out
}

// accelCounts reports a board lying flat: 1 g on Z.
func accelCounts() [6]byte {
	z := uint16(math.Round(1 / frame.CytonAccelScale))
	return [6]byte{0, 0, 0, 0, byte(z >> 8), byte(z)}
}

// Close stops streaming and tears down the pty.
func (c *Cyton) Close() error {
	c.stopStreaming()
	return c.pty.Close()
}
