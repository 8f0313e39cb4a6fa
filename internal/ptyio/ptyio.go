// Package ptyio wraps the master side of a pseudo-terminal pair for device
// emulation. Writes are queued in a ring buffer and flushed by a background loop;
// bytes written by the program on the slave side are handed to a read callback.
//
//	p, err := ptyio.Open(ptyio.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//	p.SetReadCallback(func(data []byte) { ... })
//	fmt.Println(p.TTYName()) // "/dev/pts/5"
//
// Both loops wait with unix.Poll bounded by PollTimeout, so Close returns within
// roughly one poll interval.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/biolink/internal/groutine"
)

const (
	DefaultWriteCap    = 64 * 1024
	DefaultPollTimeout = 20 * time.Millisecond
)

// ReadCallback receives bytes written to the slave. It runs on the read loop and
// must not retain data.
type ReadCallback func(data []byte)

// Options configures Open. Zero values select defaults.
type Options struct {
	WriteCap    int
	PollTimeout time.Duration
	Logger      *logrus.Logger
}

// Stats are runtime counters of a PTY.
type Stats struct {
	WriteQueueLen   int
	WriteQueueCap   int
	DroppedWrite    uint64
	ReadBytesTotal  uint64
	WriteBytesTotal uint64
}

// PTY is the master side of an open pseudo-terminal pair.
type PTY struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	ttyName     string
	pollTimeout int

	writeBuf    *ringbuffer.RingBuffer
	writeNotify chan struct{}
	readCb      atomic.Pointer[ReadCallback]

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	droppedWrite uint64
	readBytes    uint64
	writeBytes   uint64
}

var _ io.WriteCloser = (*PTY)(nil)

// Open creates a pty pair with the slave in raw mode and starts the I/O loops.
func Open(opts Options) (*PTY, error) {
	if opts.WriteCap <= 0 {
		opts.WriteCap = DefaultWriteCap
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}

	master, slave, err := openPair()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		logger:      opts.Logger,
		master:      master,
		slave:       slave,
		ttyName:     slave.Name(),
		pollTimeout: int(opts.PollTimeout / time.Millisecond),
		writeBuf:    ringbuffer.New(opts.WriteCap),
		writeNotify: make(chan struct{}, 1),
		cancel:      cancel,
	}

	p.wg.Add(2)
	groutine.Go(ctx, "pty-read-loop", p.readLoop)
	groutine.Go(ctx, "pty-write-loop", p.writeLoop)
	return p, nil
}

func openPair() (master, slave *os.File, err error) {
	master, slave, err = pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create PTY (check permissions and available PTY devices): %w", err)
	}

	fail := func(step string, cause error) (*os.File, *os.File, error) {
		path := slave.Name()
		err := errors.Join(master.Close(), slave.Close())
		if err != nil {
			return nil, nil, fmt.Errorf("failed to %s %s: %w (cleanup errors: %v)", step, path, cause, err)
		}
		return nil, nil, fmt.Errorf("failed to %s %s: %w", step, path, cause)
	}

	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("set raw mode on", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("set nonblocking mode on master of", err)
	}
	return master, slave, nil
}

// TTYName is the slave device path a serial client opens.
func (p *PTY) TTYName() string {
	return p.ttyName
}

// SetReadCallback sets, or with nil clears, the callback for bytes from the slave.
func (p *PTY) SetReadCallback(cb ReadCallback) {
	if cb == nil {
		p.readCb.Store(nil)
		return
	}
	p.readCb.Store(&cb)
}

// Write queues data for the slave and never blocks. When the queue is full the
// excess is dropped and n < len(data).
func (p *PTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}

	n, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		dropped := len(data) - n
		atomic.AddUint64(&p.droppedWrite, uint64(dropped))
		p.logger.WithFields(logrus.Fields{"dropped": dropped, "queued": n}).Warn("PTY write queue overflow")
	}

	select {
	case p.writeNotify <- struct{}{}:
	default:
	}
	return n, nil
}

func (p *PTY) readLoop(ctx context.Context) {
	defer p.wg.Done()

	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, p.pollTimeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.WithError(err).Warn("PTY read poll failed")
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			atomic.AddUint64(&p.readBytes, uint64(n))
			if cb := p.readCb.Load(); cb != nil {
				(*cb)(buf[:n])
			}
		}
		switch {
		case err == nil, errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF), errors.Is(err, io.EOF):
			p.logger.Debug("PTY read loop exiting")
			return
		case errors.Is(err, syscall.EIO):
			// No slave is open; wait for a client instead of spinning.
			time.Sleep(time.Duration(p.pollTimeout) * time.Millisecond)
		default:
			p.logger.WithError(err).Warn("PTY read loop exiting on error")
			return
		}
	}
}

func (p *PTY) writeLoop(ctx context.Context) {
	defer p.wg.Done()

	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)
	wait := time.Duration(p.pollTimeout) * time.Millisecond

	for {
		if p.writeBuf.IsEmpty() {
			select {
			case <-ctx.Done():
				return
			case <-p.writeNotify:
			case <-time.After(wait):
			}
			continue
		}

		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.WithError(err).Warn("PTY write queue read failed")
			continue
		}

		for off := 0; off < n; {
			if ctx.Err() != nil {
				return
			}
			written, err := master.Write(buf[off:n])
			if written > 0 {
				off += written
				atomic.AddUint64(&p.writeBytes, uint64(written))
			}
			switch {
			case err == nil, errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, p.pollTimeout); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.WithError(perr).Warn("PTY write poll failed")
				}
			case errors.Is(err, os.ErrClosed), errors.Is(err, syscall.EBADF):
				p.logger.Debug("PTY write loop exiting")
				return
			default:
				p.logger.WithError(err).Warn("PTY write loop exiting on error")
				return
			}
		}
	}
}

// Close stops the loops and closes both ends.
func (p *PTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	p.wg.Wait()
	return errors.Join(p.master.Close(), p.slave.Close())
}

// Stats returns instantaneous counters.
func (p *PTY) Stats() Stats {
	return Stats{
		WriteQueueLen:   p.writeBuf.Length(),
		WriteQueueCap:   p.writeBuf.Capacity(),
		DroppedWrite:    atomic.LoadUint64(&p.droppedWrite),
		ReadBytesTotal:  atomic.LoadUint64(&p.readBytes),
		WriteBytesTotal: atomic.LoadUint64(&p.writeBytes),
	}
}
