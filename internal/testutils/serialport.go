//go:build test

package testutils

import (
	"bytes"
	"errors"
	"sync"
	"time"
)

// ErrPortClosed is returned by FakeSerialPort after Close.
var ErrPortClosed = errors.New("fake serial port is closed")

// FakeSerialPort is an in-memory serial port. Writes are recorded and may trigger
// canned replies; reads return queued bytes or (0, nil) when nothing is queued, like a
// real port whose read timeout expired.
type FakeSerialPort struct {
	mu      sync.Mutex
	rx      bytes.Buffer
	written bytes.Buffer
	replies map[string][]byte
	onWrite func(cmd string)

	readTimeout time.Duration
	resets      int
	closed      bool
	writeErr    error
}

// NewFakeSerialPort creates an empty port.
func NewFakeSerialPort() *FakeSerialPort {
	return &FakeSerialPort{replies: make(map[string][]byte)}
}

// Reply queues reply every time cmd is written.
func (p *FakeSerialPort) Reply(cmd string, reply string) *FakeSerialPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[cmd] = []byte(reply)
	return p
}

// OnWrite installs a hook called after every write, outside the port lock.
func (p *FakeSerialPort) OnWrite(fn func(cmd string)) *FakeSerialPort {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onWrite = fn
	return p
}

// FailWrites makes every following write return err.
func (p *FakeSerialPort) FailWrites(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writeErr = err
}

// Feed queues bytes for the reader.
func (p *FakeSerialPort) Feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx.Write(b)
}

// Written returns everything written so far.
func (p *FakeSerialPort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}

// Resets returns how many times the input buffer was flushed.
func (p *FakeSerialPort) Resets() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resets
}

// ReadTimeout returns the last configured read timeout.
func (p *FakeSerialPort) ReadTimeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readTimeout
}

// Closed reports whether Close was called.
func (p *FakeSerialPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *FakeSerialPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if p.rx.Len() == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	defer p.mu.Unlock()
	return p.rx.Read(b)
}

func (p *FakeSerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if p.writeErr != nil {
		err := p.writeErr
		p.mu.Unlock()
		return 0, err
	}
	cmd := string(b)
	p.written.Write(b)
	if reply, ok := p.replies[cmd]; ok {
		p.rx.Write(reply)
	}
	hook := p.onWrite
	p.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}
	return len(b), nil
}

func (p *FakeSerialPort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *FakeSerialPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx.Reset()
	p.resets++
	return nil
}

func (p *FakeSerialPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
