package board

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// fakeDriver emits one row per preset on every read cycle.
type fakeDriver struct {
	descs *Descriptions

	openErr  error
	startErr error
	stopErr  error

	opens, starts, stops, closes atomic.Int32
	activeReaders, maxReaders    atomic.Int32
	counter                      atomic.Int64

	mu       sync.Mutex
	commands []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{descs: SyntheticDescriptions()}
}

func (f *fakeDriver) Kind() Kind { return SyntheticBoard }

func (f *fakeDriver) Descriptions() *Descriptions { return f.descs }

func (f *fakeDriver) Open(context.Context) error {
	f.opens.Add(1)
	return f.openErr
}

func (f *fakeDriver) Close() error {
	f.closes.Add(1)
	return nil
}

func (f *fakeDriver) StopStreaming(context.Context) error {
	f.stops.Add(1)
	return f.stopErr
}

func (f *fakeDriver) StartStreaming(context.Context) error {
	f.starts.Add(1)
	return f.startErr
}

func (f *fakeDriver) ReadUnit(ctx context.Context, emit EmitFunc) error {
	n := f.activeReaders.Add(1)
	defer f.activeReaders.Add(-1)
	for {
		prev := f.maxReaders.Load()
		if n <= prev || f.maxReaders.CompareAndSwap(prev, n) {
			break
		}
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(time.Millisecond):
	}

	c := float64(f.counter.Add(1))
	for pair := f.descs.Oldest(); pair != nil; pair = pair.Next() {
		row := pair.Value.NewRow()
		row[pair.Value.PackageChannel] = c
		emit(pair.Key, c, row)
	}
	return nil
}

func (f *fakeDriver) Configure(_ context.Context, cmd string) (string, error) {
	if cmd == "" {
		return "", errors.New("empty command")
	}
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	return "ok:" + cmd, nil
}

// captureSink collects streamer output in memory.
type captureSink struct {
	mu  sync.Mutex
	buf []byte
}

func (c *captureSink) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, p...)
	return len(p), nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}
