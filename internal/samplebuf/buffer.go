// Package samplebuf implements the fixed-capacity, multi-channel sample ring buffer that
// sits between an acquisition goroutine (single producer) and API readers.
//
// Rows are stored flat in one preallocated slice so Push never allocates. When the
// buffer is full, Push overwrites the oldest row. Peek is non-destructive and returns
// the newest rows; Drain is destructive and returns the oldest rows. Both hand rows
// back oldest-first.
package samplebuf

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidCapacity is returned when the requested capacity is not positive or
	// exceeds the configured ceiling.
	ErrInvalidCapacity = errors.New("invalid buffer capacity")
	// ErrInvalidShape is returned when the channel count is not positive.
	ErrInvalidShape = errors.New("invalid channel count")
	// ErrShapeMismatch is returned by Push when the row width differs from the buffer's.
	ErrShapeMismatch = errors.New("row width does not match buffer channel count")
)

// Buffer is a mutex-guarded circular store of fixed-width rows with capture timestamps.
type Buffer struct {
	mu sync.Mutex

	channels int
	capacity int

	data []float64 // capacity*channels, row-major
	ts   []float64

	head  int // next write slot
	count int

	stats   *Statistics
	metrics *bufferMetrics
}

// New creates a buffer holding up to capacity rows of the given width.
func New(channels, capacity int, options ...Option) (*Buffer, error) {
	opts := applyOptions(options...)

	if channels <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidShape, channels)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d must be > 0", ErrInvalidCapacity, capacity)
	}
	if opts.maxCapacity > 0 && capacity > opts.maxCapacity {
		return nil, fmt.Errorf("%w: %d exceeds maximum %d", ErrInvalidCapacity, capacity, opts.maxCapacity)
	}

	b := &Buffer{
		channels: channels,
		capacity: capacity,
		data:     make([]float64, channels*capacity),
		ts:       make([]float64, capacity),
		stats:    NewStatistics(),
	}

	if opts.registerer != nil {
		m, err := newBufferMetrics(opts.registerer, opts.metricsPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to register buffer metrics: %w", err)
		}
		b.metrics = m
	}

	return b, nil
}

// Push appends one row. It never blocks on readers beyond the buffer mutex and never
// allocates. When the buffer is full the oldest row is overwritten.
func (b *Buffer) Push(timestamp float64, row []float64) error {
	if len(row) != b.channels {
		return fmt.Errorf("%w: got %d, want %d", ErrShapeMismatch, len(row), b.channels)
	}

	b.mu.Lock()
	copy(b.data[b.head*b.channels:(b.head+1)*b.channels], row)
	b.ts[b.head] = timestamp
	b.head = (b.head + 1) % b.capacity

	overwritten := b.count == b.capacity
	if !overwritten {
		b.count++
	}
	size := b.count
	m := b.metrics
	b.mu.Unlock()

	b.stats.Write()
	if overwritten {
		b.stats.Overwrite()
	}
	b.stats.UpdateSize(int64(size))

	if m != nil {
		m.recordWrite(size, b.capacity)
		if overwritten {
			m.recordOverwrite()
		}
	}
	return nil
}

// Peek returns up to k of the newest rows, oldest-first, without consuming them.
func (b *Buffer) Peek(k int) Snapshot {
	b.mu.Lock()
	k = clamp(k, b.count)
	start := (b.head - k + b.capacity) % b.capacity
	snap := b.copyOut(start, k)
	m := b.metrics
	b.mu.Unlock()

	b.stats.Peek()
	if m != nil {
		m.recordPeek()
	}
	return snap
}

// Drain removes and returns up to k of the oldest rows, oldest-first.
func (b *Buffer) Drain(k int) Snapshot {
	b.mu.Lock()
	k = clamp(k, b.count)
	start := (b.head - b.count + b.capacity) % b.capacity
	snap := b.copyOut(start, k)
	b.count -= k
	size := b.count
	m := b.metrics
	b.mu.Unlock()

	b.stats.Read()
	b.stats.UpdateSize(int64(size))
	if m != nil {
		m.recordRead(size, b.capacity)
	}
	return snap
}

// Clear drops all rows. Capacity and width are kept.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.head = 0
	b.count = 0
	m := b.metrics
	b.mu.Unlock()

	b.stats.UpdateSize(0)
	if m != nil {
		m.updateSize(0, b.capacity)
	}
}

// Len returns the number of rows currently stored.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the buffer capacity in rows.
func (b *Buffer) Cap() int {
	return b.capacity
}

// Channels returns the row width.
func (b *Buffer) Channels() int {
	return b.channels
}

// Stats returns the always-on statistics tracker.
func (b *Buffer) Stats() *Statistics {
	return b.stats
}

// Close releases Prometheus collectors registered for this buffer.
func (b *Buffer) Close() {
	b.mu.Lock()
	m := b.metrics
	b.metrics = nil
	b.mu.Unlock()

	if m != nil {
		m.unregister()
	}
}

// copyOut must be called with b.mu held.
func (b *Buffer) copyOut(start, k int) Snapshot {
	snap := Snapshot{
		Rows:       make([][]float64, k),
		Timestamps: make([]float64, k),
	}
	for i := 0; i < k; i++ {
		slot := (start + i) % b.capacity
		row := make([]float64, b.channels)
		copy(row, b.data[slot*b.channels:(slot+1)*b.channels])
		snap.Rows[i] = row
		snap.Timestamps[i] = b.ts[slot]
	}
	return snap
}

func clamp(k, n int) int {
	if k < 0 {
		return 0
	}
	if k > n {
		return n
	}
	return k
}
