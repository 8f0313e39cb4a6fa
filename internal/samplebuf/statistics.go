package samplebuf

import (
	"sync/atomic"
)

// Statistics tracks buffer activity. Always collected, independent of Prometheus.
type Statistics struct {
	writes     int64
	reads      int64
	peeks      int64
	overwrites int64

	currentSize int64
	maxSize     int64
}

// NewStatistics creates a zeroed statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

// Write records a push.
func (s *Statistics) Write() { atomic.AddInt64(&s.writes, 1) }

// Read records a drain.
func (s *Statistics) Read() { atomic.AddInt64(&s.reads, 1) }

// Peek records a peek.
func (s *Statistics) Peek() { atomic.AddInt64(&s.peeks, 1) }

// Overwrite records a row lost to overflow.
func (s *Statistics) Overwrite() { atomic.AddInt64(&s.overwrites, 1) }

// UpdateSize records the current fill count and tracks the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	atomic.StoreInt64(&s.currentSize, size)
	for {
		prev := atomic.LoadInt64(&s.maxSize)
		if size <= prev || atomic.CompareAndSwapInt64(&s.maxSize, prev, size) {
			return
		}
	}
}

// Writes returns the number of pushes.
func (s *Statistics) Writes() int64 { return atomic.LoadInt64(&s.writes) }

// Reads returns the number of drains.
func (s *Statistics) Reads() int64 { return atomic.LoadInt64(&s.reads) }

// Peeks returns the number of peeks.
func (s *Statistics) Peeks() int64 { return atomic.LoadInt64(&s.peeks) }

// Overwrites returns the number of rows lost to overflow.
func (s *Statistics) Overwrites() int64 { return atomic.LoadInt64(&s.overwrites) }

// CurrentSize returns the last recorded fill count.
func (s *Statistics) CurrentSize() int64 { return atomic.LoadInt64(&s.currentSize) }

// MaxSize returns the high-water fill count.
func (s *Statistics) MaxSize() int64 { return atomic.LoadInt64(&s.maxSize) }
