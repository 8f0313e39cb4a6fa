package board

import (
	"context"
	"time"
)

// Now is the capture clock used by drivers. Tests may replace it.
var Now = time.Now

// Timestamp converts t into the Unix seconds used for row timestamps.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// EmitFunc receives one decoded row for preset, stamped with the capture time in
// Unix seconds. The row is only valid for the duration of the call.
type EmitFunc func(preset Preset, timestamp float64, row []float64)

// Driver is the device-specific half of a session. A Session drives it through
// Open → StartStreaming → ReadUnit* → StopStreaming → Close and guarantees the calls
// never overlap, except ReadUnit which runs on the acquisition goroutine while
// Configure may be called from the API side.
type Driver interface {
	// Kind reports the board this driver talks to.
	Kind() Kind

	// Descriptions returns the row layout of every preset the board produces.
	Descriptions() *Descriptions

	// Open acquires the transport and performs the addressing handshake.
	Open(ctx context.Context) error

	// StartStreaming completes any remaining handshake and tells the board to stream.
	StartStreaming(ctx context.Context) error

	// ReadUnit performs one bounded read cycle and emits every row it decoded. It
	// returns nil with no rows when nothing arrived within its poll interval, so the
	// caller can observe cancellation.
	ReadUnit(ctx context.Context, emit EmitFunc) error

	// StopStreaming tells the board to stop and discards transport-side queues.
	StopStreaming(ctx context.Context) error

	// Configure sends a raw board command and returns the board's reply, if any.
	Configure(ctx context.Context, command string) (string, error)

	// Close releases the transport. It is safe to call on a driver that never opened.
	Close() error
}
