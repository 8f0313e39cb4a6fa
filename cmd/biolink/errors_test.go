package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/biolink/internal/board"
	"github.com/srg/biolink/internal/gate"
	"github.com/srg/biolink/internal/transport/goble"
)

var errNoHCI = errors.New("can't init hci: no devices available")

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "nil",
			err:      nil,
			expected: "",
		},
		{
			name:     "plain error passes through",
			err:      errors.New("boom"),
			expected: "boom",
		},
		{
			name:     "board error carries its code",
			err:      board.Errorf(board.StreamNotRunning, "stop stream", "nothing to stop"),
			expected: "stop stream: STREAM_THREAD_IS_NOT_RUNNING: nothing to stop [code 11]",
		},
		{
			name:     "wrapped port error gets a hint",
			err:      fmt.Errorf("prepare: %w", board.Errorf(board.UnableToOpenPort, "open cyton", "no such file")),
			expected: "prepare: open cyton: UNABLE_TO_OPEN_PORT: no such file [code 2] (check the --port path and that you may open it)",
		},
		{
			name:     "handshake timeout",
			err:      board.NewError(board.SyncTimeout, "open ganglion", fmt.Errorf("%w: step Connecting after 15s", gate.ErrTimeout)),
			expected: "open ganglion: SYNC_TIMEOUT: callback gate timed out: step Connecting after 15s [code 18] (the board did not answer in time; is it powered on and in range?)",
		},
		{
			name:     "bluetooth off",
			err:      goble.NormalizeError(errNoHCI),
			expected: goble.NormalizeError(errNoHCI).Error() + " (turn Bluetooth on and check adapter permissions)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatUserError(tt.err))
		})
	}
}
