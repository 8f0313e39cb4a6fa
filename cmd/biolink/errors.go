package main

import (
	"errors"
	"fmt"

	"github.com/srg/biolink/internal/board"
	"github.com/srg/biolink/internal/gate"
	"github.com/srg/biolink/internal/transport/goble"
)

// FormatUserError turns err into a one-line message with a hint where one helps.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}

	var hint string
	switch {
	case errors.Is(err, goble.ErrBluetoothOff):
		hint = "turn Bluetooth on and check adapter permissions"
	case errors.Is(err, board.ErrPortAlreadyOpen):
		hint = "another program holds the serial port"
	case errors.Is(err, board.ErrUnableToOpenPort):
		hint = "check the --port path and that you may open it"
	case errors.Is(err, gate.ErrTimeout):
		hint = "the board did not answer in time; is it powered on and in range?"
	case errors.Is(err, board.ErrInvalidMac):
		hint = "MAC addresses look like C4:5A:11:22:33:44"
	case errors.Is(err, board.ErrUnsupportedBoard):
		hint = "supported boards: cyton, ganglion, synthetic"
	}

	msg := err.Error()
	var be *board.Error
	if errors.As(err, &be) {
		msg = fmt.Sprintf("%s [code %d]", msg, int(be.Code))
	}
	if hint != "" {
		msg += " (" + hint + ")"
	}
	return msg
}
