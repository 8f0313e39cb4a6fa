package cyton

import (
	"errors"
	"io"
	"time"

	"go.bug.st/serial"
)

// BaudRate is the fixed line speed of the Cyton dongle.
const BaudRate = 115200

// Port is the subset of a serial port the driver needs. Reads must honour the read
// timeout and return (0, nil) when it expires.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// PortFactory opens the serial device at path. Tests replace it with an in-memory port.
var PortFactory = func(path string) (Port, error) {
	mode := &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(path, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// IsPortBusy reports whether err means another process holds the port.
func IsPortBusy(err error) bool {
	var perr *serial.PortError
	return errors.As(err, &perr) && perr.Code() == serial.PortBusy
}
