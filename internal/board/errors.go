package board

import (
	"errors"
	"fmt"
)

// ExitCode is the stable numeric result code reported across the API boundary.
type ExitCode int

// Exit codes. Values up to SyncTimeout are wire-compatible with existing client
// bindings; BLE-specific codes start at 100.
const (
	StatusOK ExitCode = iota
	PortAlreadyOpen
	UnableToOpenPort
	SetPortError
	BoardWriteError
	IncomingMsgError
	InitialMsgError
	BoardNotReady
	StreamAlreadyRunning
	InvalidBufferSize
	StreamThreadError
	StreamNotRunning
	EmptyBuffer
	InvalidArguments
	UnsupportedBoard
	BoardNotCreated
	AnotherBoardIsCreated
	GeneralError
	SyncTimeout
)

const (
	ServiceNotFound ExitCode = 100 + iota
	CharacteristicNotFound
	InvalidMac
)

// Aliases used by callers that think in terms of the acquisition pipeline rather
// than the board controller.
const (
	PortOpenError        = UnableToOpenPort
	NoDataAvailable      = EmptyBuffer
	AnotherSessionExists = AnotherBoardIsCreated
)

var exitCodeNames = map[ExitCode]string{
	StatusOK:               "STATUS_OK",
	PortAlreadyOpen:        "PORT_ALREADY_OPEN",
	UnableToOpenPort:       "UNABLE_TO_OPEN_PORT",
	SetPortError:           "SET_PORT_ERROR",
	BoardWriteError:        "BOARD_WRITE_ERROR",
	IncomingMsgError:       "INCOMING_MSG_ERROR",
	InitialMsgError:        "INITIAL_MSG_ERROR",
	BoardNotReady:          "BOARD_NOT_READY",
	StreamAlreadyRunning:   "STREAM_ALREADY_RUNNING",
	InvalidBufferSize:      "INVALID_BUFFER_SIZE",
	StreamThreadError:      "STREAM_THREAD_ERROR",
	StreamNotRunning:       "STREAM_THREAD_IS_NOT_RUNNING",
	EmptyBuffer:            "EMPTY_BUFFER",
	InvalidArguments:       "INVALID_ARGUMENTS",
	UnsupportedBoard:       "UNSUPPORTED_BOARD",
	BoardNotCreated:        "BOARD_NOT_CREATED",
	AnotherBoardIsCreated:  "ANOTHER_BOARD_IS_CREATED",
	GeneralError:           "GENERAL_ERROR",
	SyncTimeout:            "SYNC_TIMEOUT",
	ServiceNotFound:        "SERVICE_NOT_FOUND",
	CharacteristicNotFound: "CHARACTERISTIC_NOT_FOUND",
	InvalidMac:             "INVALID_MAC_ADDRESS",
}

func (c ExitCode) String() string {
	if s, ok := exitCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("EXIT_CODE(%d)", int(c))
}

// Error is a failure carrying an ExitCode, the operation that produced it and an
// optional cause.
type Error struct {
	Code ExitCode
	Op   string
	Err  error
}

// NewError builds an *Error. err may be nil.
func NewError(code ExitCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}

// Errorf builds an *Error whose cause is a formatted message.
func Errorf(code ExitCode, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so callers can compare against the
// sentinels below regardless of operation or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrPortAlreadyOpen        = &Error{Code: PortAlreadyOpen}
	ErrUnableToOpenPort       = &Error{Code: UnableToOpenPort}
	ErrSetPort                = &Error{Code: SetPortError}
	ErrBoardWrite             = &Error{Code: BoardWriteError}
	ErrBoardNotReady          = &Error{Code: BoardNotReady}
	ErrStreamAlreadyRunning   = &Error{Code: StreamAlreadyRunning}
	ErrInvalidBufferSize      = &Error{Code: InvalidBufferSize}
	ErrStreamThread           = &Error{Code: StreamThreadError}
	ErrStreamNotRunning       = &Error{Code: StreamNotRunning}
	ErrNoDataAvailable        = &Error{Code: EmptyBuffer}
	ErrInvalidArguments       = &Error{Code: InvalidArguments}
	ErrUnsupportedBoard       = &Error{Code: UnsupportedBoard}
	ErrBoardNotCreated        = &Error{Code: BoardNotCreated}
	ErrAnotherBoardIsCreated  = &Error{Code: AnotherBoardIsCreated}
	ErrGeneral                = &Error{Code: GeneralError}
	ErrServiceNotFound        = &Error{Code: ServiceNotFound}
	ErrCharacteristicNotFound = &Error{Code: CharacteristicNotFound}
	ErrInvalidMac             = &Error{Code: InvalidMac}
)

// CodeOf extracts the ExitCode from err. nil maps to StatusOK and errors without a
// code map to GeneralError.
func CodeOf(err error) ExitCode {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return GeneralError
}
