package lego

import "errors"

// Error values shared by all device and control packages. Callers are
// expected to branch on these with errors.Is; lower layers wrap them with
// context using fmt.Errorf and %w.
var (
	// ErrInvalidArg means an argument was out of range or otherwise invalid.
	ErrInvalidArg = errors.New("invalid argument")
	// ErrInvalidOp means a precondition was violated, such as commanding a
	// servo whose update loop is not running.
	ErrInvalidOp = errors.New("invalid operation")
	// ErrNoDev means no device is attached, or the attached device is of the
	// wrong type.
	ErrNoDev = errors.New("no device")
	// ErrAgain means the operation cannot complete yet and should be retried
	// later, such as reading data while a mode switch is in progress.
	ErrAgain = errors.New("try again later")
	// ErrTimeout means an I/O deadline passed.
	ErrTimeout = errors.New("timed out")
	// ErrIO means a UART transfer failed.
	ErrIO = errors.New("i/o error")
	// ErrFailed means a protocol state machine gave up after retries.
	ErrFailed = errors.New("operation failed")
	// ErrNotSupported means the device cannot perform the request, such as
	// asking a relative encoder for an absolute angle.
	ErrNotSupported = errors.New("not supported")
)
