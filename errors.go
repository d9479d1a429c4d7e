package labdaq

import (
	"errors"
	"fmt"
)

// The four error kinds this layer can return. Every failure from the vendor
// library is wrapped into exactly one of them; nothing is swallowed and
// nothing is retried here.

// ConnectionError means the device session could not be opened, or a
// component was used after the session was closed.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("connection error during %s", e.Op)
	}
	return fmt.Sprintf("connection error during %s: %s", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// RegisterError means a register operation failed: unknown name, a value of
// the wrong kind or outside the register's valid range, or a communication
// failure during the read/write itself.
type RegisterError struct {
	Register string
	Reason   string
	Err      error
}

func (e *RegisterError) Error() string {
	msg := fmt.Sprintf("register %q: %s", e.Register, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RegisterError) Unwrap() error { return e.Err }

// ConfigurationError means streaming parameters were invalid. It is always
// raised before any hardware call is made.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "stream configuration error: " + e.Reason
}

// StreamingError means a runtime fault during an active stream, such as a
// buffer underrun. The session is halted before this error is returned.
type StreamingError struct {
	RunID  string
	Reason string
	Err    error
}

func (e *StreamingError) Error() string {
	msg := fmt.Sprintf("streaming error (run %s): %s", e.RunID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StreamingError) Unwrap() error { return e.Err }

// ErrCanceled is reported by a Pending whose result was suppressed by
// Cancel. The hardware transaction itself may still have completed.
var ErrCanceled = errors.New("operation canceled")
