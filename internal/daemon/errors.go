package daemon

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateConnection means the registry already holds a connection
	// with the same ID.
	ErrDuplicateConnection = errors.New("duplicate connection")

	// ErrNotListening is returned by Run when neither Listen nor Connect
	// has been called.
	ErrNotListening = errors.New("daemon is not listening")

	// ErrAlreadyStarted is returned when Listen or Run is called twice.
	ErrAlreadyStarted = errors.New("daemon already started")

	// ErrStopped is returned by operations on a stopping or stopped daemon.
	ErrStopped = errors.New("daemon stopped")

	// ErrConnectionClosed is returned when writing to a connection whose
	// stream has been closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrLineTooLong is returned by a LineScanner when a line exceeds the
	// configured maximum.
	ErrLineTooLong = errors.New("line too long")
)

// BindError reports a listener that could not acquire its address.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

// ConnectionWriteError reports a failed write to one connection.
type ConnectionWriteError struct {
	ID   string
	Addr string
	Err  error
}

func (e *ConnectionWriteError) Error() string {
	return fmt.Sprintf("write to %s (%s): %v", e.ID, e.Addr, e.Err)
}

func (e *ConnectionWriteError) Unwrap() error {
	return e.Err
}
