package transport

import (
	"errors"
	"fmt"
)

var (
	ErrNotReady    = errors.New("transport not ready")
	ErrClosed      = errors.New("transport closed")
	ErrHandshake   = errors.New("handshake failed")
	ErrWrongDevice = errors.New("message addressed to another device")
)

// ConnectionError wraps a socket-level failure.
type ConnectionError struct {
	DUID string
	Op   string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.DUID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
