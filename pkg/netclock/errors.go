package netclock

import (
	"errors"
	"fmt"
)

var (
	ErrUnreachable     = errors.New("server unreachable")
	ErrNoViableServers = errors.New("no viable servers")
	ErrDuplicateServer = errors.New("server already configured")
	ErrUnknownServer   = errors.New("server not configured")
	ErrKissOfDeath     = errors.New("server sent kiss-of-death")
	ErrUnsynchronized  = errors.New("server is not synchronized")
	ErrInvalidReply    = errors.New("invalid reply header")
	ErrNoResponse      = errors.New("server did not respond")
	ErrClosed          = errors.New("engine is shut down")
)

// TransportError is a send or receive failure on a server's socket. It is
// retried through the normal poll schedule and never surfaces to callers.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
