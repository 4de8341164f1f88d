package server

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by event handlers. Event middleware classifies
// outcomes with errors.Is against these.
var (
	// ErrInvalidEvent is returned for frames that fail to decode or validate.
	ErrInvalidEvent = errors.New("server: invalid event")

	// ErrForbidden is returned when the connection lacks the required access.
	ErrForbidden = errors.New("server: forbidden")

	// ErrNotJoined is returned for board events from a connection that is
	// not a member of that board. Such events are ignored.
	ErrNotJoined = errors.New("server: not joined to board")

	// ErrUnavailable is returned when storage or authorization could not be
	// reached.
	ErrUnavailable = errors.New("server: board unavailable")

	// ErrConnClosed is returned when sending on a closed connection.
	ErrConnClosed = errors.New("server: connection closed")

	// ErrServerClosed is returned after Shutdown.
	ErrServerClosed = errors.New("server: closed")
)

// ConnError wraps an error that occurred while handling a connection event.
type ConnError struct {
	ConnID string
	Op     string
	Err    error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("conn %s: %s: %v", e.ConnID, e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// EventStatus classifies a handler result for metrics and logs:
// "ok", "invalid", "forbidden", "ignored", "unavailable" or "error".
func EventStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotJoined):
		return "ignored"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
