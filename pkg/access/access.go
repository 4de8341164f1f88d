// Package access defines board permission levels and a short-lived cache in
// front of the authorization backend.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Level is a user's permission on a board.
type Level int

const (
	// NoAccess means the user may not join the board.
	NoAccess Level = iota
	// View allows joining and receiving updates.
	View
	// Edit additionally allows sending scene updates.
	Edit
)

// String returns the wire spelling of the level.
func (l Level) String() string {
	switch l {
	case View:
		return "view"
	case Edit:
		return "edit"
	default:
		return "no-access"
	}
}

// CanView reports whether the level allows joining a board.
func (l Level) CanView() bool { return l >= View }

// CanEdit reports whether the level allows mutating a board.
func (l Level) CanEdit() bool { return l == Edit }

// ErrUnknownLevel is returned by ParseLevel for unrecognized input.
var ErrUnknownLevel = errors.New("access: unknown level")

// ParseLevel parses the stored spelling of a collaborator access level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "edit":
		return Edit, nil
	case "view":
		return View, nil
	case "", "none", "no-access":
		return NoAccess, nil
	default:
		return NoAccess, fmt.Errorf("%w: %q", ErrUnknownLevel, s)
	}
}

// Authorizer resolves a user's permission on a board.
// Implementations must be safe for concurrent use.
type Authorizer interface {
	Access(ctx context.Context, userID, boardID string) (Level, error)
}

// AuthorizerFunc adapts a function to the Authorizer interface.
type AuthorizerFunc func(ctx context.Context, userID, boardID string) (Level, error)

// Access calls f.
func (f AuthorizerFunc) Access(ctx context.Context, userID, boardID string) (Level, error) {
	return f(ctx, userID, boardID)
}
