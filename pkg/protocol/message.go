package protocol

import (
	"bytes"
	"encoding/json"
)

// Type identifies a message variant on the wire.
type Type string

const (
	TypeJoinBoard         Type = "join-board"
	TypeLeaveBoard        Type = "leave-board"
	TypeDraw              Type = "draw"
	TypeRequestBoardState Type = "request-board-state"
	TypeCursorPosition    Type = "cursor-position"

	TypeBoardState  Type = "board-state"
	TypeUserJoined  Type = "user-joined"
	TypeUserLeft    Type = "user-left"
	TypeActiveUsers Type = "active-users"
	TypeError       Type = "error"
)

// String returns the wire name of the type.
func (t Type) String() string {
	return string(t)
}

// Error codes carried by error notices.
const (
	CodeForbidden   = "forbidden"
	CodeInvalid     = "invalid-message"
	CodeUnavailable = "unavailable"
)

// Message is implemented by every message variant.
type Message interface {
	MessageType() Type
}

// Envelope is the outer frame of every message.
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// JoinBoard asks to join a board room.
type JoinBoard struct {
	BoardID string `json:"boardId"`
	UserID  string `json:"userId"`
}

// LeaveBoard asks to leave a board room.
type LeaveBoard struct {
	BoardID string `json:"boardId"`
}

// Draw is a full-scene update. Clients send it after a local edit and the
// server relays it to the other members of the room.
type Draw struct {
	BoardID         string          `json:"boardId"`
	UserID          string          `json:"userId"`
	Elements        json.RawMessage `json:"elements"`
	BackgroundColor string          `json:"backgroundColor,omitempty"`
	Timestamp       int64           `json:"timestamp"`
}

// RequestBoardState asks the server to resend the current snapshot.
type RequestBoardState struct {
	BoardID string `json:"boardId"`
}

// CursorPosition carries a pointer location. It is relayed but never stored.
type CursorPosition struct {
	BoardID string  `json:"boardId,omitempty"`
	UserID  string  `json:"userId"`
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
}

// BoardState is the authoritative snapshot of a board.
type BoardState struct {
	BoardID         string          `json:"boardId"`
	Elements        json.RawMessage `json:"elements"`
	BackgroundColor string          `json:"backgroundColor"`
}

// User describes a present member of a board.
type User struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	JoinedAt int64  `json:"joinedAt"`
}

// UserJoined announces a new member to the rest of the room.
type UserJoined User

// UserLeft announces a departed member.
type UserLeft struct {
	UserID string `json:"userId"`
}

// ActiveUsers is the roster sent to a joining client.
type ActiveUsers []User

// ErrorNotice reports a rejected request back to its sender.
type ErrorNotice struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (JoinBoard) MessageType() Type         { return TypeJoinBoard }
func (LeaveBoard) MessageType() Type        { return TypeLeaveBoard }
func (Draw) MessageType() Type              { return TypeDraw }
func (RequestBoardState) MessageType() Type { return TypeRequestBoardState }
func (CursorPosition) MessageType() Type    { return TypeCursorPosition }
func (BoardState) MessageType() Type        { return TypeBoardState }
func (UserJoined) MessageType() Type        { return TypeUserJoined }
func (UserLeft) MessageType() Type          { return TypeUserLeft }
func (ActiveUsers) MessageType() Type       { return TypeActiveUsers }
func (ErrorNotice) MessageType() Type       { return TypeError }

// EmptyElements is the element list of a blank board.
var EmptyElements = json.RawMessage(`[]`)

// IsElementArray reports whether raw holds a JSON array.
func IsElementArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) >= 2 && trimmed[0] == '[' && json.Valid(trimmed)
}

// BoardIDOf returns the board a message refers to, or "" when it carries none.
func BoardIDOf(msg Message) string {
	switch m := msg.(type) {
	case JoinBoard:
		return m.BoardID
	case LeaveBoard:
		return m.BoardID
	case Draw:
		return m.BoardID
	case RequestBoardState:
		return m.BoardID
	case CursorPosition:
		return m.BoardID
	case BoardState:
		return m.BoardID
	default:
		return ""
	}
}
