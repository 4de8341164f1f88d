package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Decode errors.
var (
	ErrMalformed       = errors.New("protocol: malformed envelope")
	ErrUnknownType     = errors.New("protocol: unknown message type")
	ErrMissingBoardID  = errors.New("protocol: missing board id")
	ErrMissingUserID   = errors.New("protocol: missing user id")
	ErrMissingElements = errors.New("protocol: missing or invalid elements")
)

// DecodeError wraps a decode failure with the envelope type it occurred on.
type DecodeError struct {
	Type Type
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Type == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("protocol: decode %s: %v", e.Type, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode serializes msg into an envelope.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: msg.MessageType(), Data: data})
}

// MustEncode is like Encode but panics on error. It is meant for message
// values built by the server itself, whose fields always marshal.
func MustEncode(msg Message) []byte {
	b, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses a frame into its message variant and validates the fields
// that variant requires.
func Decode(frame []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, &DecodeError{Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	if env.Type == "" {
		return nil, &DecodeError{Err: ErrMalformed}
	}

	msg, err := decodeData(env.Type, env.Data)
	if err != nil {
		return nil, &DecodeError{Type: env.Type, Err: err}
	}
	if err := Validate(msg); err != nil {
		return nil, &DecodeError{Type: env.Type, Err: err}
	}
	return msg, nil
}

func decodeData(t Type, data json.RawMessage) (Message, error) {
	switch t {
	case TypeJoinBoard:
		return unmarshalInto[JoinBoard](data)
	case TypeLeaveBoard:
		return unmarshalInto[LeaveBoard](data)
	case TypeDraw:
		return unmarshalInto[Draw](data)
	case TypeRequestBoardState:
		return unmarshalInto[RequestBoardState](data)
	case TypeCursorPosition:
		return unmarshalInto[CursorPosition](data)
	case TypeBoardState:
		return unmarshalInto[BoardState](data)
	case TypeUserJoined:
		return unmarshalInto[UserJoined](data)
	case TypeUserLeft:
		return unmarshalInto[UserLeft](data)
	case TypeActiveUsers:
		return unmarshalInto[ActiveUsers](data)
	case TypeError:
		return unmarshalInto[ErrorNotice](data)
	default:
		return nil, ErrUnknownType
	}
}

func unmarshalInto[T Message](data json.RawMessage) (Message, error) {
	var v T
	if len(data) == 0 || string(data) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return v, nil
}

// Validate checks the required fields of a message.
func Validate(msg Message) error {
	switch m := msg.(type) {
	case JoinBoard:
		if m.BoardID == "" {
			return ErrMissingBoardID
		}
		if m.UserID == "" {
			return ErrMissingUserID
		}
	case LeaveBoard:
		if m.BoardID == "" {
			return ErrMissingBoardID
		}
	case Draw:
		if m.BoardID == "" {
			return ErrMissingBoardID
		}
		if !IsElementArray(m.Elements) {
			return ErrMissingElements
		}
	case RequestBoardState:
		if m.BoardID == "" {
			return ErrMissingBoardID
		}
	case CursorPosition:
		// Inbound cursors need a board; relayed ones carry the sender instead.
		if m.BoardID == "" && m.UserID == "" {
			return ErrMissingBoardID
		}
	case BoardState:
		if m.BoardID == "" {
			return ErrMissingBoardID
		}
		if !IsElementArray(m.Elements) {
			return ErrMissingElements
		}
	case UserJoined:
		if m.UserID == "" {
			return ErrMissingUserID
		}
	case UserLeft:
		if m.UserID == "" {
			return ErrMissingUserID
		}
	}
	return nil
}
