package server

import (
	"context"

	"github.com/vango-dev/boardsync/pkg/protocol"
)

// EventContext describes one inbound event as it passes through the
// middleware chain.
type EventContext struct {
	ctx  context.Context
	conn *Conn

	// Type is the event type. It is empty when the frame could not be
	// decoded far enough to tell.
	Type protocol.Type

	// Message is the decoded event, or nil for invalid frames.
	Message protocol.Message

	// Size is the length of the raw frame in bytes.
	Size int
}

// NewEventContext builds an EventContext for msg outside a connection, for
// example to exercise middleware in tests.
func NewEventContext(ctx context.Context, msg protocol.Message) *EventContext {
	ec := &EventContext{ctx: ctx, Message: msg}
	if msg != nil {
		ec.Type = msg.MessageType()
	}
	return ec
}

// Context returns the event's context. It is cancelled when the connection
// closes.
func (ec *EventContext) Context() context.Context {
	return ec.ctx
}

// WithContext replaces the context seen by later middleware and the handler.
func (ec *EventContext) WithContext(ctx context.Context) {
	if ctx != nil {
		ec.ctx = ctx
	}
}

// ConnID returns the id of the connection the event arrived on.
func (ec *EventContext) ConnID() string {
	if ec.conn == nil {
		return ""
	}
	return ec.conn.ID()
}

// BoardID returns the board the event targets, falling back to the
// connection's joined board.
func (ec *EventContext) BoardID() string {
	if id := protocol.BoardIDOf(ec.Message); id != "" {
		return id
	}
	if ec.conn == nil {
		return ""
	}
	return ec.conn.BoardID()
}

// UserID returns the user of the connection's board membership, or the
// authenticated identity when not joined.
func (ec *EventContext) UserID() string {
	if ec.conn == nil {
		return ""
	}
	if id := ec.conn.UserID(); id != "" {
		return id
	}
	return ec.conn.AuthUser()
}

// EventMiddleware wraps the handling of inbound events. Implementations call
// next exactly once, unless they reject the event.
type EventMiddleware interface {
	Handle(ec *EventContext, next func() error) error
}

// EventMiddlewareFunc adapts a function to EventMiddleware.
type EventMiddlewareFunc func(ec *EventContext, next func() error) error

// Handle calls f.
func (f EventMiddlewareFunc) Handle(ec *EventContext, next func() error) error {
	return f(ec, next)
}

// chain runs handler behind mws, first middleware outermost.
func chain(mws []EventMiddleware, ec *EventContext, handler func() error) error {
	if len(mws) == 0 {
		return handler()
	}
	next := handler
	for i := len(mws) - 1; i >= 0; i-- {
		mw, inner := mws[i], next
		next = func() error { return mw.Handle(ec, inner) }
	}
	return next()
}
