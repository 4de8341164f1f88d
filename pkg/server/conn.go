package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vango-dev/boardsync/pkg/access"
	"github.com/vango-dev/boardsync/pkg/protocol"
	"github.com/vango-dev/boardsync/pkg/relay"
)

// ConnState is the lifecycle state of a connection.
type ConnState int

const (
	// StateConnected is a live connection that is not in any board.
	StateConnected ConnState = iota
	// StateJoined is a connection that is a member of exactly one board.
	StateJoined
	// StateClosed is a connection whose socket has been closed.
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// membership is a connection's current board. It is only changed by the
// connection's read loop.
type membership struct {
	boardID  string
	userID   string
	name     string
	level    access.Level
	room     *relay.Room
	joinedAt time.Time
	pinned   bool

	// seq numbers the connection's joins so late work can tell whether
	// the membership it started under is still current.
	seq uint64
}

// Conn is one client WebSocket connection. A read loop dispatches inbound
// frames in order and a write loop drains the outbound queue, so the socket
// has exactly one reader and one writer.
type Conn struct {
	id       string
	ws       *websocket.Conn
	queue    *relay.Queue
	config   *ConnConfig
	logger   *slog.Logger
	remoteIP string

	// authUser is the identity established at upgrade by the server's
	// AuthFunc, or empty when no AuthFunc is configured.
	authUser string

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	state  ConnState
	member membership
	joins  uint64

	openedAt  time.Time
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, config *ConnConfig, logger *slog.Logger, remoteIP, authUser string) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	return &Conn{
		id:       id,
		ws:       ws,
		queue:    relay.NewQueue(config.OutboundQueueSize),
		config:   config,
		logger:   logger.With("conn_id", id),
		remoteIP: remoteIP,
		authUser: authUser,
		ctx:      ctx,
		cancel:   cancel,
		openedAt: time.Now(),
		done:     make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string {
	return c.id
}

// Enqueue queues an encoded frame for the write loop without blocking.
func (c *Conn) Enqueue(frame []byte) error {
	return c.queue.Push(frame)
}

// Context is cancelled when the connection closes.
func (c *Conn) Context() context.Context {
	return c.ctx
}

// RemoteIP returns the client address recorded at upgrade.
func (c *Conn) RemoteIP() string {
	return c.remoteIP
}

// AuthUser returns the identity established at upgrade, if any.
func (c *Conn) AuthUser() string {
	return c.authUser
}

// State returns the connection's lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BoardID returns the joined board, or "" when not joined.
func (c *Conn) BoardID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.member.boardID
}

// UserID returns the joined user, or "" when not joined.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.member.userID
}

// Done is closed when the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// current returns the membership and whether the connection holds one. A
// connection closed while joined still holds its membership until the
// disconnect path detaches it.
func (c *Conn) current() (membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.member, c.member.room != nil
}

// setMembership installs m and returns its join sequence number.
func (c *Conn) setMembership(m membership) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joins++
	m.seq = c.joins
	c.member = m
	if c.state != StateClosed {
		c.state = StateJoined
	}
	return m.seq
}

// setName updates the member's display name if join seq is still current.
func (c *Conn) setName(seq uint64, name string) (membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.member.room == nil || c.member.seq != seq {
		return membership{}, false
	}
	c.member.name = name
	return c.member, true
}

func (c *Conn) setLevel(level access.Level) {
	c.mu.Lock()
	c.member.level = level
	c.mu.Unlock()
}

// detach clears the membership and returns what it was.
func (c *Conn) detach() (membership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.member
	c.member = membership{}
	if c.state == StateJoined {
		c.state = StateConnected
	}
	return m, m.room != nil
}

// send encodes msg and queues it, closing the connection when its queue is
// full.
func (c *Conn) send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return c.sendFrame(frame)
}

func (c *Conn) sendFrame(frame []byte) error {
	if err := c.queue.Push(frame); err != nil {
		if errors.Is(err, relay.ErrQueueClosed) {
			return ErrConnClosed
		}
		c.kick("outbound queue full")
		return &ConnError{ConnID: c.id, Op: "send", Err: err}
	}
	return nil
}

// notify sends an error notice.
func (c *Conn) notify(code, message string) {
	_ = c.send(protocol.ErrorNotice{Code: code, Message: message})
}

// kick closes a connection that cannot keep up. Its read loop then runs the
// regular disconnect path. Safe to call with a room lock held: the queue
// stops accepting frames at once and the socket is torn down asynchronously.
func (c *Conn) kick(reason string) {
	c.logger.Warn("disconnecting connection", "reason", reason)
	c.queue.Close()
	go c.Close()
}

// Close closes the socket and the outbound queue. It is idempotent.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.mu.Unlock()

		c.queue.Close()
		c.cancel()
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
		_ = c.ws.Close()
		close(c.done)
	})
}

// readLoop reads frames until the socket fails and hands each one to
// dispatch in arrival order.
func (c *Conn) readLoop(dispatch func(frame []byte)) {
	c.ws.SetReadLimit(c.config.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) {
				c.logger.Debug("read error", "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		if msgType != websocket.TextMessage {
			c.logger.Debug("ignoring non-text frame", "type", msgType)
			continue
		}
		dispatch(data)
	}
}

// writeLoop drains the outbound queue and sends heartbeat pings. It is the
// only goroutine writing data frames to the socket.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.queue.Frames():
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("write error", "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug("ping error", "error", err)
				c.Close()
				return
			}

		case <-c.queue.Done():
			return
		}
	}
}
