package client

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/boardsync/pkg/protocol"
)

var (
	// ErrNotConnected is returned when a message is sent while the socket
	// is down.
	ErrNotConnected = errors.New("client: not connected")

	// ErrClosed is returned by Run after Close.
	ErrClosed = errors.New("client: closed")
)

const (
	defaultReconnectInterval = time.Second
	defaultWriteTimeout      = 10 * time.Second
)

// Config configures a Client.
type Config struct {
	// URL is the server's WebSocket endpoint, e.g. ws://host:8080/ws.
	URL string

	// UserID identifies the local user.
	UserID string

	// BoardID is joined on every connect. It can be changed later with
	// SwitchBoard.
	BoardID string

	// ViewOnly disables emission of local changes.
	ViewOnly bool

	// Header is sent with the upgrade request, e.g. for authentication.
	Header http.Header

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// ReconnectInterval is the pause between connection attempts.
	// Default: 1s.
	ReconnectInterval time.Duration

	// EmitDelay is the debounce before each outgoing update. Default: 10ms.
	// A negative value disables it.
	EmitDelay time.Duration

	// WriteTimeout bounds each frame write. Default: 10s.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Handlers receive server events. Any of them may be nil.
type Handlers struct {
	// Scene installs a remote scene into the local editor.
	Scene func(Scene)

	// Roster is called with the full member list after every change.
	Roster func([]protocol.User)

	// Cursor receives other members' pointer positions.
	Cursor func(protocol.CursorPosition)

	// Error receives error notices from the server.
	Error func(protocol.ErrorNotice)

	// Connected is called after each successful (re)connect.
	Connected func()
}

// Client is a board peer. It keeps a socket open to the server, rejoining
// and re-requesting the board state whenever the connection is restored.
type Client struct {
	config     Config
	handlers   Handlers
	reconciler *Reconciler
	emitter    *Emitter
	logger     *slog.Logger

	writeMu sync.Mutex

	mu     sync.Mutex
	ws     *websocket.Conn
	roster map[string]protocol.User
	closed bool
	stop   chan struct{}
}

// New creates a client. Call Run to connect.
func New(config Config, handlers Handlers) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("client: URL is required")
	}
	if config.UserID == "" {
		return nil, errors.New("client: UserID is required")
	}
	if config.Dialer == nil {
		config.Dialer = websocket.DefaultDialer
	}
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = defaultReconnectInterval
	}
	switch {
	case config.EmitDelay == 0:
		config.EmitDelay = DefaultEmitDelay
	case config.EmitDelay < 0:
		config.EmitDelay = 0
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWriteTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	c := &Client{
		config:   config,
		handlers: handlers,
		logger:   config.Logger.With("component", "client", "user_id", config.UserID),
		roster:   make(map[string]protocol.User),
		stop:     make(chan struct{}),
	}
	c.emitter = NewEmitter(config.EmitDelay, func(d protocol.Draw) error { return c.write(d) }, c.logger)
	c.reconciler = NewReconciler(config.UserID, handlers.Scene, c.emitter.Emit)
	c.reconciler.SetCanEdit(!config.ViewOnly)
	c.reconciler.SetBoard(config.BoardID)
	return c, nil
}

// Run connects and serves the socket until ctx is cancelled or Close is
// called, reconnecting after every failure.
func (c *Client) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.config.ReconnectInterval)
	defer ticker.Stop()

	for {
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.isClosed() {
			return ErrClosed
		}
		c.logger.Warn("connection lost", "error", err)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stop:
			return ErrClosed
		}
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	ws, _, err := c.config.Dialer.DialContext(ctx, c.config.URL, c.config.Header)
	if err != nil {
		return fmt.Errorf("client: dial: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	c.ws = ws
	clear(c.roster)
	c.mu.Unlock()

	stopWatch := context.AfterFunc(ctx, func() { ws.Close() })
	defer func() {
		stopWatch()
		c.mu.Lock()
		if c.ws == ws {
			c.ws = nil
		}
		c.mu.Unlock()
		ws.Close()
	}()

	if boardID := c.reconciler.BoardID(); boardID != "" {
		if err := c.join(boardID); err != nil {
			return err
		}
	}
	c.logger.Info("connected", "url", c.config.URL)
	if c.handlers.Connected != nil {
		c.handlers.Connected()
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		c.handleFrame(data)
	}
}

func (c *Client) join(boardID string) error {
	if err := c.write(protocol.JoinBoard{BoardID: boardID, UserID: c.config.UserID}); err != nil {
		return err
	}
	return c.write(protocol.RequestBoardState{BoardID: boardID})
}

func (c *Client) handleFrame(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debug("dropping frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case protocol.BoardState:
		c.reconciler.ApplySnapshot(m)
	case protocol.Draw:
		c.reconciler.ApplyRemote(m)
	case protocol.ActiveUsers:
		c.mu.Lock()
		clear(c.roster)
		for _, u := range m {
			c.roster[u.UserID] = u
		}
		c.mu.Unlock()
		c.notifyRoster()
	case protocol.UserJoined:
		c.mu.Lock()
		c.roster[m.UserID] = protocol.User(m)
		c.mu.Unlock()
		c.notifyRoster()
	case protocol.UserLeft:
		c.mu.Lock()
		delete(c.roster, m.UserID)
		c.mu.Unlock()
		c.notifyRoster()
	case protocol.CursorPosition:
		if c.handlers.Cursor != nil {
			c.handlers.Cursor(m)
		}
	case protocol.ErrorNotice:
		c.logger.Warn("server error", "code", m.Code, "message", m.Message)
		if c.handlers.Error != nil {
			c.handlers.Error(m)
		}
	}
}

func (c *Client) notifyRoster() {
	if c.handlers.Roster != nil {
		c.handlers.Roster(c.Roster())
	}
}

// Roster returns the current members ordered by join time.
func (c *Client) Roster() []protocol.User {
	c.mu.Lock()
	users := make([]protocol.User, 0, len(c.roster))
	for _, u := range c.roster {
		users = append(users, u)
	}
	c.mu.Unlock()

	slices.SortFunc(users, func(a, b protocol.User) int {
		return cmp.Or(cmp.Compare(a.JoinedAt, b.JoinedAt), strings.Compare(a.UserID, b.UserID))
	})
	return users
}

// SwitchBoard leaves the current board and joins boardID, then requests its
// state. When disconnected the switch takes effect on the next connect.
func (c *Client) SwitchBoard(boardID string) error {
	old := c.reconciler.BoardID()
	c.reconciler.SetBoard(boardID)
	c.mu.Lock()
	clear(c.roster)
	c.mu.Unlock()

	if !c.Connected() {
		return nil
	}
	if old != "" && old != boardID {
		if err := c.write(protocol.LeaveBoard{BoardID: old}); err != nil {
			return err
		}
	}
	if boardID == "" {
		return nil
	}
	return c.join(boardID)
}

// RequestState asks the server to resend the current board's snapshot.
func (c *Client) RequestState() error {
	boardID := c.reconciler.BoardID()
	if boardID == "" {
		return errors.New("client: no board joined")
	}
	return c.write(protocol.RequestBoardState{BoardID: boardID})
}

// LocalChange reports a scene produced by the local editor. It returns
// whether an update was queued for sending.
func (c *Client) LocalChange(scene Scene) (bool, error) {
	return c.reconciler.LocalChange(scene)
}

// SendCursor shares the local pointer position with the room.
func (c *Client) SendCursor(x, y float64) error {
	return c.write(protocol.CursorPosition{
		BoardID: c.reconciler.BoardID(),
		UserID:  c.config.UserID,
		X:       x,
		Y:       y,
	})
}

// SetCanEdit toggles emission of local changes.
func (c *Client) SetCanEdit(canEdit bool) {
	c.reconciler.SetCanEdit(canEdit)
}

// State returns the reconciler's mode.
func (c *Client) State() State {
	return c.reconciler.State()
}

// BoardID returns the board the client is on.
func (c *Client) BoardID() string {
	return c.reconciler.BoardID()
}

// Connected reports whether the socket is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Close flushes queued updates, then closes the socket and stops Run.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	c.mu.Unlock()

	c.emitter.Close()

	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return ws.Close()
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) write(msg protocol.Message) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("client: write %s: %w", msg.MessageType(), err)
	}
	return nil
}
