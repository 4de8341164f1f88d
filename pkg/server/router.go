package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/boardsync/pkg/boardstate"
	"github.com/vango-dev/boardsync/pkg/presence"
	"github.com/vango-dev/boardsync/pkg/protocol"
	"github.com/vango-dev/boardsync/pkg/relay"
	"github.com/vango-dev/boardsync/pkg/store"
)

// dispatch decodes one inbound frame and runs it through the middleware
// chain to its handler. It is only called from the connection's read loop,
// which makes it the single entry point of the connection state machine.
func (s *Server) dispatch(c *Conn, frame []byte) {
	ec := &EventContext{ctx: c.ctx, conn: c, Size: len(frame)}

	msg, decodeErr := protocol.Decode(frame)
	if decodeErr != nil {
		var de *protocol.DecodeError
		if errors.As(decodeErr, &de) {
			ec.Type = de.Type
		}
	} else {
		ec.Type = msg.MessageType()
		ec.Message = msg
	}

	err := chain(s.middleware, ec, func() error {
		if decodeErr != nil {
			return fmt.Errorf("%w: %w", ErrInvalidEvent, decodeErr)
		}
		return s.handle(ec, msg)
	})
	s.logEventResult(c, ec, err)
}

func (s *Server) handle(ec *EventContext, msg protocol.Message) error {
	c := ec.conn
	switch m := msg.(type) {
	case protocol.JoinBoard:
		return s.handleJoin(ec.ctx, c, m)
	case protocol.LeaveBoard:
		return s.handleLeave(c, m)
	case protocol.Draw:
		return s.handleDraw(ec.ctx, c, m)
	case protocol.RequestBoardState:
		return s.handleRequestState(ec.ctx, c, m)
	case protocol.CursorPosition:
		return s.handleCursor(c, m)
	default:
		// Server-to-client types are not accepted from clients.
		return fmt.Errorf("%w: unexpected %s from client", ErrInvalidEvent, msg.MessageType())
	}
}

func (s *Server) logEventResult(c *Conn, ec *EventContext, err error) {
	if err == nil {
		return
	}
	attrs := []any{"type", ec.Type, "board_id", ec.BoardID(), "error", err}
	switch EventStatus(err) {
	case "invalid", "ignored":
		c.logger.Debug("event dropped", attrs...)
	case "forbidden":
		c.logger.Warn("event rejected", attrs...)
	case "unavailable":
		c.logger.Error("event failed", attrs...)
	default:
		c.logger.Warn("event failed", attrs...)
	}
}

// forbid sends a forbidden notice and returns the matching error.
func forbid(c *Conn, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	c.notify(protocol.CodeForbidden, msg)
	return fmt.Errorf("%w: %s", ErrForbidden, msg)
}

// unavailable sends an unavailable notice and returns the matching error.
func unavailable(c *Conn, boardID string, err error) error {
	c.notify(protocol.CodeUnavailable, "board "+boardID+" is temporarily unavailable")
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, boardID, err)
}

// evict disconnects members that could not accept a relayed frame.
func (s *Server) evict(failed []relay.Failure) {
	for _, f := range failed {
		c, ok := f.Member.(*Conn)
		if !ok {
			continue
		}
		if errors.Is(f.Err, relay.ErrQueueFull) {
			if s.connObserver != nil {
				s.connObserver.SlowConsumer()
			}
			c.kick("slow consumer")
		}
	}
}

func (s *Server) handleJoin(ctx context.Context, c *Conn, m protocol.JoinBoard) error {
	if c.authUser != "" && m.UserID != c.authUser {
		return forbid(c, "cannot join as another user")
	}

	level, err := s.access.Access(ctx, m.UserID, m.BoardID)
	if err != nil {
		return unavailable(c, m.BoardID, err)
	}
	if !level.CanView() {
		return forbid(c, "no access to board %s", m.BoardID)
	}

	// One board per connection: joining another board, or the same board
	// again, leaves the current one first.
	if _, joined := c.current(); joined {
		s.leave(c)
	}

	// The lookup may outlive the join; it runs on the connection's context
	// and always delivers exactly one result.
	lookup := make(chan lookupResult, 1)
	go s.lookupUser(c.ctx, m.UserID, lookup)

	var (
		scene    store.Scene
		loadErr  error
		user     = store.User{ID: m.UserID, Name: PlaceholderName}
		resolved bool
		g        errgroup.Group
	)
	g.Go(func() error {
		scene, loadErr = s.registry.boards.Acquire(ctx, m.BoardID)
		return nil
	})
	g.Go(func() error {
		r, ok := s.awaitLookup(lookup)
		if ok {
			resolved = true
			if r.found {
				user = r.user
			}
		}
		return nil
	})
	_ = g.Wait()
	if !resolved {
		// A slow load may have outlasted the lookup.
		select {
		case r := <-lookup:
			resolved = true
			if r.found {
				user = r.user
			}
		default:
		}
	}

	// A closed cache takes no pin.
	pinned := !errors.Is(loadErr, boardstate.ErrClosed)

	room := s.registry.rooms.Acquire(m.BoardID)
	room.Lock()

	// Updates applied while this connection was loading are not relayed to
	// it, so the snapshot is taken again now that the room is held.
	if snap, ok := s.registry.boards.Snapshot(m.BoardID); ok {
		scene, loadErr = snap, nil
	}

	joinedAt := s.now()
	room.AddLocked(c)
	seq := c.setMembership(membership{
		boardID:  m.BoardID,
		userID:   m.UserID,
		name:     user.Name,
		level:    level,
		room:     room,
		joinedAt: joinedAt,
		pinned:   pinned,
	})
	s.registry.presence.Add(m.BoardID, presence.Session{
		ConnID:   c.id,
		UserID:   m.UserID,
		Name:     user.Name,
		Email:    user.Email,
		JoinedAt: joinedAt,
	})

	if loadErr == nil {
		_ = c.send(protocol.BoardState{
			BoardID:         m.BoardID,
			Elements:        scene.Elements,
			BackgroundColor: scene.BackgroundColor,
		})
	} else {
		c.notify(protocol.CodeUnavailable, "board "+m.BoardID+" could not be loaded")
	}
	_ = c.send(rosterOf(s.registry.presence.ListActive(m.BoardID)))

	_, failed := room.BroadcastLocked(c.id, protocol.MustEncode(protocol.UserJoined{
		UserID:   m.UserID,
		Name:     user.Name,
		JoinedAt: joinedAt.UnixMilli(),
	}))
	room.Unlock()
	s.evict(failed)

	c.logger.Info("joined board",
		"board_id", m.BoardID,
		"user_id", m.UserID,
		"access", level.String(),
		"remote_ip", c.remoteIP)

	if !resolved {
		go s.announceName(c, seq, lookup)
	}

	if loadErr != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, m.BoardID, loadErr)
	}
	return nil
}

type lookupResult struct {
	user  store.User
	found bool
}

// lookupUser resolves userID's directory entry, bounded by LookupTimeout.
// A failed lookup yields found == false.
func (s *Server) lookupUser(ctx context.Context, userID string, out chan<- lookupResult) {
	lctx, cancel := context.WithTimeout(ctx, s.config.LookupTimeout)
	defer cancel()

	u, err := s.users.LookupUser(lctx, userID)
	if err != nil {
		s.logger.Debug("user lookup failed", "user_id", userID, "error", err)
		out <- lookupResult{}
		return
	}
	if u.Name == "" {
		u.Name = PlaceholderName
	}
	u.ID = userID
	out <- lookupResult{user: u, found: true}
}

// awaitLookup waits at most LookupGrace for the lookup. ok is false when the
// lookup is still running.
func (s *Server) awaitLookup(lookup <-chan lookupResult) (lookupResult, bool) {
	if s.config.LookupGrace < 0 {
		select {
		case r := <-lookup:
			return r, true
		default:
			return lookupResult{}, false
		}
	}
	timer := time.NewTimer(s.config.LookupGrace)
	defer timer.Stop()
	select {
	case r := <-lookup:
		return r, true
	case <-timer.C:
		return lookupResult{}, false
	}
}

// announceName finishes a lookup that outlived the join. If the member is
// still on the board it joined, its presence entry is renamed and the whole
// room, the member included, gets a user-joined with the resolved name.
func (s *Server) announceName(c *Conn, seq uint64, lookup <-chan lookupResult) {
	r := <-lookup
	if !r.found || r.user.Name == PlaceholderName {
		return
	}
	cur, joined := c.current()
	if !joined || cur.seq != seq {
		return
	}

	cur.room.Lock()
	m, ok := c.setName(seq, r.user.Name)
	if !ok {
		cur.room.Unlock()
		return
	}
	s.registry.presence.Add(m.boardID, presence.Session{
		ConnID:   c.id,
		UserID:   m.userID,
		Name:     r.user.Name,
		Email:    r.user.Email,
		JoinedAt: m.joinedAt,
	})
	_, failed := cur.room.BroadcastLocked("", protocol.MustEncode(protocol.UserJoined{
		UserID:   m.userID,
		Name:     r.user.Name,
		JoinedAt: m.joinedAt.UnixMilli(),
	}))
	cur.room.Unlock()
	s.evict(failed)

	c.logger.Debug("resolved member name", "board_id", m.boardID, "user_id", m.userID)
}

func (s *Server) handleLeave(c *Conn, m protocol.LeaveBoard) error {
	cur, joined := c.current()
	if !joined || cur.boardID != m.BoardID {
		return ErrNotJoined
	}
	s.leave(c)
	return nil
}

// leave removes c from its board. It is a no-op when c is not joined.
func (s *Server) leave(c *Conn) bool {
	m, joined := c.detach()
	if !joined {
		return false
	}

	m.room.Lock()
	m.room.RemoveLocked(c.id)
	s.registry.presence.Remove(m.boardID, c.id)
	_, failed := m.room.BroadcastLocked(c.id, protocol.MustEncode(protocol.UserLeft{UserID: m.userID}))
	m.room.Unlock()
	s.registry.rooms.Release(m.room)
	s.evict(failed)

	if m.pinned {
		s.registry.boards.Release(m.boardID)
	}

	c.logger.Info("left board", "board_id", m.boardID, "user_id", m.userID)
	return true
}

func (s *Server) handleDraw(ctx context.Context, c *Conn, m protocol.Draw) error {
	cur, joined := c.current()
	if !joined || cur.boardID != m.BoardID {
		return forbid(c, "not joined to board %s", m.BoardID)
	}

	// Grants can change while a connection is open; the cached authorizer
	// keeps this off storage for most draws.
	level, err := s.access.Access(ctx, cur.userID, cur.boardID)
	if err != nil {
		return unavailable(c, cur.boardID, err)
	}
	c.setLevel(level)
	if !level.CanEdit() {
		return forbid(c, "%s access cannot draw on board %s", level, cur.boardID)
	}

	m.UserID = cur.userID
	if m.Timestamp == 0 {
		m.Timestamp = s.now().UnixMilli()
	}

	cur.room.Lock()
	pw, err := s.registry.boards.Apply(cur.boardID, store.Scene{
		Elements:        m.Elements,
		BackgroundColor: m.BackgroundColor,
	})
	if err != nil {
		cur.room.Unlock()
		return unavailable(c, cur.boardID, err)
	}
	// Peers get the scene as stored, so they match later joiners.
	m.Elements = pw.Scene.Elements
	m.BackgroundColor = pw.Scene.BackgroundColor
	frame, err := protocol.Encode(m)
	if err != nil {
		cur.room.Unlock()
		return fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	_, failed := cur.room.BroadcastLocked(c.id, frame)
	cur.room.Unlock()
	s.evict(failed)
	return nil
}

func (s *Server) handleRequestState(ctx context.Context, c *Conn, m protocol.RequestBoardState) error {
	cur, joined := c.current()

	userID := cur.userID
	if userID == "" {
		userID = c.authUser
	}
	if userID == "" {
		return forbid(c, "join a board before requesting state")
	}

	level, err := s.access.Access(ctx, userID, m.BoardID)
	if err != nil {
		return unavailable(c, m.BoardID, err)
	}
	if !level.CanView() {
		return forbid(c, "no access to board %s", m.BoardID)
	}

	boards := s.registry.boards
	if !joined || cur.boardID != m.BoardID {
		scene, err := boards.Read(ctx, m.BoardID)
		if err != nil {
			return unavailable(c, m.BoardID, err)
		}
		return c.send(boardStateOf(m.BoardID, scene))
	}

	// Members get the snapshot in order with relayed draws.
	if _, ok := boards.Snapshot(m.BoardID); !ok {
		if _, err := boards.Read(ctx, m.BoardID); err != nil {
			return unavailable(c, m.BoardID, err)
		}
	}
	cur.room.Lock()
	scene, ok := boards.Snapshot(m.BoardID)
	if ok {
		err = c.send(boardStateOf(m.BoardID, scene))
	}
	cur.room.Unlock()
	if !ok {
		return unavailable(c, m.BoardID, boardstate.ErrNotResident)
	}
	return err
}

func (s *Server) handleCursor(c *Conn, m protocol.CursorPosition) error {
	cur, joined := c.current()
	if !joined || (m.BoardID != "" && m.BoardID != cur.boardID) {
		return ErrNotJoined
	}

	frame := protocol.MustEncode(protocol.CursorPosition{UserID: cur.userID, X: m.X, Y: m.Y})
	cur.room.Lock()
	_, failed := cur.room.BroadcastLocked(c.id, frame)
	cur.room.Unlock()
	s.evict(failed)
	return nil
}

// disconnect runs when a connection's read loop ends. A drop is handled the
// same as a leave.
func (s *Server) disconnect(c *Conn) {
	s.leave(c)
	c.Close()
	s.registry.unregister(c)
	if s.connObserver != nil {
		s.connObserver.ConnClosed(time.Since(c.openedAt))
	}
	c.logger.Debug("connection closed")
}

func boardStateOf(boardID string, scene store.Scene) protocol.BoardState {
	return protocol.BoardState{
		BoardID:         boardID,
		Elements:        scene.Elements,
		BackgroundColor: scene.BackgroundColor,
	}
}

func rosterOf(sessions []presence.Session) protocol.ActiveUsers {
	users := make(protocol.ActiveUsers, 0, len(sessions))
	for _, s := range sessions {
		users = append(users, protocol.User{
			UserID:   s.UserID,
			Name:     s.Name,
			JoinedAt: s.JoinedAt.UnixMilli(),
		})
	}
	return users
}
