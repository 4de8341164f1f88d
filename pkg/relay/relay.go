// Package relay fans encoded frames out to the members of a board room.
//
// Each member owns a bounded FIFO Queue drained by a single writer. Frames
// for a room are enqueued while the room is locked, so every recipient
// observes that room's frames in the same order they were relayed.
// Enqueueing never blocks: a member whose queue is full is reported back to
// the caller, which disconnects it so that it can rejoin and resync.
package relay

import (
	"errors"
	"sort"
	"sync"
)

// ErrQueueFull is returned by Queue.Push when the consumer is too slow.
var ErrQueueFull = errors.New("relay: outbound queue full")

// ErrQueueClosed is returned by Queue.Push after Close.
var ErrQueueClosed = errors.New("relay: outbound queue closed")

// Queue is a bounded, non-blocking FIFO of encoded frames.
type Queue struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
	done   chan struct{}
}

// NewQueue creates a queue holding up to size frames.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
	}
}

// Push enqueues frame without blocking.
func (q *Queue) Push(frame []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- frame:
		return nil
	default:
		return ErrQueueFull
	}
}

// Frames returns the channel the writer drains.
func (q *Queue) Frames() <-chan []byte {
	return q.ch
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Len returns the number of buffered frames.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops accepting frames. Frames already buffered stay readable.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Member is a room participant.
type Member interface {
	// ID uniquely identifies the connection.
	ID() string
	// Enqueue queues a frame for delivery without blocking.
	Enqueue(frame []byte) error
}

// Room is the broadcast group of one board. Callers hold the room's lock
// around every membership change and every send, which serializes all
// operations on the board.
type Room struct {
	sync.Mutex

	id      string
	members map[string]Member
	refs    int
}

// ID returns the board id.
func (r *Room) ID() string {
	return r.id
}

// AddLocked adds m to the room.
func (r *Room) AddLocked(m Member) {
	r.members[m.ID()] = m
}

// RemoveLocked removes the member with the given id.
func (r *Room) RemoveLocked(id string) bool {
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	return true
}

// HasLocked reports whether id is a member.
func (r *Room) HasLocked(id string) bool {
	_, ok := r.members[id]
	return ok
}

// LenLocked returns the number of members.
func (r *Room) LenLocked() int {
	return len(r.members)
}

// MemberIDsLocked returns the member ids in sorted order.
func (r *Room) MemberIDsLocked() []string {
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Failure is a member that could not accept a frame.
type Failure struct {
	Member Member
	Err    error
}

// BroadcastLocked enqueues frame to every member except the one with id
// except (pass "" to include everyone). It returns the number of members
// that accepted the frame and those that did not.
func (r *Room) BroadcastLocked(except string, frame []byte) (int, []Failure) {
	delivered := 0
	var failed []Failure
	for id, m := range r.members {
		if id == except {
			continue
		}
		if err := m.Enqueue(frame); err != nil {
			failed = append(failed, Failure{Member: m, Err: err})
			continue
		}
		delivered++
	}
	return delivered, failed
}

// Hub owns the rooms of all boards. Rooms are reference counted: a room
// stays registered while anyone holds it.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*Room)}
}

// Acquire returns the room for boardID, creating it if needed, and takes a
// reference on it.
func (h *Hub) Acquire(boardID string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[boardID]
	if !ok {
		r = &Room{id: boardID, members: make(map[string]Member)}
		h.rooms[boardID] = r
	}
	r.refs++
	return r
}

// Release drops a reference taken by Acquire, unregistering the room when
// it was the last one.
func (h *Hub) Release(r *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r.refs--
	if r.refs <= 0 {
		if cur, ok := h.rooms[r.id]; ok && cur == r {
			delete(h.rooms, r.id)
		}
	}
}

// Get returns the room for boardID if one is registered.
func (h *Hub) Get(boardID string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[boardID]
	return r, ok
}

// Len returns the number of registered rooms.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}
