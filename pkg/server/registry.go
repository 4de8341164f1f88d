package server

import (
	"sync"

	"github.com/vango-dev/boardsync/pkg/boardstate"
	"github.com/vango-dev/boardsync/pkg/presence"
	"github.com/vango-dev/boardsync/pkg/relay"
)

// Registry owns the shared state of one server: the board rooms, the
// presence index, the board cache and the set of live connections. It is
// created by New and torn down by Shutdown.
type Registry struct {
	rooms    *relay.Hub
	presence *presence.Tracker
	boards   *boardstate.Cache

	mu     sync.Mutex
	conns  map[string]*Conn
	closed bool
	loops  sync.WaitGroup
}

func newRegistry(boards *boardstate.Cache) *Registry {
	return &Registry{
		rooms:    relay.NewHub(),
		presence: presence.NewTracker(),
		boards:   boards,
		conns:    make(map[string]*Conn),
	}
}

// Rooms returns the broadcast rooms.
func (r *Registry) Rooms() *relay.Hub {
	return r.rooms
}

// Presence returns the presence index.
func (r *Registry) Presence() *presence.Tracker {
	return r.presence
}

// Boards returns the board cache.
func (r *Registry) Boards() *boardstate.Cache {
	return r.boards
}

// Conns returns the number of live connections.
func (r *Registry) Conns() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// register adds c and accounts for its read loop. It fails once the
// registry is closed.
func (r *Registry) register(c *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[c.id] = c
	r.loops.Add(1)
	return true
}

// unregister removes c once its read loop has finished.
func (r *Registry) unregister(c *Conn) {
	r.mu.Lock()
	delete(r.conns, c.id)
	r.mu.Unlock()
	r.loops.Done()
}

// closeAll stops accepting connections and closes every live one.
func (r *Registry) closeAll() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// wait returns a channel closed when every read loop has finished.
func (r *Registry) wait() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		r.loops.Wait()
		close(done)
	}()
	return done
}
