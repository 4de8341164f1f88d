// Package presence tracks which users are currently joined to each board.
//
// The tracker is an index derived from the router's session table: only the
// router mutates it, while holding the board's room lock, so entries always
// match the connections that will receive that board's broadcasts. Readers
// such as the HTTP roster endpoint may query it at any time.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Session is one connection's presence on a board.
type Session struct {
	ConnID   string    `json:"-"`
	UserID   string    `json:"userId"`
	Name     string    `json:"name"`
	Email    string    `json:"-"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Tracker indexes sessions by board and connection id.
type Tracker struct {
	mu     sync.RWMutex
	boards map[string]map[string]Session
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{boards: make(map[string]map[string]Session)}
}

// Add records s on boardID, replacing any previous entry for the same
// connection.
func (t *Tracker) Add(boardID string, s Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions, ok := t.boards[boardID]
	if !ok {
		sessions = make(map[string]Session)
		t.boards[boardID] = sessions
	}
	sessions[s.ConnID] = s
}

// Remove deletes the connection's entry on boardID and returns it.
func (t *Tracker) Remove(boardID, connID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions, ok := t.boards[boardID]
	if !ok {
		return Session{}, false
	}
	s, ok := sessions[connID]
	if !ok {
		return Session{}, false
	}
	delete(sessions, connID)
	if len(sessions) == 0 {
		delete(t.boards, boardID)
	}
	return s, true
}

// ListActive returns the board's sessions ordered by join time.
func (t *Tracker) ListActive(boardID string) []Session {
	t.mu.RLock()
	sessions := t.boards[boardID]
	out := make([]Session, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Count returns the number of sessions on boardID.
func (t *Tracker) Count(boardID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.boards[boardID])
}

// Users returns the number of distinct users on boardID. A user with two
// tabs open counts once.
func (t *Tracker) Users(boardID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[string]struct{}, len(t.boards[boardID]))
	for _, s := range t.boards[boardID] {
		seen[s.UserID] = struct{}{}
	}
	return len(seen)
}

// Boards returns the ids of boards with at least one session.
func (t *Tracker) Boards() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.boards))
	for id := range t.boards {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Total returns the number of sessions across all boards.
func (t *Tracker) Total() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, sessions := range t.boards {
		n += len(sessions)
	}
	return n
}
