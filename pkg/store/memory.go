package store

import (
	"context"
	"sync"
	"time"

	"github.com/vango-dev/boardsync/pkg/access"
)

// MemoryStore keeps boards, users and sharing grants in process memory.
// Data is lost when the process exits.
type MemoryStore struct {
	mu     sync.RWMutex
	boards map[string]*memoryBoard
	users  map[string]User
	closed bool
	now    func() time.Time
}

type memoryBoard struct {
	ownerID       string
	scene         Scene
	saved         bool
	collaborators []Collaborator
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		boards: make(map[string]*memoryBoard),
		users:  make(map[string]User),
		now:    time.Now,
	}
}

// PutUser adds or replaces a directory entry.
func (s *MemoryStore) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// CreateBoard registers a board owned by ownerID with no stored scene.
func (s *MemoryStore) CreateBoard(boardID, ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.board(boardID)
	b.ownerID = ownerID
}

// Share adds or replaces a collaborator grant on a board.
func (s *MemoryStore) Share(boardID string, c Collaborator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.board(boardID)
	for i := range b.collaborators {
		if b.collaborators[i].UserID == c.UserID {
			b.collaborators[i] = c
			return
		}
	}
	b.collaborators = append(b.collaborators, c)
}

func (s *MemoryStore) board(boardID string) *memoryBoard {
	b, ok := s.boards[boardID]
	if !ok {
		b = &memoryBoard{}
		s.boards[boardID] = b
	}
	return b
}

// LoadBoard returns a copy of the stored scene.
func (s *MemoryStore) LoadBoard(ctx context.Context, boardID string) (Scene, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Scene{}, ErrStoreClosed
	}
	b, ok := s.boards[boardID]
	if !ok || !b.saved {
		return Scene{}, ErrBoardNotFound
	}
	return b.scene.Clone(), nil
}

// SaveBoard stores a copy of scene.
func (s *MemoryStore) SaveBoard(ctx context.Context, boardID string, scene Scene) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	b := s.board(boardID)
	b.scene = scene.Clone()
	b.scene.Elements = normalizeElements(b.scene.Elements)
	b.scene.UpdatedAt = s.now()
	b.saved = true
	return nil
}

// LookupUser returns the directory entry for userID.
func (s *MemoryStore) LookupUser(ctx context.Context, userID string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return User{}, ErrStoreClosed
	}
	u, ok := s.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return u, nil
}

// Access applies the sharing rules to the stored grants.
func (s *MemoryStore) Access(ctx context.Context, userID, boardID string) (access.Level, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return access.NoAccess, ErrStoreClosed
	}
	b, ok := s.boards[boardID]
	if !ok {
		return access.NoAccess, nil
	}
	return resolveAccess(userID, b.ownerID, b.collaborators), nil
}

// Close marks the store closed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
