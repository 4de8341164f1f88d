package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/boardsync/pkg/access"
)

func TestMemoryStore_SaveLoad(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.LoadBoard(ctx, "b1")
	require.ErrorIs(t, err, ErrBoardNotFound)

	s.CreateBoard("b1", "owner")
	_, err = s.LoadBoard(ctx, "b1")
	require.ErrorIs(t, err, ErrBoardNotFound, "a board with no saved scene loads as not found")

	elems := json.RawMessage(`[{"id":"e1"}]`)
	require.NoError(t, s.SaveBoard(ctx, "b1", Scene{Elements: elems, BackgroundColor: "#111111"}))

	// Mutating the caller's buffer must not leak into the store.
	elems[2] = 'X'

	got, err := s.LoadBoard(ctx, "b1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"e1"}]`, string(got.Elements))
	assert.Equal(t, "#111111", got.BackgroundColor)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestMemoryStore_SaveNormalizesEmptyElements(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.SaveBoard(context.Background(), "b1", Scene{}))

	got, err := s.LoadBoard(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(got.Elements))
}

func TestMemoryStore_Access(t *testing.T) {
	s := NewMemoryStore()
	s.CreateBoard("b1", "owner")
	s.Share("b1", Collaborator{UserID: "editor", Level: access.Edit, Status: StatusAccepted})
	s.Share("b1", Collaborator{UserID: "viewer", Level: access.View, Status: StatusAccepted})
	s.Share("b1", Collaborator{UserID: "invited", Level: access.Edit, Status: StatusPending})
	s.Share("b1", Collaborator{UserID: "declined", Level: access.Edit, Status: StatusRejected})

	tests := []struct {
		user  string
		board string
		want  access.Level
	}{
		{"owner", "b1", access.Edit},
		{"editor", "b1", access.Edit},
		{"viewer", "b1", access.View},
		{"invited", "b1", access.NoAccess},
		{"declined", "b1", access.NoAccess},
		{"stranger", "b1", access.NoAccess},
		{"owner", "missing", access.NoAccess},
		{"", "b1", access.NoAccess},
	}
	for _, tt := range tests {
		t.Run(tt.user+"@"+tt.board, func(t *testing.T) {
			got, err := s.Access(context.Background(), tt.user, tt.board)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryStore_ShareReplacesGrant(t *testing.T) {
	s := NewMemoryStore()
	s.CreateBoard("b1", "owner")
	s.Share("b1", Collaborator{UserID: "u", Level: access.View, Status: StatusAccepted})
	s.Share("b1", Collaborator{UserID: "u", Level: access.Edit, Status: StatusAccepted})

	got, err := s.Access(context.Background(), "u", "b1")
	require.NoError(t, err)
	assert.Equal(t, access.Edit, got)
}

func TestMemoryStore_LookupUser(t *testing.T) {
	s := NewMemoryStore()
	s.PutUser(User{ID: "u1", Name: "Ada", Email: "ada@example.com"})

	u, err := s.LookupUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)

	_, err = s.LookupUser(context.Background(), "u2")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.SaveBoard(context.Background(), "b1", Scene{}), ErrStoreClosed)
	_, err := s.LoadBoard(context.Background(), "b1")
	require.ErrorIs(t, err, ErrStoreClosed)
}

var _ Backend = (*MemoryStore)(nil)

func TestComposite_SplitsRoles(t *testing.T) {
	scenes := NewMemoryStore()
	meta := NewMemoryStore()
	meta.PutUser(User{ID: "u1", Name: "Ada"})
	meta.CreateBoard("b1", "u1")

	var b Backend = Composite{BoardStore: scenes, UserDirectory: meta, Authorizer: meta}
	ctx := context.Background()

	require.NoError(t, b.SaveBoard(ctx, "b1", Scene{Elements: json.RawMessage(`[1]`)}))
	_, err := meta.LoadBoard(ctx, "b1")
	assert.ErrorIs(t, err, ErrBoardNotFound, "scenes stay in the board store")

	u, err := b.LookupUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", u.Name)

	level, err := b.Access(ctx, "u1", "b1")
	require.NoError(t, err)
	assert.Equal(t, access.Edit, level)
}
