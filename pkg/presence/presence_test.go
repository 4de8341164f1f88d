package presence

import (
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_AddRemoveList(t *testing.T) {
	tr := NewTracker()
	base := time.Unix(100, 0)

	tr.Add("b1", Session{ConnID: "c2", UserID: "u2", Name: "Bea", JoinedAt: base.Add(time.Second)})
	tr.Add("b1", Session{ConnID: "c1", UserID: "u1", Name: "Ada", JoinedAt: base})
	tr.Add("b2", Session{ConnID: "c3", UserID: "u1", Name: "Ada", JoinedAt: base})

	list := tr.ListActive("b1")
	require.Len(t, list, 2)
	assert.Equal(t, "u1", list[0].UserID, "ordered by join time")
	assert.Equal(t, "u2", list[1].UserID)

	assert.Equal(t, []string{"b1", "b2"}, tr.Boards())
	assert.Equal(t, 3, tr.Total())

	s, ok := tr.Remove("b1", "c1")
	require.True(t, ok)
	assert.Equal(t, "Ada", s.Name)

	_, ok = tr.Remove("b1", "c1")
	assert.False(t, ok, "second removal is a no-op")

	tr.Remove("b1", "c2")
	assert.Equal(t, 0, tr.Count("b1"))
	assert.Equal(t, []string{"b2"}, tr.Boards(), "empty boards are dropped")
}

func TestTracker_SameUserTwoTabs(t *testing.T) {
	tr := NewTracker()
	tr.Add("b1", Session{ConnID: "c1", UserID: "u1"})
	tr.Add("b1", Session{ConnID: "c2", UserID: "u1"})

	assert.Equal(t, 2, tr.Count("b1"))
	assert.Equal(t, 1, tr.Users("b1"))

	tr.Remove("b1", "c1")
	assert.Equal(t, 1, tr.Count("b1"), "closing one tab keeps the other present")
}

func TestTracker_AddReplacesConnection(t *testing.T) {
	tr := NewTracker()
	tr.Add("b1", Session{ConnID: "c1", UserID: "u1", Name: "Unknown User"})
	tr.Add("b1", Session{ConnID: "c1", UserID: "u1", Name: "Ada"})

	list := tr.ListActive("b1")
	require.Len(t, list, 1)
	assert.Equal(t, "Ada", list[0].Name)
}

// The active count equals joins minus leaves for any interleaving.
func TestTracker_JoinsMinusLeaves(t *testing.T) {
	tr := NewTracker()
	rng := rand.New(rand.NewSource(7))

	joined := map[string]bool{}
	joins, leaves := 0, 0
	for i := 0; i < 500; i++ {
		conn := fmt.Sprintf("c%d", rng.Intn(40))
		if joined[conn] {
			_, ok := tr.Remove("b1", conn)
			require.True(t, ok)
			delete(joined, conn)
			leaves++
		} else {
			tr.Add("b1", Session{ConnID: conn, UserID: conn})
			joined[conn] = true
			joins++
		}
		require.Equal(t, joins-leaves, tr.Count("b1"))
	}
}

func TestTracker_ConcurrentBoards(t *testing.T) {
	tr := NewTracker()
	var wg sync.WaitGroup
	for b := 0; b < 8; b++ {
		wg.Add(1)
		go func(b int) {
			defer wg.Done()
			board := fmt.Sprintf("b%d", b)
			for i := 0; i < 100; i++ {
				tr.Add(board, Session{ConnID: fmt.Sprintf("c%d", i)})
			}
			for i := 0; i < 50; i++ {
				tr.Remove(board, fmt.Sprintf("c%d", i))
			}
			_ = tr.ListActive(board)
		}(b)
	}
	wg.Wait()

	assert.Equal(t, 8*50, tr.Total())
}
