package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"edit", Edit, false},
		{"VIEW", View, false},
		{"", NoAccess, false},
		{"no-access", NoAccess, false},
		{"admin", NoAccess, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrUnknownLevel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelPredicates(t *testing.T) {
	assert.False(t, NoAccess.CanView())
	assert.True(t, View.CanView())
	assert.False(t, View.CanEdit())
	assert.True(t, Edit.CanEdit())
	assert.Equal(t, "no-access", NoAccess.String())
	assert.Equal(t, "edit", Edit.String())
}

func TestCached_ReusesDecisionUntilExpiry(t *testing.T) {
	now := time.Unix(1000, 0)
	calls := 0
	backend := AuthorizerFunc(func(ctx context.Context, userID, boardID string) (Level, error) {
		calls++
		return Edit, nil
	})
	c := NewCached(backend, WithTTL(time.Second), WithNow(func() time.Time { return now }))

	for i := 0; i < 3; i++ {
		level, err := c.Access(context.Background(), "u1", "b1")
		require.NoError(t, err)
		assert.Equal(t, Edit, level)
	}
	assert.Equal(t, 1, calls)

	now = now.Add(2 * time.Second)
	_, err := c.Access(context.Background(), "u1", "b1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, c.Prune())
}

func TestCached_DoesNotCacheErrors(t *testing.T) {
	fail := true
	calls := 0
	backend := AuthorizerFunc(func(ctx context.Context, userID, boardID string) (Level, error) {
		calls++
		if fail {
			return NoAccess, errors.New("db down")
		}
		return View, nil
	})
	c := NewCached(backend)

	_, err := c.Access(context.Background(), "u1", "b1")
	require.Error(t, err)

	fail = false
	level, err := c.Access(context.Background(), "u1", "b1")
	require.NoError(t, err)
	assert.Equal(t, View, level)
	assert.Equal(t, 2, calls)
}

func TestCached_Invalidate(t *testing.T) {
	level := View
	backend := AuthorizerFunc(func(ctx context.Context, userID, boardID string) (Level, error) {
		return level, nil
	})
	c := NewCached(backend, WithTTL(time.Hour))

	got, _ := c.Access(context.Background(), "u1", "b1")
	assert.Equal(t, View, got)

	level = Edit
	got, _ = c.Access(context.Background(), "u1", "b1")
	assert.Equal(t, View, got)

	c.Invalidate("b1")
	got, _ = c.Access(context.Background(), "u1", "b1")
	assert.Equal(t, Edit, got)
}
