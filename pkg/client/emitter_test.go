package client

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vango-dev/boardsync/pkg/protocol"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEmitter_PreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var got []int64
	e := NewEmitter(time.Millisecond, func(d protocol.Draw) error {
		mu.Lock()
		got = append(got, d.Timestamp)
		mu.Unlock()
		return nil
	}, discardLogger())

	for i := int64(1); i <= 20; i++ {
		e.Emit(protocol.Draw{BoardID: "b1", Timestamp: i})
	}
	e.Close()

	want := make([]int64, 20)
	for i := range want {
		want[i] = int64(i + 1)
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 0, e.Len())
}

func TestEmitter_DelaysSend(t *testing.T) {
	sent := make(chan time.Time, 1)
	e := NewEmitter(30*time.Millisecond, func(protocol.Draw) error {
		sent <- time.Now()
		return nil
	}, discardLogger())
	defer e.Close()

	start := time.Now()
	e.Emit(protocol.Draw{BoardID: "b1"})

	select {
	case at := <-sent:
		assert.GreaterOrEqual(t, at.Sub(start), 30*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("update was not sent")
	}
}

func TestEmitter_SendErrorDoesNotStopWorker(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	e := NewEmitter(0, func(protocol.Draw) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return errors.New("socket down")
		}
		return nil
	}, discardLogger())

	e.Emit(protocol.Draw{BoardID: "b1"})
	e.Emit(protocol.Draw{BoardID: "b1"})
	e.Close()

	assert.Equal(t, 2, calls)
}

func TestEmitter_EmitAfterCloseIsDropped(t *testing.T) {
	calls := 0
	e := NewEmitter(0, func(protocol.Draw) error { calls++; return nil }, discardLogger())
	e.Close()
	e.Close()

	e.Emit(protocol.Draw{BoardID: "b1"})
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0, e.Len())
}
