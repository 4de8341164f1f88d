package boardstate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-dev/boardsync/pkg/store"
)

// recordingStore wraps a MemoryStore and records every save.
type recordingStore struct {
	*store.MemoryStore

	mu       sync.Mutex
	saves    []savedScene
	failNext int
	loads    atomic.Int32

	// When set, SaveBoard signals started and waits for release.
	block   bool
	started chan struct{}
	release chan struct{}

	// onSave runs at the start of every SaveBoard.
	onSave func()
}

type savedScene struct {
	boardID string
	scene   store.Scene
}

func newRecordingStore() *recordingStore {
	return &recordingStore{MemoryStore: store.NewMemoryStore()}
}

func (s *recordingStore) LoadBoard(ctx context.Context, boardID string) (store.Scene, error) {
	s.loads.Add(1)
	return s.MemoryStore.LoadBoard(ctx, boardID)
}

func (s *recordingStore) SaveBoard(ctx context.Context, boardID string, scene store.Scene) error {
	s.mu.Lock()
	block, onSave := s.block, s.onSave
	s.mu.Unlock()
	if onSave != nil {
		onSave()
	}
	if block {
		s.started <- struct{}{}
		<-s.release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("storage unavailable")
	}
	s.saves = append(s.saves, savedScene{boardID: boardID, scene: scene})
	return s.MemoryStore.SaveBoard(ctx, boardID, scene)
}

func (s *recordingStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

func (s *recordingStore) lastSave() savedScene {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[len(s.saves)-1]
}

type degradedEvent struct {
	boardID  string
	degraded bool
}

type recordingObserver struct {
	mu        sync.Mutex
	flushes   int
	failures  int
	durations []time.Duration
	degraded  []degradedEvent
}

func (o *recordingObserver) BoardLoaded(string, bool, error) {}

func (o *recordingObserver) BoardFlushed(_ string, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.flushes++
	o.durations = append(o.durations, d)
	if err != nil {
		o.failures++
	}
}

func (o *recordingObserver) BoardDegraded(boardID string, degraded bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.degraded = append(o.degraded, degradedEvent{boardID, degraded})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCache(t *testing.T, s store.BoardStore, mutate ...func(*Config)) (*Cache, *ManualClock) {
	t.Helper()
	clock := NewManualClock(time.Unix(1_700_000_000, 0))
	cfg := DefaultConfig()
	cfg.Clock = clock
	cfg.Logger = testLogger()
	for _, m := range mutate {
		m(&cfg)
	}
	c := New(s, cfg)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, clock
}

func scene(elements string) store.Scene {
	return store.Scene{Elements: json.RawMessage(elements), BackgroundColor: "#ffffff"}
}

func TestAcquire_EmptyBoardReturnsDefault(t *testing.T) {
	rs := newRecordingStore()
	c, _ := newTestCache(t, rs)

	got, err := c.Acquire(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "[]", string(got.Elements))
	assert.Equal(t, DefaultBackground, got.BackgroundColor)
	assert.Equal(t, 1, c.Refs("b1"))
	assert.Equal(t, 0, rs.saveCount(), "loading a blank board must not write")
}

func TestAcquire_StoredBoardUnchanged(t *testing.T) {
	rs := newRecordingStore()
	require.NoError(t, rs.MemoryStore.SaveBoard(context.Background(), "b1", store.Scene{
		Elements:        json.RawMessage(`[{"id":"e1"}]`),
		BackgroundColor: "#000000",
	}))
	c, _ := newTestCache(t, rs)

	got, err := c.Acquire(context.Background(), "b1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"e1"}]`, string(got.Elements))
	assert.Equal(t, "#000000", got.BackgroundColor)

	// Second join is served from memory.
	_, err = c.Acquire(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, int32(1), rs.loads.Load())
	assert.Equal(t, 2, c.Refs("b1"))
}

func TestApply_CoalescesIntoOneWriteOfLatest(t *testing.T) {
	rs := newRecordingStore()
	c, clock := newTestCache(t, rs)
	_, err := c.Acquire(context.Background(), "b1")
	require.NoError(t, err)

	for i, elems := range []string{`[1]`, `[1,2]`, `[1,2,3]`} {
		pw, err := c.Apply("b1", scene(elems))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), pw.Version)
		clock.Advance(100 * time.Millisecond)
	}

	pw, ok := c.Pending("b1")
	require.True(t, ok)
	assert.Equal(t, uint64(3), pw.Version)
	assert.Equal(t, 0, rs.saveCount())

	clock.Advance(200 * time.Millisecond)
	require.Equal(t, 1, rs.saveCount())
	assert.Equal(t, "[1,2,3]", string(rs.lastSave().scene.Elements))

	_, ok = c.Pending("b1")
	assert.False(t, ok)
	assert.Equal(t, 0, clock.Pending(), "slot must be empty after a clean flush")
}

func TestApply_TwoUpdatesWithinTenMillisecondsPersistLater(t *testing.T) {
	rs := newRecordingStore()
	c, clock := newTestCache(t, rs)
	_, _ = c.Acquire(context.Background(), "b1")

	_, err := c.Apply("b1", scene(`[{"id":"first"}]`))
	require.NoError(t, err)
	clock.Advance(10 * time.Millisecond)
	_, err = c.Apply("b1", scene(`[{"id":"second"}]`))
	require.NoError(t, err)

	clock.Advance(DefaultFlushInterval)
	require.Equal(t, 1, rs.saveCount())
	assert.JSONEq(t, `[{"id":"second"}]`, string(rs.lastSave().scene.Elements))

	stored, err := rs.MemoryStore.LoadBoard(context.Background(), "b1")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"second"}]`, string(stored.Elements))
}

func TestApply_NoWriteBeforeInterval(t *testing.T) {
	rs := newRecordingStore()
	c, clock := newTestCache(t, rs)

	_, _ = c.Apply("b1", scene(`[1]`))
	clock.Advance(DefaultFlushInterval - time.Millisecond)
	assert.Equal(t, 0, rs.saveCount())

	clock.Advance(time.Millisecond)
	assert.Equal(t, 1, rs.saveCount())
}

func TestApply_EmptyBackgroundKeepsPrevious(t *testing.T) {
	c, _ := newTestCache(t, newRecordingStore())

	_, _ = c.Apply("b1", store.Scene{Elements: json.RawMessage(`[]`), BackgroundColor: "#abcdef"})
	pw, err := c.Apply("b1", store.Scene{Elements: json.RawMessage(`[1]`)})
	require.NoError(t, err)
	assert.Equal(t, "#abcdef", pw.Scene.BackgroundColor, "returned write carries the stored background")

	got, ok := c.Snapshot("b1")
	require.True(t, ok)
	assert.Equal(t, "#abcdef", got.BackgroundColor)
	assert.Equal(t, "[1]", string(got.Elements))
}

func TestApply_RejectsEmptyBoardID(t *testing.T) {
	c, _ := newTestCache(t, newRecordingStore())
	_, err := c.Apply("", scene(`[]`))
	require.ErrorIs(t, err, ErrEmptyBoardID)
}

func TestFlush_FailureKeepsPendingAndRetries(t *testing.T) {
	rs := newRecordingStore()
	obs := &recordingObserver{}
	c, clock := newTestCache(t, rs, func(cfg *Config) {
		cfg.Observer = obs
		cfg.FailureAlarmThreshold = 2
	})
	_, _ = c.Acquire(context.Background(), "b1")

	rs.mu.Lock()
	rs.failNext = 3
	rs.mu.Unlock()

	_, _ = c.Apply("b1", scene(`[1]`))

	clock.Advance(DefaultFlushInterval)
	_, ok := c.Pending("b1")
	assert.True(t, ok, "failed flush must keep the pending write")
	assert.Empty(t, c.DegradedBoards())

	clock.Advance(DefaultFlushInterval)
	assert.Equal(t, []string{"b1"}, c.DegradedBoards())

	// A newer update while failing replaces the payload that will be retried.
	_, _ = c.Apply("b1", scene(`[1,2]`))

	clock.Advance(DefaultFlushInterval)
	assert.Equal(t, 0, rs.saveCount())

	clock.Advance(DefaultFlushInterval)
	require.Equal(t, 1, rs.saveCount())
	assert.Equal(t, "[1,2]", string(rs.lastSave().scene.Elements))

	_, ok = c.Pending("b1")
	assert.False(t, ok)
	assert.Empty(t, c.DegradedBoards())

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 4, obs.flushes)
	assert.Equal(t, 3, obs.failures)
	assert.Equal(t, []degradedEvent{{"b1", true}, {"b1", false}}, obs.degraded)
}

func TestFlush_FailureOnOneBoardDoesNotAffectOthers(t *testing.T) {
	rs := newRecordingStore()
	c, clock := newTestCache(t, rs)

	rs.mu.Lock()
	rs.failNext = 1
	rs.mu.Unlock()

	_, _ = c.Apply("bad", scene(`[1]`))
	clock.Advance(time.Millisecond)
	_, _ = c.Apply("good", scene(`[2]`))

	clock.Advance(DefaultFlushInterval)
	require.Equal(t, 1, rs.saveCount())
	assert.Equal(t, "good", rs.lastSave().boardID)

	clock.Advance(DefaultFlushInterval)
	require.Equal(t, 2, rs.saveCount())
	assert.Equal(t, "bad", rs.lastSave().boardID)
}

func TestFlush_UpdateDuringInFlightWriteIsPersistedNext(t *testing.T) {
	rs := newRecordingStore()
	rs.block = true
	rs.started = make(chan struct{})
	rs.release = make(chan struct{})
	c, clock := newTestCache(t, rs)

	_, _ = c.Apply("b1", scene(`[1]`))

	done := make(chan struct{})
	go func() {
		clock.Advance(DefaultFlushInterval)
		close(done)
	}()
	<-rs.started

	// At most one write in flight: a direct flush attempt is a no-op.
	require.NoError(t, c.flush(context.Background(), "b1"))

	_, _ = c.Apply("b1", scene(`[1,2]`))
	assert.Equal(t, 0, clock.Pending(), "no slot may be armed while a flush is in flight")

	rs.release <- struct{}{}
	<-done

	require.Equal(t, 1, rs.saveCount())
	assert.Equal(t, "[1]", string(rs.lastSave().scene.Elements))

	pw, ok := c.Pending("b1")
	require.True(t, ok, "newer update must still be owed")
	assert.Equal(t, uint64(2), pw.Version)

	rs.mu.Lock()
	rs.block = false
	rs.mu.Unlock()
	clock.Advance(DefaultFlushInterval)

	require.Equal(t, 2, rs.saveCount())
	assert.Equal(t, "[1,2]", string(rs.lastSave().scene.Elements))
}

func TestRelease_LastPinFlushesImmediately(t *testing.T) {
	rs := newRecordingStore()
	c, _ := newTestCache(t, rs)

	_, _ = c.Acquire(context.Background(), "b1")
	_, _ = c.Acquire(context.Background(), "b1")
	_, _ = c.Apply("b1", scene(`[9]`))

	c.Release("b1")
	assert.Equal(t, 0, rs.saveCount(), "other members remain, keep debouncing")

	c.Release("b1")
	require.Eventually(t, func() bool { return rs.saveCount() == 1 }, time.Second, 5*time.Millisecond)

	got, ok := c.Snapshot("b1")
	require.True(t, ok, "entry stays warm after the last member leaves")
	assert.Equal(t, "[9]", string(got.Elements))
}

func TestSweep_EvictsOnlyCleanIdleEntries(t *testing.T) {
	rs := newRecordingStore()
	c, clock := newTestCache(t, rs, func(cfg *Config) {
		cfg.FlushInterval = time.Hour
	})

	_, _ = c.Acquire(context.Background(), "pinned")
	_, _ = c.Read(context.Background(), "idle")
	_, _ = c.Apply("dirty", scene(`[1]`))

	clock.Advance(30 * time.Minute)
	assert.Equal(t, 1, c.Sweep(10*time.Minute))

	_, ok := c.Snapshot("idle")
	assert.False(t, ok)
	_, ok = c.Snapshot("pinned")
	assert.True(t, ok)
	_, ok = c.Snapshot("dirty")
	assert.True(t, ok, "unflushed entries are never evicted")

	st := c.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, 1, st.Pinned)
	assert.Equal(t, 1, st.Pending)
}

func TestRead_ConcurrentColdLoadsHitStorageOnce(t *testing.T) {
	rs := newRecordingStore()
	c, _ := newTestCache(t, rs)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Read(context.Background(), "b1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, rs.loads.Load(), int32(16))
	_, ok := c.Snapshot("b1")
	assert.True(t, ok)
}

type failingLoadStore struct {
	*store.MemoryStore
}

func (failingLoadStore) LoadBoard(context.Context, string) (store.Scene, error) {
	return store.Scene{}, errors.New("connection refused")
}

func TestAcquire_LoadFailureKeepsPin(t *testing.T) {
	c, _ := newTestCache(t, failingLoadStore{store.NewMemoryStore()})

	_, err := c.Acquire(context.Background(), "b1")
	require.Error(t, err)
	assert.Equal(t, 1, c.Refs("b1"))

	// A full-scene update still lands and makes the board resident.
	_, err = c.Apply("b1", scene(`[5]`))
	require.NoError(t, err)
	got, err := c.Read(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, "[5]", string(got.Elements))
}

func TestClose_FlushesPendingAndRejectsUpdates(t *testing.T) {
	rs := newRecordingStore()
	clock := NewManualClock(time.Unix(0, 0))
	c := New(rs, Config{Clock: clock, Logger: testLogger()})

	_, _ = c.Apply("b1", scene(`[1]`))
	_, _ = c.Apply("b2", scene(`[2]`))

	require.NoError(t, c.Close(context.Background()))
	assert.Equal(t, 2, rs.saveCount())
	assert.Equal(t, 0, clock.Pending())

	_, err := c.Apply("b1", scene(`[3]`))
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.Acquire(context.Background(), "b1")
	require.ErrorIs(t, err, ErrClosed)

	// Idempotent.
	require.NoError(t, c.Close(context.Background()))
}

func TestClose_FinalFlushTimedByClock(t *testing.T) {
	rs := newRecordingStore()
	clock := NewManualClock(time.Unix(0, 0))
	obs := &recordingObserver{}
	rs.onSave = func() { clock.Advance(250 * time.Millisecond) }
	c := New(rs, Config{Clock: clock, Logger: testLogger(), Observer: obs})

	_, _ = c.Apply("b1", scene(`[1]`))
	require.NoError(t, c.Close(context.Background()))

	obs.mu.Lock()
	defer obs.mu.Unlock()
	require.Equal(t, []time.Duration{250 * time.Millisecond}, obs.durations)
}

func TestClose_ReportsFinalFlushFailure(t *testing.T) {
	rs := newRecordingStore()
	rs.failNext = 1
	c := New(rs, Config{Clock: NewManualClock(time.Unix(0, 0)), Logger: testLogger()})

	_, _ = c.Apply("b1", scene(`[1]`))
	err := c.Close(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b1")
}

func TestStartJanitor(t *testing.T) {
	c, _ := newTestCache(t, newRecordingStore(), func(cfg *Config) {
		cfg.JanitorSchedule = "@every 1h"
	})
	require.NoError(t, c.StartJanitor())
	require.NoError(t, c.StartJanitor())

	bad, _ := newTestCache(t, newRecordingStore(), func(cfg *Config) {
		cfg.JanitorSchedule = "not a schedule"
	})
	require.Error(t, bad.StartJanitor())
}
