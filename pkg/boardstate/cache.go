// Package boardstate holds the authoritative in-memory scene of every active
// board and persists it lazily.
//
// Every update replaces a board's scene wholesale. The first update after a
// clean state arms a per-board flush slot; later updates inside the window
// only overwrite the pending payload, so N rapid updates cost one write of
// the Nth scene. At most one write per board is in flight. A failed write
// keeps its payload and retries on the next tick.
package boardstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/vango-dev/boardsync/pkg/store"
)

const tracerName = "github.com/vango-dev/boardsync/pkg/boardstate"

// PendingWrite is the single coalesced durable write owed for a board.
type PendingWrite struct {
	BoardID  string
	Scene    store.Scene
	Version  uint64
	Deadline time.Time
}

// slot is an armed flush. A board has at most one.
type slot struct {
	timer Timer
}

type entry struct {
	mu sync.Mutex

	id         string
	loaded     bool
	scene      store.Scene
	version    uint64
	refs       int
	lastAccess time.Time

	pending  *PendingWrite
	slot     *slot
	flushing bool
	failures int
	degraded bool
}

// Stats is a point-in-time summary of the cache.
type Stats struct {
	Entries  int `json:"entries"`
	Pinned   int `json:"pinned"`
	Pending  int `json:"pending"`
	Flushing int `json:"flushing"`
	Degraded int `json:"degraded"`
}

// Cache is the board state cache and persistence debouncer.
// It is safe for concurrent use.
type Cache struct {
	store  store.BoardStore
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer
	clock  Clock

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	loads    singleflight.Group
	inflight sync.WaitGroup
	janitor  *cron.Cron
}

// New creates a cache in front of s.
func New(s store.BoardStore, cfg Config) *Cache {
	cfg.fillDefaults()

	tp := cfg.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Cache{
		store:   s,
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "boardstate"),
		tracer:  tp.Tracer(tracerName),
		clock:   cfg.Clock,
		entries: make(map[string]*entry),
	}
}

// Config returns the effective configuration.
func (c *Cache) Config() Config {
	return c.cfg
}

// lockEntry returns the entry for boardID with its mutex held, creating it
// when create is set. It returns nil if the entry does not exist (and create
// is false) or the cache is closed. Holding the map read lock until the entry
// is locked keeps Sweep from evicting it in between.
func (c *Cache) lockEntry(boardID string, create bool) *entry {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return nil
	}
	if e, ok := c.entries[boardID]; ok {
		e.mu.Lock()
		c.mu.RUnlock()
		return e
	}
	c.mu.RUnlock()

	if !create {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	e, ok := c.entries[boardID]
	if !ok {
		e = &entry{id: boardID, lastAccess: c.clock.Now()}
		c.entries[boardID] = e
	}
	e.mu.Lock()
	return e
}

func (c *Cache) defaultScene() store.Scene {
	return store.Scene{
		Elements:        []byte(`[]`),
		BackgroundColor: c.cfg.DefaultBackground,
	}
}

// Acquire pins the board for a joined session and returns its current scene,
// loading it from storage on a cold miss. The pin is held even when loading
// fails; every Acquire must be paired with a Release.
func (c *Cache) Acquire(ctx context.Context, boardID string) (store.Scene, error) {
	if boardID == "" {
		return store.Scene{}, ErrEmptyBoardID
	}
	e := c.lockEntry(boardID, true)
	if e == nil {
		return store.Scene{}, ErrClosed
	}
	e.refs++
	e.lastAccess = c.clock.Now()
	e.mu.Unlock()

	return c.Read(ctx, boardID)
}

// Read returns the board's scene, loading it from storage on a cold miss.
// Unlike Acquire it does not pin the entry.
func (c *Cache) Read(ctx context.Context, boardID string) (store.Scene, error) {
	if boardID == "" {
		return store.Scene{}, ErrEmptyBoardID
	}

	if scene, ok := c.Snapshot(boardID); ok {
		c.cfg.Observer.BoardLoaded(boardID, true, nil)
		return scene, nil
	}

	ch := c.loads.DoChan(boardID, func() (any, error) {
		return nil, c.load(ctx, boardID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return store.Scene{}, res.Err
		}
	case <-ctx.Done():
		return store.Scene{}, ctx.Err()
	}

	scene, ok := c.Snapshot(boardID)
	if !ok {
		// Evicted or closed between load and read.
		if c.isClosed() {
			return store.Scene{}, ErrClosed
		}
		return store.Scene{}, ErrNotResident
	}
	return scene, nil
}

// load reads the board from storage and installs it unless an update
// arrived meanwhile. It runs once per board at a time.
func (c *Cache) load(ctx context.Context, boardID string) (err error) {
	// The load is shared by every waiter, so it must outlive the first
	// caller's cancellation.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LoadTimeout)
	defer cancel()

	ctx, span := c.tracer.Start(ctx, "boardstate.load",
		trace.WithAttributes(attribute.String("board.id", boardID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		c.cfg.Observer.BoardLoaded(boardID, false, err)
	}()

	scene, err := c.store.LoadBoard(ctx, boardID)
	switch {
	case errors.Is(err, store.ErrBoardNotFound):
		scene = c.defaultScene()
		err = nil
	case err != nil:
		c.logger.Error("board load failed", "board_id", boardID, "error", err)
		return fmt.Errorf("boardstate: load %s: %w", boardID, err)
	}
	if len(scene.Elements) == 0 {
		scene.Elements = []byte(`[]`)
	}
	if scene.BackgroundColor == "" {
		scene.BackgroundColor = c.cfg.DefaultBackground
	}

	e := c.lockEntry(boardID, true)
	if e == nil {
		return ErrClosed
	}
	defer e.mu.Unlock()
	if !e.loaded {
		e.scene = scene
		e.loaded = true
		c.logger.Debug("board loaded", "board_id", boardID)
	}
	return nil
}

// Snapshot returns the cached scene without touching storage.
func (c *Cache) Snapshot(boardID string) (store.Scene, bool) {
	e := c.lockEntry(boardID, false)
	if e == nil {
		return store.Scene{}, false
	}
	defer e.mu.Unlock()
	if !e.loaded {
		return store.Scene{}, false
	}
	e.lastAccess = c.clock.Now()
	return e.scene, true
}

// Apply replaces the board's scene and schedules a durable write. It never
// blocks on storage. The cache takes ownership of scene's element buffer.
// An empty background colour keeps the previous one. The returned write
// holds the scene as stored, which is what peers must be sent.
func (c *Cache) Apply(boardID string, scene store.Scene) (PendingWrite, error) {
	if boardID == "" {
		return PendingWrite{}, ErrEmptyBoardID
	}
	e := c.lockEntry(boardID, true)
	if e == nil {
		return PendingWrite{}, ErrClosed
	}
	defer e.mu.Unlock()

	if scene.BackgroundColor == "" {
		scene.BackgroundColor = e.scene.BackgroundColor
		if scene.BackgroundColor == "" {
			scene.BackgroundColor = c.cfg.DefaultBackground
		}
	}

	now := c.clock.Now()
	e.scene = scene
	e.loaded = true
	e.version++
	e.lastAccess = now

	if e.pending == nil {
		e.pending = &PendingWrite{
			BoardID:  boardID,
			Scene:    scene,
			Version:  e.version,
			Deadline: now.Add(c.cfg.FlushInterval),
		}
		if !e.flushing {
			c.armLocked(e)
		}
	} else {
		e.pending.Scene = scene
		e.pending.Version = e.version
	}
	return *e.pending, nil
}

// Pending returns a copy of the board's pending write, if any.
func (c *Cache) Pending(boardID string) (PendingWrite, bool) {
	e := c.lockEntry(boardID, false)
	if e == nil {
		return PendingWrite{}, false
	}
	defer e.mu.Unlock()
	if e.pending == nil {
		return PendingWrite{}, false
	}
	return *e.pending, true
}

// armLocked fills the board's flush slot. e.mu must be held.
func (c *Cache) armLocked(e *entry) {
	if e.slot != nil {
		return
	}
	s := &slot{}
	id := e.id
	s.timer = c.clock.AfterFunc(c.cfg.FlushInterval, func() {
		c.fire(id, s)
	})
	e.slot = s
	if e.pending != nil {
		e.pending.Deadline = c.clock.Now().Add(c.cfg.FlushInterval)
	}
}

// disarmLocked empties the board's flush slot. e.mu must be held.
func (c *Cache) disarmLocked(e *entry) {
	if e.slot == nil {
		return
	}
	e.slot.timer.Stop()
	e.slot = nil
}

// fire runs when a slot's timer elapses. Stale timers are ignored.
func (c *Cache) fire(boardID string, s *slot) {
	e := c.lockEntry(boardID, false)
	if e == nil {
		return
	}
	if e.slot != s {
		e.mu.Unlock()
		return
	}
	e.slot = nil
	e.mu.Unlock()

	// flush logs and re-arms on failure.
	_ = c.flush(context.Background(), boardID)
}

// flush writes the pending payload. Only one flush per board runs at a time;
// a concurrent call returns nil without writing.
func (c *Cache) flush(ctx context.Context, boardID string) (err error) {
	e := c.lockEntry(boardID, false)
	if e == nil {
		return nil
	}
	if e.pending == nil || e.flushing {
		e.mu.Unlock()
		return nil
	}
	e.flushing = true
	payload := e.pending.Scene
	version := e.pending.Version
	c.inflight.Add(1)
	e.mu.Unlock()
	defer c.inflight.Done()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SaveTimeout)
	defer cancel()
	ctx, span := c.tracer.Start(ctx, "boardstate.flush", trace.WithAttributes(
		attribute.String("board.id", boardID),
		attribute.Int64("board.version", int64(version)),
	))

	start := c.clock.Now()
	err = c.store.SaveBoard(ctx, boardID, payload)
	elapsed := c.clock.Now().Sub(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	c.cfg.Observer.BoardFlushed(boardID, elapsed, err)

	// Pending writes pin the entry, so it is still resident.
	c.mu.RLock()
	closing := c.closed
	e = c.entries[boardID]
	c.mu.RUnlock()
	if e == nil {
		return err
	}

	e.mu.Lock()
	e.flushing = false

	var degradedChange *bool
	if err != nil {
		e.failures++
		c.logger.Warn("board flush failed",
			"board_id", boardID,
			"version", version,
			"failures", e.failures,
			"error", err)
		if !e.degraded && e.failures >= c.cfg.FailureAlarmThreshold {
			e.degraded = true
			v := true
			degradedChange = &v
			c.logger.Error("board persistence degraded",
				"board_id", boardID,
				"failures", e.failures)
		}
		if !closing {
			c.armLocked(e)
		}
	} else {
		if e.degraded {
			e.degraded = false
			v := false
			degradedChange = &v
			c.logger.Info("board persistence recovered",
				"board_id", boardID,
				"failures", e.failures)
		}
		e.failures = 0
		if e.pending != nil && e.pending.Version == version {
			e.pending = nil
		} else if !closing {
			c.armLocked(e)
		}
		c.logger.Debug("board flushed", "board_id", boardID, "version", version, "duration", elapsed)
	}
	e.mu.Unlock()

	if degradedChange != nil {
		c.cfg.Observer.BoardDegraded(boardID, *degradedChange)
	}
	if err != nil {
		return fmt.Errorf("boardstate: flush %s: %w", boardID, err)
	}
	return nil
}

// FlushNow disarms the board's slot and writes its pending payload
// immediately. It returns the write error, if any. If a flush is already in
// flight it returns nil; that flush re-arms itself if newer data arrived.
func (c *Cache) FlushNow(ctx context.Context, boardID string) error {
	e := c.lockEntry(boardID, false)
	if e == nil {
		return nil
	}
	c.disarmLocked(e)
	e.mu.Unlock()
	return c.flush(ctx, boardID)
}

// Release drops a pin taken by Acquire. When the last pin goes, any pending
// write is flushed right away instead of waiting for its slot.
func (c *Cache) Release(boardID string) {
	e := c.lockEntry(boardID, false)
	if e == nil {
		return
	}
	if e.refs > 0 {
		e.refs--
	}
	e.lastAccess = c.clock.Now()
	flushNow := e.refs == 0 && e.pending != nil && !e.flushing
	if flushNow {
		c.disarmLocked(e)
	}
	e.mu.Unlock()

	if flushNow {
		go func() {
			// Failures are logged and retried by flush itself.
			_ = c.flush(context.Background(), boardID)
		}()
	}
}

// Refs returns the number of pins held on a board.
func (c *Cache) Refs(boardID string) int {
	e := c.lockEntry(boardID, false)
	if e == nil {
		return 0
	}
	defer e.mu.Unlock()
	return e.refs
}

// Sweep evicts entries that are unpinned, fully persisted and idle for at
// least maxIdle. It returns the number evicted.
func (c *Cache) Sweep(maxIdle time.Duration) int {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for id, e := range c.entries {
		e.mu.Lock()
		idle := now.Sub(e.lastAccess) >= maxIdle
		if e.refs == 0 && e.pending == nil && !e.flushing && e.slot == nil && idle {
			delete(c.entries, id)
			evicted++
		}
		e.mu.Unlock()
	}
	if evicted > 0 {
		c.logger.Debug("evicted idle boards", "count", evicted, "remaining", len(c.entries))
	}
	return evicted
}

// DegradedBoards returns the ids of boards whose writes keep failing.
func (c *Cache) DegradedBoards() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for id, e := range c.entries {
		e.mu.Lock()
		if e.degraded {
			out = append(out, id)
		}
		e.mu.Unlock()
	}
	sort.Strings(out)
	return out
}

// Stats summarizes the cache.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{Entries: len(c.entries)}
	for _, e := range c.entries {
		e.mu.Lock()
		if e.refs > 0 {
			s.Pinned++
		}
		if e.pending != nil {
			s.Pending++
		}
		if e.flushing {
			s.Flushing++
		}
		if e.degraded {
			s.Degraded++
		}
		e.mu.Unlock()
	}
	return s
}

// StartJanitor schedules periodic eviction of idle entries and a report of
// degraded boards.
func (c *Cache) StartJanitor() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.janitor != nil {
		return nil
	}

	j := cron.New()
	if _, err := j.AddFunc(c.cfg.JanitorSchedule, func() {
		c.Sweep(c.cfg.MaxIdle)
		if c.cfg.OnSweep != nil {
			c.cfg.OnSweep()
		}
		if degraded := c.DegradedBoards(); len(degraded) > 0 {
			c.logger.Error("boards still failing to persist", "boards", degraded)
		}
	}); err != nil {
		return fmt.Errorf("boardstate: janitor schedule %q: %w", c.cfg.JanitorSchedule, err)
	}
	j.Start()
	c.janitor = j
	return nil
}

func (c *Cache) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close stops all timers, waits for in-flight writes, then synchronously
// flushes every pending write. Updates applied after Close are rejected.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	janitor := c.janitor
	entries := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	if janitor != nil {
		<-janitor.Stop().Done()
	}

	for _, e := range entries {
		e.mu.Lock()
		c.disarmLocked(e)
		e.mu.Unlock()
	}
	c.inflight.Wait()

	var errs []error
	flushed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		e.mu.Lock()
		hasPending := e.pending != nil
		e.mu.Unlock()
		if !hasPending {
			continue
		}
		if err := c.flushClosed(ctx, e); err != nil {
			errs = append(errs, err)
			continue
		}
		flushed++
	}

	c.logger.Info("board cache closed", "flushed", flushed, "failed", len(errs))
	return errors.Join(errs...)
}

// flushClosed writes an entry's pending payload after Close detached the
// cache from new work.
func (c *Cache) flushClosed(ctx context.Context, e *entry) error {
	e.mu.Lock()
	if e.pending == nil {
		e.mu.Unlock()
		return nil
	}
	payload := e.pending.Scene
	e.mu.Unlock()

	saveCtx, cancel := context.WithTimeout(ctx, c.cfg.SaveTimeout)
	defer cancel()

	start := c.clock.Now()
	err := c.store.SaveBoard(saveCtx, e.id, payload)
	c.cfg.Observer.BoardFlushed(e.id, c.clock.Now().Sub(start), err)
	if err != nil {
		c.logger.Error("final board flush failed", "board_id", e.id, "error", err)
		return fmt.Errorf("boardstate: flush %s: %w", e.id, err)
	}

	e.mu.Lock()
	e.pending = nil
	e.mu.Unlock()
	return nil
}
