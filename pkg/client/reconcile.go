package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/vango-dev/boardsync/pkg/protocol"
)

// ErrInvalidScene is returned for local scenes whose elements are not a
// JSON array.
var ErrInvalidScene = errors.New("client: elements must be a JSON array")

// Scene is the peer's local copy of a board.
type Scene struct {
	Elements        json.RawMessage
	BackgroundColor string
}

// State is the reconciler's mode.
type State int32

const (
	// StateIdle accepts local changes.
	StateIdle State = iota
	// StateApplyingRemote is held while a received scene is installed.
	// Local changes observed in this state are echoes and are dropped.
	StateApplyingRemote
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateApplyingRemote:
		return "applying-remote"
	default:
		return "unknown"
	}
}

// SceneApplier installs a scene into the local editor.
type SceneApplier func(Scene)

// DrawSink receives updates to send to the server.
type DrawSink func(protocol.Draw)

// Reconciler merges local edits with scenes received from the server. It
// suppresses re-emission of remote changes and of local changes that do not
// alter the scene.
type Reconciler struct {
	userID string
	apply  SceneApplier
	emit   DrawSink
	now    func() time.Time

	mu      sync.Mutex
	boardID string
	canEdit bool
	state   State
	last    []byte
}

// NewReconciler creates a reconciler for userID. apply is called with every
// accepted remote scene and emit with every local update worth sending.
func NewReconciler(userID string, apply SceneApplier, emit DrawSink) *Reconciler {
	return &Reconciler{
		userID:  userID,
		apply:   apply,
		emit:    emit,
		now:     time.Now,
		canEdit: true,
	}
}

// SetBoard switches the reconciler to boardID and forgets the last-known
// scene.
func (r *Reconciler) SetBoard(boardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boardID = boardID
	r.last = nil
}

// BoardID returns the current board.
func (r *Reconciler) BoardID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.boardID
}

// SetCanEdit records whether the local user may edit the board. Viewers
// track the scene but never emit.
func (r *Reconciler) SetCanEdit(canEdit bool) {
	r.mu.Lock()
	r.canEdit = canEdit
	r.mu.Unlock()
}

// State returns the current mode.
func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ApplyRemote installs a draw relayed from another user. It reports whether
// the update was applied; updates authored by the local user or for another
// board are ignored.
func (r *Reconciler) ApplyRemote(d protocol.Draw) bool {
	if d.UserID == r.userID {
		return false
	}
	return r.install(d.BoardID, Scene{Elements: d.Elements, BackgroundColor: d.BackgroundColor})
}

// ApplySnapshot installs an authoritative board-state.
func (r *Reconciler) ApplySnapshot(s protocol.BoardState) bool {
	return r.install(s.BoardID, Scene{Elements: s.Elements, BackgroundColor: s.BackgroundColor})
}

func (r *Reconciler) install(boardID string, scene Scene) bool {
	key, err := sceneKey(scene)
	if err != nil {
		return false
	}

	r.mu.Lock()
	if boardID != r.boardID || r.state != StateIdle {
		r.mu.Unlock()
		return false
	}
	r.state = StateApplyingRemote
	r.last = key
	r.mu.Unlock()

	// The applier may report the change back through LocalChange; the
	// lock is released so that call sees ApplyingRemote instead of blocking.
	defer func() {
		r.mu.Lock()
		r.state = StateIdle
		r.mu.Unlock()
	}()
	if r.apply != nil {
		r.apply(scene)
	}
	return true
}

// LocalChange is called whenever the local editor reports a scene. It
// reports whether an update was emitted.
func (r *Reconciler) LocalChange(scene Scene) (bool, error) {
	key, err := sceneKey(scene)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	if r.state != StateIdle || r.boardID == "" {
		r.mu.Unlock()
		return false, nil
	}
	if bytes.Equal(key, r.last) {
		r.mu.Unlock()
		return false, nil
	}
	r.last = key
	if !r.canEdit {
		r.mu.Unlock()
		return false, nil
	}
	draw := protocol.Draw{
		BoardID:         r.boardID,
		UserID:          r.userID,
		Elements:        append(json.RawMessage(nil), scene.Elements...),
		BackgroundColor: scene.BackgroundColor,
		Timestamp:       r.now().UnixMilli(),
	}
	r.mu.Unlock()

	if r.emit != nil {
		r.emit(draw)
	}
	return true, nil
}

// sceneKey returns a canonical encoding of scene: elements re-marshalled
// with sorted object keys, followed by the background.
func sceneKey(scene Scene) ([]byte, error) {
	if !protocol.IsElementArray(scene.Elements) {
		return nil, ErrInvalidScene
	}
	dec := json.NewDecoder(bytes.NewReader(scene.Elements))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	canon = append(canon, 0)
	return append(canon, scene.BackgroundColor...), nil
}
