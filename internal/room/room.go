// Package room is an in-process media room registry. It stands in for the
// real-time media transport: the signaling protocol only ever joins, leaves,
// reads the participant count and watches for changes.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/callsignal/internal/pubsub"
)

// CallingState is the local user's relationship to a room.
type CallingState int

const (
	StateIdle   CallingState = iota // not yet joined
	StateJoined                     // in the room
	StateLeft                       // left; terminal for this handle
)

func (s CallingState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoined:
		return "joined"
	case StateLeft:
		return "left"
	default:
		return "unknown"
	}
}

var (
	// ErrNotFound is returned by Join(ctx, false) when the room does not exist.
	ErrNotFound = errors.New("room not found")
	// ErrLeft is returned when joining through a handle that already left.
	ErrLeft = errors.New("room handle already left")
)

// Event is delivered to Watch handlers whenever the participant count or
// the handle's calling state changes.
type Event struct {
	CallID           string
	ParticipantCount int
	CallingState     CallingState
}

type room struct {
	callID    string
	members   map[string]int // user id -> joined handles
	changed   *pubsub.Broker[struct{}]
	createdAt time.Time
}

func (r *room) count() int {
	return len(r.members)
}

// Registry tracks the live rooms of this process keyed by call id.
type Registry struct {
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("subsystem", "room"),
		rooms:  make(map[string]*room),
	}
}

// Handle returns a per-user handle on the room for callID. The room itself
// is created lazily by Join.
func (r *Registry) Handle(callID, userID string) *Handle {
	return &Handle{
		reg:    r,
		callID: callID,
		userID: userID,
		local:  pubsub.NewBroker[Event](),
	}
}

// Participants returns the number of distinct users in the room for callID.
func (r *Registry) Participants(callID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[callID]; ok {
		return rm.count()
	}
	return 0
}

// Stats returns the number of live rooms and the total participants across
// them.
func (r *Registry) Stats() (rooms, participants int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rm := range r.rooms {
		rooms++
		participants += rm.count()
	}
	return rooms, participants
}

func (r *Registry) join(callID, userID string, create bool) (*room, error) {
	r.mu.Lock()
	rm, ok := r.rooms[callID]
	if !ok {
		if !create {
			r.mu.Unlock()
			return nil, fmt.Errorf("joining %s: %w", callID, ErrNotFound)
		}
		rm = &room{
			callID:    callID,
			members:   make(map[string]int),
			changed:   pubsub.NewBroker[struct{}](),
			createdAt: time.Now(),
		}
		r.rooms[callID] = rm
		r.logger.Info("room created", "call_id", callID)
	}
	rm.members[userID]++
	count := rm.count()
	r.mu.Unlock()

	r.logger.Debug("participant joined", "call_id", callID, "user_id", userID, "participants", count)
	rm.changed.Publish("changed", struct{}{})
	return rm, nil
}

func (r *Registry) leave(rm *room, userID string) {
	r.mu.Lock()
	if n := rm.members[userID]; n > 1 {
		rm.members[userID] = n - 1
	} else {
		delete(rm.members, userID)
	}
	count := rm.count()
	if count == 0 && r.rooms[rm.callID] == rm {
		delete(r.rooms, rm.callID)
		r.logger.Info("room closed", "call_id", rm.callID, "duration", time.Since(rm.createdAt).Round(time.Second))
	}
	r.mu.Unlock()

	r.logger.Debug("participant left", "call_id", rm.callID, "user_id", userID, "participants", count)
	rm.changed.Publish("changed", struct{}{})
}

func (r *Registry) countOf(rm *room) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return rm.count()
}

// Handle is one user's connection to a room. It is safe for concurrent use.
type Handle struct {
	reg    *Registry
	callID string
	userID string
	local  *pubsub.Broker[Event]

	mu    sync.Mutex
	state CallingState
	rm    *room
	sub   *pubsub.Subscription
}

// CallID returns the call id the handle is bound to.
func (h *Handle) CallID() string {
	return h.callID
}

// Join enters the room. With create false the room must already exist.
// Joining an already joined handle is a no-op.
func (h *Handle) Join(ctx context.Context, create bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	switch h.state {
	case StateJoined:
		h.mu.Unlock()
		return nil
	case StateLeft:
		h.mu.Unlock()
		return ErrLeft
	}
	h.mu.Unlock()

	rm, err := h.reg.join(h.callID, h.userID, create)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.rm = rm
	h.state = StateJoined
	h.sub = rm.changed.Subscribe("changed", func(struct{}) { h.emit() })
	h.mu.Unlock()

	h.emit()
	return nil
}

// Leave exits the room and moves the handle to StateLeft. Leaving twice is
// a no-op.
func (h *Handle) Leave(ctx context.Context) error {
	h.mu.Lock()
	if h.state != StateJoined {
		h.state = StateLeft
		h.mu.Unlock()
		return nil
	}
	rm := h.rm
	sub := h.sub
	h.state = StateLeft
	h.rm = nil
	h.sub = nil
	h.mu.Unlock()

	sub.Cancel()
	h.reg.leave(rm, h.userID)
	h.emit()
	return nil
}

// ParticipantCount returns the number of distinct users in the room, or 0
// while the handle is not joined.
func (h *Handle) ParticipantCount() int {
	h.mu.Lock()
	rm := h.rm
	h.mu.Unlock()
	if rm == nil {
		return 0
	}
	return h.reg.countOf(rm)
}

// CallingState returns the handle's state.
func (h *Handle) CallingState() CallingState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Watch registers fn for participant count and calling state changes.
func (h *Handle) Watch(fn func(Event)) *pubsub.Subscription {
	return h.local.Subscribe("event", fn)
}

func (h *Handle) emit() {
	h.local.Publish("event", Event{
		CallID:           h.callID,
		ParticipantCount: h.ParticipantCount(),
		CallingState:     h.CallingState(),
	})
}
