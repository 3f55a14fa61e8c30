package signal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/callsignal/internal/pubsub"
	"github.com/flowpbx/callsignal/internal/room"
)

// Room is the media room surface a Session drives.
type Room interface {
	Join(ctx context.Context, create bool) error
	Leave(ctx context.Context) error
	ParticipantCount() int
	CallingState() room.CallingState
	Watch(fn func(room.Event)) *pubsub.Subscription
}

// Beacon fires a termination request that must not delay the caller, such
// as during page unload. Send returns immediately and never retries.
type Beacon interface {
	Send(callID string)
}

// ExitReason says how a Session ended.
type ExitReason string

const (
	ExitLeft      ExitReason = "left"
	ExitAbandoned ExitReason = "abandoned"
	ExitUnloaded  ExitReason = "unloaded"
	ExitClosed    ExitReason = "closed"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	CallID     string
	Room       Room
	Terminator Terminator
	Beacon     Beacon // optional
	Countdown  time.Duration
	Clock      Clock
	Logger     *slog.Logger
	// OnExit runs once when the session ends.
	OnExit func(ExitReason)
	// TerminateTimeout bounds one EndCall attempt. Defaults to 10s.
	TerminateTimeout time.Duration
}

// Session is one client's participation in a call. It funnels the three
// ways a call can be abandoned (manual leave, countdown expiry and abrupt
// departure) into a single EndCall, gated on whether this client is the
// last participant when the trigger happens.
type Session struct {
	callID    string
	room      Room
	term      Terminator
	beacon    Beacon
	clock     Clock
	timeout   time.Duration
	onExit    func(ExitReason)
	logger    *slog.Logger
	countdown *Countdown

	mu     sync.Mutex
	state  CallState
	count  int
	subs   []*pubsub.Subscription
	exited bool
	base   context.Context
}

// NewSession creates a session in the Ringing state.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = 10 * time.Second
	}
	s := &Session{
		callID:  cfg.CallID,
		room:    cfg.Room,
		term:    cfg.Terminator,
		beacon:  cfg.Beacon,
		clock:   cfg.Clock,
		timeout: cfg.TerminateTimeout,
		onExit:  cfg.OnExit,
		logger:  cfg.Logger.With("subsystem", "call-session", "call_id", cfg.CallID),
		state:   StateRinging,
		base:    context.Background(),
	}
	s.countdown = NewCountdown(cfg.CallID, cfg.Countdown, s.expired)
	return s
}

// Join enters the call room and starts observing it. A failed join ends the
// session without terminating the call.
func (s *Session) Join(ctx context.Context, create bool) error {
	s.mu.Lock()
	if s.state != StateRinging {
		s.mu.Unlock()
		return fmt.Errorf("joining call %s: session is %s", s.callID, s.state)
	}
	s.mu.Unlock()

	if err := s.room.Join(ctx, create); err != nil {
		s.mu.Lock()
		s.state = StateEnded
		s.exited = true
		s.mu.Unlock()
		s.countdown.Stop()
		return fmt.Errorf("joining call %s: %w", s.callID, err)
	}

	sub := s.room.Watch(s.onRoomEvent)
	count := s.room.ParticipantCount()

	s.mu.Lock()
	s.base = context.WithoutCancel(ctx)
	s.state = StateActive
	s.count = count
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	s.countdown.Observe(count, s.clock.Now())
	s.logger.Info("joined call", "participants", count)
	return nil
}

// Run drives the countdown from ticks until ctx is done or the session
// ends.
func (s *Session) Run(ctx context.Context, ticks <-chan time.Time) {
	s.countdown.Run(ctx, ticks)
}

// RunTicker drives the countdown at one second resolution.
func (s *Session) RunTicker(ctx context.Context) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	s.Run(ctx, t.C)
}

// Leave is the manual hang-up. The call is ended if this client was the
// last participant.
func (s *Session) Leave(ctx context.Context) error {
	count := s.room.ParticipantCount()
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil
	}
	s.count = count
	s.mu.Unlock()

	if err := s.room.Leave(ctx); err != nil {
		s.logger.Warn("leaving room", "error", err)
	}
	// Rooms that report the transition have already finished the session
	// from onRoomEvent; finish is a no-op then.
	s.finish(ExitLeft, count <= 1, false)
	return nil
}

// Unload handles abrupt departure of the client. It fires the beacon when
// this client is the last participant and returns without waiting.
func (s *Session) Unload() {
	count := s.room.ParticipantCount()
	s.mu.Lock()
	if s.state != StateActive || s.exited {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if count <= 1 && s.beacon != nil {
		s.beacon.Send(s.callID)
		s.logger.Info("end call beacon sent")
	}
	s.finish(ExitUnloaded, false, true)
}

// Close ends the session without terminating the call.
func (s *Session) Close() {
	s.finish(ExitClosed, false, false)
}

// State returns the session's call state.
func (s *Session) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ParticipantCount returns the last observed participant count.
func (s *Session) ParticipantCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Remaining returns the countdown time left, for display.
func (s *Session) Remaining() (time.Duration, bool) {
	return s.countdown.Remaining(s.clock.Now())
}

// Countdown exposes the session's countdown.
func (s *Session) Countdown() *Countdown {
	return s.countdown
}

func (s *Session) onRoomEvent(ev room.Event) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return
	}
	if ev.CallingState == room.StateLeft {
		last := s.count <= 1
		s.mu.Unlock()
		s.finish(ExitLeft, last, false)
		return
	}
	s.count = ev.ParticipantCount
	s.mu.Unlock()

	s.countdown.Observe(ev.ParticipantCount, s.clock.Now())
}

func (s *Session) expired() {
	s.logger.Info("call abandoned, ending")
	s.finish(ExitAbandoned, true, true)
}

// finish runs the exit path once: stop the countdown, drop room
// subscriptions, end the call if asked, leave the room if asked.
func (s *Session) finish(reason ExitReason, terminate, leave bool) {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return
	}
	s.exited = true
	s.state = StateEnded
	subs := s.subs
	s.subs = nil
	base := s.base
	s.mu.Unlock()

	s.countdown.Stop()
	for _, sub := range subs {
		sub.Cancel()
	}

	if terminate && s.term != nil {
		ctx, cancel := context.WithTimeout(base, s.timeout)
		outcome := s.term.EndCall(ctx, s.callID)
		cancel()
		s.logger.Info("end call requested", "outcome", outcome)
	}
	if leave {
		if err := s.room.Leave(base); err != nil {
			s.logger.Warn("leaving room", "error", err)
		}
	}

	s.logger.Info("call session ended", "reason", reason)
	if s.onExit != nil {
		s.onExit(reason)
	}
}
