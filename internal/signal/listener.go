package signal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/callsignal/internal/channel"
	"github.com/flowpbx/callsignal/internal/pubsub"
)

// DismissReason says why an alert went away.
type DismissReason string

const (
	DismissAccepted   DismissReason = "accepted"
	DismissIgnored    DismissReason = "ignored"
	DismissTimedOut   DismissReason = "timed_out"
	DismissSuperseded DismissReason = "superseded"
	DismissEnded      DismissReason = "ended"
)

// Alert is an incoming call surfaced to the user.
type Alert struct {
	CallID      string
	ChannelID   string
	CallerID    string
	CallerName  string
	CallerImage string
	JoinRef     string
	Deadline    time.Time
}

// Alerter presents incoming call alerts, including the audio cue. Present is
// called at most once per call id and is always followed by exactly one
// Dismiss for that id.
type Alerter interface {
	Present(a Alert)
	Dismiss(callID string, reason DismissReason)
}

// EventSource delivers channel events by type.
type EventSource interface {
	Subscribe(t channel.EventType, fn func(channel.Event)) *pubsub.Subscription
}

// seenLimit bounds the call ids remembered for dedup.
const seenLimit = 64

// Listener turns ring announcements into at most one alert per call id and
// per client. It is safe for concurrent use.
type Listener struct {
	selfID  string
	alerter Alerter
	clock   Clock
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	current string // call id of the latest ring surfaced
	alert   *Alert
	timer   Timer
	seen    map[string]struct{}
	order   []string
}

// ListenerOptions configures a Listener. Zero values select the defaults.
type ListenerOptions struct {
	Timeout time.Duration
	Clock   Clock
	Logger  *slog.Logger
}

// NewListener creates a listener for the user selfID.
func NewListener(selfID string, alerter Alerter, opts ListenerOptions) *Listener {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRingTimeout
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Listener{
		selfID:  selfID,
		alerter: alerter,
		clock:   opts.Clock,
		timeout: opts.Timeout,
		logger:  opts.Logger.With("subsystem", "ring-listener", "user_id", selfID),
		seen:    make(map[string]struct{}),
	}
}

// Attach subscribes the listener to new and updated messages from src. The
// returned subscription cancels both.
func (l *Listener) Attach(src EventSource) *pubsub.Subscription {
	subNew := src.Subscribe(channel.EventMessageNew, l.HandleEvent)
	subUpd := src.Subscribe(channel.EventMessageUpdated, l.HandleEvent)
	return pubsub.NewSubscription(func() {
		subNew.Cancel()
		subUpd.Cancel()
	})
}

// HandleEvent processes one channel event.
func (l *Listener) HandleEvent(ev channel.Event) {
	a, ok := AnnouncementFrom(ev.Message)
	if !ok {
		return
	}
	switch a.Kind {
	case channel.KindRing:
		l.onRing(a)
	case channel.KindEnded:
		l.onEnded(a)
	}
}

func (l *Listener) onRing(a Announcement) {
	if a.SenderID == l.selfID {
		return
	}

	l.mu.Lock()
	if a.CallID == l.current {
		l.mu.Unlock()
		return
	}
	if _, dup := l.seen[a.CallID]; dup {
		l.mu.Unlock()
		return
	}
	l.remember(a.CallID)

	now := l.clock.Now()
	if !a.CreatedAt.IsZero() && now.Sub(a.CreatedAt) >= l.timeout {
		l.mu.Unlock()
		l.logger.Debug("stale ring skipped", "call_id", a.CallID)
		return
	}

	prev := l.clearLocked()
	l.current = a.CallID
	alert := Alert{
		CallID:      a.CallID,
		ChannelID:   a.ChannelID,
		CallerID:    a.SenderID,
		CallerName:  a.CallerDisplayName,
		CallerImage: a.CallerImageRef,
		JoinRef:     a.JoinRef,
		Deadline:    now.Add(l.timeout),
	}
	l.alert = &alert
	callID := a.CallID
	l.timer = l.clock.AfterFunc(l.timeout, func() { l.expire(callID) })
	l.mu.Unlock()

	if prev != "" {
		l.alerter.Dismiss(prev, DismissSuperseded)
	}
	l.logger.Info("incoming call", "call_id", callID, "caller_id", a.SenderID)
	l.alerter.Present(alert)
}

func (l *Listener) onEnded(a Announcement) {
	l.mu.Lock()
	l.remember(a.CallID)
	if l.alert == nil || l.alert.CallID != a.CallID {
		l.mu.Unlock()
		return
	}
	prev := l.clearLocked()
	l.mu.Unlock()

	l.alerter.Dismiss(prev, DismissEnded)
}

func (l *Listener) expire(callID string) {
	l.mu.Lock()
	if l.alert == nil || l.alert.CallID != callID {
		l.mu.Unlock()
		return
	}
	prev := l.clearLocked()
	l.mu.Unlock()

	l.logger.Info("incoming call not answered", "call_id", callID)
	l.alerter.Dismiss(prev, DismissTimedOut)
}

// Accept takes the pending alert. Its CallID keys the room to join.
func (l *Listener) Accept() (Alert, bool) {
	l.mu.Lock()
	if l.alert == nil {
		l.mu.Unlock()
		return Alert{}, false
	}
	alert := *l.alert
	l.clearLocked()
	l.mu.Unlock()

	l.alerter.Dismiss(alert.CallID, DismissAccepted)
	return alert, true
}

// Ignore drops the pending alert. Nothing is sent to the caller.
func (l *Listener) Ignore() {
	l.mu.Lock()
	prev := l.clearLocked()
	l.mu.Unlock()

	if prev != "" {
		l.alerter.Dismiss(prev, DismissIgnored)
	}
}

// Pending returns the alert currently shown, if any.
func (l *Listener) Pending() (Alert, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.alert == nil {
		return Alert{}, false
	}
	return *l.alert, true
}

// clearLocked stops the dismissal timer and forgets the pending alert. It
// returns the call id of the cleared alert, or "" if there was none. The
// current call id is kept so replays stay deduplicated.
func (l *Listener) clearLocked() string {
	if l.alert == nil {
		return ""
	}
	id := l.alert.CallID
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
	l.alert = nil
	return id
}

func (l *Listener) remember(callID string) {
	if _, ok := l.seen[callID]; ok {
		return
	}
	l.seen[callID] = struct{}{}
	l.order = append(l.order, callID)
	if len(l.order) > seenLimit {
		delete(l.seen, l.order[0])
		l.order = l.order[1:]
	}
}
