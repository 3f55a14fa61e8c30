package signal

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/callsignal/internal/channel"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manual clock. Timers fire synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves the clock and runs every timer that came due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// pending returns the number of timers that have neither fired nor stopped.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type dismissal struct {
	callID string
	reason DismissReason
}

// recordingAlerter records Present and Dismiss calls.
type recordingAlerter struct {
	mu         sync.Mutex
	presented  []Alert
	dismissals []dismissal
}

func (a *recordingAlerter) Present(al Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presented = append(a.presented, al)
}

func (a *recordingAlerter) Dismiss(callID string, reason DismissReason) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dismissals = append(a.dismissals, dismissal{callID: callID, reason: reason})
}

func (a *recordingAlerter) presentedCount(callID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, al := range a.presented {
		if al.CallID == callID {
			n++
		}
	}
	return n
}

func (a *recordingAlerter) lastDismissal() (dismissal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.dismissals) == 0 {
		return dismissal{}, false
	}
	return a.dismissals[len(a.dismissals)-1], true
}

// newChannelService returns a channel service over a memory store.
func newChannelService() *channel.Service {
	return channel.NewService(channel.NewMemoryStore(), testLogger())
}

// countingTerminator records EndCall invocations.
type countingTerminator struct {
	mu    sync.Mutex
	calls []string
	next  Terminator
}

func (t *countingTerminator) EndCall(ctx context.Context, callID string) Outcome {
	t.mu.Lock()
	t.calls = append(t.calls, callID)
	next := t.next
	t.mu.Unlock()
	if next != nil {
		return next.EndCall(ctx, callID)
	}
	return OutcomeEnded
}

func (t *countingTerminator) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// recordingBeacon records Send calls.
type recordingBeacon struct {
	mu   sync.Mutex
	sent []string
}

func (b *recordingBeacon) Send(callID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, callID)
}

func (b *recordingBeacon) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}
