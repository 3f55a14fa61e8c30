package signal

import (
	"context"
	"sync"
	"time"
)

// Countdown is the per-client abandonment timer of one joined call. It runs
// while the local client is the only participant and fires once when that
// has lasted for the configured duration.
type Countdown struct {
	callID   string
	duration time.Duration
	onExpire func()

	mu       sync.Mutex
	active   bool
	deadline time.Time
	done     bool
}

// NewCountdown creates an idle countdown. onExpire runs on the goroutine
// that observes the deadline, outside the countdown's lock.
func NewCountdown(callID string, d time.Duration, onExpire func()) *Countdown {
	if d <= 0 {
		d = DefaultCountdown
	}
	return &Countdown{
		callID:   callID,
		duration: d,
		onExpire: onExpire,
	}
}

// Observe feeds a participant count seen at now. A count of exactly one
// starts the countdown if it is not already running; a larger count cancels
// it. Other counts leave it unchanged.
func (c *Countdown) Observe(count int, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done {
		return
	}
	switch {
	case count == 1 && !c.active:
		c.active = true
		c.deadline = now.Add(c.duration)
	case count > 1 && c.active:
		c.active = false
		c.deadline = time.Time{}
	}
}

// Tick checks the deadline against now and fires onExpire if it has been
// reached. It reports whether this call fired.
func (c *Countdown) Tick(now time.Time) bool {
	c.mu.Lock()
	if c.done || !c.active || now.Before(c.deadline) {
		c.mu.Unlock()
		return false
	}
	c.active = false
	c.done = true
	c.mu.Unlock()

	if c.onExpire != nil {
		c.onExpire()
	}
	return true
}

// Run calls Tick for every value received from ticks until ctx is done or
// the countdown has fired or been stopped.
func (c *Countdown) Run(ctx context.Context, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case now, ok := <-ticks:
			if !ok {
				return
			}
			c.Tick(now)
			if c.Done() {
				return
			}
		}
	}
}

// Stop disables the countdown for good.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	c.done = true
}

// Active reports whether the countdown is running.
func (c *Countdown) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Done reports whether the countdown has fired or been stopped.
func (c *Countdown) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Remaining returns the time left at now, rounded up to whole seconds for
// display. The boolean is false when the countdown is not running.
func (c *Countdown) Remaining(now time.Time) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return 0, false
	}
	left := c.deadline.Sub(now)
	if left <= 0 {
		return 0, true
	}
	secs := (left + time.Second - 1) / time.Second
	return secs * time.Second, true
}
