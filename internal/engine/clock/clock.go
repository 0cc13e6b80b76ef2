// Package clock implements the session countdown.
//
// Clock holds the remaining seconds and is advanced by Tick. Runner drives Tick
// from a single ticker so that repeated Start calls never stack intervals.
package clock

import (
	"fmt"
	"sync"
)

// Clock is a countdown in whole seconds. The expiry callback fires exactly once
// per arming (construction or Reset) and the remaining value never goes negative.
type Clock struct {
	mu        sync.Mutex
	remaining int
	running   bool
	expired   bool
	onExpire  func()
}

// New creates a stopped clock with the given remaining seconds.
func New(seconds int, onExpire func()) *Clock {
	if seconds < 0 {
		seconds = 0
	}
	return &Clock{remaining: seconds, onExpire: onExpire}
}

// Start lets ticks count down. A clock already at zero stays stopped.
func (c *Clock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.remaining > 0 {
		c.running = true
	}
}

// Pause stops counting without touching the remaining value.
func (c *Clock) Pause() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Reset re-arms the clock at seconds, stopped, as if freshly constructed.
func (c *Clock) Reset(seconds int) {
	if seconds < 0 {
		seconds = 0
	}
	c.mu.Lock()
	c.remaining = seconds
	c.running = false
	c.expired = false
	c.mu.Unlock()
}

// Tick advances the countdown by one second when running.
// Reaching zero stops the clock and invokes the expiry callback once.
func (c *Clock) Tick() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}

	c.remaining--
	if c.remaining > 0 {
		c.mu.Unlock()
		return
	}

	c.remaining = 0
	c.running = false
	fire := !c.expired
	c.expired = true
	cb := c.onExpire
	c.mu.Unlock()

	if fire && cb != nil {
		cb()
	}
}

// Remaining returns the remaining whole seconds.
func (c *Clock) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Running reports whether ticks currently count down.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Expired reports whether the expiry callback has fired since the last arming.
func (c *Clock) Expired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expired
}

// Format renders the remaining time as MM:SS, or HH:MM:SS from one hour up.
func (c *Clock) Format() string {
	return FormatSeconds(c.Remaining())
}

// FormatSeconds renders seconds as MM:SS or HH:MM:SS.
func FormatSeconds(total int) string {
	if total < 0 {
		total = 0
	}
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
