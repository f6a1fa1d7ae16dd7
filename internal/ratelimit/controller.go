// Package ratelimit paces requests per identity and globally.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds the controller tuning knobs.
type Config struct {
	// BaseDelay is the steady-state delay between requests on one identity.
	BaseDelay time.Duration
	// GlobalDelay is the minimum spacing between any two requests.
	GlobalDelay time.Duration
	// MaxDelay caps the widened per-identity delay.
	MaxDelay time.Duration
	// ResetAfter is the number of consecutive successes that resets a widened
	// delay back to baseline.
	ResetAfter int
	// JitterFraction randomizes each delay by up to this fraction.
	JitterFraction float64
}

type state struct {
	delay  time.Duration // current effective delay
	next   time.Time     // earliest time the next request may start
	streak int           // consecutive successes since the last block
}

// Controller enforces a request budget per identity plus a global ceiling.
// Permit reserves a slot under the lock, so no caller can bypass the wait.
type Controller struct {
	mu         sync.Mutex
	cfg        Config
	globalNext time.Time
	per        map[string]*state
	logger     *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewController creates a rate controller.
func NewController(cfg Config, logger *zap.Logger) *Controller {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 2 * time.Minute
	}
	if cfg.ResetAfter <= 0 {
		cfg.ResetAfter = 5
	}

	return &Controller{
		cfg:    cfg,
		per:    make(map[string]*state),
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// Permit blocks until the named identity is allowed to make a request. The
// slot is reserved before waiting, so concurrent callers on the same
// identity serialize instead of racing past each other.
func (c *Controller) Permit(ctx context.Context, name string) error {
	c.mu.Lock()

	st := c.state(name)
	now := c.now()

	start := now
	if st.next.After(start) {
		start = st.next
	}
	if c.globalNext.After(start) {
		start = c.globalNext
	}

	st.next = start.Add(c.jittered(st.delay))
	c.globalNext = start.Add(c.cfg.GlobalDelay)

	wait := start.Sub(now)
	c.mu.Unlock()

	if wait <= 0 {
		return nil
	}

	return c.sleep(ctx, wait)
}

// ReportBlock widens the identity's effective delay multiplicatively, capped
// at MaxDelay. This is the primary lever against cascading blocks.
func (c *Controller) ReportBlock(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(name)
	st.streak = 0

	widened := st.delay * 2
	if widened > c.cfg.MaxDelay {
		widened = c.cfg.MaxDelay
	}
	if widened != st.delay {
		c.logger.Warn("Request delay widened after block signal",
			zap.String("identity", name),
			zap.Duration("delay", widened))
	}
	st.delay = widened
}

// ReportSuccess counts consecutive successes and resets a widened delay to
// baseline once the streak reaches ResetAfter.
func (c *Controller) ReportSuccess(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(name)
	st.streak++
	if st.streak >= c.cfg.ResetAfter && st.delay != c.cfg.BaseDelay {
		c.logger.Info("Request delay reset to baseline",
			zap.String("identity", name),
			zap.Int("streak", st.streak))
		st.delay = c.cfg.BaseDelay
	}
	if st.streak >= c.cfg.ResetAfter {
		st.streak = 0
	}
}

// Delay returns the current effective delay for an identity.
func (c *Controller) Delay(name string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state(name).delay
}

// state returns the per-identity state, creating it at baseline. Callers
// hold c.mu.
func (c *Controller) state(name string) *state {
	st, ok := c.per[name]
	if !ok {
		st = &state{delay: c.cfg.BaseDelay}
		c.per[name] = st
	}
	return st
}

// jittered randomizes a delay by up to JitterFraction in either direction.
func (c *Controller) jittered(d time.Duration) time.Duration {
	if c.cfg.JitterFraction <= 0 {
		return d
	}

	jitter := float64(d) * c.cfg.JitterFraction
	offset := (rand.Float64()*2 - 1) * jitter
	out := time.Duration(float64(d) + offset)
	if out < 0 {
		out = 0
	}
	return out
}

// sleepContext waits for the duration or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
