package offlinecache

import "sync/atomic"

// Host receives the control directives of the agent.
// Both directives are idempotent one-shot signals.
type Host interface {
	// SkipWaiting asks to take control as soon as install completes,
	// instead of waiting for every client of the previous generation to go away.
	SkipWaiting()
	// Claim takes control of all open clients without requiring a reload.
	Claim()
}

// Controller is the Host used when the agent runs on its own.
// It only records which directives were given.
type Controller struct {
	skippedWaiting atomic.Bool
	claimed        atomic.Bool
}

func (c *Controller) SkipWaiting() {
	c.skippedWaiting.Store(true)
}

func (c *Controller) Claim() {
	c.claimed.Store(true)
}

func (c *Controller) SkippedWaiting() bool {
	return c.skippedWaiting.Load()
}

func (c *Controller) Claimed() bool {
	return c.claimed.Load()
}
