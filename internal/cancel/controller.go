// Package cancel translates cancellation intent into process-group
// signals, with bounded escalation when the process ignores the first one.
package cancel

import (
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tzhukov/immaterium/internal/logging"
	"github.com/tzhukov/immaterium/internal/shared/id"
	"github.com/tzhukov/immaterium/internal/shell"
)

// Controller runs one cancellation sequence at a time for its execution
// context: SIGINT to the process group, then SIGKILL if the grace period
// expires. Repeated cancel requests while a sequence is pending coalesce
// into it.
type Controller struct {
	grace time.Duration
	log   *logging.Logger

	// onEscalate, when set, observes forced kills (metrics).
	onEscalate func()

	mu      sync.Mutex
	pending id.BlockID
	timer   *time.Timer
}

// New creates a controller with the given grace period.
func New(grace time.Duration, log *logging.Logger) *Controller {
	return &Controller{grace: grace, log: log}
}

// OnEscalate registers a callback invoked when a sequence escalates to
// SIGKILL.
func (c *Controller) OnEscalate(fn func()) { c.onEscalate = fn }

// Cancel starts (or coalesces into) the cancellation sequence for the
// running block. Returns false when a sequence is already pending and this
// request was coalesced.
func (c *Controller) Cancel(blockID id.BlockID, h shell.Handle) bool {
	c.mu.Lock()
	if c.pending != "" {
		c.mu.Unlock()
		return false
	}
	c.pending = blockID
	c.timer = time.AfterFunc(c.grace, func() { c.escalate(blockID, h) })
	c.mu.Unlock()

	c.log.Info("cancelling block",
		zap.String("block_id", blockID.String()),
		zap.Duration("grace", c.grace))
	if err := h.Signal(syscall.SIGINT); err != nil {
		// Process may have exited between the request and the signal; the
		// waiter will settle the sequence.
		c.log.Debug("interrupt delivery failed", zap.Error(err))
	}
	return true
}

// escalate fires when the grace period elapses without the process
// terminating.
func (c *Controller) escalate(blockID id.BlockID, h shell.Handle) {
	c.mu.Lock()
	active := c.pending == blockID
	c.mu.Unlock()
	if !active {
		return
	}

	c.log.Warn("grace period elapsed, force-killing process group",
		zap.String("block_id", blockID.String()))
	if err := h.Signal(syscall.SIGKILL); err != nil {
		c.log.Debug("kill delivery failed", zap.Error(err))
	}
	if c.onEscalate != nil {
		c.onEscalate()
	}
}

// Settle closes the open sequence once a block's process has terminated.
// Returns true when the termination is attributable to this controller,
// which is what distinguishes Cancelled from an externally killed Failed.
// A pending sequence naming a different block is stale: its process exited
// before the first signal could land, so no Settle will ever carry its ID.
// It is cleared here rather than left to coalesce every future request.
func (c *Controller) Settle(blockID id.BlockID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == "" {
		return false
	}
	match := c.pending == blockID
	if !match {
		c.log.Debug("clearing stale cancellation sequence",
			zap.String("stale_block_id", c.pending.String()),
			zap.String("settled_block_id", blockID.String()))
	}
	c.pending = ""
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return match
}

// Pending reports whether a cancellation sequence is in flight.
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != ""
}
