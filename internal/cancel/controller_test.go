package cancel

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzhukov/immaterium/internal/logging"
	"github.com/tzhukov/immaterium/internal/shared/id"
	"github.com/tzhukov/immaterium/internal/shell"
)

func TestCancelSendsInterrupt(t *testing.T) {
	c := New(time.Minute, logging.NewNop())
	h := shell.NewFakeHandle(shell.Spec{})
	blockID := id.NewBlockID()

	require.True(t, c.Cancel(blockID, h))
	require.True(t, c.Pending())

	signals := h.Signals()
	require.Len(t, signals, 1)
	assert.Equal(t, syscall.SIGINT, signals[0])
}

func TestCancelCoalesces(t *testing.T) {
	c := New(time.Minute, logging.NewNop())
	h := shell.NewFakeHandle(shell.Spec{})
	blockID := id.NewBlockID()

	require.True(t, c.Cancel(blockID, h))
	assert.False(t, c.Cancel(blockID, h))
	assert.False(t, c.Cancel(blockID, h))

	// Only the first request delivered a signal.
	assert.Len(t, h.Signals(), 1)
}

func TestEscalationAfterGrace(t *testing.T) {
	c := New(20*time.Millisecond, logging.NewNop())
	escalated := make(chan struct{})
	c.OnEscalate(func() { close(escalated) })

	h := shell.NewFakeHandle(shell.Spec{})
	blockID := id.NewBlockID()
	require.True(t, c.Cancel(blockID, h))

	select {
	case <-escalated:
	case <-time.After(2 * time.Second):
		t.Fatal("escalation did not fire")
	}

	signals := h.Signals()
	require.Len(t, signals, 2)
	assert.Equal(t, syscall.SIGINT, signals[0])
	assert.Equal(t, syscall.SIGKILL, signals[1])
}

func TestSettleStopsEscalation(t *testing.T) {
	c := New(50*time.Millisecond, logging.NewNop())
	h := shell.NewFakeHandle(shell.Spec{})
	blockID := id.NewBlockID()

	require.True(t, c.Cancel(blockID, h))
	assert.True(t, c.Settle(blockID))
	assert.False(t, c.Pending())

	// Give a stale timer the chance to misfire.
	time.Sleep(120 * time.Millisecond)
	assert.Len(t, h.Signals(), 1)
}

func TestSettleAttribution(t *testing.T) {
	c := New(time.Minute, logging.NewNop())
	h := shell.NewFakeHandle(shell.Spec{})
	cancelledID := id.NewBlockID()
	otherID := id.NewBlockID()

	require.True(t, c.Cancel(cancelledID, h))
	assert.True(t, c.Settle(cancelledID))

	// Settling twice is not attributed.
	assert.False(t, c.Settle(cancelledID))

	// A block the controller never touched is not attributed.
	require.True(t, c.Cancel(cancelledID, h))
	assert.False(t, c.Settle(otherID))
}

func TestSettleClearsStaleSequence(t *testing.T) {
	c := New(time.Minute, logging.NewNop())
	dead := shell.NewFakeHandle(shell.Spec{})
	deadID := id.NewBlockID()

	// The process behind deadID exited and settled before this cancel
	// request got its signal out; the sequence it opens can never settle
	// under its own ID.
	require.False(t, c.Settle(deadID))
	require.True(t, c.Cancel(deadID, dead))

	// The next block's cancel is swallowed by the dead sequence, but once
	// that block terminates its settle clears the stale entry.
	next := shell.NewFakeHandle(shell.Spec{})
	nextID := id.NewBlockID()
	assert.False(t, c.Cancel(nextID, next))
	assert.False(t, c.Settle(nextID))
	assert.False(t, c.Pending())

	// Cancellation is live again: a fresh request delivers its signal.
	lastID := id.NewBlockID()
	last := shell.NewFakeHandle(shell.Spec{})
	require.True(t, c.Cancel(lastID, last))
	require.Len(t, last.Signals(), 1)
	assert.Equal(t, syscall.SIGINT, last.Signals()[0])
}

func TestCancelAfterSettleStartsNewSequence(t *testing.T) {
	c := New(time.Minute, logging.NewNop())
	h := shell.NewFakeHandle(shell.Spec{})

	first := id.NewBlockID()
	require.True(t, c.Cancel(first, h))
	require.True(t, c.Settle(first))

	second := id.NewBlockID()
	assert.True(t, c.Cancel(second, h))
	assert.Len(t, h.Signals(), 2)
}
