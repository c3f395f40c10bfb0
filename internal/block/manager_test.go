package block

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tzhukov/immaterium/internal/logging"
	"github.com/tzhukov/immaterium/internal/shared/id"
	"github.com/tzhukov/immaterium/internal/shell"
	"github.com/tzhukov/immaterium/internal/stream"
)

func newTestManager(cfg Config) *Manager {
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 1 << 20
	}
	if cfg.MaxBlocks == 0 {
		cfg.MaxBlocks = 100
	}
	return NewManager(id.NewContextID(), cfg, logging.NewNop(), nil)
}

func chunk(s string) stream.Chunk {
	return stream.Chunk{Data: []byte(s)}
}

func TestSubmitRunsBlock(t *testing.T) {
	m := newTestManager(Config{})

	blk, err := m.Submit("echo hi", "/tmp", map[string]string{"A": "1"})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, blk.State)
	assert.Equal(t, uint64(0), blk.OrderIndex)
	assert.Equal(t, "/tmp", blk.WorkingDir)
	assert.NotNil(t, blk.StartedAt)

	running, ok := m.Running()
	require.True(t, ok)
	assert.Equal(t, blk.ID, running)
}

func TestSubmitEmptyCommand(t *testing.T) {
	m := newTestManager(Config{})

	for _, cmd := range []string{"", "   ", "\t\n"} {
		_, err := m.Submit(cmd, "/tmp", nil)
		assert.ErrorIs(t, err, ErrEmptyCommand)
	}
	assert.Equal(t, 0, m.Count())
}

func TestSubmitWhileRunning(t *testing.T) {
	m := newTestManager(Config{})

	_, err := m.Submit("sleep 10", "/tmp", nil)
	require.NoError(t, err)

	_, err = m.Submit("echo hi", "/tmp", nil)
	assert.ErrorIs(t, err, ErrContextBusy)
	assert.Equal(t, 1, m.Count())
}

func TestOrderIndexMonotonic(t *testing.T) {
	m := newTestManager(Config{})

	var ids []id.BlockID
	for i := 0; i < 5; i++ {
		blk, err := m.Submit("true", "/tmp", nil)
		require.NoError(t, err)
		ids = append(ids, blk.ID)
		_, err = m.Finalize(blk.ID, Result{Status: shell.ExitStatus{Code: 0}})
		require.NoError(t, err)
	}

	// Delete a middle block; later submissions must not reuse its index.
	require.NoError(t, m.Delete(ids[2]))
	blk, err := m.Submit("true", "/tmp", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), blk.OrderIndex)

	snapshot := m.Snapshot()
	for i := 1; i < len(snapshot); i++ {
		assert.Greater(t, snapshot[i].OrderIndex, snapshot[i-1].OrderIndex)
	}
}

func TestFinalizeResolution(t *testing.T) {
	tests := []struct {
		name      string
		res       Result
		wantState State
		wantCode  *int
	}{
		{"exit zero", Result{Status: shell.ExitStatus{Code: 0}}, StateCompleted, intp(0)},
		{"exit nonzero", Result{Status: shell.ExitStatus{Code: 1}}, StateFailed, intp(1)},
		{"signaled externally", Result{Status: shell.ExitStatus{Code: 137, Signaled: true}}, StateFailed, intp(137)},
		{"cancelled", Result{Status: shell.ExitStatus{Code: 130, Signaled: true}, Cancelled: true}, StateCancelled, intp(130)},
		{"cancelled but exited zero", Result{Status: shell.ExitStatus{Code: 0}, Cancelled: true}, StateCancelled, intp(0)},
		{"read error", Result{Status: shell.ExitStatus{Code: 0}, ReadError: true}, StateFailed, intp(0)},
		{"launch error", Result{LaunchError: &shell.LaunchError{Kind: shell.LaunchShellNotFound}}, StateFailed, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(Config{})
			blk, err := m.Submit("cmd", "/tmp", nil)
			require.NoError(t, err)

			final, err := m.Finalize(blk.ID, tt.res)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, final.State)
			if tt.wantCode == nil {
				assert.Nil(t, final.ExitCode)
			} else {
				require.NotNil(t, final.ExitCode)
				assert.Equal(t, *tt.wantCode, *final.ExitCode)
			}

			_, ok := m.Running()
			assert.False(t, ok, "running slot must be released")
		})
	}
}

func TestFinalizeTwice(t *testing.T) {
	m := newTestManager(Config{})
	blk, err := m.Submit("true", "/tmp", nil)
	require.NoError(t, err)

	_, err = m.Finalize(blk.ID, Result{Status: shell.ExitStatus{Code: 0}})
	require.NoError(t, err)

	_, err = m.Finalize(blk.ID, Result{Status: shell.ExitStatus{Code: 1}})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestLaunchErrorMarker(t *testing.T) {
	m := newTestManager(Config{})
	blk, err := m.Submit("nosuchshell", "/tmp", nil)
	require.NoError(t, err)

	final, err := m.Finalize(blk.ID, Result{
		LaunchError: &shell.LaunchError{Kind: shell.LaunchShellNotFound},
	})
	require.NoError(t, err)
	assert.Contains(t, string(final.Output), LaunchErrorPrefix)
	assert.Equal(t, StateFailed, final.State)
}

func TestAppendOutputTruncates(t *testing.T) {
	m := newTestManager(Config{MaxOutputBytes: 1000})
	blk, err := m.Submit("yes", "/tmp", nil)
	require.NoError(t, err)

	payload := strings.Repeat("a", 5000)
	truncated := m.AppendOutput(blk.ID, chunk(payload))
	assert.True(t, truncated)

	got, ok := m.Get(blk.ID)
	require.True(t, ok)
	assert.Equal(t, 1000+len(TruncationMarker), len(got.Output))
	assert.Equal(t, 1, strings.Count(string(got.Output), TruncationMarker))

	// Appends after the cap are dropped entirely.
	assert.False(t, m.AppendOutput(blk.ID, chunk("extra")))
	got, _ = m.Get(blk.ID)
	assert.Equal(t, 1000+len(TruncationMarker), len(got.Output))
}

func TestTruncatingAppendPublishesStoredBytesOnly(t *testing.T) {
	m := newTestManager(Config{MaxOutputBytes: 10})
	events, unsubscribe := m.Subscribe(8)
	defer unsubscribe()

	blk, err := m.Submit("yes", "/tmp", nil)
	require.NoError(t, err)
	<-events // running

	require.True(t, m.AppendOutput(blk.ID, chunk("0123456789abcdef")))

	ev := <-events
	require.Equal(t, EventOutputAppended, ev.Type)
	require.NotNil(t, ev.Chunk)

	// Live subscribers see what the snapshot retains, not the raw chunk.
	got, ok := m.Get(blk.ID)
	require.True(t, ok)
	assert.Equal(t, string(got.Output), ev.Chunk.Text())
	assert.Equal(t, "0123456789"+TruncationMarker, ev.Chunk.Text())
	assert.Empty(t, ev.Chunk.Spans)
}

func TestLateChunksDropped(t *testing.T) {
	m := newTestManager(Config{})
	blk, err := m.Submit("true", "/tmp", nil)
	require.NoError(t, err)
	_, err = m.Finalize(blk.ID, Result{Status: shell.ExitStatus{Code: 0}})
	require.NoError(t, err)

	m.AppendOutput(blk.ID, chunk("late"))
	got, _ := m.Get(blk.ID)
	assert.Empty(t, got.Output)
}

func TestBlockCapEvictsOldestTerminal(t *testing.T) {
	m := newTestManager(Config{MaxBlocks: 3})

	var first id.BlockID
	for i := 0; i < 4; i++ {
		blk, err := m.Submit("true", "/tmp", nil)
		require.NoError(t, err)
		if i == 0 {
			first = blk.ID
		}
		_, err = m.Finalize(blk.ID, Result{Status: shell.ExitStatus{Code: 0}})
		require.NoError(t, err)
	}

	assert.Equal(t, 3, m.Count())
	_, ok := m.Get(first)
	assert.False(t, ok, "oldest terminal block should be evicted")
}

func TestBlockCapNeverEvictsRunning(t *testing.T) {
	m := newTestManager(Config{MaxBlocks: 1})

	blk, err := m.Submit("sleep 10", "/tmp", nil)
	require.NoError(t, err)

	// An Editing block pushes past the cap; the running block survives.
	_, err = m.Edit(blk.ID)
	require.NoError(t, err)

	_, ok := m.Get(blk.ID)
	assert.True(t, ok)
}

func TestRequestCancelValidation(t *testing.T) {
	m := newTestManager(Config{})

	assert.ErrorIs(t, m.RequestCancel("blk_missing"), ErrNotFound)

	blk, err := m.Submit("sleep 10", "/tmp", nil)
	require.NoError(t, err)
	assert.NoError(t, m.RequestCancel(blk.ID))

	_, err = m.Finalize(blk.ID, Result{Status: shell.ExitStatus{Code: 0}})
	require.NoError(t, err)
	assert.ErrorIs(t, m.RequestCancel(blk.ID), ErrNotRunning)
}

func TestDeleteRunningRejected(t *testing.T) {
	m := newTestManager(Config{})
	blk, err := m.Submit("sleep 10", "/tmp", nil)
	require.NoError(t, err)

	assert.ErrorIs(t, m.Delete(blk.ID), ErrBlockRunning)

	_, err = m.Finalize(blk.ID, Result{Status: shell.ExitStatus{Code: 0}})
	require.NoError(t, err)
	assert.NoError(t, m.Delete(blk.ID))
	assert.ErrorIs(t, m.Delete(blk.ID), ErrNotFound)
}

func TestEditSeedsNewBlock(t *testing.T) {
	m := newTestManager(Config{})
	orig, err := m.Submit("echo one", "/tmp", nil)
	require.NoError(t, err)
	_, err = m.Finalize(orig.ID, Result{Status: shell.ExitStatus{Code: 0}})
	require.NoError(t, err)

	edit, err := m.Edit(orig.ID)
	require.NoError(t, err)
	assert.NotEqual(t, orig.ID, edit.ID)
	assert.Equal(t, StateEditing, edit.State)
	assert.Equal(t, "echo one", edit.Command)
	assert.Greater(t, edit.OrderIndex, orig.OrderIndex)

	// Running the edited block leaves the original untouched.
	run, err := m.SubmitEditing(edit.ID, "echo two")
	require.NoError(t, err)
	assert.Equal(t, "echo two", run.Command)

	got, _ := m.Get(orig.ID)
	assert.Equal(t, "echo one", got.Command)
}

func TestSubmitEditingValidation(t *testing.T) {
	m := newTestManager(Config{})
	orig, err := m.Submit("true", "/tmp", nil)
	require.NoError(t, err)

	// Not an Editing block.
	_, err = m.SubmitEditing(orig.ID, "true")
	assert.ErrorIs(t, err, ErrNotEditing)

	edit, err := m.Edit(orig.ID)
	require.NoError(t, err)

	// Context busy while the original still runs.
	_, err = m.SubmitEditing(edit.ID, "true")
	assert.ErrorIs(t, err, ErrContextBusy)

	_, err = m.Finalize(orig.ID, Result{Status: shell.ExitStatus{Code: 0}})
	require.NoError(t, err)

	_, err = m.SubmitEditing(edit.ID, "  ")
	assert.ErrorIs(t, err, ErrEmptyCommand)

	_, err = m.SubmitEditing(edit.ID, "echo done")
	assert.NoError(t, err)
}

func TestSetCollapsedOnTerminalBlock(t *testing.T) {
	m := newTestManager(Config{})
	blk, err := m.Submit("true", "/tmp", nil)
	require.NoError(t, err)
	_, err = m.Finalize(blk.ID, Result{Status: shell.ExitStatus{Code: 0}})
	require.NoError(t, err)

	require.NoError(t, m.SetCollapsed(blk.ID, true))
	got, _ := m.Get(blk.ID)
	assert.True(t, got.IsCollapsed)
}

func TestEventsPublished(t *testing.T) {
	m := newTestManager(Config{})
	events, unsubscribe := m.Subscribe(64)
	defer unsubscribe()

	blk, err := m.Submit("echo hi", "/tmp", nil)
	require.NoError(t, err)
	m.AppendOutput(blk.ID, chunk("hi\n"))
	_, err = m.Finalize(blk.ID, Result{Status: shell.ExitStatus{Code: 0}})
	require.NoError(t, err)

	var types []EventType
	for i := 0; i < 3; i++ {
		ev := <-events
		types = append(types, ev.Type)
	}
	assert.Equal(t, []EventType{EventStateChanged, EventOutputAppended, EventStateChanged}, types)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	m := newTestManager(Config{})
	blk, err := m.Submit("echo hi", "/tmp", nil)
	require.NoError(t, err)
	m.AppendOutput(blk.ID, chunk("hi"))

	snap := m.Snapshot()
	require.Len(t, snap, 1)
	snap[0].Output[0] = 'X'

	got, _ := m.Get(blk.ID)
	assert.Equal(t, "hi", string(got.Output))
}

func TestRecent(t *testing.T) {
	m := newTestManager(Config{})
	for i := 0; i < 5; i++ {
		blk, err := m.Submit("true", "/tmp", nil)
		require.NoError(t, err)
		_, err = m.Finalize(blk.ID, Result{Status: shell.ExitStatus{Code: 0}})
		require.NoError(t, err)
	}

	recent := m.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, uint64(3), recent[0].OrderIndex)
	assert.Equal(t, uint64(4), recent[1].OrderIndex)

	assert.Len(t, m.Recent(0), 5)
	assert.Len(t, m.Recent(100), 5)
}

func intp(v int) *int { return &v }
