package block

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tzhukov/immaterium/internal/logging"
	"github.com/tzhukov/immaterium/internal/persist"
	"github.com/tzhukov/immaterium/internal/shared/id"
	"github.com/tzhukov/immaterium/internal/shell"
	"github.com/tzhukov/immaterium/internal/stream"
)

// Config bounds the block collection.
type Config struct {
	MaxOutputBytes int // per-block output cap
	MaxBlocks      int // context-wide block count cap
}

// Result carries everything the manager needs to pick the terminal state
// for a finished run.
type Result struct {
	Status      shell.ExitStatus
	Cancelled   bool // termination attributed to the cancellation controller
	ReadError   bool // output stream failed mid-run
	LaunchError *shell.LaunchError
}

// Manager owns the ordered block list for one execution context. All
// mutation is serialized through its mutex: submit/cancel/delete calls
// from the API and append/finalize events from the process goroutines
// funnel through the same single-writer path, so cap enforcement and state
// transitions never race.
type Manager struct {
	ctxID    id.ContextID
	cfg      Config
	log      *logging.Logger
	recorder persist.Recorder
	feed     *Feed

	mu        sync.Mutex
	blocks    []*Block
	index     map[id.BlockID]*Block
	nextOrder uint64
	runningID id.BlockID
}

// NewManager creates a manager for one execution context.
func NewManager(ctxID id.ContextID, cfg Config, log *logging.Logger, recorder persist.Recorder) *Manager {
	if recorder == nil {
		recorder = persist.Noop{}
	}
	return &Manager{
		ctxID:    ctxID,
		cfg:      cfg,
		log:      log,
		recorder: recorder,
		feed:     NewFeed(),
		index:    make(map[id.BlockID]*Block),
	}
}

// Submit creates a block for command and immediately moves it to Running.
// The caller is responsible for spawning the process on success. Empty or
// whitespace-only text is rejected without creating a block, as is a
// submit while another block is running.
func (m *Manager) Submit(command, workingDir string, env map[string]string) (Block, error) {
	if strings.TrimSpace(command) == "" {
		return Block{}, ErrEmptyCommand
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runningID != "" {
		return Block{}, ErrContextBusy
	}

	b := newBlock(command, workingDir, env)
	b.OrderIndex = m.nextOrder
	m.nextOrder++
	if err := b.begin(); err != nil {
		return Block{}, err
	}

	m.blocks = append(m.blocks, b)
	m.index[b.ID] = b
	m.runningID = b.ID

	m.enforceCapsLocked()
	m.publishStateLocked(b)
	return b.clone(), nil
}

// Edit creates a new Editing block pre-populated with the source block's
// command. History is never mutated by re-editing.
func (m *Manager) Edit(sourceID id.BlockID) (Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.index[sourceID]
	if !ok {
		return Block{}, ErrNotFound
	}

	b := newBlock(src.Command, src.WorkingDir, src.Env)
	b.OrderIndex = m.nextOrder
	m.nextOrder++

	m.blocks = append(m.blocks, b)
	m.index[b.ID] = b

	m.enforceCapsLocked()
	m.publishStateLocked(b)
	return b.clone(), nil
}

// SubmitEditing moves an Editing block to Running with its (possibly
// revised) command text. The caller spawns the process on success.
func (m *Manager) SubmitEditing(blockID id.BlockID, command string) (Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.index[blockID]
	if !ok {
		return Block{}, ErrNotFound
	}
	if b.State != StateEditing {
		return Block{}, ErrNotEditing
	}
	if m.runningID != "" {
		return Block{}, ErrContextBusy
	}
	if strings.TrimSpace(command) == "" {
		return Block{}, ErrEmptyCommand
	}

	b.Command = command
	if err := b.begin(); err != nil {
		return Block{}, err
	}
	m.runningID = b.ID

	m.publishStateLocked(b)
	return b.clone(), nil
}

// AppendOutput applies one chunk to a running block. Chunks arriving after
// finalization are dropped and logged, never applied. Returns whether this
// append hit the output cap.
func (m *Manager) AppendOutput(blockID id.BlockID, chunk stream.Chunk) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.index[blockID]
	if !ok || b.State != StateRunning {
		m.log.Debug("dropping late output chunk",
			zap.String("block_id", blockID.String()),
			zap.Int("bytes", len(chunk.Data)))
		return false
	}

	alreadyCapped := b.truncated
	before := len(b.Output)
	truncated := b.appendOutput(chunk.Data, m.cfg.MaxOutputBytes)

	if !alreadyCapped {
		c := chunk
		if truncated {
			// Subscribers see exactly what was stored: the kept prefix plus
			// the truncation marker, never the full chunk.
			c.Data = append([]byte(nil), b.Output[before:]...)
			c.Spans = nil
		}
		m.feed.Publish(Event{
			Type:      EventOutputAppended,
			ContextID: m.ctxID,
			BlockID:   b.ID,
			State:     b.State,
			Chunk:     &c,
		})
		m.recordLocked(persist.EventAppend, b)
	}
	return truncated
}

// AppendMarker appends a marker to a running block, bypassing the output
// cap. Used for the read-error marker so partial output keeps its
// explanation even on capped blocks.
func (m *Manager) AppendMarker(blockID id.BlockID, marker string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.index[blockID]
	if !ok || b.State != StateRunning {
		return
	}
	b.appendMarker(marker)
}

// Finalize applies the terminal transition for a finished run and releases
// the running slot. Exactly one terminal transition per block: a second
// call fails with a transition error.
func (m *Manager) Finalize(blockID id.BlockID, res Result) (Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.index[blockID]
	if !ok {
		return Block{}, ErrNotFound
	}

	state, exitCode := res.resolve()
	if res.LaunchError != nil {
		b.appendMarker(LaunchErrorPrefix + res.LaunchError.Error())
	}
	if err := b.finish(state, exitCode); err != nil {
		return Block{}, err
	}
	if m.runningID == blockID {
		m.runningID = ""
	}

	m.publishStateLocked(b)
	m.recordLocked(persist.EventFinalize, b)
	return b.clone(), nil
}

// resolve maps a run result onto the terminal state per the transition
// table: cancellation wins, then launch/read errors, then the exit code.
// Signal terminations not attributed to the controller are failures with
// the 128+signal convention already folded into Status.Code.
func (r Result) resolve() (State, *int) {
	if r.LaunchError != nil {
		return StateFailed, nil
	}
	code := r.Status.Code
	if r.Cancelled {
		return StateCancelled, &code
	}
	if r.ReadError {
		return StateFailed, &code
	}
	if code == 0 && !r.Status.Signaled {
		return StateCompleted, &code
	}
	return StateFailed, &code
}

// RequestCancel validates that blockID is the running block. The caller
// delivers the actual signal on a nil return; any other outcome is an
// explicit not-running result.
func (m *Manager) RequestCancel(blockID id.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.index[blockID]
	if !ok {
		return ErrNotFound
	}
	if b.State != StateRunning || m.runningID != blockID {
		return ErrNotRunning
	}
	return nil
}

// Delete removes a block. Running blocks cannot be deleted; surrounding
// order indexes keep their values, so gaps are expected.
func (m *Manager) Delete(blockID id.BlockID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.index[blockID]
	if !ok {
		return ErrNotFound
	}
	if b.State == StateRunning {
		return ErrBlockRunning
	}
	m.removeLocked(b)
	return nil
}

// SetCollapsed updates the presentation flag. Valid in any state; the only
// mutation terminal blocks accept.
func (m *Manager) SetCollapsed(blockID id.BlockID, collapsed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.index[blockID]
	if !ok {
		return ErrNotFound
	}
	b.IsCollapsed = collapsed
	m.publishStateLocked(b)
	return nil
}

// Snapshot returns deep copies of all blocks in order. Callers cannot
// mutate manager state through the result.
func (m *Manager) Snapshot() []Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Block, len(m.blocks))
	for i, b := range m.blocks {
		out[i] = b.clone()
	}
	return out
}

// Recent returns deep copies of the n most recent blocks in order.
func (m *Manager) Recent(n int) []Block {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n <= 0 || n > len(m.blocks) {
		n = len(m.blocks)
	}
	tail := m.blocks[len(m.blocks)-n:]
	out := make([]Block, len(tail))
	for i, b := range tail {
		out[i] = b.clone()
	}
	return out
}

// Get returns a deep copy of one block.
func (m *Manager) Get(blockID id.BlockID) (Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.index[blockID]
	if !ok {
		return Block{}, false
	}
	return b.clone(), true
}

// Running returns the currently running block's ID, if any.
func (m *Manager) Running() (id.BlockID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningID, m.runningID != ""
}

// Count returns the number of blocks held.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blocks)
}

// Subscribe attaches to the context's event stream.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	return m.feed.Subscribe(buffer)
}

// Close terminates the event feed.
func (m *Manager) Close() {
	m.feed.Close()
}

// enforceCapsLocked evicts the oldest terminal block while over the count
// cap. A running block is never evicted; if nothing is evictable the cap
// is temporarily exceeded.
func (m *Manager) enforceCapsLocked() {
	if m.cfg.MaxBlocks <= 0 {
		return
	}
	for len(m.blocks) > m.cfg.MaxBlocks {
		evicted := false
		for _, b := range m.blocks {
			if b.State.Terminal() {
				m.removeLocked(b)
				evicted = true
				break
			}
		}
		if !evicted {
			m.log.Warn("block cap exceeded with no evictable block",
				zap.Int("count", len(m.blocks)),
				zap.Int("cap", m.cfg.MaxBlocks))
			return
		}
	}
}

// removeLocked drops b from the collection and notifies collaborators.
func (m *Manager) removeLocked(b *Block) {
	for i, cur := range m.blocks {
		if cur.ID == b.ID {
			m.blocks = append(m.blocks[:i], m.blocks[i+1:]...)
			break
		}
	}
	delete(m.index, b.ID)

	m.feed.Publish(Event{
		Type:      EventBlockDeleted,
		ContextID: m.ctxID,
		BlockID:   b.ID,
		State:     b.State,
	})
	m.recordLocked(persist.EventDelete, b)
}

func (m *Manager) publishStateLocked(b *Block) {
	m.feed.Publish(Event{
		Type:      EventStateChanged,
		ContextID: m.ctxID,
		BlockID:   b.ID,
		State:     b.State,
		ExitCode:  b.ExitCode,
	})
}

func (m *Manager) recordLocked(event persist.RowEvent, b *Block) {
	row := persist.Row{
		Event:       event,
		ContextID:   m.ctxID,
		BlockID:     b.ID,
		OrderIndex:  b.OrderIndex,
		Command:     b.Command,
		Output:      append([]byte(nil), b.Output...),
		ExitCode:    b.ExitCode,
		State:       string(b.State),
		WorkingDir:  b.WorkingDir,
		Env:         b.Env,
		StartedAt:   b.StartedAt,
		CompletedAt: b.CompletedAt,
		Duration:    b.Duration,
		IsCollapsed: b.IsCollapsed,
		RecordedAt:  time.Now(),
	}
	if err := m.recorder.Record(row); err != nil {
		m.log.Warn("history recorder failed", zap.Error(err))
	}
}
