// Package block implements the command block entity, its lifecycle state
// machine, and the per-context manager that owns the ordered block list.
package block

import (
	"time"

	"github.com/tzhukov/immaterium/internal/shared/id"
)

// State is the lifecycle state of a block.
type State string

const (
	StateEditing   State = "editing"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether the state is a sink: no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Markers appended to block output. Each appears at most once per block.
const (
	TruncationMarker  = "\n[output truncated]"
	ReadErrorMarker   = "\n[output stream read error]"
	LaunchErrorPrefix = "[launch error] "
)

// Block records one submitted command, its captured output, and its
// lifecycle state. Fields other than IsCollapsed are frozen once the block
// reaches a terminal state.
type Block struct {
	ID          id.BlockID        `json:"id"`
	OrderIndex  uint64            `json:"order_index"`
	Command     string            `json:"command"`
	Output      []byte            `json:"output"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	State       State             `json:"state"`
	WorkingDir  string            `json:"working_directory"`
	Env         map[string]string `json:"environment,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"`
	IsCollapsed bool              `json:"is_collapsed"`

	truncated bool
}

// newBlock creates a block in Editing with a snapshot of the submission
// environment.
func newBlock(command, workingDir string, env map[string]string) *Block {
	envCopy := make(map[string]string, len(env))
	for k, v := range env {
		envCopy[k] = v
	}
	return &Block{
		ID:         id.NewBlockID(),
		Command:    command,
		State:      StateEditing,
		WorkingDir: workingDir,
		Env:        envCopy,
		CreatedAt:  time.Now(),
	}
}

// canTransition encodes the state machine. Editing may only begin running;
// Running may only reach exactly one of the three terminal states.
func canTransition(from, to State) bool {
	switch from {
	case StateEditing:
		return to == StateRunning
	case StateRunning:
		return to.Terminal()
	default:
		return false
	}
}

// begin moves the block from Editing to Running and stamps StartedAt.
func (b *Block) begin() error {
	if !canTransition(b.State, StateRunning) {
		return &TransitionError{BlockID: b.ID, From: b.State, To: StateRunning}
	}
	now := time.Now()
	b.State = StateRunning
	b.StartedAt = &now
	return nil
}

// finish applies a terminal transition, stamps CompletedAt, and derives
// Duration. exitCode may be nil when no process status exists (launch
// failure).
func (b *Block) finish(to State, exitCode *int) error {
	if !canTransition(b.State, to) {
		return &TransitionError{BlockID: b.ID, From: b.State, To: to}
	}
	now := time.Now()
	b.State = to
	b.ExitCode = exitCode
	b.CompletedAt = &now
	if b.StartedAt != nil {
		b.Duration = now.Sub(*b.StartedAt)
	}
	return nil
}

// appendOutput appends data subject to the byte cap. Once the cap is hit
// the output is truncated and a single marker is appended; further appends
// are dropped without adding more markers. Returns whether this call
// truncated.
func (b *Block) appendOutput(data []byte, maxBytes int) bool {
	if b.truncated {
		return false
	}
	if maxBytes <= 0 || len(b.Output)+len(data) <= maxBytes {
		b.Output = append(b.Output, data...)
		return false
	}
	keep := maxBytes - len(b.Output)
	if keep > 0 {
		b.Output = append(b.Output, data[:keep]...)
	}
	b.Output = append(b.Output, []byte(TruncationMarker)...)
	b.truncated = true
	return true
}

// appendMarker appends a marker string bypassing the cap. Used for the
// read-error and launch-error markers, which must survive truncation.
func (b *Block) appendMarker(marker string) {
	b.Output = append(b.Output, []byte(marker)...)
}

// clone returns a deep copy safe to hand to readers.
func (b *Block) clone() Block {
	out := *b
	out.Output = append([]byte(nil), b.Output...)
	if b.ExitCode != nil {
		code := *b.ExitCode
		out.ExitCode = &code
	}
	if b.StartedAt != nil {
		t := *b.StartedAt
		out.StartedAt = &t
	}
	if b.CompletedAt != nil {
		t := *b.CompletedAt
		out.CompletedAt = &t
	}
	out.Env = make(map[string]string, len(b.Env))
	for k, v := range b.Env {
		out.Env[k] = v
	}
	return out
}
