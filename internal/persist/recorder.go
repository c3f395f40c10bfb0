// Package persist defines the history recorder boundary. The engine hands
// the recorder a row-shaped record on every append, finalize, and delete;
// what the collaborator does with it (database, sync service) is its own
// concern. A JSONL file recorder ships as the local implementation.
package persist

import (
	"time"

	"github.com/tzhukov/immaterium/internal/shared/id"
)

// RowEvent names the mutation that produced a row.
type RowEvent string

const (
	EventAppend   RowEvent = "append"
	EventFinalize RowEvent = "finalize"
	EventDelete   RowEvent = "delete"
)

// Row mirrors the block fields as a flat record.
type Row struct {
	Event       RowEvent          `json:"event"`
	ContextID   id.ContextID      `json:"context_id"`
	BlockID     id.BlockID        `json:"id"`
	OrderIndex  uint64            `json:"order_index"`
	Command     string            `json:"command"`
	Output      []byte            `json:"output"`
	ExitCode    *int              `json:"exit_code,omitempty"`
	State       string            `json:"state"`
	WorkingDir  string            `json:"working_directory"`
	Env         map[string]string `json:"environment,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"`
	IsCollapsed bool              `json:"is_collapsed"`
	RecordedAt  time.Time         `json:"recorded_at"`
}

// Recorder receives history rows. Implementations must tolerate being
// called from the engine's mutation path: record cheaply or buffer.
type Recorder interface {
	Record(row Row) error
	Close() error
}

// Noop discards every row.
type Noop struct{}

func (Noop) Record(Row) error { return nil }
func (Noop) Close() error     { return nil }
