package block

import (
	"errors"
	"fmt"

	"github.com/tzhukov/immaterium/internal/shared/id"
)

var (
	// ErrInvalidTransition is wrapped by every TransitionError.
	ErrInvalidTransition = errors.New("invalid block state transition")

	// ErrEmptyCommand rejects submission of empty or whitespace-only text.
	ErrEmptyCommand = errors.New("command is empty")

	// ErrContextBusy rejects a submit while another block is running.
	ErrContextBusy = errors.New("another block is already running in this context")

	// ErrNotRunning reports a cancel request against a non-running block.
	ErrNotRunning = errors.New("block is not running")

	// ErrBlockRunning rejects deletion of a running block.
	ErrBlockRunning = errors.New("block is running")

	// ErrNotFound reports an unknown block ID.
	ErrNotFound = errors.New("block not found")

	// ErrNotEditing rejects submission of a block that already left Editing.
	ErrNotEditing = errors.New("block is not in editing state")
)

// TransitionError reports a rejected state machine transition.
type TransitionError struct {
	BlockID id.BlockID
	From    State
	To      State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("block %s: transition %s -> %s rejected", e.BlockID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
