package engine

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tzhukov/immaterium/internal/block"
	"github.com/tzhukov/immaterium/internal/cancel"
	"github.com/tzhukov/immaterium/internal/logging"
	"github.com/tzhukov/immaterium/internal/monitoring"
	"github.com/tzhukov/immaterium/internal/shared/id"
	"github.com/tzhukov/immaterium/internal/shell"
	"github.com/tzhukov/immaterium/internal/stream"
)

// ErrContextClosed rejects operations on a closed execution context.
var ErrContextClosed = errors.New("execution context is closed")

// Context is one execution scope: an ordered block history and at most one
// live process. Contexts are independent; nothing here is shared across
// them except the recorder and metrics sinks.
type Context struct {
	ID        id.ContextID
	CreatedAt time.Time

	shellPath  string
	cols, rows uint16
	backend    shell.Backend
	manager    *block.Manager
	ctl        *cancel.Controller
	log        *logging.Logger
	metrics    *monitoring.Metrics

	mu         sync.Mutex
	workingDir string
	env        map[string]string
	handle     shell.Handle
	runningID  id.BlockID
	closed     bool

	wg sync.WaitGroup
}

// Info is the read-only description of a context.
type Info struct {
	ID         id.ContextID `json:"id"`
	Shell      string       `json:"shell"`
	WorkingDir string       `json:"working_directory"`
	Backend    string       `json:"backend"`
	Blocks     int          `json:"blocks"`
	Running    bool         `json:"running"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Info returns the context description.
func (c *Context) Info() Info {
	c.mu.Lock()
	wd := c.workingDir
	running := c.handle != nil
	c.mu.Unlock()

	return Info{
		ID:         c.ID,
		Shell:      c.shellPath,
		WorkingDir: wd,
		Backend:    c.backend.Name(),
		Blocks:     c.manager.Count(),
		Running:    running,
		CreatedAt:  c.CreatedAt,
	}
}

// Submit creates a block for command and spawns its process. On a launch
// failure the block is finalized Failed with a launch-error marker and the
// error is returned alongside it.
func (c *Context) Submit(command string) (block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return block.Block{}, ErrContextClosed
	}

	blk, err := c.manager.Submit(command, c.workingDir, c.env)
	if err != nil {
		return block.Block{}, err
	}
	return c.startLocked(blk)
}

// Edit creates a new Editing block pre-populated with the source block's
// command text. The historical block is untouched.
func (c *Context) Edit(sourceID id.BlockID) (block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return block.Block{}, ErrContextClosed
	}
	return c.manager.Edit(sourceID)
}

// SubmitEditing runs an Editing block with its final command text.
func (c *Context) SubmitEditing(blockID id.BlockID, command string) (block.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return block.Block{}, ErrContextClosed
	}

	blk, err := c.manager.SubmitEditing(blockID, command)
	if err != nil {
		return block.Block{}, err
	}
	return c.startLocked(blk)
}

// startLocked spawns the process for a block the manager has already moved
// to Running. Caller holds c.mu.
func (c *Context) startLocked(blk block.Block) (block.Block, error) {
	h, err := c.backend.Spawn(shell.Spec{
		Shell:      c.shellPath,
		Command:    blk.Command,
		WorkingDir: blk.WorkingDir,
		Env:        blk.Env,
		Cols:       c.cols,
		Rows:       c.rows,
	})
	c.metrics.RecordSubmit()
	if err != nil {
		lerr := asLaunchError(err)
		c.log.Warn("process launch failed",
			zap.String("block_id", blk.ID.String()),
			zap.Error(lerr))
		failed, ferr := c.manager.Finalize(blk.ID, block.Result{LaunchError: lerr})
		if ferr != nil {
			c.log.Error("failed to finalize unlaunchable block", zap.Error(ferr))
			return blk, lerr
		}
		c.metrics.RecordFinalize(string(failed.State))
		return failed, lerr
	}

	c.handle = h
	c.runningID = blk.ID

	c.wg.Add(1)
	go c.run(blk.ID, h)

	c.log.Info("block running",
		zap.String("block_id", blk.ID.String()),
		zap.Uint64("order_index", blk.OrderIndex),
		zap.String("command", blk.Command))
	return blk, nil
}

// run drains the process output and finalizes the block once the process
// terminates. One run goroutine per running block; it is the only writer
// feeding this block's append/finalize path.
func (c *Context) run(blockID id.BlockID, h shell.Handle) {
	defer c.wg.Done()

	demux := stream.NewDemuxer()
	readErr := demux.Drain(h.Output(), func(chunk stream.Chunk) {
		c.metrics.RecordOutput(len(chunk.Data))
		if c.manager.AppendOutput(blockID, chunk) {
			c.metrics.RecordTruncation()
		}
	})
	if readErr != nil {
		c.log.Warn("output stream failed mid-run",
			zap.String("block_id", blockID.String()),
			zap.Error(readErr))
		c.manager.AppendMarker(blockID, block.ReadErrorMarker)
		// The stream is gone; make sure the process group follows so the
		// wait below terminates.
		_ = h.Signal(syscall.SIGKILL)
	}

	status := h.Wait()

	// Settle and the handle teardown happen under c.mu so CancelBlock can
	// never open a sequence against a process that has already been waited
	// out: it either wins the lock first and the settle attributes the
	// cancel, or it loses and sees no running handle.
	c.mu.Lock()
	cancelled := c.ctl.Settle(blockID)
	if c.runningID == blockID {
		c.handle = nil
		c.runningID = ""
	}
	c.mu.Unlock()

	final, err := c.manager.Finalize(blockID, block.Result{
		Status:    status,
		Cancelled: cancelled,
		ReadError: readErr != nil,
	})
	if err != nil {
		c.log.Error("finalize rejected", zap.String("block_id", blockID.String()), zap.Error(err))
	} else {
		c.metrics.RecordFinalize(string(final.State))
		c.log.Info("block finished",
			zap.String("block_id", blockID.String()),
			zap.String("state", string(final.State)),
			zap.Int("exit_code", status.Code),
			zap.Duration("duration", final.Duration))
	}

	h.Close()
}

// WriteInput forwards bytes to the running process's stdin.
func (c *Context) WriteInput(p []byte) (int, error) {
	c.mu.Lock()
	h := c.handle
	c.mu.Unlock()
	if h == nil {
		return 0, block.ErrNotRunning
	}
	return h.Write(p)
}

// Cancel requests cancellation of whatever block is running.
func (c *Context) Cancel() error {
	rid, ok := c.manager.Running()
	if !ok {
		return block.ErrNotRunning
	}
	return c.CancelBlock(rid)
}

// CancelBlock requests cancellation of a specific block. A not-running
// block yields an explicit ErrNotRunning; nothing is mutated.
func (c *Context) CancelBlock(blockID id.BlockID) error {
	if err := c.manager.RequestCancel(blockID); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle == nil || c.runningID != blockID {
		return block.ErrNotRunning
	}

	if c.ctl.Cancel(blockID, c.handle) {
		c.metrics.RecordCancel()
	}
	return nil
}

// Delete removes a block; rejected while it is running.
func (c *Context) Delete(blockID id.BlockID) error {
	return c.manager.Delete(blockID)
}

// SetCollapsed flips the presentation flag on a block.
func (c *Context) SetCollapsed(blockID id.BlockID, collapsed bool) error {
	return c.manager.SetCollapsed(blockID, collapsed)
}

// Snapshot returns the ordered, read-only block list.
func (c *Context) Snapshot() []block.Block {
	return c.manager.Snapshot()
}

// Recent returns the n most recent blocks.
func (c *Context) Recent(n int) []block.Block {
	return c.manager.Recent(n)
}

// Get returns one block by ID.
func (c *Context) Get(blockID id.BlockID) (block.Block, bool) {
	return c.manager.Get(blockID)
}

// Subscribe attaches to the context's event stream.
func (c *Context) Subscribe(buffer int) (<-chan block.Event, func()) {
	return c.manager.Subscribe(buffer)
}

// SetWorkingDir changes the working directory snapshot used for future
// blocks. Already-created blocks keep theirs.
func (c *Context) SetWorkingDir(dir string) error {
	fi, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("invalid working directory: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("invalid working directory: %s is not a directory", dir)
	}

	c.mu.Lock()
	c.workingDir = dir
	c.mu.Unlock()
	return nil
}

// Close terminates the context. A running process is killed outright, the
// run goroutine is waited out, and the event feed shuts down.
func (c *Context) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	h := c.handle
	c.mu.Unlock()

	if h != nil {
		_ = h.Signal(syscall.SIGKILL)
	}
	c.wg.Wait()
	c.manager.Close()
}

func asLaunchError(err error) *shell.LaunchError {
	var lerr *shell.LaunchError
	if errors.As(err, &lerr) {
		return lerr
	}
	return &shell.LaunchError{Kind: shell.LaunchResourceExhausted, Err: err}
}
