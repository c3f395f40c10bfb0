package shell

import (
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// PTYBackend spawns the shell attached to a pseudo-terminal. The child
// becomes its own session leader, which both gives it a controlling
// terminal and makes its pid the process group for signaling.
type PTYBackend struct{}

// NewPTYBackend creates the pseudo-terminal backend.
func NewPTYBackend() *PTYBackend { return &PTYBackend{} }

func (b *PTYBackend) Name() string { return "pty" }

// Spawn starts spec.Shell -c spec.Command on a new PTY.
func (b *PTYBackend) Spawn(spec Spec) (Handle, error) {
	if lerr := validateSpec(spec); lerr != nil {
		return nil, lerr
	}

	cmd := exec.Command(spec.Shell, "-c", spec.Command)
	cmd.Dir = spec.WorkingDir
	cmd.Env = buildEnv(spec.Env)

	cols, rows := spec.Cols, spec.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, classifyStartError(err)
	}

	return &ptyHandle{cmd: cmd, ptmx: ptmx}, nil
}

type ptyHandle struct {
	cmd  *exec.Cmd
	ptmx *os.File

	waitOnce sync.Once
	status   ExitStatus

	closeOnce sync.Once
}

func (h *ptyHandle) Output() io.Reader { return h.ptmx }

func (h *ptyHandle) Write(p []byte) (int, error) { return h.ptmx.Write(p) }

func (h *ptyHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return signalGroup(h.cmd.Process.Pid, sig)
}

func (h *ptyHandle) Wait() ExitStatus {
	h.waitOnce.Do(func() {
		_ = h.cmd.Wait()
		h.status = statusFromState(h.cmd.ProcessState)
	})
	return h.status
}

func (h *ptyHandle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		err = h.ptmx.Close()
	})
	return err
}

// Resize changes the PTY dimensions.
func (h *ptyHandle) Resize(cols, rows uint16) error {
	return pty.Setsize(h.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}
