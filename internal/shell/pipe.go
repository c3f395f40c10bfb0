package shell

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
)

// PipeBackend spawns the shell with stdout and stderr sharing a single
// pipe, preserving write order without allocating a terminal device. Useful
// where PTYs are unavailable (restricted containers) and for programs that
// should not see a TTY.
type PipeBackend struct{}

// NewPipeBackend creates the plain pipe backend.
func NewPipeBackend() *PipeBackend { return &PipeBackend{} }

func (b *PipeBackend) Name() string { return "pipe" }

// Spawn starts spec.Shell -c spec.Command in a fresh process group.
func (b *PipeBackend) Spawn(spec Spec) (Handle, error) {
	if lerr := validateSpec(spec); lerr != nil {
		return nil, lerr
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, classifyStartError(err)
	}
	inR, inW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, classifyStartError(err)
	}

	cmd := exec.Command(spec.Shell, "-c", spec.Command)
	cmd.Dir = spec.WorkingDir
	cmd.Env = buildEnv(spec.Env)
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = outW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		outR.Close()
		outW.Close()
		inR.Close()
		inW.Close()
		return nil, classifyStartError(err)
	}

	// The parent's copies of the child ends must close so the output reader
	// sees EOF once the process group is done writing.
	outW.Close()
	inR.Close()

	return &pipeHandle{cmd: cmd, out: outR, in: inW}, nil
}

type pipeHandle struct {
	cmd *exec.Cmd
	out *os.File
	in  *os.File

	waitOnce sync.Once
	status   ExitStatus

	closeOnce sync.Once
}

func (h *pipeHandle) Output() io.Reader { return h.out }

func (h *pipeHandle) Write(p []byte) (int, error) { return h.in.Write(p) }

func (h *pipeHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return os.ErrProcessDone
	}
	return signalGroup(h.cmd.Process.Pid, sig)
}

func (h *pipeHandle) Wait() ExitStatus {
	h.waitOnce.Do(func() {
		_ = h.cmd.Wait()
		h.status = statusFromState(h.cmd.ProcessState)
	})
	return h.status
}

func (h *pipeHandle) Close() error {
	h.closeOnce.Do(func() {
		h.out.Close()
		h.in.Close()
	})
	return nil
}
