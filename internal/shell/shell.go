// Package shell spawns shell processes for command blocks. A Backend is the
// capability interface over process creation; variant implementations exist
// for pseudo-terminal execution (PTYBackend), plain pipe execution
// (PipeBackend), and deterministic tests (FakeBackend).
//
// Every backend places the child in its own process group so that signals
// reach pipelines and descendants, not just the immediate shell.
package shell

import (
	"io"
	"os"
	"syscall"
)

// Spec describes one process to spawn.
type Spec struct {
	Shell      string            // shell binary, e.g. /bin/bash
	Command    string            // command text, passed via -c
	WorkingDir string            // working directory for the child
	Env        map[string]string // overlay on top of the parent environment
	Cols       uint16            // terminal width (PTY only)
	Rows       uint16            // terminal height (PTY only)
}

// ExitStatus is the result of waiting on a spawned process. Signal
// termination is distinguished from normal exit; signaled processes carry
// the POSIX convention code 128+signal.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   syscall.Signal
}

// Handle is a live spawned process.
type Handle interface {
	// Output is the combined output stream in write order. With a PTY the
	// kernel merges stdout and stderr; with pipes both descriptors share one
	// pipe. The reader returns io.EOF (or EIO for a closed PTY) once the
	// process and its descendants close the stream.
	Output() io.Reader

	// Write sends input to the process's stdin.
	Write(p []byte) (int, error)

	// Signal delivers sig to the entire process group.
	Signal(sig os.Signal) error

	// Wait blocks until the process terminates and reaps it. Safe to call
	// from multiple goroutines; all callers observe the same status.
	Wait() ExitStatus

	// Close releases OS resources held by the handle.
	Close() error
}

// Backend creates process handles. Chosen per execution context.
type Backend interface {
	Name() string
	Spawn(spec Spec) (Handle, error)
}

// ForBackend returns the backend registered under name ("pty" or "pipe").
// Unknown names fall back to the PTY backend.
func ForBackend(name string) Backend {
	switch name {
	case "pipe":
		return NewPipeBackend()
	default:
		return NewPTYBackend()
	}
}

// signalGroup delivers a signal to the process group led by pid.
func signalGroup(pid int, sig os.Signal) error {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return ErrUnsupportedSignal
	}
	return syscall.Kill(-pid, s)
}

// buildEnv merges the parent environment with the spec overlay and forces a
// terminal type the child can rely on.
func buildEnv(overlay map[string]string) []string {
	env := os.Environ()
	env = append(env, "TERM=xterm-256color")
	for k, v := range overlay {
		env = append(env, k+"="+v)
	}
	return env
}

// statusFromState converts a reaped process state into an ExitStatus.
func statusFromState(state *os.ProcessState) ExitStatus {
	if state == nil {
		return ExitStatus{Code: -1}
	}
	ws, ok := state.Sys().(syscall.WaitStatus)
	if ok && ws.Signaled() {
		sig := ws.Signal()
		return ExitStatus{
			Code:     128 + int(sig),
			Signaled: true,
			Signal:   sig,
		}
	}
	return ExitStatus{Code: state.ExitCode()}
}
