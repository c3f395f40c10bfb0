package shell

import (
	"io"
	"os"
	"sync"
	"syscall"
)

// FakeBackend is an in-memory Backend for tests. Each Spawn returns a
// FakeHandle whose output and exit are driven by the test.
type FakeBackend struct {
	// LaunchErr, when set, makes every Spawn fail with it.
	LaunchErr error

	mu      sync.Mutex
	handles []*FakeHandle
}

// NewFakeBackend creates a fake process backend.
func NewFakeBackend() *FakeBackend { return &FakeBackend{} }

func (b *FakeBackend) Name() string { return "fake" }

func (b *FakeBackend) Spawn(spec Spec) (Handle, error) {
	if b.LaunchErr != nil {
		return nil, b.LaunchErr
	}
	h := NewFakeHandle(spec)
	b.mu.Lock()
	b.handles = append(b.handles, h)
	b.mu.Unlock()
	return h, nil
}

// Handles returns every handle spawned so far.
func (b *FakeBackend) Handles() []*FakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*FakeHandle, len(b.handles))
	copy(out, b.handles)
	return out
}

// Last returns the most recently spawned handle, or nil.
func (b *FakeBackend) Last() *FakeHandle {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.handles) == 0 {
		return nil
	}
	return b.handles[len(b.handles)-1]
}

// FakeHandle is a scriptable process handle. Tests call EmitOutput and then
// Exit or ExitSignaled; readers observe the bytes followed by EOF.
type FakeHandle struct {
	Spec Spec

	pr *io.PipeReader
	pw *io.PipeWriter

	exitCh   chan ExitStatus
	waitOnce sync.Once
	status   ExitStatus

	mu      sync.Mutex
	signals []os.Signal
	input   []byte
}

// NewFakeHandle creates a fake handle detached from any backend.
func NewFakeHandle(spec Spec) *FakeHandle {
	pr, pw := io.Pipe()
	return &FakeHandle{
		Spec:   spec,
		pr:     pr,
		pw:     pw,
		exitCh: make(chan ExitStatus, 1),
	}
}

func (h *FakeHandle) Output() io.Reader { return h.pr }

func (h *FakeHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	h.input = append(h.input, p...)
	h.mu.Unlock()
	return len(p), nil
}

func (h *FakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	h.signals = append(h.signals, sig)
	h.mu.Unlock()
	return nil
}

func (h *FakeHandle) Wait() ExitStatus {
	h.waitOnce.Do(func() {
		h.status = <-h.exitCh
	})
	return h.status
}

func (h *FakeHandle) Close() error {
	h.pr.Close()
	return nil
}

// EmitOutput makes the fake process write data to its output stream.
// Blocks until a reader consumes it, mirroring a full OS pipe.
func (h *FakeHandle) EmitOutput(data string) {
	_, _ = h.pw.Write([]byte(data))
}

// Exit ends the fake process with a normal exit code.
func (h *FakeHandle) Exit(code int) {
	h.pw.Close()
	h.exitCh <- ExitStatus{Code: code}
}

// ExitSignaled ends the fake process as if terminated by sig.
func (h *FakeHandle) ExitSignaled(sig syscall.Signal) {
	h.pw.Close()
	h.exitCh <- ExitStatus{Code: 128 + int(sig), Signaled: true, Signal: sig}
}

// FailOutput ends the output stream with a read error while leaving the
// process running until Exit is called.
func (h *FakeHandle) FailOutput(err error) {
	h.pw.CloseWithError(err)
}

// Signals returns the signals delivered so far.
func (h *FakeHandle) Signals() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]os.Signal, len(h.signals))
	copy(out, h.signals)
	return out
}

// Input returns everything written to the fake process's stdin.
func (h *FakeHandle) Input() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.input...)
}
