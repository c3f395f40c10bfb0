package shell

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// ErrUnsupportedSignal reports a signal type the platform cannot deliver.
var ErrUnsupportedSignal = errors.New("unsupported signal type")

// LaunchKind classifies spawn failures.
type LaunchKind string

const (
	// LaunchShellNotFound: the shell binary is missing or not executable.
	LaunchShellNotFound LaunchKind = "shell_not_found"
	// LaunchBadWorkingDir: the working directory does not exist or is not a
	// directory.
	LaunchBadWorkingDir LaunchKind = "bad_working_directory"
	// LaunchResourceExhausted: the OS refused the spawn (process table,
	// file descriptors, memory, or PTY devices exhausted).
	LaunchResourceExhausted LaunchKind = "resource_exhausted"
)

// LaunchError is returned when a process cannot be spawned.
type LaunchError struct {
	Kind LaunchKind
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failed (%s): %v", e.Kind, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// validateSpec performs the deterministic pre-spawn checks so launch errors
// carry a precise kind instead of whatever errno the fork surfaced.
func validateSpec(spec Spec) *LaunchError {
	fi, err := os.Stat(spec.Shell)
	if err != nil {
		return &LaunchError{Kind: LaunchShellNotFound, Err: err}
	}
	if fi.IsDir() || fi.Mode()&0o111 == 0 {
		return &LaunchError{Kind: LaunchShellNotFound, Err: fmt.Errorf("%s is not executable", spec.Shell)}
	}

	di, err := os.Stat(spec.WorkingDir)
	if err != nil {
		return &LaunchError{Kind: LaunchBadWorkingDir, Err: err}
	}
	if !di.IsDir() {
		return &LaunchError{Kind: LaunchBadWorkingDir, Err: fmt.Errorf("%s is not a directory", spec.WorkingDir)}
	}
	return nil
}

// classifyStartError maps a start failure that survived validation onto a
// launch kind.
func classifyStartError(err error) *LaunchError {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) && pathErr.Op == "chdir" {
		return &LaunchError{Kind: LaunchBadWorkingDir, Err: err}
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return &LaunchError{Kind: LaunchShellNotFound, Err: err}
	}
	for _, errno := range []syscall.Errno{syscall.EAGAIN, syscall.EMFILE, syscall.ENFILE, syscall.ENOMEM} {
		if errors.Is(err, errno) {
			return &LaunchError{Kind: LaunchResourceExhausted, Err: err}
		}
	}
	if errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return &LaunchError{Kind: LaunchShellNotFound, Err: err}
	}
	return &LaunchError{Kind: LaunchResourceExhausted, Err: err}
}
