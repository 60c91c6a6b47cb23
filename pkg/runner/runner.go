// Package runner spawns the external collaborators of the generator
// (systemd-detect-virt, modprobe, mkswap, mkfs.*) and reports how they ended.
//
// Everything that shells out goes through the Runner interface so the
// provisioning code can be exercised without real subprocesses; Script is
// the scripted stand-in used by tests.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Runner runs a command to completion.
// A non-nil error means the command could not be spawned or waited for;
// a command that ran and failed is reported through Status.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Status, error)
}

// Status is the way a finished command ended.
type Status struct {
	Code   int            // exit code, -1 when terminated by a signal
	Signal syscall.Signal // terminating signal, 0 on normal exit
}

func (s Status) Success() bool {
	return s.Signal == 0 && s.Code == 0
}

func (s Status) Signaled() bool {
	return s.Signal != 0
}

func (s Status) String() string {
	if s.Signaled() {
		return "signal " + SignalName(s.Signal)
	}
	return fmt.Sprintf("exit code %d", s.Code)
}

// SignalName returns the conventional name of sig (e.g. SIGKILL).
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}
	return sig.String()
}

// IsNotFound reports whether err means the command binary does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist)
}

// ExecRunner runs commands with os/exec, passing their output through.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) (Status, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr

	err := cmd.Run()
	if err == nil {
		return Status{}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Status{Code: -1, Signal: ws.Signal()}, nil
		}
		return Status{Code: exitErr.ExitCode()}, nil
	}

	return Status{}, fmt.Errorf("spawn %s: %w", name, err)
}
