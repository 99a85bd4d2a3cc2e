// Package command runs the external tools a transition depends on
// (systemctl, dracut, update-initramfs) and keeps a bounded tail of their
// output for diagnostics.
package command

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
)

// defaultTailLines is how many output lines a Result keeps.
const defaultTailLines = 40

// Runner executes external commands.
type Runner interface {
	// Run starts name with args and waits for it to exit. A non-zero exit
	// status is reported as *ExitError.
	Run(ctx context.Context, name string, args ...string) (Result, error)

	// Available reports whether name can be found on PATH.
	Available(name string) bool
}

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int
	Output   []string // last lines of combined stdout/stderr
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Command  string
	ExitCode int
	Output   []string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", e.Command, e.ExitCode)
	if len(e.Output) > 0 {
		msg += ": " + e.Output[len(e.Output)-1]
	}
	return msg
}

// Exec is the Runner backed by os/exec.
type Exec struct {
	Env       []string
	TailLines int
}

// NewExec returns a Runner that inherits the daemon's environment.
func NewExec() *Exec {
	return &Exec{TailLines: defaultTailLines}
}

func (e *Exec) Run(ctx context.Context, name string, args ...string) (Result, error) {
	n := e.TailLines
	if n <= 0 {
		n = defaultTailLines
	}
	out := newTail(n)

	cmd := exec.CommandContext(ctx, name, args...)
	if e.Env != nil {
		cmd.Env = e.Env
	}
	cmd.Stdout = out
	cmd.Stderr = out
	// Own process group so a cancelled context takes down helpers too
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err := cmd.Run()
	res := Result{Output: out.Lines()}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, &ExitError{
			Command:  strings.Join(append([]string{name}, args...), " "),
			ExitCode: res.ExitCode,
			Output:   res.Output,
		}
	}
	return res, fmt.Errorf("running %s: %w", name, err)
}

func (e *Exec) Available(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
