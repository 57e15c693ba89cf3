package command

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	utilexec "k8s.io/utils/exec"
)

// AsCommandError returns the Error from err if it exists and a bool indicating if it is one.
func AsCommandError(err error) (Error, bool) {
	var cmdErr Error
	ok := errors.As(err, &cmdErr)
	return cmdErr, ok
}

// ExitCode returns the exit code of the failed command carried by err, or -1.
func ExitCode(err error) int {
	if cmdErr, ok := AsCommandError(err); ok {
		return cmdErr.ExitCode()
	}
	return -1
}

// Error wraps the original error of a failed command together with its
// argument vector and the stderr output if found.
type Error interface {
	error
	Args() []string
	Stderr() string
	ExitCode() int
	Unwrap() error
}

type commandErr struct {
	args   []string
	err    error
	stderr []byte
}

func newCommandError(args []string, err error, stderr []byte) *commandErr {
	return &commandErr{args: args, err: err, stderr: stderr}
}

func (e *commandErr) Error() string {
	msg := fmt.Sprintf("%s: %v", strings.Join(e.args, " "), e.err)
	if stderr := bytes.TrimSpace(e.stderr); len(stderr) > 0 {
		return fmt.Sprintf("%s: %s", msg, stderr)
	}
	return msg
}

func (e *commandErr) Unwrap() error {
	return e.err
}

func (e *commandErr) Args() []string {
	return e.args
}

func (e *commandErr) Stderr() string {
	return string(bytes.TrimSpace(e.stderr))
}

func (e *commandErr) ExitCode() int {
	var exitErr utilexec.ExitError
	if errors.As(e.err, &exitErr) {
		return exitErr.ExitStatus()
	}
	type exitCoder interface {
		ExitCode() int
		error
	}
	var coder exitCoder
	if errors.As(e.err, &coder) {
		return coder.ExitCode()
	}
	return -1
}
