package command

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	utilexec "k8s.io/utils/exec"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

const (
	verbosityStateUpdate   = 1
	verbosityStateNoUpdate = 4
)

// Runner invokes external tools. Every command is run with LC_ALL=C and, when a
// prefix is set, as `prefix... name args...`.
type Runner struct {
	exec   utilexec.Interface
	prefix []string
	env    []string
}

// Option configures a Runner.
type Option func(*Runner)

// WithPrefix sets a list of strings prepended to every command, e.g. `sudo`.
func WithPrefix(prefix ...string) Option {
	return func(r *Runner) {
		r.prefix = prefix
	}
}

// WithEnv appends KEY=VALUE pairs to the environment of every command.
func WithEnv(env ...string) Option {
	return func(r *Runner) {
		r.env = append(r.env, env...)
	}
}

// NewRunner creates a Runner on top of exec.
func NewRunner(exec utilexec.Interface, opts ...Option) *Runner {
	r := &Runner{exec: exec}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Unprivileged returns a copy of r that does not apply the prefix.
// Commands that escalate on their own, like `ssh host sudo zfs`, use it.
func (r *Runner) Unprivileged() *Runner {
	return &Runner{exec: r.exec, env: slices.Clone(r.env)}
}

// With returns a copy of r with additional options applied.
func (r *Runner) With(opts ...Option) *Runner {
	c := &Runner{exec: r.exec, prefix: slices.Clone(r.prefix), env: slices.Clone(r.env)}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Argv returns the full argument vector that would be executed for name and args.
func (r *Runner) Argv(name string, args ...string) []string {
	return slices.Concat(r.prefix, []string{name}, args)
}

// Run calls the command and prints its output to the log.
func (r *Runner) Run(ctx context.Context, name string, args ...string) error {
	return r.RunInto(ctx, nil, verbosityStateUpdate, name, args...)
}

// Query calls a command that does not change any state and returns its stdout.
func (r *Runner) Query(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout bytes.Buffer
	if err := r.run(ctx, verbosityStateNoUpdate, &stdout, name, args...); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

// RunInto calls the command and decodes its output via JSON into the provided struct pointer.
// If the pointer is nil, the output is printed to the log instead.
func (r *Runner) RunInto(ctx context.Context, into any, logVerbosity int, name string, args ...string) error {
	var stdout bytes.Buffer
	if err := r.run(ctx, logVerbosity, &stdout, name, args...); err != nil {
		return err
	}

	if into != nil {
		return json.NewDecoder(&stdout).Decode(into)
	}

	// if we don't decode the output into a struct, we can still log the command results from stdout.
	scanner := bufio.NewScanner(&stdout)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			log.FromContext(ctx).Info(line)
		}
	}
	return scanner.Err()
}

// Attached calls the command with stdout and stderr connected to the process's own,
// for tools that report progress interactively.
func (r *Runner) Attached(ctx context.Context, name string, args ...string) error {
	cmd := r.command(ctx, verbosityStateUpdate, name, args...)
	var stderr bytes.Buffer
	cmd.SetStdout(os.Stdout)
	cmd.SetStderr(io.MultiWriter(os.Stderr, &stderr))
	if err := cmd.Run(); err != nil {
		return newCommandError(r.Argv(name, args...), err, stderr.Bytes())
	}
	return nil
}

func (r *Runner) run(ctx context.Context, logVerbosity int, stdout io.Writer, name string, args ...string) error {
	cmd := r.command(ctx, logVerbosity, name, args...)
	var stderr bytes.Buffer
	cmd.SetStdout(stdout)
	cmd.SetStderr(&stderr)
	if err := cmd.Run(); err != nil {
		return newCommandError(r.Argv(name, args...), err, stderr.Bytes())
	}
	return nil
}

func (r *Runner) command(ctx context.Context, logVerbosity int, name string, args ...string) utilexec.Cmd {
	ctx = log.IntoContext(ctx, log.FromContext(ctx).WithCallDepth(2))
	argv := r.Argv(name, args...)
	log.FromContext(ctx).V(logVerbosity).Info("invoking command", "args", argv)

	cmd := r.exec.CommandContext(ctx, argv[0], argv[1:]...)
	env := append(os.Environ(), "LC_ALL=C")
	cmd.SetEnv(append(env, r.env...))
	return cmd
}

var errReceiverExited = errors.New("receiving command exited")

// Stage is one side of a pipeline built by Pipe.
type Stage struct {
	Runner *Runner
	Name   string
	Args   []string
}

// Pipe connects the stdout of from to the stdin of to, like `from | to`.
// Bytes flowing through the pipe are reported to progress when it is not nil.
func Pipe(ctx context.Context, from, to Stage, progress io.Writer) error {
	logger := log.FromContext(ctx)
	fromArgv := from.Runner.Argv(from.Name, from.Args...)
	toArgv := to.Runner.Argv(to.Name, to.Args...)

	sender := from.Runner.command(ctx, verbosityStateUpdate, from.Name, from.Args...)
	receiver := to.Runner.command(ctx, verbosityStateUpdate, to.Name, to.Args...)

	pr, pw := io.Pipe()
	var sendErr, recvErr bytes.Buffer
	if progress != nil {
		sender.SetStdout(io.MultiWriter(pw, progress))
	} else {
		sender.SetStdout(pw)
	}
	sender.SetStderr(&sendErr)
	receiver.SetStdin(pr)
	receiver.SetStdout(&recvErr)
	receiver.SetStderr(&recvErr)

	if err := receiver.Start(); err != nil {
		return newCommandError(toArgv, err, nil)
	}
	if err := sender.Start(); err != nil {
		_ = pw.CloseWithError(err)
		_ = receiver.Wait()
		return newCommandError(fromArgv, err, nil)
	}

	// A receiver that exits early must unblock the sender.
	recvDone := make(chan error, 1)
	go func() {
		err := receiver.Wait()
		_ = pr.CloseWithError(errReceiverExited)
		recvDone <- err
	}()

	werr := sender.Wait()
	if werr != nil {
		_ = pw.CloseWithError(werr)
	} else {
		_ = pw.Close()
	}
	rerr := <-recvDone

	var errs []error
	if werr != nil {
		errs = append(errs, newCommandError(fromArgv, werr, sendErr.Bytes()))
	}
	if rerr != nil {
		errs = append(errs, newCommandError(toArgv, rerr, recvErr.Bytes()))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logger.V(verbosityStateUpdate).Info("pipeline finished", "from", fromArgv, "to", toArgv)
	return nil
}

// Describe renders argv the way a shell user would type it.
func Describe(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		if a == "" || strings.ContainsAny(a, " \t\"'") {
			quoted[i] = fmt.Sprintf("%q", a)
		} else {
			quoted[i] = a
		}
	}
	return strings.Join(quoted, " ")
}
