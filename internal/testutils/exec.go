package testutils

import (
	"slices"
	"sync"

	utilexec "k8s.io/utils/exec"
	testingexec "k8s.io/utils/exec/testing"
)

// Call is the scripted result of one command invocation.
type Call struct {
	Stdout string
	Stderr string
	Err    error
}

// ExitStatus returns an error that looks like a command exiting with code.
func ExitStatus(code int) error {
	return testingexec.FakeExitError{Status: code}
}

// Recorder scripts a FakeExec and records every argument vector it was asked to run.
type Recorder struct {
	Exec *testingexec.FakeExec

	mu   sync.Mutex
	argv [][]string
	env  [][]string
}

// NewRecorder returns a Recorder answering commands with calls, in order.
// Running more commands than scripted panics, as FakeExec does.
func NewRecorder(calls ...Call) *Recorder {
	r := &Recorder{Exec: &testingexec.FakeExec{}}
	for _, c := range calls {
		r.Exec.CommandScript = append(r.Exec.CommandScript, r.action(c))
	}
	return r
}

func (r *Recorder) action(c Call) testingexec.FakeCommandAction {
	return func(cmd string, args ...string) utilexec.Cmd {
		r.mu.Lock()
		r.argv = append(r.argv, append([]string{cmd}, args...))
		r.mu.Unlock()

		fake := &testingexec.FakeCmd{
			RunScript: []testingexec.FakeAction{
				func() ([]byte, []byte, error) {
					return []byte(c.Stdout), []byte(c.Stderr), c.Err
				},
			},
			WaitResponse: c.Err,
		}
		return &envRecordingCmd{Cmd: testingexec.InitFakeCmd(fake, cmd, args...), recorder: r}
	}
}

// Argv returns the argument vectors run so far.
func (r *Recorder) Argv() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.argv)
}

// Env returns the environments set on the commands run so far.
func (r *Recorder) Env() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.env)
}

// Calls returns how many commands have been run.
func (r *Recorder) Calls() int {
	return r.Exec.CommandCalls
}

type envRecordingCmd struct {
	utilexec.Cmd
	recorder *Recorder
}

func (c *envRecordingCmd) SetEnv(env []string) {
	c.recorder.mu.Lock()
	c.recorder.env = append(c.recorder.env, env)
	c.recorder.mu.Unlock()
	c.Cmd.SetEnv(env)
}
