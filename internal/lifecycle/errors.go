package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

var (
	// ErrSnapshotExists is returned when the snapshot about to be created is
	// already there, typically left over by a crashed run. It is never reused
	// or removed.
	ErrSnapshotExists = errors.New("snapshot already exists")
	// ErrCloneExists is the clone counterpart of ErrSnapshotExists.
	ErrCloneExists = errors.New("clone already exists")
	// ErrMountFailed is returned when the prepared copy cannot be mounted.
	ErrMountFailed = errors.New("mount failed")
	// ErrToolInvocationFailed wraps failures of the external tools.
	ErrToolInvocationFailed = errors.New("tool invocation failed")
)

const (
	OpAcquire = "acquire"
	OpRelease = "release"
)

// Error is a failure to acquire or release the resource of a volume.
type Error struct {
	Volume string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Volume, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// TeardownError lists the teardown steps that failed. Each one is a resource
// that is still allocated and needs manual cleanup.
type TeardownError struct {
	Leaked []string
	Errs   utilerrors.Aggregate
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("LEAKED [%s]: %v", strings.Join(e.Leaked, "; "), e.Errs)
}

func (e *TeardownError) Unwrap() []error {
	return e.Errs.Errors()
}

func toolError(err error) error {
	return fmt.Errorf("%w: %w", ErrToolInvocationFailed, err)
}
