package lifecycle

import (
	"context"
	"errors"

	"github.com/topolvm/snapback/internal/volume"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

type teardownStep struct {
	desc string
	fn   func(context.Context) error
}

// Resource is a backup-ready tree produced by Provider.Acquire. The provider
// owns it; the pipeline only borrows it until Release.
type Resource struct {
	Volume volume.Volume
	// MountPath is where the actions run. It is empty for replication.
	MountPath string
	// SourceMount is the live mount, the destination of copy-back.
	SourceMount string
	// Dataset and Snapshot name the ZFS snapshot the resource was cloned from.
	Dataset  string
	Snapshot string
	// Check, when set, verifies after the actions that the prepared copy
	// stayed valid while they ran.
	Check func(context.Context) error

	teardown   []teardownStep
	copiedBack bool
}

// Isolated reports whether the actions run on a copy rather than the live mount.
func (r *Resource) Isolated() bool {
	return r.MountPath != "" && r.MountPath != r.SourceMount
}

// CopiedBack reports whether the manifest has already been copied back.
func (r *Resource) CopiedBack() bool {
	return r.copiedBack
}

// MarkCopiedBack records a successful copy-back.
func (r *Resource) MarkCopiedBack() {
	r.copiedBack = true
}

// Pending returns the teardown steps not run yet, most recent first.
func (r *Resource) Pending() []string {
	descs := make([]string, 0, len(r.teardown))
	for i := len(r.teardown) - 1; i >= 0; i-- {
		descs = append(descs, r.teardown[i].desc)
	}
	return descs
}

func (r *Resource) push(desc string, fn func(context.Context) error) {
	r.teardown = append(r.teardown, teardownStep{desc: desc, fn: fn})
}

// runTeardown pops every step in reverse creation order. A failing step does
// not stop the next ones. The stack is empty afterwards, so a second call
// does nothing.
func (r *Resource) runTeardown(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	logger := log.FromContext(ctx)

	var errs []error
	var leaked []string
	for len(r.teardown) > 0 {
		step := r.teardown[len(r.teardown)-1]
		r.teardown = r.teardown[:len(r.teardown)-1]

		logger.Info("teardown", "step", step.desc)
		if err := step.fn(ctx); err != nil {
			errs = append(errs, err)
			leaked = append(leaked, step.desc)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &TeardownError{Leaked: leaked, Errs: utilerrors.NewAggregate(errs)}
}

// release tears r down and reports leaks loudly.
func release(ctx context.Context, r *Resource) error {
	if r == nil {
		return nil
	}
	err := r.runTeardown(ctx)
	if err == nil {
		return nil
	}
	log.FromContext(ctx).Error(err, "LEAKED: teardown incomplete, manual cleanup required",
		"volume", r.Volume.Name)
	return &Error{Volume: r.Volume.Name, Op: OpRelease, Err: err}
}

// abort undoes a partial acquisition and returns the acquire error, joined
// with any teardown failure.
func abort(ctx context.Context, r *Resource, err error) error {
	acqErr := &Error{Volume: r.Volume.Name, Op: OpAcquire, Err: err}
	if relErr := release(ctx, r); relErr != nil {
		return errors.Join(acqErr, relErr)
	}
	return acqErr
}
