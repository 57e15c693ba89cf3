package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	snapback "github.com/topolvm/snapback"
	"github.com/topolvm/snapback/internal/config"
	"github.com/topolvm/snapback/internal/lifecycle"
	"github.com/topolvm/snapback/internal/manifest"
	"github.com/topolvm/snapback/internal/tool"
	"github.com/topolvm/snapback/internal/volume"
	"github.com/topolvm/snapback/internal/zfs"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// BackupTool archives a directory tree.
type BackupTool interface {
	Archive(ctx context.Context, path, archive string) error
	ArchiveArgv(path, archive string) []string
}

// IntegrityTool maintains the integrity manifest of a directory tree.
type IntegrityTool interface {
	// The tag identifies the run that produced the scan.
	UpdateManifest(ctx context.Context, mount, tag string) error
	UpdateManifestArgv(mount, tag string, update bool) []string
}

// Syncer mirrors a directory tree into another one.
type Syncer interface {
	Sync(ctx context.Context, src, dest string, acls bool) error
	SyncArgv(src, dest string, acls bool) []string
}

// Snapshotter takes ZFS snapshots after the actions ran.
type Snapshotter interface {
	Get(ctx context.Context, dataset string) (*zfs.Filesystem, error)
	Snapshot(ctx context.Context, dataset, name string) error
}

// Replicator brings a ZFS replica up to date and returns the bytes sent.
type Replicator interface {
	Replicate(ctx context.Context, repl volume.Replication) (uint64, error)
	DescribeReplication(repl volume.Replication) []string
}

// Step names what failed when it is not one of the configured actions.
const (
	StepCheck  = "check"
	StepMirror = "mirror"
)

// Error is the failure of one step of a volume's pipeline.
type Error struct {
	Volume string
	// Step is the failed action, or StepCheck or StepMirror.
	Step string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("volume %s: %s: %v", e.Volume, e.Step, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Result is the outcome of Run.
type Result struct {
	// Completed lists the actions that succeeded, in order.
	Completed []volume.Action
	// Failed is the action that failed, nil when none did.
	Failed *volume.Action
	// Err is a *Error, nil on success.
	Err error
	// Sent is the number of bytes replicated.
	Sent uint64
}

// Executor runs the actions of a volume against its acquired resource.
type Executor struct {
	// Backup is nil when no borg wrapper is configured.
	Backup     BackupTool
	Integrity  IntegrityTool
	Syncer     Syncer
	ZFS        Snapshotter
	Replicator Replicator
	// FS is where copy-back reads and writes manifests.
	FS    afero.Fs
	Namer *zfs.SnapNamer
	Now   lifecycle.Clock
}

// Validate checks the action list of v before anything is acquired.
func Validate(v volume.Volume) error {
	if err := v.CheckActions(); err != nil {
		return &config.Error{Volume: v.Name, Field: "actions", Err: err}
	}
	return nil
}

func (e *Executor) now() time.Time {
	if e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// Run executes the actions of v in order on res. The first failure stops
// the remaining actions. The caller still owns res and must release it.
func (e *Executor) Run(ctx context.Context, v volume.Volume, res *lifecycle.Resource) Result {
	logger := log.FromContext(ctx)
	var result Result

	for _, a := range v.Actions {
		logger.Info("running action", "action", a)
		if err := e.runAction(ctx, a, v, res, &result); err != nil {
			failed := a
			result.Failed = &failed
			result.Err = &Error{Volume: v.Name, Step: string(a), Err: err}
			return result
		}
		result.Completed = append(result.Completed, a)
	}

	if res.Check != nil {
		if err := res.Check(ctx); err != nil {
			result.Err = &Error{Volume: v.Name, Step: StepCheck, Err: err}
			return result
		}
	}

	if v.Mirror != nil && res.MountPath != "" {
		if err := e.mirror(ctx, v.Mirror, res.MountPath); err != nil {
			result.Err = &Error{Volume: v.Name, Step: StepMirror, Err: err}
		}
	}
	return result
}

func (e *Executor) runAction(ctx context.Context, a volume.Action, v volume.Volume, res *lifecycle.Resource, result *Result) error {
	switch a {
	case volume.ActionPrepare:
		log.FromContext(ctx).Info("snapshot ready", "mount", res.MountPath)
		return nil
	case volume.ActionIntegrity:
		return e.integrity(ctx, v, res)
	case volume.ActionBackup:
		if e.Backup == nil {
			return errors.New("no borg wrapper configured")
		}
		return e.Backup.Archive(ctx, res.MountPath, tool.ArchiveName(v.Name, e.now()))
	case volume.ActionReplicate:
		if v.Replication == nil {
			return errors.New("volume has no replication settings")
		}
		sent, err := e.Replicator.Replicate(ctx, *v.Replication)
		result.Sent += sent
		return err
	}
	return fmt.Errorf("%w %q", volume.ErrUnknownAction, a)
}

// integrity refreshes the manifest on the prepared tree and, when that tree
// is a snapshot or clone, carries the new manifest back to the live mount.
// A failed copy-back also skips the follow-up manifest snapshot.
func (e *Executor) integrity(ctx context.Context, v volume.Volume, res *lifecycle.Resource) error {
	if err := e.Integrity.UpdateManifest(ctx, res.MountPath, e.now().Format(snapback.TimestampLayout)); err != nil {
		return err
	}
	if !res.Isolated() {
		return nil
	}
	if err := manifest.CopyBack(ctx, e.FS, res, res.MountPath, res.SourceMount); err != nil {
		return err
	}
	if v.ZFS == nil || !v.ZFS.ManifestSnapshot || res.Dataset == "" {
		return nil
	}
	name := snapback.ManifestSnapshotPrefix + e.now().Format(snapback.TimestampLayout)
	log.FromContext(ctx).Info("snapshotting copied back manifest", "snapshot", zfs.SnapshotName(res.Dataset, name))
	return e.ZFS.Snapshot(ctx, res.Dataset, name)
}

func (e *Executor) mirror(ctx context.Context, m *volume.Mirror, src string) error {
	if err := e.Syncer.Sync(ctx, src, m.Mount, m.ACLs); err != nil {
		return err
	}
	fs, err := e.ZFS.Get(ctx, m.Dataset)
	if err != nil {
		return err
	}
	name := e.Namer.Name(e.Namer.Next(*fs), e.now())
	log.FromContext(ctx).Info("snapshotting mirror", "snapshot", zfs.SnapshotName(m.Dataset, name))
	return e.ZFS.Snapshot(ctx, m.Dataset, name)
}
