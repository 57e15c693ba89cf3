package mounter

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/topolvm/snapback/internal/command"
	mountutil "k8s.io/mount-utils"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

var mountLogger = ctrl.Log.WithName("mounter")

// ErrAlreadyMounted is returned when the mount target is already in use.
// A leftover mount from an earlier run is never reused.
var ErrAlreadyMounted = errors.New("target is already a mount point")

// Mounter mounts snapshot devices. mount, umount and mkdir run through the
// command runner so they carry its sudo prefix. The mount table is read
// through mount-utils.
type Mounter struct {
	runner *command.Runner
	mounts mountutil.Interface
}

// New returns a Mounter reading the system mount table.
func New(runner *command.Runner) *Mounter {
	return NewWithInterface(runner, mountutil.New(""))
}

// NewWithInterface returns a Mounter reading the mount table through mounts.
func NewWithInterface(runner *command.Runner, mounts mountutil.Interface) *Mounter {
	return &Mounter{runner: runner, mounts: mounts}
}

// Interface returns the mount table reader.
func (m *Mounter) Interface() mountutil.Interface {
	return m.mounts
}

// MountOptions returns the options a snapshot of fsType is mounted with.
// XFS refuses to mount a filesystem whose UUID is already mounted, which is
// always the case for a snapshot of a mounted origin.
func MountOptions(fsType string) []string {
	if fsType == "xfs" {
		return []string{"nouuid", "noatime"}
	}
	return []string{"noatime"}
}

// MountArgv returns the mount command Mount would run.
func (m *Mounter) MountArgv(device, target, fsType string) []string {
	return m.runner.Argv("mount", mountutil.MakeMountArgs(device, target, fsType, MountOptions(fsType))...)
}

// Mount creates target and mounts device on it.
func (m *Mounter) Mount(ctx context.Context, device, target, fsType string) error {
	ctx = log.IntoContext(ctx, log.FromContext(ctx, "device", device, "target", target))
	logger := log.FromContext(ctx)
	logger.Info("mounting snapshot", "fsType", fsType, "options", MountOptions(fsType))

	if err := m.prepareMountDir(ctx, target); err != nil {
		return fmt.Errorf("failed to create mount directory: %w", err)
	}

	alreadyMounted, err := m.checkAlreadyMounted(target)
	if err != nil {
		return fmt.Errorf("failed to check mount point: %w", err)
	}
	if alreadyMounted {
		return fmt.Errorf("%s: %w", target, ErrAlreadyMounted)
	}

	args := mountutil.MakeMountArgs(device, target, fsType, MountOptions(fsType))
	if err := m.runner.Run(ctx, "mount", args...); err != nil {
		return fmt.Errorf("failed to mount %s: %w", device, err)
	}
	mountLogger.Info("mounted successfully", "device", device, "target", target)
	return nil
}

func (m *Mounter) prepareMountDir(ctx context.Context, path string) error {
	return m.runner.Run(ctx, "mkdir", "-p", path)
}

func (m *Mounter) checkAlreadyMounted(target string) (bool, error) {
	isMnt, err := m.mounts.IsMountPoint(target)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return true, err
	}
	return isMnt, nil
}

// Unmount performs an idempotent unmount of target.
func (m *Mounter) Unmount(ctx context.Context, target string) error {
	isMounted, err := m.mounts.IsMountPoint(target)
	if err != nil {
		if os.IsNotExist(err) {
			mountLogger.Info("mount path doesn't exist, skipping unmount", "mountPath", target)
			return nil
		}
		return fmt.Errorf("failed to check mount point: %w", err)
	}
	if !isMounted {
		mountLogger.Info("not mounted, skipping unmount", "mountPath", target)
		return nil
	}

	if err := m.runner.Run(ctx, "umount", target); err != nil {
		return fmt.Errorf("failed to unmount %s: %w", target, err)
	}
	mountLogger.Info("unmounted successfully", "mountPath", target)
	return nil
}
