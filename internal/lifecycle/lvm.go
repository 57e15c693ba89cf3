package lifecycle

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/topolvm/snapback/internal/lvm"
	"github.com/topolvm/snapback/internal/volume"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// LVMProvider backs a volume up from a copy-on-write snapshot of its
// logical volume, mounted at the snapshot mount.
type LVMProvider struct {
	stamper
	LVM     LVM
	Mounter Mounter
	// WaitForDevice blocks until the device node of a new LV exists.
	WaitForDevice func(ctx context.Context, device string) error
	// DetectFilesystem is used when the volume does not name its filesystem type.
	DetectFilesystem func(ctx context.Context, device string) (string, error)
}

// NewLVMProvider returns an LVMProvider.
func NewLVMProvider(client LVM, mounter Mounter, fs afero.Fs, stamp bool, now Clock) *LVMProvider {
	return &LVMProvider{
		stamper: stamper{FS: fs, Stamp: stamp, Now: now},
		LVM:     client,
		Mounter: mounter,
	}
}

func (p *LVMProvider) Acquire(ctx context.Context, v volume.Volume) (*Resource, error) {
	src := v.LVM
	ctx = log.IntoContext(ctx, log.FromContext(ctx, "vg", src.VolumeGroup, "snapshot", src.SnapshotLogicalVolume))
	logger := log.FromContext(ctx)
	r := &Resource{Volume: v, MountPath: src.SnapMount, SourceMount: v.Mount}

	exists, err := p.LVM.Exists(ctx, src.VolumeGroup, src.SnapshotLogicalVolume)
	if err != nil {
		return nil, abort(ctx, r, toolError(err))
	}
	if exists {
		return nil, abort(ctx, r, fmt.Errorf("%w: %s/%s", ErrSnapshotExists, src.VolumeGroup, src.SnapshotLogicalVolume))
	}

	if err := p.stamp(ctx, v.Mount); err != nil {
		return nil, abort(ctx, r, err)
	}

	logger.Info("creating LVM snapshot", "origin", src.LogicalVolume, "size", src.SnapshotSize)
	if err := p.LVM.CreateSnapshot(ctx, src.VolumeGroup, src.LogicalVolume, src.SnapshotLogicalVolume, src.SnapshotSize); err != nil {
		return nil, abort(ctx, r, toolError(err))
	}
	r.push(fmt.Sprintf("remove snapshot LV %s/%s", src.VolumeGroup, src.SnapshotLogicalVolume), func(ctx context.Context) error {
		if err := p.LVM.RemoveVolume(ctx, src.VolumeGroup, src.SnapshotLogicalVolume); err != nil {
			return toolError(err)
		}
		return nil
	})

	device := lvm.DevicePath(src.VolumeGroup, src.SnapshotLogicalVolume)
	if p.WaitForDevice != nil {
		if err := p.WaitForDevice(ctx, device); err != nil {
			return nil, abort(ctx, r, toolError(err))
		}
	}

	fsType := src.FilesystemType
	if fsType == "" && p.DetectFilesystem != nil {
		fsType, err = p.DetectFilesystem(ctx, device)
		if err != nil {
			return nil, abort(ctx, r, toolError(err))
		}
	}

	if err := p.Mounter.Mount(ctx, device, src.SnapMount, fsType); err != nil {
		return nil, abort(ctx, r, fmt.Errorf("%w: %w", ErrMountFailed, err))
	}
	r.push(fmt.Sprintf("unmount %s", src.SnapMount), func(ctx context.Context) error {
		if err := p.Mounter.Unmount(ctx, src.SnapMount); err != nil {
			return toolError(err)
		}
		return nil
	})

	r.Check = func(ctx context.Context) error {
		return p.LVM.CheckSnapshot(ctx, src.VolumeGroup, src.SnapshotLogicalVolume)
	}
	return r, nil
}

func (p *LVMProvider) Release(ctx context.Context, r *Resource) error {
	return release(ctx, r)
}

func (p *LVMProvider) Describe(v volume.Volume) ([]string, []string) {
	src := v.LVM
	device := lvm.DevicePath(src.VolumeGroup, src.SnapshotLogicalVolume)
	acquire := append(p.describeStamp(v.Mount),
		fmt.Sprintf("create LVM snapshot %s/%s of %s/%s (%s)", src.VolumeGroup, src.SnapshotLogicalVolume, src.VolumeGroup, src.LogicalVolume, src.SnapshotSize),
		fmt.Sprintf("mount %s on %s", device, src.SnapMount),
	)
	release := []string{
		fmt.Sprintf("unmount %s", src.SnapMount),
		fmt.Sprintf("remove snapshot LV %s/%s", src.VolumeGroup, src.SnapshotLogicalVolume),
	}
	return acquire, release
}
