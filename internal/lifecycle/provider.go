package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/topolvm/snapback/internal/manifest"
	"github.com/topolvm/snapback/internal/volume"
	"github.com/topolvm/snapback/internal/zfs"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Provider prepares the backup-ready tree of one kind of volume.
type Provider interface {
	// Acquire prepares the tree. On failure every sub-step that succeeded
	// has already been undone.
	Acquire(ctx context.Context, v volume.Volume) (*Resource, error)
	// Release undoes the acquisition. It must be called once Acquire
	// succeeded, whatever happened in between.
	Release(ctx context.Context, r *Resource) error
	// Describe lists what Acquire and Release would do, without doing it.
	Describe(v volume.Volume) (acquire, release []string)
}

// LVM is the subset of the LVM adapter used by the providers.
type LVM interface {
	Exists(ctx context.Context, vg, name string) (bool, error)
	CreateSnapshot(ctx context.Context, vg, origin, name, size string) error
	RemoveVolume(ctx context.Context, vg, name string) error
	CheckSnapshot(ctx context.Context, vg, name string) error
}

// ZFS is the subset of the ZFS adapter used by the providers.
type ZFS interface {
	Exists(ctx context.Context, name string) (bool, error)
	Get(ctx context.Context, dataset string) (*zfs.Filesystem, error)
	List(ctx context.Context, dataset string, recursive bool) ([]zfs.Filesystem, error)
	Snapshot(ctx context.Context, dataset, name string) error
	SnapshotRecursive(ctx context.Context, dataset, name string) error
	Clone(ctx context.Context, snapshot, clone, mountpoint string) error
	Destroy(ctx context.Context, name string) error
}

// Mounter mounts and unmounts snapshot devices.
type Mounter interface {
	Mount(ctx context.Context, device, target, fsType string) error
	Unmount(ctx context.Context, target string) error
}

// Providers dispatches volumes to the provider of their kind.
type Providers struct {
	Simple  Provider
	LVM     Provider
	ZFS     Provider
	Replica Provider
}

// ProviderFor returns the provider handling kind.
func (p *Providers) ProviderFor(kind volume.Kind) (Provider, error) {
	var provider Provider
	switch kind {
	case volume.KindSimple:
		provider = p.Simple
	case volume.KindLVM:
		provider = p.LVM
	case volume.KindZFS:
		provider = p.ZFS
	case volume.KindZFSReplica:
		provider = p.Replica
	}
	if provider == nil {
		return nil, fmt.Errorf("no provider for %s volumes", kind)
	}
	return provider, nil
}

// Clock returns the current time. Tests replace it.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// stamper writes the snapstamp file when enabled.
type stamper struct {
	FS    afero.Fs
	Stamp bool
	Now   Clock
}

func (s *stamper) stamp(ctx context.Context, mount string) error {
	if !s.Stamp {
		return nil
	}
	return manifest.WriteStamp(ctx, s.FS, mount, s.Now.now())
}

func (s *stamper) describeStamp(mount string) []string {
	if !s.Stamp {
		return nil
	}
	return []string{fmt.Sprintf("write backup stamp %s", manifest.StampPath(mount))}
}

// SimpleProvider runs the actions against the live mount. There is no
// isolation and nothing to release.
type SimpleProvider struct {
	stamper
}

// NewSimpleProvider returns a SimpleProvider writing the stamp through fs when stamp is set.
func NewSimpleProvider(fs afero.Fs, stamp bool, now Clock) *SimpleProvider {
	return &SimpleProvider{stamper{FS: fs, Stamp: stamp, Now: now}}
}

func (p *SimpleProvider) Acquire(ctx context.Context, v volume.Volume) (*Resource, error) {
	r := &Resource{Volume: v, MountPath: v.Mount, SourceMount: v.Mount}
	if err := p.stamp(ctx, v.Mount); err != nil {
		return nil, abort(ctx, r, err)
	}
	log.FromContext(ctx).Info("using live mount", "mount", v.Mount)
	return r, nil
}

func (p *SimpleProvider) Release(ctx context.Context, r *Resource) error {
	return release(ctx, r)
}

func (p *SimpleProvider) Describe(v volume.Volume) ([]string, []string) {
	return append(p.describeStamp(v.Mount), fmt.Sprintf("use live mount %s", v.Mount)), nil
}
