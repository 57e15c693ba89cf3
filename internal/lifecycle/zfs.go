package lifecycle

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"github.com/topolvm/snapback/internal/volume"
	"github.com/topolvm/snapback/internal/zfs"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ZFSProvider backs a volume up from a clone of a fresh numbered snapshot of
// its dataset. The snapshot outlives the run; the clone does not.
type ZFSProvider struct {
	stamper
	ZFS   ZFS
	Namer *zfs.SnapNamer
	// FindMount returns where a dataset is mounted.
	FindMount func(dataset string) (string, error)
}

// NewZFSProvider returns a ZFSProvider.
func NewZFSProvider(client ZFS, namer *zfs.SnapNamer, findMount func(string) (string, error), fs afero.Fs, stamp bool, now Clock) *ZFSProvider {
	return &ZFSProvider{
		stamper:   stamper{FS: fs, Stamp: stamp, Now: now},
		ZFS:       client,
		Namer:     namer,
		FindMount: findMount,
	}
}

func (p *ZFSProvider) Acquire(ctx context.Context, v volume.Volume) (*Resource, error) {
	src := v.ZFS
	ctx = log.IntoContext(ctx, log.FromContext(ctx, "dataset", src.Dataset, "clone", src.CloneDataset))
	logger := log.FromContext(ctx)
	r := &Resource{Volume: v, Dataset: src.Dataset}

	live := v.Mount
	if live == "" {
		mount, err := p.findMount(src.Dataset)
		if err != nil {
			return nil, abort(ctx, r, fmt.Errorf("resolving mount of %s: %w", src.Dataset, err))
		}
		live = mount
	}
	r.SourceMount = live

	exists, err := p.ZFS.Exists(ctx, src.CloneDataset)
	if err != nil {
		return nil, abort(ctx, r, toolError(err))
	}
	if exists {
		return nil, abort(ctx, r, fmt.Errorf("%w: %s", ErrCloneExists, src.CloneDataset))
	}

	fs, err := p.ZFS.Get(ctx, src.Dataset)
	if err != nil {
		return nil, abort(ctx, r, toolError(err))
	}
	// The sequence number is past every existing snapshot, so the name is
	// always fresh. A leftover from an interrupted run shows up as the clone.
	name := p.Namer.Name(p.Namer.Next(*fs), p.Now.now())

	if err := p.stamp(ctx, live); err != nil {
		return nil, abort(ctx, r, err)
	}

	snapshot := zfs.SnapshotName(src.Dataset, name)
	logger.Info("creating ZFS snapshot", "snapshot", snapshot)
	if err := p.ZFS.Snapshot(ctx, src.Dataset, name); err != nil {
		return nil, abort(ctx, r, toolError(err))
	}
	r.Snapshot = name

	if err := p.ZFS.Clone(ctx, snapshot, src.CloneDataset, src.CloneMount); err != nil {
		return nil, abort(ctx, r, toolError(err))
	}
	r.push(fmt.Sprintf("destroy clone %s", src.CloneDataset), func(ctx context.Context) error {
		if err := p.ZFS.Destroy(ctx, src.CloneDataset); err != nil {
			return toolError(err)
		}
		return nil
	})

	r.MountPath = src.CloneMount
	if r.MountPath == "" {
		mount, err := p.findMount(src.CloneDataset)
		if err != nil {
			return nil, abort(ctx, r, fmt.Errorf("%w: %w", ErrMountFailed, err))
		}
		r.MountPath = mount
	}
	return r, nil
}

func (p *ZFSProvider) findMount(dataset string) (string, error) {
	if p.FindMount == nil {
		return "", fmt.Errorf("no mount configured for %s", dataset)
	}
	return p.FindMount(dataset)
}

func (p *ZFSProvider) Release(ctx context.Context, r *Resource) error {
	return release(ctx, r)
}

func (p *ZFSProvider) Describe(v volume.Volume) ([]string, []string) {
	src := v.ZFS
	snapshot := zfs.SnapshotName(src.Dataset, p.Namer.Placeholder(p.Now.now()))
	clone := fmt.Sprintf("clone %s to %s", snapshot, src.CloneDataset)
	if src.CloneMount != "" {
		clone += " mounted on " + src.CloneMount
	}
	acquire := append(p.describeStamp(v.Mount),
		fmt.Sprintf("create ZFS snapshot %s", snapshot),
		clone,
	)
	return acquire, []string{fmt.Sprintf("destroy clone %s", src.CloneDataset)}
}
