package lifecycle

import (
	"context"
	"fmt"

	"github.com/topolvm/snapback/internal/volume"
	"github.com/topolvm/snapback/internal/zfs"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// ReplicaProvider checks the source of a replication entry. Replication does
// not need a mounted tree, so nothing is allocated.
type ReplicaProvider struct {
	// ZFS returns the adapter for host, the local one when host is empty.
	ZFS   func(host string) ZFS
	Namer *zfs.SnapNamer
	Now   Clock
}

func (p *ReplicaProvider) Acquire(ctx context.Context, v volume.Volume) (*Resource, error) {
	repl := v.Replication
	r := &Resource{Volume: v, Dataset: repl.Source.Dataset}
	client := p.ZFS(repl.Source.Host)

	fss, err := client.List(ctx, repl.Source.Dataset, repl.Recursive)
	if err != nil {
		return nil, abort(ctx, r, toolError(fmt.Errorf("replication source %s: %w", repl.Source, err)))
	}
	if !repl.Snapshot {
		return r, nil
	}

	// Numbering over the whole tree keeps a recursive snapshot new on every child.
	name := p.Namer.Name(p.Namer.Next(fss...), p.Now.now())
	snapshot := zfs.SnapshotName(repl.Source.Dataset, name)
	if repl.Recursive {
		log.FromContext(ctx).Info("creating recursive ZFS snapshot", "snapshot", snapshot, "host", repl.Source.Host)
		err = client.SnapshotRecursive(ctx, repl.Source.Dataset, name)
	} else {
		log.FromContext(ctx).Info("creating ZFS snapshot", "snapshot", snapshot, "host", repl.Source.Host)
		err = client.Snapshot(ctx, repl.Source.Dataset, name)
	}
	if err != nil {
		return nil, abort(ctx, r, toolError(err))
	}
	r.Snapshot = name
	return r, nil
}

func (p *ReplicaProvider) Release(ctx context.Context, r *Resource) error {
	return release(ctx, r)
}

func (p *ReplicaProvider) Describe(v volume.Volume) ([]string, []string) {
	repl := v.Replication
	lines := []string{fmt.Sprintf("check replication source %s", repl.Source)}
	if repl.Snapshot {
		what := "ZFS snapshot"
		if repl.Recursive {
			what = "recursive ZFS snapshot"
		}
		lines = append(lines, fmt.Sprintf("create %s %s", what,
			zfs.SnapshotName(repl.Source.Dataset, p.Namer.Placeholder(p.Now.now()))))
	}
	return lines, nil
}
