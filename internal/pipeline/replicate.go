package pipeline

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/topolvm/snapback/internal/command"
	"github.com/topolvm/snapback/internal/volume"
	"github.com/topolvm/snapback/internal/zfs"
)

// ZFSReplicator replicates with zfs send and receive, reaching remote
// endpoints through ssh.
type ZFSReplicator struct {
	Client *zfs.Client
	// ProgressLog receives the transfer progress lines. The context logger
	// is used when it is unset.
	ProgressLog logr.Logger
}

func (z *ZFSReplicator) replicator(repl volume.Replication) *zfs.Replicator {
	return &zfs.Replicator{
		Source:      z.Client.On(repl.Source.Host),
		SourceName:  repl.Source.Dataset,
		Dest:        z.Client.On(repl.Destination.Host),
		DestName:    repl.Destination.Dataset,
		ProgressLog: z.ProgressLog,
		Recursive:   repl.Recursive,
		Exclude:     repl.Exclude,
	}
}

func (z *ZFSReplicator) Replicate(ctx context.Context, repl volume.Replication) (uint64, error) {
	return z.replicator(repl).Run(ctx)
}

func (z *ZFSReplicator) DescribeReplication(repl volume.Replication) []string {
	r := z.replicator(repl)
	if !repl.Recursive {
		return []string{
			fmt.Sprintf("send snapshots of %s missing from %s", repl.Source, repl.Destination),
			command.Describe(r.Dest.Argv("receive", "-vF", "-x", "mountpoint", repl.Destination.Dataset)),
		}
	}
	lines := []string{fmt.Sprintf("send snapshots of every dataset under %s missing from %s", repl.Source, repl.Destination)}
	for _, pattern := range repl.Exclude {
		lines = append(lines, fmt.Sprintf("skip datasets matching %q", pattern))
	}
	return append(lines,
		fmt.Sprintf("create missing datasets under %s with the local properties of their source", repl.Destination),
		command.Describe(r.Dest.Argv("receive", "-vF", "-x", "mountpoint", repl.Destination.Dataset+"/...")),
	)
}
