package tool

import (
	"context"

	snapback "github.com/topolvm/snapback"
	"github.com/topolvm/snapback/internal/command"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Rsync mirrors a prepared tree into another directory.
type Rsync struct {
	runner *command.Runner
	path   string
}

// NewRsync returns an Rsync running the binary at path (default /usr/bin/rsync).
func NewRsync(runner *command.Runner, path string) *Rsync {
	if path == "" {
		path = snapback.DefaultRsyncPath
	}
	return &Rsync{runner: runner, path: path}
}

func rsyncArgs(src, dest string, acls bool) []string {
	args := []string{"-aHx", "--delete"}
	if acls {
		args = append(args, "-AX")
	}
	return append(args, src+"/.", dest+"/.")
}

// SyncArgv returns the command Sync would run.
func (r *Rsync) SyncArgv(src, dest string, acls bool) []string {
	return r.runner.Argv(r.path, rsyncArgs(src, dest, acls)...)
}

// Sync makes dest an exact copy of src, deleting anything src lacks. ACLs and
// extended attributes are copied when acls is set.
func (r *Rsync) Sync(ctx context.Context, src, dest string, acls bool) error {
	log.FromContext(ctx).Info("rsyncing", "src", src, "dest", dest, "acls", acls)
	return r.runner.Run(ctx, r.path, rsyncArgs(src, dest, acls)...)
}
