package tool

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	snapback "github.com/topolvm/snapback"
	"github.com/topolvm/snapback/internal/command"
	"github.com/topolvm/snapback/internal/manifest"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Rsure maintains the 2sure.dat.gz integrity manifest at the root of a mount.
type Rsure struct {
	runner *command.Runner
	path   string
	fs     afero.Fs
}

// NewRsure returns an Rsure running the binary at path, or rsure from PATH.
// fs is used to tell whether a manifest already exists.
func NewRsure(runner *command.Runner, path string, fs afero.Fs) *Rsure {
	if path == "" {
		path = snapback.DefaultRsurePath
	}
	return &Rsure{runner: runner, path: path, fs: fs}
}

func rsureArgs(mount, tag string, update bool) []string {
	verb := "scan"
	if update {
		verb = "update"
	}
	return []string{"-f", manifest.Path(mount), "-d", mount, "--tag", "name=" + tag, verb}
}

// UpdateManifestArgv returns the command UpdateManifest would run, assuming
// the manifest exists when update is set.
func (r *Rsure) UpdateManifestArgv(mount, tag string, update bool) []string {
	return r.runner.Argv(r.path, rsureArgs(mount, tag, update)...)
}

// UpdateManifest scans mount and records the result in its manifest, tagged
// with the run tag. An existing manifest is updated so unchanged files keep their
// hashes; otherwise a fresh scan is made.
func (r *Rsure) UpdateManifest(ctx context.Context, mount, tag string) error {
	update, err := afero.Exists(r.fs, manifest.Path(mount))
	if err != nil {
		return fmt.Errorf("checking for manifest in %s: %w", mount, err)
	}
	log.FromContext(ctx).Info("rsure scan", "mount", mount, "manifest", manifest.Path(mount), "update", update, "tag", tag)
	return r.runner.Run(ctx, r.path, rsureArgs(mount, tag, update)...)
}
