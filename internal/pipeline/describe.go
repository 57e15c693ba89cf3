package pipeline

import (
	"fmt"

	snapback "github.com/topolvm/snapback"
	"github.com/topolvm/snapback/internal/command"
	"github.com/topolvm/snapback/internal/manifest"
	"github.com/topolvm/snapback/internal/tool"
	"github.com/topolvm/snapback/internal/volume"
	"github.com/topolvm/snapback/internal/zfs"
)

// WouldPrefix starts every line printed in pretend mode.
const WouldPrefix = "would: "

// Would prefixes lines with WouldPrefix.
func Would(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		out = append(out, WouldPrefix+l)
	}
	return out
}

// PlannedMount returns the path the actions of v would run on. It is empty
// for replication and for a clone whose mount is only known once created.
func PlannedMount(v volume.Volume) string {
	switch v.Kind {
	case volume.KindLVM:
		return v.LVM.SnapMount
	case volume.KindZFS:
		return v.ZFS.CloneMount
	case volume.KindZFSReplica:
		return ""
	}
	return v.Mount
}

// Describe returns what Run would do for v, one "would: " line per step.
// Nothing is executed.
func (e *Executor) Describe(v volume.Volume) []string {
	mount := PlannedMount(v)
	shown := mount
	if shown == "" {
		shown = "<clone mount>"
	}
	now := e.now()

	var lines []string
	for _, a := range v.Actions {
		switch a {
		case volume.ActionPrepare:
			lines = append(lines, fmt.Sprintf("use prepared tree %s", shown))
		case volume.ActionIntegrity:
			if e.Integrity != nil {
				lines = append(lines, command.Describe(e.Integrity.UpdateManifestArgv(shown, now.Format(snapback.TimestampLayout), true)))
			}
			if v.Prepared() {
				lines = append(lines, fmt.Sprintf("copy %s to %s", manifest.Path(shown), manifest.Path(v.Mount)))
			}
			if v.ZFS != nil && v.ZFS.ManifestSnapshot {
				name := snapback.ManifestSnapshotPrefix + now.Format(snapback.TimestampLayout)
				lines = append(lines, fmt.Sprintf("create ZFS snapshot %s", zfs.SnapshotName(v.ZFS.Dataset, name)))
			}
		case volume.ActionBackup:
			if e.Backup != nil {
				lines = append(lines, command.Describe(e.Backup.ArchiveArgv(shown, tool.ArchiveName(v.Name, now))))
			}
		case volume.ActionReplicate:
			if e.Replicator != nil && v.Replication != nil {
				lines = append(lines, e.Replicator.DescribeReplication(*v.Replication)...)
			}
		}
	}
	if v.Kind == volume.KindLVM {
		lines = append(lines, fmt.Sprintf("check snapshot %s/%s", v.LVM.VolumeGroup, v.LVM.SnapshotLogicalVolume))
	}
	if v.Mirror != nil && v.Kind != volume.KindZFSReplica {
		if e.Syncer != nil {
			lines = append(lines, command.Describe(e.Syncer.SyncArgv(shown, v.Mirror.Mount, v.Mirror.ACLs)))
		}
		lines = append(lines, fmt.Sprintf("create ZFS snapshot %s", zfs.SnapshotName(v.Mirror.Dataset, e.Namer.Placeholder(now))))
	}
	return Would(lines)
}
