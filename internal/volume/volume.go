package volume

import (
	"errors"
	"fmt"
	"path"

	snapback "github.com/topolvm/snapback"
)

// Kind discriminates the variants of Volume.
type Kind int

const (
	KindSimple Kind = iota
	KindLVM
	KindZFS
	KindZFSReplica
)

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindLVM:
		return "lvm"
	case KindZFS:
		return "zfs"
	case KindZFSReplica:
		return "zfs-replica"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Action is one step of a volume's pipeline. Its value is the token used in
// the configuration file.
type Action string

const (
	// ActionPrepare marks where the consistent copy is materialized. The work
	// itself happens when the lifecycle resource is acquired.
	ActionPrepare Action = "snap"
	// ActionIntegrity updates the integrity manifest and copies it back.
	ActionIntegrity Action = "rsure"
	// ActionBackup archives the prepared tree with borg.
	ActionBackup Action = "borg"
	// ActionReplicate sends ZFS snapshots to another dataset. It is implied
	// by replication entries and cannot be configured.
	ActionReplicate Action = "replicate"
)

// ErrUnknownAction is returned by ParseAction for tokens outside the closed set.
var ErrUnknownAction = errors.New("unknown action")

// ParseAction converts a configuration token into an Action.
func ParseAction(token string) (Action, error) {
	switch a := Action(token); a {
	case ActionPrepare, ActionIntegrity, ActionBackup:
		return a, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownAction, token)
}

// RequiresPreparation reports whether a must run after ActionPrepare on
// volumes that have a prepare step.
func (a Action) RequiresPreparation() bool {
	return a == ActionIntegrity || a == ActionBackup
}

// RequiresIsolation reports whether a needs a private, mutable copy of the
// filesystem. Such an action cannot run on a Simple volume. None of the
// current actions does.
func (a Action) RequiresIsolation() bool {
	return false
}

// Mirror is a ZFS dataset kept in sync with a volume by rsync.
type Mirror struct {
	Dataset string
	Mount   string
	ACLs    bool
}

// LVMSource describes an LVM logical volume and its transient snapshot.
type LVMSource struct {
	SnapMount             string
	VolumeGroup           string
	LogicalVolume         string
	SnapshotLogicalVolume string
	FilesystemType        string
	SnapshotSize          string
}

// ZFSSource describes a local dataset backed up from a clone of a snapshot.
type ZFSSource struct {
	Dataset          string
	CloneDataset     string
	CloneMount       string
	ManifestSnapshot bool
}

// Endpoint is a dataset, on a remote host when Host is set.
type Endpoint struct {
	Host    string
	Dataset string
}

func (e Endpoint) String() string {
	if e.Host == "" {
		return e.Dataset
	}
	return e.Host + ":" + e.Dataset
}

// Replication describes a dataset replicated with zfs send and receive.
type Replication struct {
	Source      Endpoint
	Destination Endpoint
	// Snapshot takes a new numbered snapshot of the source before sending.
	Snapshot bool
	// Recursive covers every dataset under Source. Each one is sent to the
	// dataset with the same relative name under Destination.
	Recursive bool
	// Exclude lists regular expressions matched against the full name of
	// each source dataset of a recursive replication. Matches are skipped.
	Exclude []string
}

// Volume is one configured backup source.
type Volume struct {
	Name    string
	Kind    Kind
	Mount   string
	Actions []Action
	Mirror  *Mirror

	LVM         *LVMSource
	ZFS         *ZFSSource
	Replication *Replication
}

// HasAction reports whether a is in the action list.
func (v *Volume) HasAction(a Action) bool {
	for _, x := range v.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// Prepared reports whether the volume is backed up from a snapshot or clone
// rather than from its live mount.
func (v *Volume) Prepared() bool {
	return v.Kind == KindLVM || v.Kind == KindZFS
}

// DefaultCloneDataset returns the clone dataset used for a ZFS volume named
// name when none is configured: a sibling of dataset.
func DefaultCloneDataset(dataset, name string) string {
	parent := path.Dir(dataset)
	if parent == "." {
		parent = dataset
	}
	return path.Join(parent, snapback.SnapshotPrefix+name)
}

var (
	// ErrNotPrepared is returned for an action that needs the prepared copy
	// but is listed before ActionPrepare.
	ErrNotPrepared = errors.New("action needs an earlier snap")
	// ErrIsolationRequired is returned for an action that cannot run against
	// a live mount.
	ErrIsolationRequired = errors.New("action needs an isolated copy, which a simple volume cannot provide")
	// ErrActionNotAllowed is returned for an action that does not apply to
	// the kind of volume.
	ErrActionNotAllowed = errors.New("action not allowed for this kind of volume")
)

// CheckActions verifies the action list against the kind of volume without
// touching anything.
func (v *Volume) CheckActions() error {
	if v.Kind == KindZFSReplica {
		if len(v.Actions) != 1 || v.Actions[0] != ActionReplicate {
			return fmt.Errorf("replication entries only replicate: %w", ErrActionNotAllowed)
		}
		return nil
	}

	prepared := !v.Prepared()
	for i, a := range v.Actions {
		switch {
		case a == ActionReplicate:
			return fmt.Errorf("action %d (%s): %w", i, a, ErrActionNotAllowed)
		case a == ActionPrepare:
			prepared = true
		case a.RequiresPreparation() && !prepared:
			return fmt.Errorf("action %d (%s): %w", i, a, ErrNotPrepared)
		}
		if v.Kind == KindSimple && a.RequiresIsolation() {
			return fmt.Errorf("action %d (%s): %w", i, a, ErrIsolationRequired)
		}
	}
	return nil
}
