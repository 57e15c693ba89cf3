package config

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strings"

	snapback "github.com/topolvm/snapback"
	"github.com/topolvm/snapback/internal/volume"
	"k8s.io/apimachinery/pkg/util/sets"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/yaml"
)

// Volume names end up in clone datasets, archive names and metric labels.
var nameRegexp = regexp.MustCompile("^([A-Za-z0-9][-A-Za-z0-9_.]*)?[A-Za-z0-9]$")

// Same units lvcreate -L accepts.
var sizeRegexp = regexp.MustCompile("(?i)^[0-9]+(\\.[0-9]+)?(b|s|k|m|g|t|p|e)?$")

// Global holds the process-wide settings. It is read once and then passed by
// value to whatever needs it.
type Global struct {
	// BorgWrapper is the script that runs borg with the repository and
	// credentials set up.
	BorgWrapper string
	// BorgEnvFile is an optional dotenv file whose variables are passed to
	// the wrapper.
	BorgEnvFile string
	RsurePath   string
	LVMPath     string
	ZFSPath     string
	RsyncPath   string
	// Sudo runs privileged commands through sudo when not already root.
	Sudo bool
	// Stamp writes the snapstamp file into the live mount before each backup.
	Stamp bool
}

// Config is a validated configuration.
type Config struct {
	Global  Global
	Volumes []volume.Volume
}

// File is the on-disk layout of the configuration file.
type File struct {
	Config GlobalEntry   `json:"config"`
	Simple []SimpleEntry `json:"simple,omitempty"`
	LVM    []LVMEntry    `json:"lvm,omitempty"`
	ZFS    []ZFSEntry    `json:"zfs,omitempty"`
}

// GlobalEntry is the `config` block.
type GlobalEntry struct {
	Borg        string `json:"borg"`
	BorgEnvFile string `json:"borg_env_file,omitempty"`
	Rsure       string `json:"rsure,omitempty"`
	LVM         string `json:"lvm,omitempty"`
	ZFS         string `json:"zfs,omitempty"`
	Rsync       string `json:"rsync,omitempty"`
	Sudo        bool   `json:"sudo,omitempty"`
	// Stamp defaults to true.
	Stamp *bool `json:"stamp,omitempty"`
}

// MirrorEntry is the optional `zfs` block of simple and lvm entries.
type MirrorEntry struct {
	Volume string `json:"volume"`
	Mount  string `json:"mount"`
	ACLs   bool   `json:"acls,omitempty"`
}

// SimpleEntry is an element of `simple`.
type SimpleEntry struct {
	Name    string       `json:"name"`
	Mount   string       `json:"mount"`
	Actions []string     `json:"actions"`
	ZFS     *MirrorEntry `json:"zfs,omitempty"`
}

// LVMEntry is an element of `lvm`.
type LVMEntry struct {
	Name    string       `json:"name"`
	Mount   string       `json:"mount"`
	Snap    string       `json:"snap"`
	VG      string       `json:"vg"`
	LV      string       `json:"lv"`
	LVSnap  string       `json:"lv_snap"`
	FS      string       `json:"fs,omitempty"`
	Size    string       `json:"size,omitempty"`
	Actions []string     `json:"actions"`
	ZFS     *MirrorEntry `json:"zfs,omitempty"`
}

// EndpointEntry is the `src` or `dest` block of a replication entry.
type EndpointEntry struct {
	Host   string `json:"host,omitempty"`
	Volume string `json:"volume"`
}

// ZFSEntry is an element of `zfs`. It is either a replication entry, with
// Src and Dest, or a local dataset backed up from a clone, with Volume.
type ZFSEntry struct {
	Name string `json:"name"`

	Src      *EndpointEntry `json:"src,omitempty"`
	Dest     *EndpointEntry `json:"dest,omitempty"`
	Snapshot bool           `json:"snapshot,omitempty"`
	// Recursive replicates every dataset under src. Datasets whose full
	// name matches one of the Exclude patterns are left out.
	Recursive bool     `json:"recursive,omitempty"`
	Exclude   []string `json:"exclude,omitempty"`

	Volume           string       `json:"volume,omitempty"`
	Mount            string       `json:"mount,omitempty"`
	Clone            string       `json:"clone,omitempty"`
	CloneMount       string       `json:"clone_mount,omitempty"`
	ManifestSnapshot bool         `json:"manifest_snapshot,omitempty"`
	Actions          []string     `json:"actions,omitempty"`
	ZFS              *MirrorEntry `json:"zfs,omitempty"`
}

// Load reads and validates the configuration file at path.
func Load(ctx context.Context, path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Err: err}
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cfg.Volumes))
	for _, v := range cfg.Volumes {
		names = append(names, v.Name)
	}
	log.FromContext(ctx).Info("configuration file loaded",
		"volumes", names,
		"sudo", cfg.Global.Sudo,
		"file_name", path,
	)
	return cfg, nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	var f File
	if err := yaml.UnmarshalStrict(data, &f); err != nil {
		return nil, &Error{Err: err}
	}
	return f.Build()
}

// Build validates f and converts it into volumes, in file order: simple,
// then lvm, then zfs entries.
func (f *File) Build() (*Config, error) {
	cfg := &Config{Global: f.Config.global()}

	seen := sets.New[string]()
	add := func(v volume.Volume, err error) error {
		if err != nil {
			return err
		}
		if seen.Has(v.Name) {
			return newError(v.Name, "name", "duplicate volume name")
		}
		seen.Insert(v.Name)
		if err := v.CheckActions(); err != nil {
			return &Error{Volume: v.Name, Field: "actions", Err: err}
		}
		cfg.Volumes = append(cfg.Volumes, v)
		return nil
	}

	for i := range f.Simple {
		if err := add(f.Simple[i].volume()); err != nil {
			return nil, err
		}
	}
	for i := range f.LVM {
		if err := add(f.LVM[i].volume()); err != nil {
			return nil, err
		}
	}
	for i := range f.ZFS {
		if err := add(f.ZFS[i].volume()); err != nil {
			return nil, err
		}
	}

	for _, v := range cfg.Volumes {
		if v.HasAction(volume.ActionBackup) && cfg.Global.BorgWrapper == "" {
			return nil, newError(v.Name, "actions", "borg requested but config.borg is not set")
		}
	}
	return cfg, nil
}

func (g *GlobalEntry) global() Global {
	stamp := true
	if g.Stamp != nil {
		stamp = *g.Stamp
	}
	return Global{
		BorgWrapper: g.Borg,
		BorgEnvFile: g.BorgEnvFile,
		RsurePath:   g.Rsure,
		LVMPath:     g.LVM,
		ZFSPath:     g.ZFS,
		RsyncPath:   g.Rsync,
		Sudo:        g.Sudo,
		Stamp:       stamp,
	}
}

func validateName(name string) error {
	if name == "" {
		return newError("", "name", "volume name should not be empty")
	}
	if len(name) > 63 {
		return newError(name, "name", "volume name is too long")
	}
	if !nameRegexp.MatchString(name) {
		return newError(name, "name", "volume name should consist of alphanumeric characters, '-', '_' or '.', and should start and end with an alphanumeric character")
	}
	return nil
}

func required(name string, fields ...string) error {
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i+1] == "" {
			return newError(name, fields[i], "should not be empty")
		}
	}
	return nil
}

func parseActions(name string, tokens []string) ([]volume.Action, error) {
	actions := make([]volume.Action, 0, len(tokens))
	for _, t := range tokens {
		a, err := volume.ParseAction(t)
		if err != nil {
			return nil, &Error{Volume: name, Field: "actions", Err: err}
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func (m *MirrorEntry) mirror(name string) (*volume.Mirror, error) {
	if m == nil {
		return nil, nil
	}
	if err := required(name, "zfs.volume", m.Volume, "zfs.mount", m.Mount); err != nil {
		return nil, err
	}
	return &volume.Mirror{Dataset: m.Volume, Mount: m.Mount, ACLs: m.ACLs}, nil
}

func (e *SimpleEntry) volume() (volume.Volume, error) {
	if err := validateName(e.Name); err != nil {
		return volume.Volume{}, err
	}
	if err := required(e.Name, "mount", e.Mount); err != nil {
		return volume.Volume{}, err
	}
	actions, err := parseActions(e.Name, e.Actions)
	if err != nil {
		return volume.Volume{}, err
	}
	mirror, err := e.ZFS.mirror(e.Name)
	if err != nil {
		return volume.Volume{}, err
	}
	return volume.Volume{
		Name:    e.Name,
		Kind:    volume.KindSimple,
		Mount:   e.Mount,
		Actions: actions,
		Mirror:  mirror,
	}, nil
}

func (e *LVMEntry) volume() (volume.Volume, error) {
	if err := validateName(e.Name); err != nil {
		return volume.Volume{}, err
	}
	if err := required(e.Name, "mount", e.Mount, "snap", e.Snap, "vg", e.VG, "lv", e.LV, "lv_snap", e.LVSnap); err != nil {
		return volume.Volume{}, err
	}
	if e.LVSnap == e.LV {
		return volume.Volume{}, newError(e.Name, "lv_snap", "should differ from lv")
	}
	if e.Snap == e.Mount {
		return volume.Volume{}, newError(e.Name, "snap", "should differ from mount")
	}
	size := e.Size
	if size == "" {
		size = snapback.DefaultSnapshotSize
	}
	if !sizeRegexp.MatchString(size) {
		return volume.Volume{}, newError(e.Name, "size", "invalid snapshot size %q", size)
	}
	actions, err := parseActions(e.Name, e.Actions)
	if err != nil {
		return volume.Volume{}, err
	}
	mirror, err := e.ZFS.mirror(e.Name)
	if err != nil {
		return volume.Volume{}, err
	}
	return volume.Volume{
		Name:    e.Name,
		Kind:    volume.KindLVM,
		Mount:   e.Mount,
		Actions: actions,
		Mirror:  mirror,
		LVM: &volume.LVMSource{
			SnapMount:             e.Snap,
			VolumeGroup:           e.VG,
			LogicalVolume:         e.LV,
			SnapshotLogicalVolume: e.LVSnap,
			FilesystemType:        e.FS,
			SnapshotSize:          size,
		},
	}, nil
}

var errMixedZFSEntry = errors.New("a zfs entry has either src and dest, or volume")

func (e *ZFSEntry) validateTree() error {
	if !e.Recursive {
		if len(e.Exclude) > 0 {
			return newError(e.Name, "exclude", "only applies to recursive replication")
		}
		return nil
	}
	if e.Src.Host == e.Dest.Host && strings.HasPrefix(e.Dest.Volume, e.Src.Volume+"/") {
		return newError(e.Name, "dest", "should not be inside the replicated tree %s", e.Src.Volume)
	}
	for _, pattern := range e.Exclude {
		if _, err := regexp.Compile(pattern); err != nil {
			return newError(e.Name, "exclude", "invalid pattern: %v", err)
		}
	}
	return nil
}

func (e *ZFSEntry) volume() (volume.Volume, error) {
	if err := validateName(e.Name); err != nil {
		return volume.Volume{}, err
	}

	isReplica := e.Src != nil || e.Dest != nil
	if isReplica {
		if e.Volume != "" || e.Mount != "" || e.Clone != "" || e.CloneMount != "" || len(e.Actions) > 0 || e.ZFS != nil {
			return volume.Volume{}, &Error{Volume: e.Name, Err: errMixedZFSEntry}
		}
		if e.Src == nil || e.Dest == nil {
			return volume.Volume{}, newError(e.Name, "src", "replication needs both src and dest")
		}
		if err := required(e.Name, "src.volume", e.Src.Volume, "dest.volume", e.Dest.Volume); err != nil {
			return volume.Volume{}, err
		}
		if e.Src.Host == e.Dest.Host && e.Src.Volume == e.Dest.Volume {
			return volume.Volume{}, newError(e.Name, "dest", "should differ from src")
		}
		if err := e.validateTree(); err != nil {
			return volume.Volume{}, err
		}
		return volume.Volume{
			Name:    e.Name,
			Kind:    volume.KindZFSReplica,
			Actions: []volume.Action{volume.ActionReplicate},
			Replication: &volume.Replication{
				Source:      volume.Endpoint{Host: e.Src.Host, Dataset: e.Src.Volume},
				Destination: volume.Endpoint{Host: e.Dest.Host, Dataset: e.Dest.Volume},
				Snapshot:    e.Snapshot,
				Recursive:   e.Recursive,
				Exclude:     e.Exclude,
			},
		}, nil
	}

	if e.Snapshot || e.Recursive || len(e.Exclude) > 0 {
		return volume.Volume{}, &Error{Volume: e.Name, Err: errMixedZFSEntry}
	}
	if err := required(e.Name, "volume", e.Volume); err != nil {
		return volume.Volume{}, err
	}
	clone := e.Clone
	if clone == "" {
		clone = volume.DefaultCloneDataset(e.Volume, e.Name)
	}
	if clone == e.Volume {
		return volume.Volume{}, newError(e.Name, "clone", "should differ from volume")
	}
	actions, err := parseActions(e.Name, e.Actions)
	if err != nil {
		return volume.Volume{}, err
	}
	mirror, err := e.ZFS.mirror(e.Name)
	if err != nil {
		return volume.Volume{}, err
	}
	return volume.Volume{
		Name:    e.Name,
		Kind:    volume.KindZFS,
		Mount:   e.Mount,
		Actions: actions,
		Mirror:  mirror,
		ZFS: &volume.ZFSSource{
			Dataset:          e.Volume,
			CloneDataset:     clone,
			CloneMount:       e.CloneMount,
			ManifestSnapshot: e.ManifestSnapshot,
		},
	}, nil
}

