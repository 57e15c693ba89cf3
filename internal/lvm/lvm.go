package lvm

import (
	"context"
	"errors"
	"fmt"
	"path"

	snapback "github.com/topolvm/snapback"
	"github.com/topolvm/snapback/internal/command"
)

// ErrNotFound is returned when a VG or LV is not found.
var ErrNotFound = errors.New("not found")

// Client runs lvm sub-commands through a command.Runner.
type Client struct {
	runner  *command.Runner
	lvmPath string
}

// NewClient returns a Client that runs lvmPath (default /sbin/lvm) through runner.
func NewClient(runner *command.Runner, lvmPath string) *Client {
	if lvmPath == "" {
		lvmPath = snapback.DefaultLVMPath
	}
	return &Client{runner: runner, lvmPath: lvmPath}
}

// callLVM calls lvm sub-commands and prints the output to the log.
func (c *Client) callLVM(ctx context.Context, args ...string) error {
	return c.runner.Run(ctx, c.lvmPath, args...)
}

// Argv returns the argument vector used to run an lvm sub-command.
func (c *Client) Argv(args ...string) []string {
	return c.runner.Argv(c.lvmPath, args...)
}

// FindVolume finds a named logical volume in the volume group vg.
func (c *Client) FindVolume(ctx context.Context, vg, name string) (*LogicalVolume, error) {
	lvs, err := c.getLVReport(ctx, fullName(vg, name))
	if err != nil {
		return nil, err
	}
	l, ok := lvs[name]
	if !ok {
		return nil, ErrNotFound
	}
	return convertLV(l), nil
}

// Exists reports whether vg/name exists.
func (c *Client) Exists(ctx context.Context, vg, name string) (bool, error) {
	_, err := c.FindVolume(ctx, vg, name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CreateSnapshot takes a copy-on-write snapshot called name of vg/origin.
// size is the space reserved for changed blocks, in lvcreate -L notation.
func (c *Client) CreateSnapshot(ctx context.Context, vg, origin, name, size string) error {
	if size == "" {
		size = snapback.DefaultSnapshotSize
	}
	return c.callLVM(ctx, c.createSnapshotArgs(vg, origin, name, size)...)
}

func (c *Client) createSnapshotArgs(vg, origin, name, size string) []string {
	return []string{"lvcreate", "-L", size, "-s", "-n", name, fullName(vg, origin)}
}

// CreateSnapshotArgv returns the argument vector CreateSnapshot would run.
func (c *Client) CreateSnapshotArgv(vg, origin, name, size string) []string {
	if size == "" {
		size = snapback.DefaultSnapshotSize
	}
	return c.Argv(c.createSnapshotArgs(vg, origin, name, size)...)
}

// RemoveVolume removes the given volume from the volume group.
func (c *Client) RemoveVolume(ctx context.Context, vg, name string) error {
	err := c.callLVM(ctx, "lvremove", "-f", fullName(vg, name))

	if IsLVMNotFound(err) {
		return errors.Join(ErrNotFound, err)
	}

	return err
}

// CheckSnapshot returns an error if vg/name is no longer a usable snapshot,
// which happens when its copy-on-write area filled up while it was in use.
func (c *Client) CheckSnapshot(ctx context.Context, vg, name string) error {
	l, err := c.FindVolume(ctx, vg, name)
	if err != nil {
		return err
	}
	if !l.IsSnapshot() {
		return fmt.Errorf("%s is not a snapshot", l.FullName())
	}
	return l.VerifyHealth()
}

// DevicePath returns the device node of vg/name.
func DevicePath(vg, name string) string {
	return path.Join("/dev", vg, name)
}

func fullName(vg, name string) string {
	return fmt.Sprintf("%v/%v", vg, name)
}

// LogicalVolume represents a logical volume.
type LogicalVolume struct {
	fullname string
	name     string
	path     string
	vg       string
	size     uint64
	origin   *string
	attr     string
	snapPct  float64
}

func convertLV(l lv) *LogicalVolume {
	size := l.size

	var origin *string
	if len(l.origin) > 0 {
		origin = &l.origin
		// classic snapshots report the size of the COW area as lv_size.
		size = l.originSize
	}

	return &LogicalVolume{
		fullname: fullName(l.vgName, l.name),
		name:     l.name,
		path:     l.path,
		vg:       l.vgName,
		size:     size,
		origin:   origin,
		attr:     l.attr,
		snapPct:  l.snapPct,
	}
}

// Name returns a volume name.
func (l *LogicalVolume) Name() string {
	return l.name
}

// FullName returns a vg prefixed volume name.
func (l *LogicalVolume) FullName() string {
	return l.fullname
}

// Path returns a path to the logical volume.
func (l *LogicalVolume) Path() string {
	return l.path
}

// VG returns the name of the volume group in which the volume is.
func (l *LogicalVolume) VG() string {
	return l.vg
}

// Size returns a size of the volume.
func (l *LogicalVolume) Size() uint64 {
	return l.size
}

// IsSnapshot checks if the volume is snapshot or not.
func (l *LogicalVolume) IsSnapshot() bool {
	return l.origin != nil
}

// Origin returns the name of the origin volume, or "" if this is not a snapshot.
func (l *LogicalVolume) Origin() string {
	if l.origin == nil {
		return ""
	}
	return *l.origin
}

// Attr returns the attr flag field of the logical volume.
func (l *LogicalVolume) Attr() string {
	return l.attr
}

// SnapPercent returns how full the copy-on-write area of a snapshot is.
func (l *LogicalVolume) SnapPercent() float64 {
	return l.snapPct
}
