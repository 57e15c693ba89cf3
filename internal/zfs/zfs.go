package zfs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	snapback "github.com/topolvm/snapback"
	"github.com/topolvm/snapback/internal/command"
)

// ErrNotFound is returned when a dataset or snapshot does not exist.
var ErrNotFound = errors.New("dataset does not exist")

// Client runs zfs sub-commands, either locally or on a remote host through ssh.
type Client struct {
	runner  *command.Runner
	zfsPath string
	host    string
}

// NewClient returns a Client that runs zfsPath (default /sbin/zfs) locally through runner.
func NewClient(runner *command.Runner, zfsPath string) *Client {
	if zfsPath == "" {
		zfsPath = snapback.DefaultZFSPath
	}
	return &Client{runner: runner, zfsPath: zfsPath}
}

// On returns a Client that runs commands as `ssh host sudo zfs ...`.
// An empty host returns c itself.
func (c *Client) On(host string) *Client {
	if host == "" {
		return c
	}
	return &Client{runner: c.runner, zfsPath: c.zfsPath, host: host}
}

// Host returns the remote host or "" for the local machine.
func (c *Client) Host() string {
	return c.host
}

func (c *Client) stage(args ...string) command.Stage {
	if c.host == "" {
		return command.Stage{Runner: c.runner, Name: c.zfsPath, Args: args}
	}
	return command.Stage{
		Runner: c.runner.Unprivileged(),
		Name:   "ssh",
		Args:   append([]string{c.host, "sudo", c.zfsPath}, args...),
	}
}

// Argv returns the argument vector used to run a zfs sub-command.
func (c *Client) Argv(args ...string) []string {
	s := c.stage(args...)
	return s.Runner.Argv(s.Name, s.Args...)
}

func (c *Client) run(ctx context.Context, args ...string) error {
	s := c.stage(args...)
	err := s.Runner.Run(ctx, s.Name, s.Args...)
	if isNotFound(err) {
		return errors.Join(ErrNotFound, err)
	}
	return err
}

func (c *Client) query(ctx context.Context, args ...string) ([]byte, error) {
	s := c.stage(args...)
	out, err := s.Runner.Query(ctx, s.Name, s.Args...)
	if isNotFound(err) {
		return nil, errors.Join(ErrNotFound, err)
	}
	return out, err
}

// isNotFound reports whether err comes from zfs refusing to act on a missing dataset.
func isNotFound(err error) bool {
	cmdErr, ok := command.AsCommandError(err)
	if !ok {
		return false
	}
	return strings.Contains(cmdErr.Stderr(), "dataset does not exist") ||
		strings.Contains(cmdErr.Stderr(), "could not find any snapshots to destroy")
}

// SnapshotName joins a dataset and a snapshot name.
func SnapshotName(dataset, name string) string {
	return fmt.Sprintf("%s@%s", dataset, name)
}

// Snapshot creates dataset@name.
func (c *Client) Snapshot(ctx context.Context, dataset, name string) error {
	return c.run(ctx, "snapshot", SnapshotName(dataset, name))
}

// SnapshotRecursive atomically creates dataset@name and the same snapshot of
// every dataset under it.
func (c *Client) SnapshotRecursive(ctx context.Context, dataset, name string) error {
	return c.run(ctx, "snapshot", "-r", SnapshotName(dataset, name))
}

// SnapshotArgv returns the argument vector Snapshot would run.
func (c *Client) SnapshotArgv(dataset, name string) []string {
	return c.Argv("snapshot", SnapshotName(dataset, name))
}

// Clone creates a writable clone of snapshot. The clone is mounted at mountpoint
// when it is not empty, otherwise it inherits the mountpoint of its parent.
func (c *Client) Clone(ctx context.Context, snapshot, clone, mountpoint string) error {
	return c.run(ctx, cloneArgs(snapshot, clone, mountpoint)...)
}

// CloneArgv returns the argument vector Clone would run.
func (c *Client) CloneArgv(snapshot, clone, mountpoint string) []string {
	return c.Argv(cloneArgs(snapshot, clone, mountpoint)...)
}

func cloneArgs(snapshot, clone, mountpoint string) []string {
	args := []string{"clone"}
	if mountpoint != "" {
		args = append(args, "-o", "mountpoint="+mountpoint)
	}
	return append(args, snapshot, clone)
}

// Destroy destroys a dataset, snapshot or clone. It refuses to destroy
// anything with dependents.
func (c *Client) Destroy(ctx context.Context, name string) error {
	return c.run(ctx, "destroy", name)
}

// Bookmark creates ds#name from ds@name so that incremental sends from it
// stay possible after the snapshot is gone.
func (c *Client) Bookmark(ctx context.Context, dataset, name string) error {
	return c.run(ctx, "bookmark", SnapshotName(dataset, name), fmt.Sprintf("%s#%s", dataset, name))
}

// Exists reports whether a dataset, snapshot or clone named name exists.
func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	_, err := c.query(ctx, "list", "-H", "-t", "all", "-o", "name", name)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
