/*
 * Stat is modeled on the EINTR handling of
 * https://github.com/kubernetes/mount-utils/blob/6f4aae5a6ab58574cac605cdd48bf5c0862c047f/mount_helper_unix.go
 *    LICENSE: http://www.apache.org/licenses/LICENSE-2.0
 *    Copyright The Kubernetes Authors.
 */

package filesystem

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/topolvm/snapback/internal/command"
	"golang.org/x/sys/unix"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	blkidCmd = "/sbin/blkid"

	// DevicePollInterval is how often WaitForDevice checks for the device node.
	DevicePollInterval = 100 * time.Millisecond
	// DeviceTimeout bounds how long WaitForDevice waits for udev to create the node.
	DeviceTimeout = 30 * time.Second
)

type temporaryer interface {
	Temporary() bool
}

// DetectFilesystem returns filesystem type if device has a filesystem.
// This returns an empty string if no filesystem exists.
func DetectFilesystem(ctx context.Context, runner *command.Runner, device string) (string, error) {
	out, err := runner.Query(ctx, blkidCmd, "-c", "/dev/null", "-o", "export", device)
	if err != nil {
		// blkid exits with status 2 when nothing can be found
		if command.ExitCode(err) == 2 {
			return "", nil
		}
		return "", fmt.Errorf("blkid failed: device=%s: %w", device, err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if strings.HasPrefix(line, "TYPE=") {
			return line[5:], nil
		}
	}

	return "", nil
}

// Stat wrapped a golang.org/x/sys/unix.Stat function to handle EINTR signal for Go 1.14+
func Stat(path string, stat *unix.Stat_t) error {
	for {
		err := unix.Stat(path, stat)
		if err == nil {
			return nil
		}
		if e, ok := err.(temporaryer); ok && e.Temporary() {
			continue
		}
		return err
	}
}

// IsBlockDevice reports whether path resolves to a block device node.
func IsBlockDevice(path string) (bool, error) {
	var st unix.Stat_t
	if err := Stat(path, &st); err != nil {
		return false, err
	}
	return st.Mode&unix.S_IFMT == unix.S_IFBLK, nil
}

// WaitForDevice waits until path is a block device. A freshly created LV
// appears only after udev has processed its event.
func WaitForDevice(ctx context.Context, path string, interval, timeout time.Duration) error {
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, func(context.Context) (bool, error) {
		ok, err := IsBlockDevice(path)
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return ok, err
	})
	if err != nil {
		return fmt.Errorf("waiting for device %s: %w", path, err)
	}
	return nil
}
