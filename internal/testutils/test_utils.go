package testutils

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

const envSkipTestsUsingRoot = "SKIP_TESTS_USING_ROOT"

// RequireRoot skips or fails t unless it runs as root.
func RequireRoot(t *testing.T) {
	t.Helper()

	if os.Getuid() == 0 {
		return
	}
	if os.Getenv(envSkipTestsUsingRoot) == "1" {
		t.Skipf("this test requires root but %s is set to 1", envSkipTestsUsingRoot)
	}
	t.Fatalf("run as root or set environment variable %s to 1", envSkipTestsUsingRoot)
}

func run(t *testing.T, name string, args ...string) string {
	t.Helper()
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		t.Fatalf("%s %s: %v: %s", name, strings.Join(args, " "), err, out)
	}
	return strings.TrimSpace(string(out))
}

// LoopbackDevice attaches a sparse file of size to a free loop device and
// returns the device. It is detached when t ends.
func LoopbackDevice(t *testing.T, size string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "backing")
	run(t, "truncate", "--size="+size, file)
	dev := run(t, "losetup", "--find", "--show", file)
	t.Cleanup(func() { _ = exec.Command("losetup", "-d", dev).Run() })
	return dev
}

// LoopbackVG creates the volume group vg on a loop device of size. The group
// is removed with all its volumes when t ends.
func LoopbackVG(t *testing.T, vg, size string) {
	t.Helper()
	dev := LoopbackDevice(t, size)
	run(t, "vgcreate", vg, dev)
	t.Cleanup(func() { _ = exec.Command("vgremove", "-f", vg).Run() })
}

// FormattedLV creates a 1 GiB ext4 logical volume lv in vg.
func FormattedLV(t *testing.T, vg, lv string) {
	t.Helper()
	run(t, "lvcreate", "-L1G", "-y", "-n", lv, vg)
	run(t, "mkfs.ext4", "-q", "/dev/"+vg+"/"+lv)
}
