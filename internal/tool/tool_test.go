package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"
	"github.com/topolvm/snapback/internal/command"
	"github.com/topolvm/snapback/internal/testutils"
	ctrl "sigs.k8s.io/controller-runtime"
)

func TestArchiveName(t *testing.T) {
	now := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	if got := ArchiveName("root", now); got != "root-20240304T050607" {
		t.Fatalf("unexpected archive name %q", got)
	}
}

func TestBorg(t *testing.T) {
	ctx := ctrl.LoggerInto(context.Background(), testr.New(t))

	t.Run("the wrapper should be called with the archive and path", func(t *testing.T) {
		rec := testutils.NewRecorder(testutils.Call{})
		b, err := NewBorg(command.NewRunner(rec.Exec), "/usr/local/bin/borg-wrap", "")
		if err != nil {
			t.Fatal(err)
		}
		if err := b.Archive(ctx, "/mnt/snap/root", "root-20240304T050607"); err != nil {
			t.Fatal(err)
		}
		expected := [][]string{{
			"/usr/local/bin/borg-wrap", "create", "--exclude-caches", "-x", "--stat", "--progress",
			"::root-20240304T050607", "/mnt/snap/root",
		}}
		if diff := cmp.Diff(expected, rec.Argv()); diff != "" {
			t.Fatalf("unexpected commands (-want +got):\n%s", diff)
		}
	})

	t.Run("the env file should reach the wrapper through sudo", func(t *testing.T) {
		envFile := filepath.Join(t.TempDir(), "borg.env")
		if err := os.WriteFile(envFile, []byte("BORG_REPO=ssh://backup/./repo\nBORG_PASSPHRASE=secret\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		rec := testutils.NewRecorder(testutils.Call{})
		b, err := NewBorg(command.NewRunner(rec.Exec, command.WithPrefix("sudo")), "borg-wrap", envFile)
		if err != nil {
			t.Fatal(err)
		}
		if err := b.Archive(ctx, "/home", "home-1"); err != nil {
			t.Fatal(err)
		}
		argv := rec.Argv()[0]
		if argv[0] != "sudo" || argv[1] != "--preserve-env=BORG_PASSPHRASE,BORG_REPO" || argv[2] != "borg-wrap" {
			t.Fatalf("unexpected argv %v", argv)
		}
		env := rec.Env()[0]
		want := map[string]bool{"BORG_PASSPHRASE=secret": false, "BORG_REPO=ssh://backup/./repo": false}
		for _, e := range env {
			if _, ok := want[e]; ok {
				want[e] = true
			}
		}
		for k, found := range want {
			if !found {
				t.Errorf("%s missing from the environment", k)
			}
		}
	})

	t.Run("a missing env file should be an error", func(t *testing.T) {
		if _, err := NewBorg(command.NewRunner(nil), "borg-wrap", filepath.Join(t.TempDir(), "nope")); err == nil {
			t.Fatal("expected an error")
		}
	})

	t.Run("a wrapper is required", func(t *testing.T) {
		if _, err := NewBorg(command.NewRunner(nil), "", ""); err == nil {
			t.Fatal("expected an error")
		}
	})
}

func TestRsure_UpdateManifest(t *testing.T) {
	ctx := ctrl.LoggerInto(context.Background(), testr.New(t))
	fs := afero.NewMemMapFs()

	rec := testutils.NewRecorder(testutils.Call{}, testutils.Call{})
	r := NewRsure(command.NewRunner(rec.Exec), "", fs)

	if err := r.UpdateManifest(ctx, "/mnt/snap/root", "20240304T050607"); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(fs, "/mnt/snap/root/2sure.dat.gz", []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.UpdateManifest(ctx, "/mnt/snap/root", "20240305T050607"); err != nil {
		t.Fatal(err)
	}

	expected := [][]string{
		{"rsure", "-f", "/mnt/snap/root/2sure.dat.gz", "-d", "/mnt/snap/root", "--tag", "name=20240304T050607", "scan"},
		{"rsure", "-f", "/mnt/snap/root/2sure.dat.gz", "-d", "/mnt/snap/root", "--tag", "name=20240305T050607", "update"},
	}
	if diff := cmp.Diff(expected, rec.Argv()); diff != "" {
		t.Fatalf("unexpected commands (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(expected[1], r.UpdateManifestArgv("/mnt/snap/root", "20240305T050607", true)); diff != "" {
		t.Fatalf("unexpected argv (-want +got):\n%s", diff)
	}
}

func TestRsync_Sync(t *testing.T) {
	ctx := ctrl.LoggerInto(context.Background(), testr.New(t))
	rec := testutils.NewRecorder(testutils.Call{}, testutils.Call{})
	r := NewRsync(command.NewRunner(rec.Exec, command.WithPrefix("sudo")), "")

	if err := r.Sync(ctx, "/mnt/snap/root", "/backup/root", false); err != nil {
		t.Fatal(err)
	}
	if err := r.Sync(ctx, "/mnt/snap/root", "/backup/root", true); err != nil {
		t.Fatal(err)
	}
	expected := [][]string{
		{"sudo", "/usr/bin/rsync", "-aHx", "--delete", "/mnt/snap/root/.", "/backup/root/."},
		{"sudo", "/usr/bin/rsync", "-aHx", "--delete", "-AX", "/mnt/snap/root/.", "/backup/root/."},
	}
	if diff := cmp.Diff(expected, rec.Argv()); diff != "" {
		t.Fatalf("unexpected commands (-want +got):\n%s", diff)
	}
}
