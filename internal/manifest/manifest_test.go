package manifest

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ctrl "sigs.k8s.io/controller-runtime"
)

type guard struct{ copied bool }

func (g *guard) CopiedBack() bool { return g.copied }
func (g *guard) MarkCopiedBack()  { g.copied = true }

var errCrash = errors.New("simulated crash")

// crashingFs fails every rename, as if the process died right before it.
type crashingFs struct {
	afero.Fs
}

func (fs *crashingFs) Rename(string, string) error {
	return errCrash
}

func setup(t *testing.T, fs afero.Fs) {
	t.Helper()
	require.NoError(t, fs.MkdirAll("/mnt/snap/root", 0o755))
	require.NoError(t, fs.MkdirAll("/live", 0o755))
	require.NoError(t, afero.WriteFile(fs, "/mnt/snap/root/2sure.dat.gz", []byte("new manifest"), 0o600))
	require.NoError(t, afero.WriteFile(fs, "/live/2sure.dat.gz", []byte("old manifest"), 0o644))
}

func tempFiles(t *testing.T, fs afero.Fs, dir string) []string {
	t.Helper()
	entries, err := afero.ReadDir(fs, dir)
	require.NoError(t, err)
	var tmp []string
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp-") {
			tmp = append(tmp, e.Name())
		}
	}
	return tmp
}

func TestCopyBack(t *testing.T) {
	ctx := ctrl.LoggerInto(context.Background(), testr.New(t))

	t.Run("the live manifest should be replaced", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		setup(t, fs)
		g := &guard{}

		require.NoError(t, CopyBack(ctx, fs, g, "/mnt/snap/root", "/live"))

		data, err := afero.ReadFile(fs, "/live/2sure.dat.gz")
		require.NoError(t, err)
		assert.Equal(t, "new manifest", string(data))
		assert.True(t, g.CopiedBack())
		assert.Empty(t, tempFiles(t, fs, "/live"))

		info, err := fs.Stat("/live/2sure.dat.gz")
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	})

	t.Run("a second copy-back should be a no-op success", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		setup(t, fs)
		g := &guard{}

		require.NoError(t, CopyBack(ctx, fs, g, "/mnt/snap/root", "/live"))
		require.NoError(t, afero.WriteFile(fs, "/mnt/snap/root/2sure.dat.gz", []byte("changed again"), 0o600))
		require.NoError(t, CopyBack(ctx, fs, g, "/mnt/snap/root", "/live"))

		data, err := afero.ReadFile(fs, "/live/2sure.dat.gz")
		require.NoError(t, err)
		assert.Equal(t, "new manifest", string(data))
	})

	t.Run("a crash before the rename should leave the live manifest intact", func(t *testing.T) {
		mem := afero.NewMemMapFs()
		setup(t, mem)
		g := &guard{}

		err := CopyBack(ctx, &crashingFs{Fs: mem}, g, "/mnt/snap/root", "/live")
		var cbErr *CopyBackError
		require.ErrorAs(t, err, &cbErr)
		assert.ErrorIs(t, err, errCrash)
		assert.Equal(t, "/mnt/snap/root/2sure.dat.gz", cbErr.Src)
		assert.Equal(t, "/live/2sure.dat.gz", cbErr.Dst)

		data, err := afero.ReadFile(mem, "/live/2sure.dat.gz")
		require.NoError(t, err)
		assert.Equal(t, "old manifest", string(data))
		assert.False(t, g.CopiedBack())
		assert.Empty(t, tempFiles(t, mem, "/live"))
	})

	t.Run("a missing source manifest should fail without touching the destination", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		setup(t, fs)
		require.NoError(t, fs.Remove("/mnt/snap/root/2sure.dat.gz"))

		err := CopyBack(ctx, fs, &guard{}, "/mnt/snap/root", "/live")
		var cbErr *CopyBackError
		require.ErrorAs(t, err, &cbErr)
		assert.ErrorIs(t, err, os.ErrNotExist)

		data, err := afero.ReadFile(fs, "/live/2sure.dat.gz")
		require.NoError(t, err)
		assert.Equal(t, "old manifest", string(data))
	})

	t.Run("a live mount without a manifest should get one", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		setup(t, fs)
		require.NoError(t, fs.Remove("/live/2sure.dat.gz"))

		require.NoError(t, CopyBack(ctx, fs, &guard{}, "/mnt/snap/root", "/live"))
		ok, err := afero.Exists(fs, "/live/2sure.dat.gz")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestCopyBack_OsFs(t *testing.T) {
	ctx := ctrl.LoggerInto(context.Background(), testr.New(t))
	src, dst := t.TempDir(), t.TempDir()
	fs := afero.NewOsFs()
	require.NoError(t, os.WriteFile(Path(src), []byte("manifest"), 0o640))
	mtime := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, os.Chtimes(Path(src), mtime, mtime))

	require.NoError(t, CopyBack(ctx, fs, &guard{}, src, dst))

	info, err := os.Stat(Path(dst))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	assert.True(t, info.ModTime().Equal(mtime))
	assert.Empty(t, tempFiles(t, fs, dst))
}

func TestWriteStamp(t *testing.T) {
	ctx := ctrl.LoggerInto(context.Background(), testr.New(t))
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/home", 0o755))
	now := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)

	require.NoError(t, WriteStamp(ctx, fs, "/home", now))
	require.NoError(t, WriteStamp(ctx, fs, "/home", now.Add(time.Hour)))

	data, err := afero.ReadFile(fs, "/home/snapstamp")
	require.NoError(t, err)
	assert.Equal(t, "Backup timestamp 2024-03-04T06:06:07Z\n", string(data))
}
