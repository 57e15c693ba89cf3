package manifest

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	snapback "github.com/topolvm/snapback"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Guard records that the manifest of one acquisition was copied back.
type Guard interface {
	CopiedBack() bool
	MarkCopiedBack()
}

// CopyBackError reports a failed copy-back. Unless the rename already
// happened, the destination manifest is unchanged.
type CopyBackError struct {
	Src string
	Dst string
	Err error
}

func (e *CopyBackError) Error() string {
	return fmt.Sprintf("copy back %s to %s: %v", e.Src, e.Dst, e.Err)
}

func (e *CopyBackError) Unwrap() error {
	return e.Err
}

// Path returns the manifest location under mount.
func Path(mount string) string {
	return filepath.Join(mount, snapback.ManifestFileName)
}

// CopyBack replaces the manifest under dstMount with the one under srcMount.
// The data is written to a temporary file next to the destination, synced,
// and renamed into place, so readers see either the old or the new manifest.
// Owner, mode and modification time follow the source. Once guard is marked,
// further calls do nothing.
func CopyBack(ctx context.Context, fs afero.Fs, guard Guard, srcMount, dstMount string) error {
	logger := log.FromContext(ctx)
	src, dst := Path(srcMount), Path(dstMount)
	if guard.CopiedBack() {
		logger.V(1).Info("manifest already copied back", "src", src, "dst", dst)
		return nil
	}

	logger.Info("copying manifest back", "src", src, "dst", dst)
	if err := atomicCopy(fs, src, dst); err != nil {
		return &CopyBackError{Src: src, Dst: dst, Err: err}
	}
	guard.MarkCopiedBack()
	return nil
}

func atomicCopy(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	dir := filepath.Dir(dst)
	tmp, err := afero.TempFile(fs, dir, "."+snapback.ManifestFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	renamed := false
	defer func() {
		if !renamed {
			_ = tmp.Close()
			_ = fs.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(tmp, in); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := fs.Chmod(tmpPath, info.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		if err := fs.Chown(tmpPath, int(st.Uid), int(st.Gid)); err != nil {
			return fmt.Errorf("chown temp file: %w", err)
		}
	}
	if err := fs.Chtimes(tmpPath, info.ModTime(), info.ModTime()); err != nil {
		return fmt.Errorf("chtimes temp file: %w", err)
	}

	if err := fs.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	renamed = true
	return syncDir(fs, dir)
}

// syncDir makes a rename in dir durable.
func syncDir(fs afero.Fs, dir string) error {
	d, err := fs.Open(dir)
	if err != nil {
		return fmt.Errorf("fsync dir open: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsync dir: %w", err)
	}
	return nil
}
