package manifest

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"
	snapback "github.com/topolvm/snapback"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// StampPath returns the stamp file location under mount.
func StampPath(mount string) string {
	return filepath.Join(mount, snapback.StampFileName)
}

// WriteStamp rewrites the stamp file at the root of mount. It is written
// before the snapshot is taken so that every backup carries the time it was
// made. The file is left in place afterwards.
func WriteStamp(ctx context.Context, fs afero.Fs, mount string, now time.Time) error {
	path := StampPath(mount)
	log.FromContext(ctx).Info("writing backup stamp", "path", path)
	content := fmt.Sprintf("Backup timestamp %s\n", now.Format(time.RFC3339))
	if err := afero.WriteFile(fs, path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing stamp %s: %w", path, err)
	}
	return nil
}
