package metrics

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// WriteTextfile writes everything gatherer collects to path in the text
// exposition format, for the node exporter textfile collector. The file is
// replaced atomically so the collector never reads a partial file.
func WriteTextfile(ctx context.Context, fs afero.Fs, gatherer prometheus.Gatherer, path string) (err error) {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating metrics textfile in %s: %w", dir, err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			fs.Remove(tmp.Name())
		}
	}()

	enc := expfmt.NewEncoder(tmp, expfmt.FmtText)
	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := fs.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := fs.Rename(tmp.Name(), path); err != nil {
		return err
	}
	log.FromContext(ctx).Info("metrics written", "path", path, "families", len(families))
	return nil
}
