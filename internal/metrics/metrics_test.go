package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
	ctrl "sigs.k8s.io/controller-runtime"
)

var testNow = time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)

func TestRecorder_ObserveVolume(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveVolume("root", "lvm", "", 90*time.Second, testNow)
	r.ObserveVolume("home", "lvm", "acquire", time.Second, testNow)
	r.ObserveVolume("home", "lvm", "acquire", time.Second, testNow)

	const expected = `
	# HELP snapback_volume_success Whether the last backup of the volume succeeded
	# TYPE snapback_volume_success gauge
	snapback_volume_success{kind="lvm",volume="home"} 0
	snapback_volume_success{kind="lvm",volume="root"} 1
	# HELP snapback_volume_failures_total Number of failed volume backups by stage
	# TYPE snapback_volume_failures_total counter
	snapback_volume_failures_total{stage="acquire",volume="home"} 2
	`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"snapback_volume_success", "snapback_volume_failures_total")
	if err != nil {
		t.Errorf("unexpected collecting result:\n%s", err)
	}

	if v := testutil.ToFloat64(r.volumeLastSuccess.WithLabelValues("root", "lvm")); v != float64(testNow.Unix()) {
		t.Errorf("unexpected last success %v", v)
	}
	if v := testutil.ToFloat64(r.volumeDuration.WithLabelValues("root", "lvm")); v != 90 {
		t.Errorf("unexpected duration %v", v)
	}
}

func TestRecorder_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.ObserveAction("root", "rsure", true)
	r.ObserveAction("root", "borg", false)
	r.AddReplicated("offsite", 1024)
	r.AddReplicated("offsite", 1024)
	r.ObserveLeak("root")
	r.ObserveRun(1, testNow)

	if v := testutil.ToFloat64(r.actions.WithLabelValues("root", "borg", ResultFailure)); v != 1 {
		t.Errorf("unexpected failed actions %v", v)
	}
	if v := testutil.ToFloat64(r.replicatedBytes.WithLabelValues("offsite")); v != 2048 {
		t.Errorf("unexpected replicated bytes %v", v)
	}
	if v := testutil.ToFloat64(r.leaked.WithLabelValues("root")); v != 1 {
		t.Errorf("unexpected leaks %v", v)
	}
	if v := testutil.ToFloat64(r.runs.WithLabelValues(ResultFailure)); v != 1 {
		t.Errorf("unexpected runs %v", v)
	}
	if v := testutil.ToFloat64(r.lastRunFailed); v != 1 {
		t.Errorf("unexpected failed volumes %v", v)
	}
}

func TestWriteTextfile(t *testing.T) {
	ctx := ctrl.LoggerInto(context.Background(), testr.New(t))
	fs := afero.NewMemMapFs()
	if err := fs.MkdirAll("/var/lib/node_exporter", 0o755); err != nil {
		t.Fatal(err)
	}
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.ObserveRun(0, testNow)

	const path = "/var/lib/node_exporter/snapback.prom"
	if err := WriteTextfile(ctx, fs, reg, path); err != nil {
		t.Fatal(err)
	}

	f, err := fs.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		t.Fatal(err)
	}
	mf, ok := families["snapback_run_last_timestamp_seconds"]
	if !ok {
		t.Fatalf("missing run timestamp in %v", families)
	}
	if v := gaugeValue(mf); v != float64(testNow.Unix()) {
		t.Fatalf("unexpected timestamp %v", v)
	}

	entries, err := afero.ReadDir(fs, "/var/lib/node_exporter")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("temporary files should not be left behind, got %d entries", len(entries))
	}
}

func gaugeValue(mf *dto.MetricFamily) float64 {
	if mf.GetType() != dto.MetricType_GAUGE || len(mf.GetMetric()) != 1 {
		return -1
	}
	return mf.GetMetric()[0].GetGauge().GetValue()
}

func TestWriteTextfile_ReadOnly(t *testing.T) {
	ctx := ctrl.LoggerInto(context.Background(), testr.New(t))
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	reg := prometheus.NewRegistry()
	NewRecorder(reg)

	if err := WriteTextfile(ctx, fs, reg, "/nowhere/snapback.prom"); err == nil {
		t.Fatal("writing to a read-only filesystem should fail")
	}
}
