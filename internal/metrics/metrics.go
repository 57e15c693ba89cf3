package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	snapback "github.com/topolvm/snapback"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Recorder holds the metrics of backup runs.
type Recorder struct {
	volumeSuccess     *prometheus.GaugeVec
	volumeDuration    *prometheus.GaugeVec
	volumeLastSuccess *prometheus.GaugeVec
	volumeFailures    *prometheus.CounterVec
	actions           *prometheus.CounterVec
	replicatedBytes   *prometheus.CounterVec
	leaked            *prometheus.CounterVec
	runs              *prometheus.CounterVec
	lastRun           prometheus.Gauge
	lastRunFailed     prometheus.Gauge
}

// NewRecorder creates the metrics and registers them with registerer.
func NewRecorder(registerer prometheus.Registerer) *Recorder {
	r := &Recorder{
		volumeSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: snapback.MetricsNamespace,
			Subsystem: "volume",
			Name:      "success",
			Help:      "Whether the last backup of the volume succeeded",
		}, []string{"volume", "kind"}),
		volumeDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: snapback.MetricsNamespace,
			Subsystem: "volume",
			Name:      "duration_seconds",
			Help:      "Duration of the last backup of the volume",
		}, []string{"volume", "kind"}),
		volumeLastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: snapback.MetricsNamespace,
			Subsystem: "volume",
			Name:      "last_success_timestamp_seconds",
			Help:      "Time of the last successful backup of the volume",
		}, []string{"volume", "kind"}),
		volumeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: snapback.MetricsNamespace,
			Subsystem: "volume",
			Name:      "failures_total",
			Help:      "Number of failed volume backups by stage",
		}, []string{"volume", "stage"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: snapback.MetricsNamespace,
			Subsystem: "action",
			Name:      "total",
			Help:      "Number of actions run by result",
		}, []string{"volume", "action", "result"}),
		replicatedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: snapback.MetricsNamespace,
			Subsystem: "replication",
			Name:      "sent_bytes_total",
			Help:      "Bytes sent by zfs send",
		}, []string{"volume"}),
		leaked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: snapback.MetricsNamespace,
			Subsystem: "volume",
			Name:      "leaked_total",
			Help:      "Number of releases that left snapshots, clones or mounts behind",
		}, []string{"volume"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: snapback.MetricsNamespace,
			Subsystem: "run",
			Name:      "total",
			Help:      "Number of backup runs by result",
		}, []string{"result"}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: snapback.MetricsNamespace,
			Subsystem: "run",
			Name:      "last_timestamp_seconds",
			Help:      "Time the last backup run finished",
		}),
		lastRunFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: snapback.MetricsNamespace,
			Subsystem: "run",
			Name:      "last_failed_volumes",
			Help:      "Number of volumes that failed in the last backup run",
		}),
	}
	registerer.MustRegister(
		r.volumeSuccess,
		r.volumeDuration,
		r.volumeLastSuccess,
		r.volumeFailures,
		r.actions,
		r.replicatedBytes,
		r.leaked,
		r.runs,
		r.lastRun,
		r.lastRunFailed,
	)
	return r
}

// ObserveVolume records the outcome of one volume. stage is empty on success.
func (r *Recorder) ObserveVolume(volume, kind, stage string, duration time.Duration, now time.Time) {
	r.volumeDuration.WithLabelValues(volume, kind).Set(duration.Seconds())
	if stage == "" {
		r.volumeSuccess.WithLabelValues(volume, kind).Set(1)
		r.volumeLastSuccess.WithLabelValues(volume, kind).Set(float64(now.Unix()))
		return
	}
	r.volumeSuccess.WithLabelValues(volume, kind).Set(0)
	r.volumeFailures.WithLabelValues(volume, stage).Inc()
}

// ObserveAction counts one action run.
func (r *Recorder) ObserveAction(volume, action string, ok bool) {
	result := ResultSuccess
	if !ok {
		result = ResultFailure
	}
	r.actions.WithLabelValues(volume, action, result).Inc()
}

// AddReplicated adds bytes sent while replicating volume.
func (r *Recorder) AddReplicated(volume string, bytes uint64) {
	r.replicatedBytes.WithLabelValues(volume).Add(float64(bytes))
}

// ObserveLeak counts a release that did not complete.
func (r *Recorder) ObserveLeak(volume string) {
	r.leaked.WithLabelValues(volume).Inc()
}

// ObserveRun records the end of a run.
func (r *Recorder) ObserveRun(failed int, now time.Time) {
	result := ResultSuccess
	if failed > 0 {
		result = ResultFailure
	}
	r.runs.WithLabelValues(result).Inc()
	r.lastRun.Set(float64(now.Unix()))
	r.lastRunFailed.Set(float64(failed))
}
