package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/topolvm/snapback/internal/metrics"
	"github.com/topolvm/snapback/internal/schedule"
	"github.com/topolvm/snapback/internal/server"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

type serveOptions struct {
	schedule             string
	metricsBindAddress   string
	profilingBindAddress string
}

func newServeCommand(v *viper.Viper, d *deps) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve [NAME-GLOB...]",
		Short: "run backups on a schedule and expose metrics",
		Long: `Run the backup of the configured volumes on a cron schedule until
interrupted. The configuration file is read again before every run.

Prometheus metrics are served on --metrics-bind-address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServe(cmd.Context(), cmd.OutOrStdout(), v, d, args, opts)
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.schedule, "schedule", "@daily", "cron schedule of the backup runs")
	fs.StringVar(&opts.metricsBindAddress, "metrics-bind-address", ":9436", "bind address to expose prometheus metrics. If empty, metrics are disabled")
	fs.StringVar(&opts.profilingBindAddress, "profiling-bind-address", "", "bind address to expose pprof profiling. If empty, profiling is disabled")
	return cmd
}

func runServe(ctx context.Context, out io.Writer, v *viper.Viper, d *deps, patterns []string, opts *serveOptions) error {
	logger := log.FromContext(ctx)

	sched, err := schedule.Parse(opts.schedule)
	if err != nil {
		return err
	}
	// Fail early on a broken configuration rather than at the first run.
	cfg, err := loadConfig(ctx, v)
	if err != nil {
		return err
	}
	if _, err := selectVolumes(cfg.Volumes, patterns); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.keepSudoAlive(ctx, cfg.Global); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.NewRecorder(reg)

	var servers []*http.Server
	if opts.metricsBindAddress != "" {
		servers = append(servers, server.NewMetricsServer(opts.metricsBindAddress, reg))
	}
	if opts.profilingBindAddress != "" {
		servers = append(servers, server.NewProfilingServer(opts.profilingBindAddress))
	}
	wg := server.Start(ctx, logger, servers...)
	defer wg.Wait()

	loop := &schedule.Loop{
		Schedule: sched,
		Job: func(ctx context.Context) {
			if err := runScheduled(ctx, out, v, d, patterns, rec); err != nil {
				logger.Error(err, "scheduled run failed")
			}
		},
	}
	return loop.Run(ctx)
}

func runScheduled(ctx context.Context, out io.Writer, v *viper.Viper, d *deps, patterns []string, rec *metrics.Recorder) error {
	cfg, err := loadConfig(ctx, v)
	if err != nil {
		return err
	}
	volumes, err := selectVolumes(cfg.Volumes, patterns)
	if err != nil {
		return err
	}
	o, err := d.newOrchestrator(cfg.Global, rec)
	if err != nil {
		return err
	}
	summary := o.RunAll(ctx, volumes)
	summary.Print(out)
	if err := summary.Err(); err != nil {
		return fmt.Errorf("run %s: %w", summary.RunID, err)
	}
	return nil
}
