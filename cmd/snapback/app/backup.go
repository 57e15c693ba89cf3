package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	snapback "github.com/topolvm/snapback"
	"github.com/topolvm/snapback/internal/metrics"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

type backupOptions struct {
	pretend  bool
	textfile string
}

func newBackupCommand(v *viper.Viper, d *deps) *cobra.Command {
	opts := &backupOptions{}
	cmd := &cobra.Command{
		Use:   "backup [NAME-GLOB...]",
		Short: "back up the configured volumes",
		Long: `Back up every configured volume, one at a time, in configuration order.

Arguments are glob patterns restricting the run to the volumes whose name
matches one of them. A failing volume does not stop the others; the command
exits non-zero when any volume failed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runBackup(cmd.Context(), cmd.OutOrStdout(), v, d, args, opts)
		},
	}
	fs := cmd.Flags()
	fs.BoolVarP(&opts.pretend, "pretend", "n", false, "print what would be done without doing anything")
	fs.StringVar(&opts.textfile, "metrics-textfile", "", "write the run metrics in the node exporter textfile format to this path")
	fs.Lookup("metrics-textfile").NoOptDefVal = snapback.DefaultMetricsTextfile
	return cmd
}

func runBackup(ctx context.Context, out io.Writer, v *viper.Viper, d *deps, patterns []string, opts *backupOptions) error {
	logger := log.FromContext(ctx)

	cfg, err := loadConfig(ctx, v)
	if err != nil {
		return err
	}
	volumes, err := selectVolumes(cfg.Volumes, patterns)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	o, err := d.newOrchestrator(cfg.Global, metrics.NewRecorder(reg))
	if err != nil {
		return err
	}

	if opts.pretend {
		for _, line := range o.Describe(volumes) {
			fmt.Fprintln(out, line)
		}
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.keepSudoAlive(ctx, cfg.Global); err != nil {
		return err
	}

	summary := o.RunAll(ctx, volumes)
	summary.Print(out)

	if opts.textfile != "" {
		if err := metrics.WriteTextfile(ctx, d.fs, reg, opts.textfile); err != nil {
			logger.Error(err, "failed to write metrics textfile", "path", opts.textfile)
		}
	}
	return summary.Err()
}
