package app

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	snapback "github.com/topolvm/snapback"
	"go.uber.org/zap/zapcore"
	"k8s.io/klog/v2"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
)

const (
	configKey = "config"
	sudoKey   = "sudo"
)

func newRootCommand(d *deps) *cobra.Command {
	v := viper.New()
	zapOpts := zap.Options{TimeEncoder: zapcore.ISO8601TimeEncoder}

	cmd := &cobra.Command{
		Use:     "snapback",
		Version: snapback.Version,
		Short:   "back up volumes from consistent snapshots",
		Long: `snapback backs up a host's volumes from consistent snapshots.

Each configured volume is snapshotted (LVM or ZFS), the snapshot is mounted,
an rsure integrity manifest is updated and a borg archive is created from it.
The manifest is then copied back to the live filesystem and the snapshot is
removed. ZFS datasets can also be replicated with zfs send and receive.

The configuration file is read from --config, or from $SNAPBACK_CONFIG.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ctrl.SetLogger(zap.New(zap.UseFlagOptions(&zapOpts)))
		},
	}

	fs := cmd.PersistentFlags()
	fs.String(configKey, snapback.DefaultConfigPath, "config file")
	fs.Bool(sudoKey, false, "run privileged commands through sudo. Overrides config.sudo when given")
	_ = v.BindPFlag(configKey, fs.Lookup(configKey))
	_ = v.BindPFlag(sudoKey, fs.Lookup(sudoKey))
	_ = v.BindEnv(configKey, "SNAPBACK_CONFIG")
	_ = v.BindEnv(sudoKey, "SNAPBACK_SUDO")

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	fs.AddGoFlagSet(klogFlags)

	zapFlags := flag.NewFlagSet("zap", flag.ExitOnError)
	zapOpts.BindFlags(zapFlags)
	fs.AddGoFlagSet(zapFlags)

	cmd.AddCommand(newBackupCommand(v, d))
	cmd.AddCommand(newPruneCommand(v, d))
	cmd.AddCommand(newServeCommand(v, d))
	return cmd
}

// Execute runs the snapback command line and exits non-zero on failure.
// This is called by main.main().
func Execute() {
	if err := newRootCommand(systemDeps()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
