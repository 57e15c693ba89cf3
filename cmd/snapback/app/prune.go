package app

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	snapback "github.com/topolvm/snapback"
	"github.com/topolvm/snapback/internal/config"
	"github.com/topolvm/snapback/internal/zfs"
)

func newPruneCommand(v *viper.Viper, d *deps) *cobra.Command {
	var really bool
	cmd := &cobra.Command{
		Use:   "prune DATASET",
		Short: "thin out the numbered snapshots of a ZFS dataset",
		Long: `Thin out the snapshots snapback numbered on DATASET.

The 10 newest snapshots are kept. Of the older ones, only the newest snapshot
for each count of set bits in its sequence number is kept. Every pruned
snapshot is bookmarked before it is destroyed.

Nothing is destroyed unless --really is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runPrune(cmd.Context(), cmd.OutOrStdout(), v, d, args[0], really)
		},
	}
	cmd.Flags().BoolVar(&really, "really", false, "destroy the selected snapshots")
	return cmd
}

func runPrune(ctx context.Context, out io.Writer, v *viper.Viper, d *deps, dataset string, really bool) error {
	// The configuration only supplies the tool paths here, so a missing
	// file falls back to the defaults.
	g := config.Global{}
	if cfg, err := loadConfig(ctx, v); err == nil {
		g = cfg.Global
	} else if v.IsSet(sudoKey) {
		g.Sudo = v.GetBool(sudoKey)
	}

	client := zfs.NewClient(d.runner(g), g.ZFSPath)
	pruned, err := client.Prune(ctx, dataset, zfs.NewSnapNamer(snapback.SnapshotPrefix), really)
	verb := "would prune"
	if really {
		verb = "pruned"
	}
	for _, snap := range pruned {
		fmt.Fprintf(out, "%s %s\n", verb, zfs.SnapshotName(dataset, snap))
	}
	if err != nil {
		return err
	}
	if len(pruned) == 0 {
		fmt.Fprintf(out, "nothing to prune on %s\n", dataset)
	}
	return nil
}
