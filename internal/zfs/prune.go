package zfs

import (
	"context"
	"fmt"
	"math/bits"
	"slices"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// PruneKeep is the number of newest snapshots that are always kept.
const PruneKeep = 10

// PlanHanoi selects the snapshots to prune from snaps, which are ordered oldest
// first. The newest PruneKeep numbered snapshots are kept. Beyond those, only
// the newest snapshot for each bit count of its sequence number survives,
// which gives a Tower of Hanoi style thinning. Snapshots that namer does not
// recognize are never pruned. The result is ordered oldest first.
func PlanHanoi(namer *SnapNamer, snaps []string) []string {
	var prune []string
	seen := map[int]bool{}
	kept := 0
	for i := len(snaps) - 1; i >= 0; i-- {
		num, ok := namer.Number(snaps[i])
		if !ok {
			continue
		}
		if kept < PruneKeep {
			kept++
			continue
		}
		pop := bits.OnesCount(uint(num))
		if seen[pop] {
			prune = append(prune, snaps[i])
		}
		seen[pop] = true
	}
	slices.Reverse(prune)
	return prune
}

// Prune removes old numbered snapshots of dataset following PlanHanoi. Each
// pruned snapshot is bookmarked first. Nothing is destroyed unless really is
// set. It returns the snapshots that were, or would have been, pruned; when a
// destroy fails, only those destroyed before it are returned.
func (c *Client) Prune(ctx context.Context, dataset string, namer *SnapNamer, really bool) ([]string, error) {
	logger := log.FromContext(ctx)

	fs, err := c.Get(ctx, dataset)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dataset, err)
	}
	prune := PlanHanoi(namer, fs.Snaps)

	for i, snap := range prune {
		name := SnapshotName(dataset, snap)
		if !really {
			logger.Info("would prune", "snapshot", name)
			continue
		}
		logger.Info("pruning", "snapshot", name)
		if err := c.Bookmark(ctx, dataset, snap); err != nil {
			logger.Error(err, "failed to bookmark snapshot before pruning", "snapshot", name)
		}
		if err := c.Destroy(ctx, name); err != nil {
			return prune[:i], fmt.Errorf("pruning %s: %w", name, err)
		}
	}
	return prune, nil
}
