package zfs

import (
	"fmt"

	mountutil "k8s.io/mount-utils"
)

// FindMount returns where dataset is mounted according to the mount table.
func FindMount(mounter mountutil.Interface, dataset string) (string, error) {
	mps, err := mounter.List()
	if err != nil {
		return "", err
	}
	for _, mp := range mps {
		if mp.Type == "zfs" && mp.Device == dataset {
			return mp.Path, nil
		}
	}
	return "", fmt.Errorf("%s is not mounted: %w", dataset, ErrNotFound)
}
