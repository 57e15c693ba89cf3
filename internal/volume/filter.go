package volume

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Filter returns the volumes whose name matches any of patterns, keeping
// their order. No patterns selects every volume.
func Filter(volumes []Volume, patterns []string) ([]Volume, error) {
	if len(patterns) == 0 {
		return volumes, nil
	}

	globs := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid volume pattern %q: %w", p, err)
		}
		globs = append(globs, g)
	}

	var result []Volume
	for _, v := range volumes {
		for _, g := range globs {
			if g.Match(v.Name) {
				result = append(result, v)
				break
			}
		}
	}
	return result, nil
}
