package zfs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Filesystem is a dataset with its snapshots, oldest first.
type Filesystem struct {
	Name  string
	Mount string
	Snaps []string
}

// LastSnap returns the newest snapshot or "".
func (f *Filesystem) LastSnap() string {
	if len(f.Snaps) == 0 {
		return ""
	}
	return f.Snaps[len(f.Snaps)-1]
}

// HasSnap reports whether name is one of the snapshots of f.
func (f *Filesystem) HasSnap(name string) bool {
	for _, s := range f.Snaps {
		if s == name {
			return true
		}
	}
	return false
}

// List returns dataset and, when recursive, every dataset under it, each
// with its snapshots in creation order.
func (c *Client) List(ctx context.Context, dataset string, recursive bool) ([]Filesystem, error) {
	args := []string{"list", "-H", "-t", "all", "-o", "name,mountpoint", "-s", "createtxg"}
	if recursive {
		args = append(args, "-r")
	} else {
		args = append(args, "-d", "1")
	}
	args = append(args, dataset)

	out, err := c.query(ctx, args...)
	if err != nil {
		return nil, err
	}
	fss, err := parseList(out)
	if err != nil {
		return nil, err
	}
	if !recursive {
		// -d 1 also lists direct children.
		for _, fs := range fss {
			if fs.Name == dataset {
				return []Filesystem{fs}, nil
			}
		}
		return nil, ErrNotFound
	}
	return fss, nil
}

// Get returns a single dataset with its snapshots.
func (c *Client) Get(ctx context.Context, dataset string) (*Filesystem, error) {
	fss, err := c.List(ctx, dataset, false)
	if err != nil {
		return nil, err
	}
	return &fss[0], nil
}

// parseList builds Filesystems from `zfs list -H -o name,mountpoint` output.
// Snapshots follow their dataset. Bookmarks are skipped.
func parseList(out []byte) ([]Filesystem, error) {
	var result []Filesystem
	index := map[string]int{}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) != 2 {
			return nil, fmt.Errorf("zfs line doesn't have two fields: %q", line)
		}
		if strings.Contains(fields[0], "#") {
			continue
		}

		name, snap, isSnap := strings.Cut(fields[0], "@")
		if !isSnap {
			index[name] = len(result)
			result = append(result, Filesystem{Name: name, Mount: fields[1]})
			continue
		}
		i, ok := index[name]
		if !ok {
			return nil, fmt.Errorf("got snapshot %q before its dataset", fields[0])
		}
		result[i].Snaps = append(result[i].Snaps, snap)
	}
	return result, scanner.Err()
}

// SnapNamer generates and recognizes sequence-numbered snapshot names of the
// form <prefix><NNNN>-<YYYYMMDDhhmm>. The sequence number drives pruning.
type SnapNamer struct {
	prefix string
	re     *regexp.Regexp
}

// NewSnapNamer returns a SnapNamer for prefix.
func NewSnapNamer(prefix string) *SnapNamer {
	return &SnapNamer{
		prefix: prefix,
		re:     regexp.MustCompile(fmt.Sprintf(`^%s(\d{4,})-([-\d]+)$`, regexp.QuoteMeta(prefix))),
	}
}

// Number returns the sequence number of name, if it is one of ours.
func (n *SnapNamer) Number(name string) (int, bool) {
	m := n.re.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	num, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return num, true
}

// Next returns the sequence number following every snapshot of fss.
func (n *SnapNamer) Next(fss ...Filesystem) int {
	next := 0
	for _, fs := range fss {
		for _, snap := range fs.Snaps {
			if num, ok := n.Number(snap); ok && num+1 > next {
				next = num + 1
			}
		}
	}
	return next
}

// Name renders the snapshot name for index at now.
func (n *SnapNamer) Name(index int, now time.Time) string {
	return fmt.Sprintf("%s%04d-%s", n.prefix, index, now.Format("200601021504"))
}

// Placeholder renders the name a snapshot taken at now would get, with the
// sequence number left out. It is only meant for display.
func (n *SnapNamer) Placeholder(now time.Time) string {
	return fmt.Sprintf("%sNNNN-%s", n.prefix, now.Format("200601021504"))
}
