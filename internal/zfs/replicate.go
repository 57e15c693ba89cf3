package zfs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/go-logr/logr"
	"github.com/topolvm/snapback/internal/command"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

var (
	// ErrNoSourceSnapshots is returned when the replication source has nothing to send.
	ErrNoSourceSnapshots = errors.New("source dataset has no snapshots")
	// ErrDiverged is returned when the newest snapshot of the destination is
	// unknown to the source, so no incremental stream can bring it up to date.
	ErrDiverged = errors.New("destination snapshot is not present on the source")
)

// SendStep is one `zfs send` of a replication. From is empty for a full stream.
type SendStep struct {
	From string
	To   string
}

// PlanReplication computes the sends that bring dst up to date with src.
// A nil dst means the destination does not exist yet.
func PlanReplication(src, dst *Filesystem) ([]SendStep, error) {
	if len(src.Snaps) == 0 {
		return nil, fmt.Errorf("%s: %w", src.Name, ErrNoSourceSnapshots)
	}
	last := src.LastSnap()

	if dst != nil && len(dst.Snaps) > 0 {
		have := dst.LastSnap()
		if !src.HasSnap(have) {
			return nil, fmt.Errorf("%s@%s: %w", dst.Name, have, ErrDiverged)
		}
		if have == last {
			return nil, nil
		}
		return []SendStep{{From: have, To: last}}, nil
	}

	first := src.Snaps[0]
	steps := []SendStep{{To: first}}
	if first != last {
		steps = append(steps, SendStep{From: first, To: last})
	}
	return steps, nil
}

func sendArgs(dataset string, step SendStep, estimate bool) []string {
	args := []string{"send"}
	if estimate {
		args = append(args, "-nP")
	}
	if step.From != "" {
		args = append(args, "-I", "@"+step.From)
	}
	return append(args, SnapshotName(dataset, step.To))
}

// EstimateSize asks zfs how many bytes step would send.
func (c *Client) EstimateSize(ctx context.Context, dataset string, step SendStep) (uint64, error) {
	out, err := c.query(ctx, sendArgs(dataset, step, true)...)
	if err != nil {
		return 0, err
	}
	return parseEstimate(out)
}

func parseEstimate(out []byte) (uint64, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	var size string
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "size" {
			size = fields[1]
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if size == "" {
		return 0, fmt.Errorf("no size in zfs send estimate: %q", string(out))
	}
	return strconv.ParseUint(size, 10, 64)
}

// TreeStep brings one dataset of a replication up to date.
type TreeStep struct {
	Source string
	Dest   string
	// Create is set when Dest has to be created, with the copyable
	// properties of Source, before the first send.
	Create bool
	Sends  []SendStep
}

// PlanTree pairs every dataset of src, the tree under srcRoot, with the
// dataset of the same relative name under dstRoot and plans each pair with
// PlanReplication. Source datasets whose name matches one of exclude are
// skipped. Missing destinations are marked for creation.
func PlanTree(srcRoot string, src []Filesystem, dstRoot string, dst []Filesystem, exclude []*regexp.Regexp) ([]TreeStep, error) {
	existing := map[string]*Filesystem{}
	for i := range dst {
		if rel, ok := relativeName(dstRoot, dst[i].Name); ok {
			existing[rel] = &dst[i]
		}
	}

	var plan []TreeStep
	for i := range src {
		fs := &src[i]
		rel, ok := relativeName(srcRoot, fs.Name)
		if !ok || isExcluded(exclude, fs.Name) {
			continue
		}
		d := existing[rel]
		sends, err := PlanReplication(fs, d)
		if err != nil {
			return nil, err
		}
		plan = append(plan, TreeStep{Source: fs.Name, Dest: dstRoot + rel, Create: d == nil, Sends: sends})
	}
	return plan, nil
}

// relativeName returns the part of name below root, "" for root itself.
func relativeName(root, name string) (string, bool) {
	if name == root {
		return "", true
	}
	if rest, ok := strings.CutPrefix(name, root+"/"); ok {
		return "/" + rest, true
	}
	return "", false
}

func isExcluded(exclude []*regexp.Regexp, name string) bool {
	for _, re := range exclude {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Replicator copies snapshots from one dataset to another with zfs send and
// zfs receive. Either side may be on a remote host.
type Replicator struct {
	Source      *Client
	SourceName  string
	Dest        *Client
	DestName    string
	ProgressLog logr.Logger
	// Recursive replicates the whole tree under SourceName.
	Recursive bool
	// Exclude holds regular expressions for source datasets a recursive
	// replication leaves out.
	Exclude []string
}

// Plan lists both sides and returns the work Run would perform.
func (r *Replicator) Plan(ctx context.Context) ([]TreeStep, error) {
	if r.Recursive {
		return r.planTree(ctx)
	}
	src, err := r.Source.Get(ctx, r.SourceName)
	if err != nil {
		return nil, fmt.Errorf("listing replication source %s: %w", r.SourceName, err)
	}
	dst, err := r.Dest.Get(ctx, r.DestName)
	if errors.Is(err, ErrNotFound) {
		dst = nil
	} else if err != nil {
		return nil, fmt.Errorf("listing replication destination %s: %w", r.DestName, err)
	}
	sends, err := PlanReplication(src, dst)
	if err != nil {
		return nil, err
	}
	// zfs receive creates a missing destination from the full stream.
	return []TreeStep{{Source: r.SourceName, Dest: r.DestName, Sends: sends}}, nil
}

func (r *Replicator) planTree(ctx context.Context) ([]TreeStep, error) {
	exclude := make([]*regexp.Regexp, 0, len(r.Exclude))
	for _, pattern := range r.Exclude {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern: %w", err)
		}
		exclude = append(exclude, re)
	}

	src, err := r.Source.List(ctx, r.SourceName, true)
	if err != nil {
		return nil, fmt.Errorf("listing replication source %s: %w", r.SourceName, err)
	}
	dst, err := r.Dest.List(ctx, r.DestName, true)
	if errors.Is(err, ErrNotFound) {
		dst = nil
	} else if err != nil {
		return nil, fmt.Errorf("listing replication destination %s: %w", r.DestName, err)
	}
	return PlanTree(r.SourceName, src, r.DestName, dst, exclude)
}

// Describe returns the commands Run would execute for plan.
func (r *Replicator) Describe(plan []TreeStep) []string {
	var lines []string
	for _, ts := range plan {
		if ts.Create {
			lines = append(lines, fmt.Sprintf("create %s with the local properties of %s", ts.Dest, ts.Source))
		}
		for _, step := range ts.Sends {
			lines = append(lines, fmt.Sprintf("%s | %s",
				command.Describe(r.Source.Argv(sendArgs(ts.Source, step, false)...)),
				command.Describe(r.Dest.Argv(receiveArgs(ts.Dest)...))))
		}
	}
	return lines
}

func receiveArgs(dataset string) []string {
	return []string{"receive", "-vF", "-x", "mountpoint", dataset}
}

// Run brings the destination up to date and returns the number of bytes sent.
func (r *Replicator) Run(ctx context.Context) (uint64, error) {
	logger := log.FromContext(ctx)

	plan, err := r.Plan(ctx)
	if err != nil {
		return 0, err
	}

	var total uint64
	for _, ts := range plan {
		if len(ts.Sends) == 0 {
			logger.Info("replica is up to date", "source", ts.Source, "dest", ts.Dest)
			continue
		}
		if ts.Create {
			if err := r.create(ctx, ts); err != nil {
				return total, err
			}
		}
		sent, err := r.send(ctx, logger, ts)
		total += sent
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (r *Replicator) create(ctx context.Context, ts TreeStep) error {
	props, err := r.Source.Properties(ctx, ts.Source)
	if err != nil {
		return fmt.Errorf("reading properties of %s: %w", ts.Source, err)
	}
	props = Copyable(props)
	log.FromContext(ctx).Info("creating replica", "dest", ts.Dest, "properties", len(props))
	if err := r.Dest.Create(ctx, ts.Dest, props); err != nil {
		return fmt.Errorf("creating %s: %w", ts.Dest, err)
	}
	return nil
}

func (r *Replicator) send(ctx context.Context, logger logr.Logger, ts TreeStep) (uint64, error) {
	var total uint64
	for _, step := range ts.Sends {
		size, err := r.Source.EstimateSize(ctx, ts.Source, step)
		if err != nil {
			return total, fmt.Errorf("estimating send of %s: %w", step.To, err)
		}
		logger.Info("sending snapshot",
			"source", SnapshotName(ts.Source, step.To),
			"from", step.From,
			"dest", ts.Dest,
			"estimate", humanize.IBytes(size),
		)

		progress := newProgressWriter(r.progressLogger(logger), step.To, size)
		err = command.Pipe(ctx,
			r.Source.stage(sendArgs(ts.Source, step, false)...),
			r.Dest.stage(receiveArgs(ts.Dest)...),
			progress,
		)
		total += progress.Written()
		if err != nil {
			return total, fmt.Errorf("replicating %s to %s: %w", SnapshotName(ts.Source, step.To), ts.Dest, err)
		}
	}
	return total, nil
}

func (r *Replicator) progressLogger(fallback logr.Logger) logr.Logger {
	if r.ProgressLog.GetSink() != nil {
		return r.ProgressLog
	}
	return fallback
}

// progressWriter counts the bytes of a send stream and logs every tenth of the estimate.
type progressWriter struct {
	logger   logr.Logger
	snapshot string
	estimate uint64

	mu      sync.Mutex
	written uint64
	next    uint64
}

func newProgressWriter(logger logr.Logger, snapshot string, estimate uint64) *progressWriter {
	return &progressWriter{logger: logger, snapshot: snapshot, estimate: estimate, next: estimate / 10}
}

func (p *progressWriter) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written += uint64(len(b))
	if p.estimate > 0 && p.written >= p.next {
		p.logger.V(1).Info("replication progress",
			"snapshot", p.snapshot,
			"written", humanize.IBytes(p.written),
			"estimate", humanize.IBytes(p.estimate),
		)
		p.next = p.written + p.estimate/10
	}
	return len(b), nil
}

func (p *progressWriter) Written() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written
}
