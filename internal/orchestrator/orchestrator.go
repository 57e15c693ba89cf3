package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/topolvm/snapback/internal/lifecycle"
	"github.com/topolvm/snapback/internal/metrics"
	"github.com/topolvm/snapback/internal/pipeline"
	"github.com/topolvm/snapback/internal/volume"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Stage is where the handling of a volume stopped.
type Stage string

const (
	StageNone     Stage = ""
	StageValidate Stage = "validate"
	StageAcquire  Stage = "acquire"
	StagePipeline Stage = "pipeline"
	StageRelease  Stage = "release"
	StageSkipped  Stage = "skipped"
)

// ErrSkipped is the error of volumes that were not attempted.
var ErrSkipped = errors.New("skipped")

// Outcome is the result of one volume.
type Outcome struct {
	Volume   string
	Kind     volume.Kind
	Stage    Stage
	Err      error
	Duration time.Duration
	// Completed lists the actions that ran successfully.
	Completed []volume.Action
	// Sent is the number of bytes replicated.
	Sent uint64
}

// Succeeded reports whether every step of the volume succeeded.
func (o *Outcome) Succeeded() bool {
	return o.Stage == StageNone
}

// ProviderSource hands out the lifecycle provider of a kind of volume.
type ProviderSource interface {
	ProviderFor(kind volume.Kind) (lifecycle.Provider, error)
}

// Pipeline runs and describes the actions of a volume.
type Pipeline interface {
	Run(ctx context.Context, v volume.Volume, res *lifecycle.Resource) pipeline.Result
	Describe(v volume.Volume) []string
}

// Orchestrator backs up volumes one at a time.
type Orchestrator struct {
	Providers ProviderSource
	Pipeline  Pipeline
	// Metrics is optional.
	Metrics *metrics.Recorder
	Now     func() time.Time
}

func (o *Orchestrator) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// RunAll backs up volumes in order. A failing volume does not stop the
// others. If any volume is misconfigured nothing is touched at all.
// Cancellation of ctx is only honored between volumes.
func (o *Orchestrator) RunAll(ctx context.Context, volumes []volume.Volume) *Summary {
	runID := uuid.NewString()
	ctx = log.IntoContext(ctx, log.FromContext(ctx, "run", runID))
	logger := log.FromContext(ctx)
	summary := &Summary{RunID: runID}
	logger.Info("backup run started", "volumes", len(volumes))

	if invalid := o.validateAll(volumes); invalid != nil {
		summary.Outcomes = invalid
		logger.Error(errors.New("invalid configuration"), "backup run aborted before touching anything")
		o.finish(ctx, summary)
		return summary
	}

	for _, v := range volumes {
		if err := ctx.Err(); err != nil {
			summary.Outcomes = append(summary.Outcomes, Outcome{
				Volume: v.Name,
				Kind:   v.Kind,
				Stage:  StageSkipped,
				Err:    fmt.Errorf("%w: %w", ErrSkipped, err),
			})
			continue
		}
		summary.Outcomes = append(summary.Outcomes, o.runVolume(ctx, v))
	}

	o.finish(ctx, summary)
	return summary
}

func (o *Orchestrator) validateAll(volumes []volume.Volume) []Outcome {
	outcomes := make([]Outcome, 0, len(volumes))
	failed := false
	for _, v := range volumes {
		out := Outcome{Volume: v.Name, Kind: v.Kind}
		if err := pipeline.Validate(v); err != nil {
			out.Stage, out.Err = StageValidate, err
			failed = true
		}
		outcomes = append(outcomes, out)
	}
	if !failed {
		return nil
	}
	for i := range outcomes {
		if outcomes[i].Stage == StageNone {
			outcomes[i].Stage, outcomes[i].Err = StageSkipped, ErrSkipped
		}
	}
	return outcomes
}

func (o *Orchestrator) finish(ctx context.Context, summary *Summary) {
	failed := summary.Failed()
	if o.Metrics != nil {
		for _, out := range summary.Outcomes {
			if out.Stage == StageValidate || out.Stage == StageSkipped {
				o.Metrics.ObserveVolume(out.Volume, out.Kind.String(), string(out.Stage), out.Duration, o.now())
			}
		}
		o.Metrics.ObserveRun(failed, o.now())
	}
	log.FromContext(ctx).Info("backup run finished", "volumes", len(summary.Outcomes), "failed", failed)
}

func (o *Orchestrator) runVolume(ctx context.Context, v volume.Volume) (out Outcome) {
	ctx = log.IntoContext(ctx, log.FromContext(ctx, "volume", v.Name, "kind", v.Kind.String()))
	logger := log.FromContext(ctx)
	start := o.now()
	out = Outcome{Volume: v.Name, Kind: v.Kind}

	defer func() {
		out.Duration = o.now().Sub(start)
		if out.Succeeded() {
			logger.Info("volume backed up", "duration", out.Duration)
		} else {
			logger.Error(out.Err, "volume failed", "stage", out.Stage, "duration", out.Duration)
		}
		if o.Metrics != nil {
			o.Metrics.ObserveVolume(v.Name, v.Kind.String(), string(out.Stage), out.Duration, o.now())
		}
	}()

	provider, err := o.Providers.ProviderFor(v.Kind)
	if err != nil {
		out.Stage, out.Err = StageAcquire, err
		return out
	}

	res, err := provider.Acquire(ctx, v)
	if err != nil {
		out.Stage, out.Err = StageAcquire, err
		return out
	}
	defer func() {
		if err := provider.Release(context.WithoutCancel(ctx), res); err != nil {
			if o.Metrics != nil {
				o.Metrics.ObserveLeak(v.Name)
			}
			if out.Succeeded() {
				out.Stage, out.Err = StageRelease, err
			} else {
				out.Err = errors.Join(out.Err, err)
			}
		}
	}()

	result := o.Pipeline.Run(ctx, v, res)
	out.Completed = result.Completed
	out.Sent = result.Sent
	if o.Metrics != nil {
		for _, a := range result.Completed {
			o.Metrics.ObserveAction(v.Name, string(a), true)
		}
		if result.Failed != nil {
			o.Metrics.ObserveAction(v.Name, string(*result.Failed), false)
		}
		if result.Sent > 0 {
			o.Metrics.AddReplicated(v.Name, result.Sent)
		}
	}
	if result.Err != nil {
		out.Stage, out.Err = StagePipeline, result.Err
	}
	return out
}

// Describe returns what RunAll would do, without doing any of it.
func (o *Orchestrator) Describe(volumes []volume.Volume) []string {
	var lines []string
	for _, v := range volumes {
		lines = append(lines, fmt.Sprintf("volume %s (%s):", v.Name, v.Kind))
		if err := pipeline.Validate(v); err != nil {
			lines = append(lines, pipeline.WouldPrefix+"fail: "+err.Error())
			continue
		}
		provider, err := o.Providers.ProviderFor(v.Kind)
		if err != nil {
			lines = append(lines, pipeline.WouldPrefix+"fail: "+err.Error())
			continue
		}
		acquire, release := provider.Describe(v)
		lines = append(lines, pipeline.Would(acquire)...)
		lines = append(lines, o.Pipeline.Describe(v)...)
		lines = append(lines, pipeline.Would(release)...)
	}
	return lines
}
