package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Parse parses a standard five field cron expression or a descriptor such
// as @daily or @every 6h.
func Parse(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	s, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

// Loop runs Job on Schedule until its context is done. A run that is still
// going when the next one is due causes that next one to be skipped.
type Loop struct {
	Schedule cron.Schedule
	Job      func(ctx context.Context)
	// Location is the time zone of the schedule, local time when nil.
	Location *time.Location
}

// Run blocks until ctx is done and the running job, if any, has returned.
func (l *Loop) Run(ctx context.Context) error {
	logger := log.FromContext(ctx).WithName("schedule")
	loc := l.Location
	if loc == nil {
		loc = time.Local
	}

	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(l.Schedule, cron.FuncJob(func() {
		logger.Info("scheduled run starting")
		l.Job(ctx)
	}))
	c.Start()
	logger.Info("waiting for the next run", "next", l.Schedule.Next(time.Now().In(loc)))

	<-ctx.Done()
	logger.Info("stopping scheduler")
	<-c.Stop().Done()
	return nil
}
