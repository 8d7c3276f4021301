package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"calsync/internal/lib/logger/sl"

	"github.com/robfig/cron/v3"
)

// Scheduler runs jobs on cron schedules. A job whose previous run has not
// finished is skipped, so each job has at most one run in flight.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	jobs   []job
}

type job struct {
	name     string
	spec     string
	schedule cron.Schedule
	run      func(ctx context.Context)
}

// New creates a scheduler evaluating schedules in loc.
func New(logger *slog.Logger, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
	}
}

// Every registers fn under name with a standard cron spec or descriptor
// such as "@every 5m".
func (s *Scheduler) Every(name, spec string, fn func(ctx context.Context)) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	s.jobs = append(s.jobs, job{name: name, spec: spec, schedule: schedule, run: fn})
	return nil
}

// Run starts all registered jobs and blocks until ctx is cancelled, then
// waits for running jobs to return.
func (s *Scheduler) Run(ctx context.Context) error {
	for _, j := range s.jobs {
		s.cron.Schedule(j.schedule, cron.FuncJob(func() { j.run(ctx) }))
		s.logger.Info("Scheduled job.", "job", j.name, "schedule", j.spec)
	}

	s.cron.Start()
	<-ctx.Done()

	s.logger.Info("Stopping scheduler, waiting for running jobs.")
	<-s.cron.Stop().Done()
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append([]any{sl.Err(err)}, keysAndValues...)...)
}
