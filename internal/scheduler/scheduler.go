// Package scheduler turns candidate messages into a day's worth of queued
// sends and triggers that run on a cron schedule.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultDailySchedule runs the daily scheduler at 08:00, before the window opens.
const DefaultDailySchedule = "0 8 * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler evaluating expressions in loc.
func NewScheduler(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	// Use standard 5-field cron parser (min, hour, dom, month, dow) and enable recovery
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(loc), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleDaily runs d on expr with ctx. observe, when non-nil, receives the
// outcome of every run.
func (s *Scheduler) ScheduleDaily(ctx context.Context, expr string, d *Daily, observe func(error)) error {
	return s.AddJob(expr, func() {
		report, err := d.Run(ctx)
		if observe != nil {
			observe(err)
		}
		if err != nil {
			slog.Error("Scheduler.ScheduleDaily: daily run failed", "error", err)
			return
		}
		slog.Info("Scheduler.ScheduleDaily: daily run finished", "enqueued", report.Enqueued, "candidates", report.Candidates, "restDay", report.RestDay)
	})
}

// Run blocks until ctx is done, then stops the scheduler and waits for running jobs.
func (s *Scheduler) Run(ctx context.Context) error {
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
