package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule wires the recurring jobs: the stale-booking sweep every hour,
// reminders once a day, and the usage report on the first of each month.
// All expressions run in UTC so booking timestamps and schedule boundaries
// agree.
type Schedule struct {
	ReminderHour int // 0-23, daily reminder send time
	ReportHour   int // monthly report send time on the 1st
	ReportMinute int
}

// Scheduler drives the Runner from cron. Entries submit through the same
// Submit path as API-triggered jobs, so every scheduled run leaves a record.
type Scheduler struct {
	cron *cron.Cron
}

func NewScheduler(r *Runner, s Schedule, logger *log.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = log.Default()
	}
	c := cron.New(cron.WithLocation(time.UTC))
	submit := func(kind Kind) func() {
		return func() {
			if _, err := r.Submit(context.Background(), kind, 0); err != nil {
				logger.Printf("[scheduler] submit %s: %v", kind, err)
			}
		}
	}
	specs := []struct {
		expr string
		fn   func()
	}{
		{"0 * * * *", submit(KindCleanupSweep)},
		{fmt.Sprintf("0 %d * * *", s.ReminderHour), submit(KindDailyReminders)},
		{fmt.Sprintf("%d %d 1 * *", s.ReportMinute, s.ReportHour), submit(KindMonthlyReport)},
	}
	for _, spec := range specs {
		if _, err := c.AddFunc(spec.expr, spec.fn); err != nil {
			return nil, fmt.Errorf("schedule %q: %w", spec.expr, err)
		}
	}
	return &Scheduler{cron: c}, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts triggering; jobs already submitted keep running in the pool.
func (s *Scheduler) Stop() { s.cron.Stop() }
