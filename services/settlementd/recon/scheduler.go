package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// ScheduleConfig sets the reconciliation cadence. The daily run fires at
// DailyHour:DailyMinute in the scheduler's location and covers the previous
// calendar day there.
type ScheduleConfig struct {
	Hourly      bool
	Daily       bool
	DailyHour   uint
	DailyMinute uint
	Location    *time.Location
}

// Schedule registers the hourly and daily runs on sched. The hourly run fires
// at minute 5 over the preceding hour.
func (e *Engine) Schedule(ctx context.Context, sched gocron.Scheduler, cfg ScheduleConfig) ([]gocron.Job, error) {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	if cfg.DailyHour > 23 || cfg.DailyMinute > 59 {
		return nil, fmt.Errorf("recon: invalid daily run time %02d:%02d", cfg.DailyHour, cfg.DailyMinute)
	}
	var jobs []gocron.Job
	if cfg.Hourly {
		job, err := sched.NewJob(
			gocron.CronJob("5 * * * *", false),
			gocron.NewTask(func() {
				start, end := HourlyWindow(e.now())
				e.scheduledRun(ctx, RunOptions{Start: start, End: end, Kind: KindHourly})
			}),
			gocron.WithName("recon-hourly"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("recon: schedule hourly run: %w", err)
		}
		jobs = append(jobs, job)
	}
	if cfg.Daily {
		job, err := sched.NewJob(
			gocron.DailyJob(1, gocron.NewAtTimes(gocron.NewAtTime(cfg.DailyHour, cfg.DailyMinute, 0))),
			gocron.NewTask(func() {
				start, end := DailyWindow(e.now(), loc)
				e.scheduledRun(ctx, RunOptions{Start: start, End: end, Kind: KindDaily})
			}),
			gocron.WithName("recon-daily"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return nil, fmt.Errorf("recon: schedule daily run: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (e *Engine) scheduledRun(ctx context.Context, opts RunOptions) {
	if ctx.Err() != nil {
		return
	}
	if _, err := e.Run(ctx, opts); err != nil {
		e.logger.ErrorContext(ctx, "scheduled reconciliation failed", slog.String("kind", opts.Kind), slog.Any("error", err))
	}
}

// HourlyWindow is the hour before now.
func HourlyWindow(now time.Time) (time.Time, time.Time) {
	end := now.UTC()
	return end.Add(-time.Hour), end
}

// DailyWindow is the calendar day before now in loc.
func DailyWindow(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return end.AddDate(0, 0, -1).UTC(), end.UTC()
}
