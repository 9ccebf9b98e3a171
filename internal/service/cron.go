package service

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/lancachemanager/opsd/internal/model"
)

// newScheduler returns a stopped scheduler running task per sched. A run
// still in progress when the next one is due is skipped.
func newScheduler(ctx context.Context, sched model.Schedule, task func()) (gocron.Scheduler, error) {
	job, every, err := sched.Job()
	if err != nil {
		return nil, err
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName("log_processing"),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	slog.InfoContext(ctx, "log processing scheduled", "cron", sched.Cron, "duration", sched.Duration, "every", every.String())
	return s, nil
}
