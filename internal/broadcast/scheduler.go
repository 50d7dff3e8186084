package broadcast

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/store"
)

// Scheduler polls enabled broadcast schedules and starts the due ones.
type Scheduler struct {
	stores *store.Stores
	runner *Runner
	gron   *gronx.Gronx
	every  time.Duration
}

// NewScheduler creates a scheduler with the configured poll interval.
func NewScheduler(cfg *config.Config, stores *store.Stores, runner *Runner) *Scheduler {
	secs := cfg.Broadcast.SchedulePollSeconds
	if secs <= 0 {
		secs = 30
	}
	return &Scheduler{
		stores: stores,
		runner: runner,
		gron:   gronx.New(),
		every:  time.Duration(secs) * time.Second,
	}
}

// Run polls until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.every)
	defer ticker.Stop()

	slog.Info("broadcast scheduler started", "poll_interval", s.every)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.tick(ctx, now.UTC())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	schedules, err := s.stores.Schedules.ListEnabled(ctx)
	if err != nil {
		slog.Error("schedule listing failed", "error", err)
		return
	}

	// gronx expects a minute-aligned reference for 5-segment expressions;
	// the ticker lands at arbitrary second offsets.
	ref := now.Truncate(time.Minute)

	for _, sched := range schedules {
		due, err := s.gron.IsDue(sched.CronExpr, ref)
		if err != nil {
			slog.Warn("invalid cron expression, skipping schedule",
				"schedule_id", sched.ID, "expr", sched.CronExpr, "error", err)
			continue
		}
		if !due {
			continue
		}
		// Cron granularity is one minute; the poll interval is shorter,
		// so a run inside the current minute means this tick already fired.
		if sched.LastRunAt != nil && sched.LastRunAt.Truncate(time.Minute).Equal(now.Truncate(time.Minute)) {
			continue
		}

		if err := s.stores.Schedules.MarkRun(ctx, sched.ID, now, sched.RunOnce); err != nil {
			slog.Error("schedule mark-run failed", "schedule_id", sched.ID, "error", err)
			continue
		}

		bc, err := s.runner.Run(ctx, Request{
			TenantID:  sched.TenantID,
			FlowID:    sched.FlowID,
			Title:     sched.Title,
			Body:      sched.Body,
			FilterTag: sched.FilterTag,
		})
		if err != nil {
			slog.Error("scheduled broadcast failed", "schedule_id", sched.ID, "error", err)
			continue
		}
		slog.Info("scheduled broadcast ran", "schedule_id", sched.ID,
			"broadcast_id", bc.ID, "status", bc.Status)
	}
}
