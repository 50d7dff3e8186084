package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/store"
)

func newSchedulerFixture(t *testing.T) (*runnerFixture, *Scheduler) {
	t.Helper()
	f := newRunnerFixture(t, promoGraph(), []string{"511"})
	s := NewScheduler(&config.Config{}, f.stores, f.runner)
	return f, s
}

func createSchedule(t *testing.T, f *runnerFixture, expr string, runOnce bool) *store.BroadcastSchedule {
	t.Helper()
	sched := &store.BroadcastSchedule{
		ID: store.NewID(), TenantID: f.tenant.ID, FlowID: f.flow.ID,
		Title: "nightly", CronExpr: expr, RunOnce: runOnce, Enabled: true,
	}
	if err := f.stores.Schedules.Create(context.Background(), sched); err != nil {
		t.Fatal(err)
	}
	return sched
}

func TestSchedulerTickRunsDue(t *testing.T) {
	f, s := newSchedulerFixture(t)
	createSchedule(t, f, "* * * * *", false)

	now := time.Date(2026, 8, 26, 9, 15, 10, 0, time.UTC)
	s.tick(context.Background(), now)

	if len(f.tr.sent) != 1 {
		t.Fatalf("provider sends = %d, want 1 after due tick", len(f.tr.sent))
	}

	scheds, err := f.stores.Schedules.ListEnabled(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(scheds) != 1 || scheds[0].LastRunAt == nil || !scheds[0].LastRunAt.Equal(now) {
		t.Errorf("schedule not marked run at %v: %+v", now, scheds)
	}
}

func TestSchedulerTickSameMinuteOnce(t *testing.T) {
	f, s := newSchedulerFixture(t)
	createSchedule(t, f, "* * * * *", false)

	base := time.Date(2026, 8, 26, 9, 15, 10, 0, time.UTC)
	s.tick(context.Background(), base)
	// Two more polls inside the same cron minute must not re-fire.
	s.tick(context.Background(), base.Add(20*time.Second))
	s.tick(context.Background(), base.Add(40*time.Second))

	if len(f.tr.sent) != 1 {
		t.Errorf("provider sends = %d, want 1 within one minute", len(f.tr.sent))
	}

	// The next minute fires again.
	s.tick(context.Background(), base.Add(time.Minute))
	if len(f.tr.sent) != 2 {
		t.Errorf("provider sends = %d, want 2 across minutes", len(f.tr.sent))
	}
}

func TestSchedulerTickNotDue(t *testing.T) {
	f, s := newSchedulerFixture(t)
	createSchedule(t, f, "0 3 * * *", false)

	s.tick(context.Background(), time.Date(2026, 8, 26, 9, 15, 0, 0, time.UTC))
	if len(f.tr.sent) != 0 {
		t.Errorf("provider sends = %d, want 0 when not due", len(f.tr.sent))
	}
}

func TestSchedulerRunOnceDisables(t *testing.T) {
	f, s := newSchedulerFixture(t)
	createSchedule(t, f, "* * * * *", true)

	s.tick(context.Background(), time.Date(2026, 8, 26, 9, 15, 0, 0, time.UTC))
	if len(f.tr.sent) != 1 {
		t.Fatalf("provider sends = %d, want 1", len(f.tr.sent))
	}

	scheds, err := f.stores.Schedules.ListEnabled(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(scheds) != 0 {
		t.Errorf("enabled schedules = %d, want 0 after run-once", len(scheds))
	}
}

func TestSchedulerBadCronSkipped(t *testing.T) {
	f, s := newSchedulerFixture(t)
	createSchedule(t, f, "not a cron", false)
	createSchedule(t, f, "* * * * *", false)

	s.tick(context.Background(), time.Date(2026, 8, 26, 9, 15, 0, 0, time.UTC))
	// The broken expression is skipped; the valid one still fires.
	if len(f.tr.sent) != 1 {
		t.Errorf("provider sends = %d, want 1", len(f.tr.sent))
	}
}
