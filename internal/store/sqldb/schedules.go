package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/flowgate/internal/store"
)

// ScheduleStore implements store.ScheduleStore over SQL.
type ScheduleStore struct {
	db *DB
}

func NewScheduleStore(db *DB) *ScheduleStore {
	return &ScheduleStore{db: db}
}

const scheduleCols = `id, tenant_id, flow_id, title, body, filter_tag, cron_expr,
	run_once, enabled, last_run_at, created_at`

func (s *ScheduleStore) Create(ctx context.Context, sched *store.BroadcastSchedule) error {
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	q := s.db.Rebind(`INSERT INTO broadcast_schedules (` + scheduleCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		sched.ID, sched.TenantID, sched.FlowID, sched.Title, sched.Body,
		sched.FilterTag, sched.CronExpr, sched.RunOnce, sched.Enabled,
		sched.LastRunAt, sched.CreatedAt); err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	return nil
}

func (s *ScheduleStore) ListEnabled(ctx context.Context) ([]*store.BroadcastSchedule, error) {
	var out []*store.BroadcastSchedule
	q := s.db.Rebind(`SELECT ` + scheduleCols + ` FROM broadcast_schedules WHERE enabled = ? ORDER BY created_at ASC`)
	if err := s.db.SelectContext(ctx, &out, q, true); err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	return out, nil
}

func (s *ScheduleStore) MarkRun(ctx context.Context, id uuid.UUID, at time.Time, disable bool) error {
	q := s.db.Rebind(`UPDATE broadcast_schedules SET last_run_at = ? WHERE id = ?`)
	args := []any{at, id}
	if disable {
		q = s.db.Rebind(`UPDATE broadcast_schedules SET last_run_at = ?, enabled = ? WHERE id = ?`)
		args = []any{at, false, id}
	}
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("mark schedule run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
