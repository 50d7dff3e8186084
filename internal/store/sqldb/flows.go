package sqldb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/flowgate/internal/flow"
	"github.com/nextlevelbuilder/flowgate/internal/store"
)

// FlowStore implements store.FlowStore over SQL. The graph definition is
// stored as a JSON column and decoded on read.
type FlowStore struct {
	db *DB
}

func NewFlowStore(db *DB) *FlowStore {
	return &FlowStore{db: db}
}

type flowRow struct {
	store.Flow
	DefinitionJSON []byte `db:"definition"`
}

func (r *flowRow) toFlow() (*store.Flow, error) {
	f := r.Flow
	if len(r.DefinitionJSON) > 0 {
		var g flow.Graph
		if err := json.Unmarshal(r.DefinitionJSON, &g); err != nil {
			return nil, fmt.Errorf("decode flow %s definition: %w", f.ID, err)
		}
		f.Definition = g
	}
	return &f, nil
}

const flowCols = `id, tenant_id, name, "trigger", status, channel, definition, created_at, updated_at`

func (s *FlowStore) Get(ctx context.Context, id uuid.UUID) (*store.Flow, error) {
	var r flowRow
	q := s.db.Rebind(`SELECT ` + flowCols + ` FROM flows WHERE id = ?`)
	if err := s.db.GetContext(ctx, &r, q, id); err != nil {
		return nil, wrapNotFound(err, "flow")
	}
	return r.toFlow()
}

func (s *FlowStore) ListActive(ctx context.Context, tenantID uuid.UUID, channel string) ([]*store.Flow, error) {
	q := `SELECT ` + flowCols + ` FROM flows WHERE tenant_id = ? AND status = ?`
	args := []any{tenantID, store.FlowActive}
	if channel != "" {
		q += ` AND channel = ?`
		args = append(args, channel)
	}
	q += ` ORDER BY updated_at DESC`

	var rows []flowRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list active flows: %w", err)
	}
	out := make([]*store.Flow, 0, len(rows))
	for i := range rows {
		f, err := rows[i].toFlow()
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (s *FlowStore) Create(ctx context.Context, f *store.Flow) error {
	def, err := json.Marshal(f.Definition)
	if err != nil {
		return fmt.Errorf("encode flow definition: %w", err)
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
	q := s.db.Rebind(`INSERT INTO flows (` + flowCols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		f.ID, f.TenantID, f.Name, f.Trigger, f.Status, f.Channel, def,
		f.CreatedAt, f.UpdatedAt); err != nil {
		return fmt.Errorf("insert flow: %w", err)
	}
	return nil
}

func (s *FlowStore) Update(ctx context.Context, f *store.Flow) error {
	def, err := json.Marshal(f.Definition)
	if err != nil {
		return fmt.Errorf("encode flow definition: %w", err)
	}
	f.UpdatedAt = time.Now().UTC()
	q := s.db.Rebind(`UPDATE flows
		SET name = ?, "trigger" = ?, status = ?, channel = ?, definition = ?, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q,
		f.Name, f.Trigger, f.Status, f.Channel, def, f.UpdatedAt, f.ID)
	if err != nil {
		return fmt.Errorf("update flow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
