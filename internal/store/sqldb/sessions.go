package sqldb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/flowgate/internal/store"
)

// SessionStore implements store.SessionStore over SQL. The execution
// context is stored as a JSON column.
type SessionStore struct {
	db *DB
}

func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

type sessionRow struct {
	store.Session
	ContextJSON []byte `db:"context"`
}

func (r *sessionRow) toSession() (*store.Session, error) {
	s := r.Session
	if len(r.ContextJSON) > 0 {
		if err := json.Unmarshal(r.ContextJSON, &s.Context); err != nil {
			return nil, fmt.Errorf("decode session %s context: %w", s.ID, err)
		}
	}
	if s.Context == nil {
		s.Context = make(map[string]any)
	}
	return &s, nil
}

const sessionCols = `id, contact_id, flow_id, status, current_node_id, context, created_at, updated_at`

func (s *SessionStore) Get(ctx context.Context, id uuid.UUID) (*store.Session, error) {
	var r sessionRow
	q := s.db.Rebind(`SELECT ` + sessionCols + ` FROM sessions WHERE id = ?`)
	if err := s.db.GetContext(ctx, &r, q, id); err != nil {
		return nil, wrapNotFound(err, "session")
	}
	return r.toSession()
}

func (s *SessionStore) FindByContactFlow(ctx context.Context, contactID, flowID uuid.UUID) (*store.Session, error) {
	var r sessionRow
	q := s.db.Rebind(`SELECT ` + sessionCols + ` FROM sessions WHERE contact_id = ? AND flow_id = ?`)
	if err := s.db.GetContext(ctx, &r, q, contactID, flowID); err != nil {
		return nil, wrapNotFound(err, "session by contact and flow")
	}
	return r.toSession()
}

func (s *SessionStore) FindLatestOpen(ctx context.Context, contactID uuid.UUID) (*store.Session, error) {
	var r sessionRow
	q := s.db.Rebind(`SELECT ` + sessionCols + ` FROM sessions
		WHERE contact_id = ? AND status IN (?, ?)
		ORDER BY updated_at DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &r, q, contactID, store.SessionActive, store.SessionPaused); err != nil {
		return nil, wrapNotFound(err, "latest open session")
	}
	return r.toSession()
}

func (s *SessionStore) Upsert(ctx context.Context, in *store.Session) (*store.Session, error) {
	existing, err := s.FindByContactFlow(ctx, in.ContactID, in.FlowID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	ctxJSON, merr := json.Marshal(in.Context)
	if merr != nil {
		return nil, fmt.Errorf("encode session context: %w", merr)
	}

	if existing != nil {
		q := s.db.Rebind(`UPDATE sessions
			SET status = ?, current_node_id = ?, context = ?, updated_at = ?
			WHERE id = ?`)
		if _, uerr := s.db.ExecContext(ctx, q,
			in.Status, in.CurrentNodeID, ctxJSON, now, existing.ID); uerr != nil {
			return nil, fmt.Errorf("replace session: %w", uerr)
		}
		existing.Status = in.Status
		existing.CurrentNodeID = in.CurrentNodeID
		existing.Context = in.Context
		existing.UpdatedAt = now
		return existing, nil
	}

	in.CreatedAt = now
	in.UpdatedAt = now
	q := s.db.Rebind(`INSERT INTO sessions (` + sessionCols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		in.ID, in.ContactID, in.FlowID, in.Status, in.CurrentNodeID, ctxJSON,
		in.CreatedAt, in.UpdatedAt); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return in, nil
}

func (s *SessionStore) Update(ctx context.Context, id uuid.UUID, upd store.SessionUpdate) error {
	var sets []string
	var args []any

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, *upd.CurrentNodeID)
	}
	if upd.Context != nil {
		ctxJSON, err := json.Marshal(upd.Context)
		if err != nil {
			return fmt.Errorf("encode session context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, ctxJSON)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	q := s.db.Rebind(`UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}
