package sqldb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/flowgate/internal/store"
)

// BroadcastStore implements store.BroadcastStore over SQL.
type BroadcastStore struct {
	db *DB
}

func NewBroadcastStore(db *DB) *BroadcastStore {
	return &BroadcastStore{db: db}
}

const broadcastCols = `id, tenant_id, flow_id, title, body, filter_tag, status,
	total_recipients, success_count, failure_count, created_at, updated_at`

const recipientCols = `id, broadcast_id, contact_id, status, sent_at,
	status_updated_at, message_id, conversation_id, error, created_at`

func (s *BroadcastStore) Get(ctx context.Context, id uuid.UUID) (*store.Broadcast, error) {
	var b store.Broadcast
	q := s.db.Rebind(`SELECT ` + broadcastCols + ` FROM broadcasts WHERE id = ?`)
	if err := s.db.GetContext(ctx, &b, q, id); err != nil {
		return nil, wrapNotFound(err, "broadcast")
	}
	return &b, nil
}

func (s *BroadcastStore) Create(ctx context.Context, b *store.Broadcast) error {
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	q := s.db.Rebind(`INSERT INTO broadcasts (` + broadcastCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		b.ID, b.TenantID, b.FlowID, b.Title, b.Body, b.FilterTag, b.Status,
		b.TotalRecipients, b.SuccessCount, b.FailureCount, b.CreatedAt, b.UpdatedAt); err != nil {
		return fmt.Errorf("insert broadcast: %w", err)
	}
	return nil
}

func (s *BroadcastStore) SetStatus(ctx context.Context, id uuid.UUID, status store.BroadcastStatus, successCount, failureCount int) error {
	q := s.db.Rebind(`UPDATE broadcasts
		SET status = ?, success_count = ?, failure_count = ?, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, status, successCount, failureCount, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set broadcast status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *BroadcastStore) AddCounts(ctx context.Context, id uuid.UUID, successDelta, failureDelta int) error {
	// Increment in SQL so concurrent reconciliations never lose updates.
	q := s.db.Rebind(`UPDATE broadcasts
		SET success_count = success_count + ?, failure_count = failure_count + ?, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, successDelta, failureDelta, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("adjust broadcast counts: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *BroadcastStore) CreateRecipients(ctx context.Context, rs []*store.BroadcastRecipient) error {
	if len(rs) == 0 {
		return nil
	}
	q := s.db.Rebind(`INSERT INTO broadcast_recipients (` + recipientCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for _, r := range rs {
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now().UTC()
		}
		if r.StatusUpdatedAt.IsZero() {
			r.StatusUpdatedAt = r.CreatedAt
		}
		if _, err := s.db.ExecContext(ctx, q,
			r.ID, r.BroadcastID, r.ContactID, r.Status, r.SentAt,
			r.StatusUpdatedAt, r.MessageID, r.ConversationID, r.Error, r.CreatedAt); err != nil {
			return fmt.Errorf("insert recipient: %w", err)
		}
	}
	return nil
}

func (s *BroadcastStore) ListRecipients(ctx context.Context, broadcastID uuid.UUID) ([]*store.BroadcastRecipient, error) {
	var out []*store.BroadcastRecipient
	q := s.db.Rebind(`SELECT ` + recipientCols + ` FROM broadcast_recipients
		WHERE broadcast_id = ? ORDER BY created_at ASC, id ASC`)
	if err := s.db.SelectContext(ctx, &out, q, broadcastID); err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	return out, nil
}

func (s *BroadcastStore) UpdateRecipient(ctx context.Context, id uuid.UUID, upd store.RecipientUpdate) error {
	var sets []string
	var args []any

	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *upd.Status)
	}
	if upd.SentAt != nil {
		sets = append(sets, "sent_at = ?")
		args = append(args, *upd.SentAt)
	}
	if upd.StatusUpdatedAt != nil {
		sets = append(sets, "status_updated_at = ?")
		args = append(args, *upd.StatusUpdatedAt)
	}
	if upd.MessageID != nil {
		sets = append(sets, "message_id = ?")
		args = append(args, *upd.MessageID)
	}
	if upd.ConversationID != nil {
		sets = append(sets, "conversation_id = ?")
		args = append(args, *upd.ConversationID)
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *upd.Error)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	q := s.db.Rebind(`UPDATE broadcast_recipients SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *BroadcastStore) FindRecipientByMessageID(ctx context.Context, tenantID uuid.UUID, messageID string) (*store.BroadcastRecipient, error) {
	if messageID == "" {
		return nil, store.ErrNotFound
	}
	var r store.BroadcastRecipient
	q := s.db.Rebind(`SELECT r.id, r.broadcast_id, r.contact_id, r.status, r.sent_at,
		r.status_updated_at, r.message_id, r.conversation_id, r.error, r.created_at
		FROM broadcast_recipients r
		JOIN broadcasts b ON b.id = r.broadcast_id
		WHERE b.tenant_id = ? AND r.message_id = ?`)
	if err := s.db.GetContext(ctx, &r, q, tenantID, messageID); err != nil {
		return nil, wrapNotFound(err, "recipient by message id")
	}
	return &r, nil
}
