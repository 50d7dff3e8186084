package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/flowgate/internal/store"
)

// MessageStore implements store.MessageStore over SQL.
type MessageStore struct {
	db *DB
}

func NewMessageStore(db *DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageCols = `id, tenant_id, session_id, contact_id, direction, kind, body,
	provider_message_id, conversation_id, created_at`

func (s *MessageStore) Append(ctx context.Context, m *store.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	q := s.db.Rebind(`INSERT INTO messages (` + messageCols + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		m.ID, m.TenantID, m.SessionID, m.ContactID, m.Direction, m.Kind, m.Body,
		m.ProviderMessageID, m.ConversationID, m.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *MessageStore) LatestOutbound(ctx context.Context, sessionID uuid.UUID) (*store.Message, error) {
	var m store.Message
	q := s.db.Rebind(`SELECT ` + messageCols + ` FROM messages
		WHERE session_id = ? AND direction = 'out'
		ORDER BY created_at DESC, id DESC LIMIT 1`)
	if err := s.db.GetContext(ctx, &m, q, sessionID); err != nil {
		return nil, wrapNotFound(err, "latest outbound message")
	}
	return &m, nil
}
