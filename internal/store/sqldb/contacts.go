package sqldb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/nextlevelbuilder/flowgate/internal/store"
)

// ContactStore implements store.ContactStore over SQL.
type ContactStore struct {
	db *DB
}

func NewContactStore(db *DB) *ContactStore {
	return &ContactStore{db: db}
}

const contactCols = `id, tenant_id, phone, name, tag, created_at, updated_at`

func (s *ContactStore) Get(ctx context.Context, id uuid.UUID) (*store.Contact, error) {
	var c store.Contact
	q := s.db.Rebind(`SELECT ` + contactCols + ` FROM contacts WHERE id = ?`)
	if err := s.db.GetContext(ctx, &c, q, id); err != nil {
		return nil, wrapNotFound(err, "contact")
	}
	return &c, nil
}

func (s *ContactStore) FindByPhone(ctx context.Context, tenantID uuid.UUID, phone string) (*store.Contact, error) {
	var c store.Contact
	q := s.db.Rebind(`SELECT ` + contactCols + ` FROM contacts WHERE tenant_id = ? AND phone = ?`)
	if err := s.db.GetContext(ctx, &c, q, tenantID, phone); err != nil {
		return nil, wrapNotFound(err, "contact by phone")
	}
	return &c, nil
}

func (s *ContactStore) Upsert(ctx context.Context, c *store.Contact) (*store.Contact, error) {
	existing, err := s.FindByPhone(ctx, c.TenantID, c.Phone)
	if err == nil {
		if c.Name != "" && c.Name != existing.Name {
			now := time.Now().UTC()
			q := s.db.Rebind(`UPDATE contacts SET name = ?, updated_at = ? WHERE id = ?`)
			if _, uerr := s.db.ExecContext(ctx, q, c.Name, now, existing.ID); uerr != nil {
				return nil, fmt.Errorf("refresh contact name: %w", uerr)
			}
			existing.Name = c.Name
			existing.UpdatedAt = now
		}
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	q := s.db.Rebind(`INSERT INTO contacts (` + contactCols + `) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, q,
		c.ID, c.TenantID, c.Phone, c.Name, c.Tag, c.CreatedAt, c.UpdatedAt); err != nil {
		// Lost an insert race on (tenant_id, phone); take the winner.
		if winner, ferr := s.FindByPhone(ctx, c.TenantID, c.Phone); ferr == nil {
			return winner, nil
		}
		return nil, fmt.Errorf("insert contact: %w", err)
	}
	return c, nil
}

func (s *ContactStore) List(ctx context.Context, tenantID uuid.UUID, f store.ContactFilter) ([]*store.Contact, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + contactCols + ` FROM contacts WHERE tenant_id = ?`)
	args := []any{tenantID}

	if f.Tag != "" {
		sb.WriteString(` AND tag = ?`)
		args = append(args, f.Tag)
	}
	if len(f.IDs) > 0 {
		q, inArgs, err := sqlx.In(` AND id IN (?)`, f.IDs)
		if err != nil {
			return nil, fmt.Errorf("expand contact id filter: %w", err)
		}
		sb.WriteString(q)
		args = append(args, inArgs...)
	}
	sb.WriteString(` ORDER BY created_at ASC`)

	var out []*store.Contact
	if err := s.db.SelectContext(ctx, &out, s.db.Rebind(sb.String()), args...); err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	return out, nil
}
