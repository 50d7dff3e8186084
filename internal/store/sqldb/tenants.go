package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/flowgate/internal/store"
)

// TenantStore implements store.TenantStore over SQL.
type TenantStore struct {
	db *DB
}

func NewTenantStore(db *DB) *TenantStore {
	return &TenantStore{db: db}
}

const tenantCols = `id, name, access_token, meta_phone_number_id, business_account_id, registration_pin, created_at, updated_at`

func (s *TenantStore) Get(ctx context.Context, id uuid.UUID) (*store.Tenant, error) {
	var t store.Tenant
	q := s.db.Rebind(`SELECT ` + tenantCols + ` FROM tenants WHERE id = ?`)
	if err := s.db.GetContext(ctx, &t, q, id); err != nil {
		return nil, wrapNotFound(err, "tenant")
	}
	return &t, nil
}

func (s *TenantStore) FindByPhoneNumberID(ctx context.Context, phoneNumberID string) (*store.Tenant, error) {
	var t store.Tenant
	q := s.db.Rebind(`SELECT ` + tenantCols + ` FROM tenants WHERE meta_phone_number_id = ?`)
	if err := s.db.GetContext(ctx, &t, q, phoneNumberID); err != nil {
		return nil, wrapNotFound(err, "tenant by phone number id")
	}
	return &t, nil
}

func (s *TenantStore) First(ctx context.Context) (*store.Tenant, error) {
	var t store.Tenant
	q := `SELECT ` + tenantCols + ` FROM tenants ORDER BY created_at ASC LIMIT 1`
	if err := s.db.GetContext(ctx, &t, q); err != nil {
		return nil, wrapNotFound(err, "first tenant")
	}
	return &t, nil
}

func (s *TenantStore) Create(ctx context.Context, t *store.Tenant) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	q := s.db.Rebind(`INSERT INTO tenants (` + tenantCols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, q,
		t.ID, t.Name, t.AccessToken, t.MetaPhoneNumberID, t.BusinessAccountID,
		t.RegistrationPIN, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

// wrapNotFound maps sql.ErrNoRows to the store sentinel.
func wrapNotFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", what, err)
}
