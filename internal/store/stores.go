package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a conditional write loses to a concurrent one.
var ErrConflict = errors.New("store: conflicting update")

// Stores is the top-level container for all storage backends.
type Stores struct {
	Tenants    TenantStore
	Contacts   ContactStore
	Flows      FlowStore
	Sessions   SessionStore
	Broadcasts BroadcastStore
	Messages   MessageStore
	Schedules  ScheduleStore
}

// TenantStore resolves tenants and their provider credentials.
type TenantStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Tenant, error)
	FindByPhoneNumberID(ctx context.Context, phoneNumberID string) (*Tenant, error)
	// First returns the oldest tenant; used for the env-pinned phone-number
	// fallback when webhook metadata resolves no tenant.
	First(ctx context.Context) (*Tenant, error)
	Create(ctx context.Context, t *Tenant) error
}

// ContactFilter narrows contact materialization for broadcasts.
type ContactFilter struct {
	Tag string      // when set, only contacts carrying this tag
	IDs []uuid.UUID // when set, only these contacts (tenant-checked)
}

// ContactStore manages contacts, unique per (tenantID, phone).
type ContactStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Contact, error)
	FindByPhone(ctx context.Context, tenantID uuid.UUID, phone string) (*Contact, error)
	// Upsert creates the contact or refreshes its name when changed.
	Upsert(ctx context.Context, c *Contact) (*Contact, error)
	List(ctx context.Context, tenantID uuid.UUID, f ContactFilter) ([]*Contact, error)
}

// FlowStore manages flow definitions.
type FlowStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Flow, error)
	// ListActive returns the tenant's Active flows on a channel,
	// most-recently-updated first.
	ListActive(ctx context.Context, tenantID uuid.UUID, channel string) ([]*Flow, error)
	Create(ctx context.Context, f *Flow) error
	Update(ctx context.Context, f *Flow) error
}

// SessionUpdate selects session fields to mutate. Nil pointers leave the
// field untouched; a pointer to the zero value clears it.
type SessionUpdate struct {
	Status        *SessionStatus
	CurrentNodeID *string
	Context       map[string]any
}

// SessionStore manages per-(contact, flow) sessions.
type SessionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	FindByContactFlow(ctx context.Context, contactID, flowID uuid.UUID) (*Session, error)
	// FindLatestOpen returns the contact's most-recently-updated
	// Active or Paused session, or ErrNotFound.
	FindLatestOpen(ctx context.Context, contactID uuid.UUID) (*Session, error)
	// Upsert creates or replaces the (contactID, flowID) session.
	Upsert(ctx context.Context, s *Session) (*Session, error)
	Update(ctx context.Context, id uuid.UUID, upd SessionUpdate) error
}

// RecipientUpdate selects broadcast-recipient fields to mutate.
type RecipientUpdate struct {
	Status          *RecipientStatus
	SentAt          *time.Time
	StatusUpdatedAt *time.Time
	MessageID       *string
	ConversationID  *string
	Error           *string // pointer to "" clears a prior error
}

// BroadcastStore manages broadcasts and their recipient rows.
type BroadcastStore interface {
	Get(ctx context.Context, id uuid.UUID) (*Broadcast, error)
	Create(ctx context.Context, b *Broadcast) error
	SetStatus(ctx context.Context, id uuid.UUID, status BroadcastStatus, successCount, failureCount int) error
	// AddCounts adjusts aggregates atomically (storage-level increment,
	// not read-modify-write) to tolerate concurrent reconciliation.
	AddCounts(ctx context.Context, id uuid.UUID, successDelta, failureDelta int) error

	CreateRecipients(ctx context.Context, rs []*BroadcastRecipient) error
	// ListRecipients returns rows in creation order.
	ListRecipients(ctx context.Context, broadcastID uuid.UUID) ([]*BroadcastRecipient, error)
	UpdateRecipient(ctx context.Context, id uuid.UUID, upd RecipientUpdate) error
	// FindRecipientByMessageID scopes the lookup to broadcasts of one tenant.
	FindRecipientByMessageID(ctx context.Context, tenantID uuid.UUID, messageID string) (*BroadcastRecipient, error)
}

// MessageStore appends observational message logs.
type MessageStore interface {
	Append(ctx context.Context, m *Message) error
	// LatestOutbound returns the session's newest outbound record,
	// or ErrNotFound.
	LatestOutbound(ctx context.Context, sessionID uuid.UUID) (*Message, error)
}

// ScheduleStore manages scheduled broadcast initiations.
type ScheduleStore interface {
	Create(ctx context.Context, s *BroadcastSchedule) error
	ListEnabled(ctx context.Context) ([]*BroadcastSchedule, error)
	// MarkRun records a run and optionally disables run-once schedules.
	MarkRun(ctx context.Context, id uuid.UUID, at time.Time, disable bool) error
}
