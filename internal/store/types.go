package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/flowgate/internal/flow"
)

// Tenant owns flows, contacts, and broadcasts plus provider credentials.
type Tenant struct {
	ID                uuid.UUID `json:"id" db:"id"`
	Name              string    `json:"name" db:"name"`
	AccessToken       string    `json:"-" db:"access_token"`
	MetaPhoneNumberID string    `json:"metaPhoneNumberId" db:"meta_phone_number_id"`
	BusinessAccountID string    `json:"businessAccountId,omitempty" db:"business_account_id"`
	RegistrationPIN   string    `json:"-" db:"registration_pin"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt         time.Time `json:"updatedAt" db:"updated_at"`
}

// Contact is unique per (tenantID, phone). Phone holds decimal digits only.
type Contact struct {
	ID        uuid.UUID `json:"id" db:"id"`
	TenantID  uuid.UUID `json:"tenantId" db:"tenant_id"`
	Phone     string    `json:"phone" db:"phone"`
	Name      string    `json:"name,omitempty" db:"name"`
	Tag       string    `json:"tag,omitempty" db:"tag"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// FlowStatus is the authoring lifecycle state of a flow.
type FlowStatus string

const (
	FlowActive   FlowStatus = "active"
	FlowDraft    FlowStatus = "draft"
	FlowInactive FlowStatus = "inactive"
)

// Flow is a tenant-authored graph, dispatchable when Active on its channel.
type Flow struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	TenantID   uuid.UUID  `json:"tenantId" db:"tenant_id"`
	Name       string     `json:"name" db:"name"`
	Trigger    string     `json:"trigger" db:"trigger"` // normalized keyword or "default"
	Status     FlowStatus `json:"status" db:"status"`
	Channel    string     `json:"channel" db:"channel"` // default "whatsapp"
	Definition flow.Graph `json:"definition" db:"-"`
	CreatedAt  time.Time  `json:"createdAt" db:"created_at"`
	UpdatedAt  time.Time  `json:"updatedAt" db:"updated_at"`
}

// SessionStatus is the execution state of one contact in one flow.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionErrored   SessionStatus = "errored"
)

// Open reports whether the session can accept inbound events for resume.
func (s SessionStatus) Open() bool {
	return s == SessionActive || s == SessionPaused
}

// Session is unique per (contactID, flowID). Context is owned exclusively
// by the engine once created.
type Session struct {
	ID            uuid.UUID      `json:"id" db:"id"`
	ContactID     uuid.UUID      `json:"contactId" db:"contact_id"`
	FlowID        uuid.UUID      `json:"flowId" db:"flow_id"`
	Status        SessionStatus  `json:"status" db:"status"`
	CurrentNodeID string         `json:"currentNodeId,omitempty" db:"current_node_id"`
	Context       map[string]any `json:"context" db:"-"`
	CreatedAt     time.Time      `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time      `json:"updatedAt" db:"updated_at"`
}

// BroadcastStatus is the aggregate state of a fan-out.
type BroadcastStatus string

const (
	BroadcastProcessing      BroadcastStatus = "processing"
	BroadcastCompleted       BroadcastStatus = "completed"
	BroadcastWithErrors      BroadcastStatus = "completed_with_errors"
	BroadcastFailed          BroadcastStatus = "failed"
)

// Broadcast is a fan-out of one flow over a recipient set.
type Broadcast struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	TenantID        uuid.UUID       `json:"tenantId" db:"tenant_id"`
	FlowID          uuid.UUID       `json:"flowId" db:"flow_id"`
	Title           string          `json:"title,omitempty" db:"title"`
	Body            string          `json:"body" db:"body"`
	FilterTag       string          `json:"filterTag,omitempty" db:"filter_tag"`
	Status          BroadcastStatus `json:"status" db:"status"`
	TotalRecipients int             `json:"totalRecipients" db:"total_recipients"`
	SuccessCount    int             `json:"successCount" db:"success_count"`
	FailureCount    int             `json:"failureCount" db:"failure_count"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt       time.Time       `json:"updatedAt" db:"updated_at"`
}

// RecipientStatus tracks one broadcast row through delivery callbacks.
type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientSent      RecipientStatus = "sent"
	RecipientDelivered RecipientStatus = "delivered"
	RecipientRead      RecipientStatus = "read"
	RecipientFailed    RecipientStatus = "failed"
	RecipientWarning   RecipientStatus = "warning"
)

// Success reports whether the status counts toward successCount.
func (s RecipientStatus) Success() bool {
	return s == RecipientSent || s == RecipientDelivered || s == RecipientRead
}

// BroadcastRecipient is one row of a broadcast.
type BroadcastRecipient struct {
	ID              uuid.UUID       `json:"id" db:"id"`
	BroadcastID     uuid.UUID       `json:"broadcastId" db:"broadcast_id"`
	ContactID       uuid.UUID       `json:"contactId" db:"contact_id"`
	Status          RecipientStatus `json:"status" db:"status"`
	SentAt          *time.Time      `json:"sentAt,omitempty" db:"sent_at"`
	StatusUpdatedAt time.Time       `json:"statusUpdatedAt" db:"status_updated_at"`
	MessageID       string          `json:"messageId,omitempty" db:"message_id"` // provider id
	ConversationID  string          `json:"conversationId,omitempty" db:"conversation_id"`
	Error           string          `json:"error,omitempty" db:"error"`
	CreatedAt       time.Time       `json:"createdAt" db:"created_at"`
}

// Message is an observational log record of one inbound or outbound message.
type Message struct {
	ID                uuid.UUID `json:"id" db:"id"`
	TenantID          uuid.UUID `json:"tenantId" db:"tenant_id"`
	SessionID         uuid.UUID `json:"sessionId" db:"session_id"`
	ContactID         uuid.UUID `json:"contactId" db:"contact_id"`
	Direction         string    `json:"direction" db:"direction"` // "in" | "out"
	Kind              string    `json:"kind" db:"kind"`           // text, media, options, template, flow
	Body              string    `json:"body" db:"body"`
	ProviderMessageID string    `json:"providerMessageId,omitempty" db:"provider_message_id"`
	ConversationID    string    `json:"conversationId,omitempty" db:"conversation_id"`
	CreatedAt         time.Time `json:"createdAt" db:"created_at"`
}

// BroadcastSchedule is a cron-gated broadcast initiation.
type BroadcastSchedule struct {
	ID        uuid.UUID  `json:"id" db:"id"`
	TenantID  uuid.UUID  `json:"tenantId" db:"tenant_id"`
	FlowID    uuid.UUID  `json:"flowId" db:"flow_id"`
	Title     string     `json:"title,omitempty" db:"title"`
	Body      string     `json:"body" db:"body"`
	FilterTag string     `json:"filterTag,omitempty" db:"filter_tag"`
	CronExpr  string     `json:"cronExpr" db:"cron_expr"`
	RunOnce   bool       `json:"runOnce" db:"run_once"`
	Enabled   bool       `json:"enabled" db:"enabled"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty" db:"last_run_at"`
	CreatedAt time.Time  `json:"createdAt" db:"created_at"`
}

// NewID returns a time-ordered UUID for new entities.
func NewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}
