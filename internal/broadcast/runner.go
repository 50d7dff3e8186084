// Package broadcast fans a flow out over a recipient set and keeps the
// per-recipient delivery state that the status reconciler later updates.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/flowgate/internal/engine"
	"github.com/nextlevelbuilder/flowgate/internal/flow"
	"github.com/nextlevelbuilder/flowgate/internal/store"
	"github.com/nextlevelbuilder/flowgate/internal/transport"
)

// CredentialMessage is the recipient error recorded when a fan-out is cut
// short by a rejected access token. The wording is surfaced verbatim in
// operator UIs.
const CredentialMessage = "access token expired; reconnect in Settings"

// ErrNoRecipients is returned when the selection matches no contacts.
var ErrNoRecipients = errors.New("broadcast selection matched no contacts")

// Sender binds tenant credentials to an outbound transport.
type Sender interface {
	Bind(accessToken, phoneNumberID string) transport.Transport
}

// Request describes one broadcast initiation.
type Request struct {
	TenantID   uuid.UUID
	FlowID     uuid.UUID
	Title      string
	Body       string
	FilterTag  string      // when set, contacts carrying this tag
	ContactIDs []uuid.UUID // when set, an explicit recipient list
}

// Runner executes broadcasts sequentially per request.
type Runner struct {
	stores *store.Stores
	engine *engine.Engine
	sender Sender
	locks  *engine.KeyedMutex
	tracer trace.Tracer
}

// NewRunner creates a runner sharing the dispatcher's keyed mutex.
func NewRunner(stores *store.Stores, eng *engine.Engine, sender Sender, locks *engine.KeyedMutex) *Runner {
	return &Runner{
		stores: stores,
		engine: eng,
		sender: sender,
		locks:  locks,
		tracer: otel.Tracer("flowgate/broadcast"),
	}
}

// Run executes one broadcast to completion and returns the final record.
// Recipients are attached to the flow one by one; a credential rejection
// aborts the remainder immediately.
func (r *Runner) Run(ctx context.Context, req Request) (*store.Broadcast, error) {
	ctx, span := r.tracer.Start(ctx, "broadcast.run", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID.String()),
		attribute.String("flow.id", req.FlowID.String()),
	))
	defer span.End()

	tenant, err := r.stores.Tenants.Get(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load tenant: %w", err)
	}
	fl, err := r.stores.Flows.Get(ctx, req.FlowID)
	if err != nil {
		return nil, fmt.Errorf("load flow: %w", err)
	}
	if fl.TenantID != req.TenantID {
		return nil, fmt.Errorf("flow %s does not belong to tenant %s", req.FlowID, req.TenantID)
	}
	if err := flow.Validate(&fl.Definition); err != nil {
		return nil, fmt.Errorf("flow %s definition: %w", fl.ID, err)
	}

	contacts, err := r.stores.Contacts.List(ctx, req.TenantID, store.ContactFilter{
		Tag: req.FilterTag,
		IDs: req.ContactIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("materialize recipients: %w", err)
	}
	if len(contacts) == 0 {
		return nil, ErrNoRecipients
	}

	bc := &store.Broadcast{
		ID:              store.NewID(),
		TenantID:        req.TenantID,
		FlowID:          req.FlowID,
		Title:           req.Title,
		Body:            req.Body,
		FilterTag:       req.FilterTag,
		Status:          store.BroadcastProcessing,
		TotalRecipients: len(contacts),
		CreatedAt:       time.Now().UTC(),
	}
	if err := r.stores.Broadcasts.Create(ctx, bc); err != nil {
		return nil, fmt.Errorf("create broadcast: %w", err)
	}

	recipients := make([]*store.BroadcastRecipient, len(contacts))
	for i, c := range contacts {
		recipients[i] = &store.BroadcastRecipient{
			ID:          store.NewID(),
			BroadcastID: bc.ID,
			ContactID:   c.ID,
			Status:      store.RecipientPending,
			CreatedAt:   time.Now().UTC(),
		}
	}
	if err := r.stores.Broadcasts.CreateRecipients(ctx, recipients); err != nil {
		return nil, fmt.Errorf("create recipients: %w", err)
	}

	tr := r.sender.Bind(tenant.AccessToken, tenant.MetaPhoneNumberID)
	success, failure := 0, 0
	aborted := false

	for i, contact := range contacts {
		if aborted {
			r.markFailed(ctx, recipients[i], CredentialMessage)
			failure++
			continue
		}
		if err := ctx.Err(); err != nil {
			r.markFailed(ctx, recipients[i], "broadcast cancelled")
			failure++
			continue
		}

		sent, reason, credErr := r.attach(ctx, bc, fl, contact, tr)
		switch {
		case credErr:
			slog.Error("broadcast aborted on credential failure",
				"broadcast_id", bc.ID, "contact_id", contact.ID)
			r.markFailed(ctx, recipients[i], CredentialMessage)
			failure++
			aborted = true
		case sent != nil:
			r.markSent(ctx, recipients[i], sent)
			success++
		default:
			if reason == "" {
				reason = "flow produced no outbound message"
			}
			r.markFailed(ctx, recipients[i], reason)
			failure++
		}
	}

	status := store.BroadcastCompleted
	switch {
	case success == 0:
		status = store.BroadcastFailed
	case failure > 0:
		status = store.BroadcastWithErrors
	}
	if err := r.stores.Broadcasts.SetStatus(ctx, bc.ID, status, success, failure); err != nil {
		return nil, fmt.Errorf("finalize broadcast: %w", err)
	}
	bc.Status = status
	bc.SuccessCount = success
	bc.FailureCount = failure

	slog.Info("broadcast finished", "broadcast_id", bc.ID, "status", status,
		"total", bc.TotalRecipients, "success", success, "failure", failure)
	return bc, nil
}

// attach runs the flow for one contact. It returns the outbound record of
// the send when the run succeeded, a failure reason when the session
// errored, and whether a credential failure aborted.
func (r *Runner) attach(ctx context.Context, bc *store.Broadcast, fl *store.Flow, contact *store.Contact, tr transport.Transport) (*store.Message, string, bool) {
	sess, err := r.stores.Sessions.Upsert(ctx, &store.Session{
		ID:        store.NewID(),
		ContactID: contact.ID,
		FlowID:    fl.ID,
		Status:    store.SessionActive,
		Context: map[string]any{
			"source":          "broadcast",
			"lastBroadcastId": bc.ID.String(),
			"flowId":          fl.ID.String(),
			"flowName":        fl.Name,
			"broadcastTitle":  bc.Title,
			"attachedAt":      time.Now().UTC().Format(time.RFC3339),
			"contactId":       contact.ID.String(),
		},
	})
	if err != nil {
		slog.Error("broadcast session upsert failed", "broadcast_id", bc.ID,
			"contact_id", contact.ID, "error", err)
		return nil, "", false
	}

	unlock := r.locks.Lock(contact.ID, fl.ID)
	err = r.engine.Execute(ctx, engine.Invocation{
		Session: sess,
		Flow:    fl,
		Contact: contact,
		// The flow's own trigger keyword starts it, exactly as if the
		// contact had typed it.
		Text: fl.Trigger,
	}, tr)
	unlock()

	if err != nil {
		return nil, "", errors.Is(err, engine.ErrSendAborted)
	}

	// The engine absorbs execution failures into the session status; a
	// send that happened before the failure must not count as a success.
	if sess.Status == store.SessionErrored {
		reason := "flow execution errored"
		if v, ok := sess.Context["lastError"].(string); ok && v != "" {
			reason = v
		}
		return nil, reason, false
	}

	msg, err := r.stores.Messages.LatestOutbound(ctx, sess.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("latest outbound lookup failed", "session_id", sess.ID, "error", err)
		}
		return nil, "", false
	}
	return msg, "", false
}

func (r *Runner) markSent(ctx context.Context, rec *store.BroadcastRecipient, msg *store.Message) {
	now := time.Now().UTC()
	status := store.RecipientSent
	upd := store.RecipientUpdate{
		Status:          &status,
		SentAt:          &now,
		StatusUpdatedAt: &now,
		MessageID:       &msg.ProviderMessageID,
	}
	if msg.ConversationID != "" {
		upd.ConversationID = &msg.ConversationID
	}
	if err := r.stores.Broadcasts.UpdateRecipient(ctx, rec.ID, upd); err != nil {
		slog.Error("recipient update failed", "recipient_id", rec.ID, "error", err)
	}
}

func (r *Runner) markFailed(ctx context.Context, rec *store.BroadcastRecipient, reason string) {
	now := time.Now().UTC()
	status := store.RecipientFailed
	upd := store.RecipientUpdate{
		Status:          &status,
		StatusUpdatedAt: &now,
		Error:           &reason,
	}
	if err := r.stores.Broadcasts.UpdateRecipient(ctx, rec.ID, upd); err != nil {
		slog.Error("recipient update failed", "recipient_id", rec.ID, "error", err)
	}
}
