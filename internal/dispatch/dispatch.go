// Package dispatch routes webhook events: inbound messages to a session
// and the flow engine, delivery statuses to the broadcast reconciler.
package dispatch

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

	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/engine"
	"github.com/nextlevelbuilder/flowgate/internal/flow"
	"github.com/nextlevelbuilder/flowgate/internal/match"
	"github.com/nextlevelbuilder/flowgate/internal/store"
	"github.com/nextlevelbuilder/flowgate/internal/transport"
)

// Sender binds tenant credentials to an outbound transport. The Graph
// client implements it; tests substitute fakes.
type Sender interface {
	Bind(accessToken, phoneNumberID string) transport.Transport
}

// Dispatcher consumes webhook events for all tenants.
type Dispatcher struct {
	cfg        *config.Config
	stores     *store.Stores
	engine     *engine.Engine
	sender     Sender
	reconciler *Reconciler
	tracer     trace.Tracer
	locks      *engine.KeyedMutex
}

// New creates a dispatcher. The keyed mutex is shared with the broadcast
// runner so (contact, flow) invocations never interleave.
func New(cfg *config.Config, stores *store.Stores, eng *engine.Engine, sender Sender, locks *engine.KeyedMutex) *Dispatcher {
	return &Dispatcher{
		cfg:        cfg,
		stores:     stores,
		engine:     eng,
		sender:     sender,
		reconciler: NewReconciler(stores),
		tracer:     otel.Tracer("flowgate/dispatch"),
		locks:      locks,
	}
}

// eventObject is the payload root the Cloud API sends for this channel.
const eventObject = "whatsapp_business_account"

// ProcessEvent handles one webhook body. Per-item failures are logged and
// skipped so one bad change never blocks the rest of the batch.
func (d *Dispatcher) ProcessEvent(ctx context.Context, ev *Event) {
	ctx, span := d.tracer.Start(ctx, "dispatch.event")
	defer span.End()

	if ev.Object != eventObject {
		slog.Debug("ignoring webhook for foreign object", "object", ev.Object)
		return
	}

	for _, entry := range ev.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			tenant, err := d.resolveTenant(ctx, v.Metadata.PhoneNumberID)
			if err != nil {
				slog.Warn("webhook change for unknown phone number id",
					"phone_number_id", v.Metadata.PhoneNumberID, "error", err)
				continue
			}

			for _, su := range v.Statuses {
				if err := d.reconciler.Apply(ctx, tenant.ID, su); err != nil {
					slog.Error("status reconciliation failed",
						"tenant_id", tenant.ID, "message_id", su.ID, "error", err)
				}
			}
			for i := range v.Messages {
				if err := d.handleMessage(ctx, tenant, &v, &v.Messages[i]); err != nil {
					slog.Error("inbound message handling failed",
						"tenant_id", tenant.ID, "from", v.Messages[i].From, "error", err)
				}
			}
		}
	}
}

// resolveTenant maps the receiving phone number id to a tenant. In
// single-tenant deployments the env-pinned phone number id falls back to
// the first (oldest) tenant.
func (d *Dispatcher) resolveTenant(ctx context.Context, phoneNumberID string) (*store.Tenant, error) {
	if phoneNumberID == "" {
		return nil, fmt.Errorf("webhook metadata has no phone number id")
	}
	t, err := d.stores.Tenants.FindByPhoneNumberID(ctx, phoneNumberID)
	if err == nil {
		return t, nil
	}
	if errors.Is(err, store.ErrNotFound) && d.cfg.Provider.PhoneNumberID == phoneNumberID {
		return d.stores.Tenants.First(ctx)
	}
	return nil, err
}

func (d *Dispatcher) handleMessage(ctx context.Context, tenant *store.Tenant, v *Value, m *EventMessage) error {
	ctx, span := d.tracer.Start(ctx, "dispatch.message", trace.WithAttributes(
		attribute.String("tenant.id", tenant.ID.String()),
		attribute.String("message.type", m.Type),
	))
	defer span.End()

	phone, err := transport.NormalizePhone(m.From)
	if err != nil {
		return fmt.Errorf("sender phone: %w", err)
	}

	contact, err := d.upsertContact(ctx, tenant, v, phone)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}

	full, title, interactiveID := m.text()
	if full == "" && title == "" && interactiveID == "" {
		slog.Debug("inbound message carries no matchable content",
			"tenant_id", tenant.ID, "type", m.Type)
		return nil
	}

	sess, fl, err := d.selectSession(ctx, tenant, contact, match.Context{
		FullText:         full,
		InteractiveTitle: title,
		InteractiveID:    interactiveID,
	})
	if err != nil {
		if errors.Is(err, errNoFlow) {
			slog.Debug("no active flow for inbound message", "tenant_id", tenant.ID, "text", full)
			return nil
		}
		return err
	}

	d.logInbound(ctx, tenant, sess, contact, m, full)

	meta := &engine.Meta{Type: m.Type, RawText: full}
	if m.Interactive != nil {
		r := m.Interactive.ButtonReply
		if r == nil {
			r = m.Interactive.ListReply
		}
		if r != nil {
			meta.Interactive = &engine.InteractiveMeta{Type: m.Interactive.Type, ID: r.ID, Title: r.Title}
		}
	} else if m.Button != nil {
		meta.Interactive = &engine.InteractiveMeta{Type: "button", ID: m.Button.Payload, Title: m.Button.Text}
	}

	tr := d.sender.Bind(tenant.AccessToken, tenant.MetaPhoneNumberID)

	unlock := d.locks.Lock(contact.ID, fl.ID)
	defer unlock()

	return d.invoke(ctx, engine.Invocation{
		Session: sess,
		Flow:    fl,
		Contact: contact,
		Text:    full,
		Meta:    meta,
	}, tr)
}

// invoke runs the engine with panic containment; a panicking flow moves
// its session to Errored instead of taking down the webhook worker.
func (d *Dispatcher) invoke(ctx context.Context, inv engine.Invocation, tr transport.Transport) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("flow execution panicked", "session_id", inv.Session.ID, "panic", r)
			status := store.SessionErrored
			if uerr := d.stores.Sessions.Update(ctx, inv.Session.ID, store.SessionUpdate{Status: &status}); uerr != nil {
				slog.Error("failed to mark panicked session errored", "session_id", inv.Session.ID, "error", uerr)
			}
			err = nil
		}
	}()
	if execErr := d.engine.Execute(ctx, inv, tr); execErr != nil {
		// Credential aborts surface from the engine; for webhook traffic
		// there is no caller to retry, so log and leave the session as is.
		slog.Error("send aborted on credential failure", "session_id", inv.Session.ID, "error", execErr)
	}
	return nil
}

func (d *Dispatcher) upsertContact(ctx context.Context, tenant *store.Tenant, v *Value, phone string) (*store.Contact, error) {
	name := ""
	for _, c := range v.Contacts {
		if c.WaID == "" || c.WaID == phone {
			name = c.Profile.Name
			break
		}
	}
	return d.stores.Contacts.Upsert(ctx, &store.Contact{
		ID:       store.NewID(),
		TenantID: tenant.ID,
		Phone:    phone,
		Name:     name,
	})
}

var errNoFlow = errors.New("no matching flow")

// selectSession picks the session to run: the contact's latest open
// session wins; otherwise the keyword matcher selects a flow and the
// (contact, flow) session is created or rehydrated.
func (d *Dispatcher) selectSession(ctx context.Context, tenant *store.Tenant, contact *store.Contact, mc match.Context) (*store.Session, *store.Flow, error) {
	open, err := d.stores.Sessions.FindLatestOpen(ctx, contact.ID)
	if err == nil {
		fl, ferr := d.stores.Flows.Get(ctx, open.FlowID)
		if ferr != nil {
			return nil, nil, fmt.Errorf("load flow %s: %w", open.FlowID, ferr)
		}
		if verr := flow.Validate(&fl.Definition); verr != nil {
			return nil, nil, fmt.Errorf("flow %s definition: %w", fl.ID, verr)
		}
		return open, fl, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, nil, fmt.Errorf("find open session: %w", err)
	}

	flows, err := d.stores.Flows.ListActive(ctx, tenant.ID, "whatsapp")
	if err != nil {
		return nil, nil, fmt.Errorf("list active flows: %w", err)
	}
	if len(flows) == 0 {
		return nil, nil, errNoFlow
	}

	candidates := make([]match.Candidate, len(flows))
	for i, f := range flows {
		candidates[i] = match.Candidate{Trigger: f.Trigger, UpdatedAt: f.UpdatedAt.UnixNano()}
	}
	idx := match.Best(candidates, mc)
	if idx < 0 {
		return nil, nil, errNoFlow
	}
	fl := flows[idx]
	// Definitions written outside the CLI import path must not reach the
	// engine unchecked.
	if err := flow.Validate(&fl.Definition); err != nil {
		return nil, nil, fmt.Errorf("flow %s definition: %w", fl.ID, err)
	}

	sess, err := d.ensureSession(ctx, contact.ID, fl.ID)
	if err != nil {
		return nil, nil, err
	}
	return sess, fl, nil
}

// ensureSession returns the (contact, flow) session, rehydrating a
// finished one back to a fresh start.
func (d *Dispatcher) ensureSession(ctx context.Context, contactID, flowID uuid.UUID) (*store.Session, error) {
	sess, err := d.stores.Sessions.FindByContactFlow(ctx, contactID, flowID)
	if err == nil {
		if !sess.Status.Open() {
			status := store.SessionActive
			empty := ""
			if uerr := d.stores.Sessions.Update(ctx, sess.ID, store.SessionUpdate{
				Status:        &status,
				CurrentNodeID: &empty,
				Context:       map[string]any{},
			}); uerr != nil {
				return nil, fmt.Errorf("rehydrate session: %w", uerr)
			}
			sess.Status = status
			sess.CurrentNodeID = ""
			sess.Context = map[string]any{}
		}
		return sess, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("find session: %w", err)
	}

	return d.stores.Sessions.Upsert(ctx, &store.Session{
		ID:        store.NewID(),
		ContactID: contactID,
		FlowID:    flowID,
		Status:    store.SessionActive,
		Context:   map[string]any{},
	})
}

func (d *Dispatcher) logInbound(ctx context.Context, tenant *store.Tenant, sess *store.Session, contact *store.Contact, m *EventMessage, body string) {
	rec := &store.Message{
		ID:                store.NewID(),
		TenantID:          tenant.ID,
		SessionID:         sess.ID,
		ContactID:         contact.ID,
		Direction:         "in",
		Kind:              m.Type,
		Body:              body,
		ProviderMessageID: m.ID,
		CreatedAt:         time.Now().UTC(),
	}
	if err := d.stores.Messages.Append(ctx, rec); err != nil {
		slog.Warn("inbound message log failed", "tenant_id", tenant.ID, "error", err)
	}
}
