package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/flowgate/internal/store"
	"github.com/nextlevelbuilder/flowgate/internal/store/mem"
)

type reconcileFixture struct {
	stores    *store.Stores
	r         *Reconciler
	tenantID  uuid.UUID
	broadcast *store.Broadcast
	recipient *store.BroadcastRecipient
}

func newReconcileFixture(t *testing.T, initial store.RecipientStatus) *reconcileFixture {
	t.Helper()
	ctx := context.Background()
	stores := mem.New()

	tenantID := store.NewID()
	b := &store.Broadcast{
		ID: store.NewID(), TenantID: tenantID, FlowID: store.NewID(),
		Status: store.BroadcastProcessing, TotalRecipients: 1,
	}
	if err := stores.Broadcasts.Create(ctx, b); err != nil {
		t.Fatal(err)
	}
	rec := &store.BroadcastRecipient{
		ID: store.NewID(), BroadcastID: b.ID, ContactID: store.NewID(),
		Status: initial, MessageID: "wamid.bc.1",
	}
	if err := stores.Broadcasts.CreateRecipients(ctx, []*store.BroadcastRecipient{rec}); err != nil {
		t.Fatal(err)
	}
	return &reconcileFixture{
		stores: stores, r: NewReconciler(stores),
		tenantID: tenantID, broadcast: b, recipient: rec,
	}
}

func (f *reconcileFixture) apply(t *testing.T, su StatusUpdate) {
	t.Helper()
	if err := f.r.Apply(context.Background(), f.tenantID, su); err != nil {
		t.Fatalf("Apply(%+v) = %v, want nil", su, err)
	}
}

func (f *reconcileFixture) state(t *testing.T) (*store.Broadcast, *store.BroadcastRecipient) {
	t.Helper()
	ctx := context.Background()
	b, err := f.stores.Broadcasts.Get(ctx, f.broadcast.ID)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := f.stores.Broadcasts.FindRecipientByMessageID(ctx, f.tenantID, "wamid.bc.1")
	if err != nil {
		t.Fatal(err)
	}
	return b, rec
}

func TestApplyLifecycleDeltas(t *testing.T) {
	f := newReconcileFixture(t, store.RecipientPending)

	f.apply(t, StatusUpdate{ID: "wamid.bc.1", Status: "sent"})
	b, rec := f.state(t)
	if rec.Status != store.RecipientSent {
		t.Fatalf("status = %s, want sent", rec.Status)
	}
	if b.SuccessCount != 1 || b.FailureCount != 0 {
		t.Errorf("counts after sent = %d/%d, want 1/0", b.SuccessCount, b.FailureCount)
	}

	// sent -> delivered -> read: all success states, counters stay put.
	f.apply(t, StatusUpdate{ID: "wamid.bc.1", Status: "delivered"})
	f.apply(t, StatusUpdate{ID: "wamid.bc.1", Status: "read"})
	b, rec = f.state(t)
	if rec.Status != store.RecipientRead {
		t.Errorf("status = %s, want read", rec.Status)
	}
	if b.SuccessCount != 1 || b.FailureCount != 0 {
		t.Errorf("counts after read = %d/%d, want 1/0", b.SuccessCount, b.FailureCount)
	}
}

func TestApplyRepeatedCallbackIdempotent(t *testing.T) {
	f := newReconcileFixture(t, store.RecipientPending)

	f.apply(t, StatusUpdate{ID: "wamid.bc.1", Status: "delivered"})
	f.apply(t, StatusUpdate{ID: "wamid.bc.1", Status: "delivered"})
	f.apply(t, StatusUpdate{ID: "wamid.bc.1", Status: "delivered"})

	b, _ := f.state(t)
	if b.SuccessCount != 1 {
		t.Errorf("success count = %d, want 1 after repeats", b.SuccessCount)
	}
}

func TestApplyFailureCapturesError(t *testing.T) {
	f := newReconcileFixture(t, store.RecipientSent)
	// Seed the counter as the runner would have after a successful send.
	ctx := context.Background()
	if err := f.stores.Broadcasts.AddCounts(ctx, f.broadcast.ID, 1, 0); err != nil {
		t.Fatal(err)
	}

	f.apply(t, StatusUpdate{
		ID: "wamid.bc.1", Status: "failed",
		Errors: []StatusError{{
			Code: 131026, Title: "Undeliverable", Message: "Message undeliverable",
			ErrorData: &struct {
				Details string `json:"details"`
			}{Details: "recipient is not a valid WhatsApp user"},
		}},
	})

	b, rec := f.state(t)
	if rec.Status != store.RecipientFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.Error != "recipient is not a valid WhatsApp user" {
		t.Errorf("error = %q, want error_data details", rec.Error)
	}
	if b.SuccessCount != 0 || b.FailureCount != 1 {
		t.Errorf("counts = %d/%d, want 0/1 after sent->failed", b.SuccessCount, b.FailureCount)
	}

	// A late delivered callback recovers the row and clears the error.
	f.apply(t, StatusUpdate{ID: "wamid.bc.1", Status: "delivered"})
	b, rec = f.state(t)
	if rec.Status != store.RecipientDelivered || rec.Error != "" {
		t.Errorf("after recovery: status=%s error=%q, want delivered with cleared error", rec.Status, rec.Error)
	}
	if b.SuccessCount != 1 || b.FailureCount != 0 {
		t.Errorf("counts after recovery = %d/%d, want 1/0", b.SuccessCount, b.FailureCount)
	}
}

func TestApplyCallbackTimestampStored(t *testing.T) {
	f := newReconcileFixture(t, store.RecipientPending)

	f.apply(t, StatusUpdate{ID: "wamid.bc.1", Status: "delivered", Timestamp: "1600000000"})

	_, rec := f.state(t)
	want := time.Unix(1600000000, 0).UTC()
	if !rec.StatusUpdatedAt.Equal(want) {
		t.Errorf("status updated at = %v, want callback timestamp %v", rec.StatusUpdatedAt, want)
	}

	// A malformed timestamp falls back to the local clock.
	before := time.Now().UTC()
	f.apply(t, StatusUpdate{ID: "wamid.bc.1", Status: "read", Timestamp: "not-epoch"})
	_, rec = f.state(t)
	if rec.StatusUpdatedAt.Before(before) {
		t.Errorf("status updated at = %v, want fallback to now", rec.StatusUpdatedAt)
	}
}

func TestApplyConversationIDStoredOnce(t *testing.T) {
	f := newReconcileFixture(t, store.RecipientPending)

	f.apply(t, StatusUpdate{
		ID: "wamid.bc.1", Status: "sent",
		Conversation: &Conversation{ID: "conv-1"},
	})
	f.apply(t, StatusUpdate{
		ID: "wamid.bc.1", Status: "delivered",
		Conversation: &Conversation{ID: "conv-2"},
	})

	_, rec := f.state(t)
	if rec.ConversationID != "conv-1" {
		t.Errorf("conversation id = %q, want first-seen conv-1", rec.ConversationID)
	}
}

func TestApplyUnknownMessageIDIgnored(t *testing.T) {
	f := newReconcileFixture(t, store.RecipientPending)

	if err := f.r.Apply(context.Background(), f.tenantID, StatusUpdate{ID: "wamid.session.traffic", Status: "read"}); err != nil {
		t.Fatalf("Apply(unknown id) = %v, want nil", err)
	}
	b, rec := f.state(t)
	if rec.Status != store.RecipientPending || b.SuccessCount != 0 {
		t.Error("unknown message id mutated broadcast state")
	}
}

func TestApplyWrongTenantIgnored(t *testing.T) {
	f := newReconcileFixture(t, store.RecipientPending)

	if err := f.r.Apply(context.Background(), store.NewID(), StatusUpdate{ID: "wamid.bc.1", Status: "read"}); err != nil {
		t.Fatalf("Apply(wrong tenant) = %v, want nil", err)
	}
	_, rec := f.state(t)
	if rec.Status != store.RecipientPending {
		t.Errorf("status = %s, want untouched pending", rec.Status)
	}
}

func TestMapStatus(t *testing.T) {
	tests := []struct {
		in   string
		want store.RecipientStatus
	}{
		{"sent", store.RecipientSent},
		{"delivered", store.RecipientDelivered},
		{"read", store.RecipientRead},
		{"failed", store.RecipientFailed},
		{"undelivered", store.RecipientFailed},
		{"deleted", store.RecipientFailed},
		{"warning", store.RecipientWarning},
		{"queued", store.RecipientPending},
		{"held_for_quality_assessment", store.RecipientStatus("Held_for_quality_assessment")},
	}
	for _, tt := range tests {
		if got := mapStatus(tt.in); got != tt.want {
			t.Errorf("mapStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStatusErrorDetail(t *testing.T) {
	withData := StatusError{Code: 1, Title: "T", Message: "M"}
	withData.ErrorData = &struct {
		Details string `json:"details"`
	}{Details: "D"}

	tests := []struct {
		name string
		e    StatusError
		want string
	}{
		{"error_data wins", withData, "D"},
		{"message next", StatusError{Code: 1, Title: "T", Message: "M"}, "M"},
		{"title next", StatusError{Code: 1, Title: "T"}, "T"},
		{"code last", StatusError{Code: 131047}, "provider error 131047"},
		{"empty", StatusError{}, ""},
	}
	for _, tt := range tests {
		if got := tt.e.Detail(); got != tt.want {
			t.Errorf("%s: Detail() = %q, want %q", tt.name, got, tt.want)
		}
	}
}
