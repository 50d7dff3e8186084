package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/flowgate/internal/store"
)

// Reconciler folds provider delivery statuses back into broadcast
// recipient rows and their parent aggregates.
type Reconciler struct {
	stores *store.Stores
}

// NewReconciler creates a reconciler over the given stores.
func NewReconciler(stores *store.Stores) *Reconciler {
	return &Reconciler{stores: stores}
}

// mapStatus translates a provider status string to a recipient status.
// Unknown strings pass through title-cased so new provider states are
// visible without a deploy.
func mapStatus(s string) store.RecipientStatus {
	switch s {
	case "sent":
		return store.RecipientSent
	case "delivered":
		return store.RecipientDelivered
	case "read":
		return store.RecipientRead
	case "failed", "undelivered", "deleted":
		return store.RecipientFailed
	case "warning":
		return store.RecipientWarning
	case "pending", "queued":
		return store.RecipientPending
	default:
		return store.RecipientStatus(titleCase(s))
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// Apply reconciles one status callback. Unknown message ids are ignored;
// repeated callbacks for the same terminal state are idempotent because
// aggregate counters move by the delta between old and new state.
func (r *Reconciler) Apply(ctx context.Context, tenantID uuid.UUID, su StatusUpdate) error {
	rec, err := r.stores.Broadcasts.FindRecipientByMessageID(ctx, tenantID, su.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Not a broadcast message (session traffic, old data).
			return nil
		}
		return err
	}

	oldStatus := rec.Status
	newStatus := mapStatus(su.Status)
	if oldStatus == newStatus {
		return nil
	}

	at := statusTime(su.Timestamp)
	upd := store.RecipientUpdate{
		Status:          &newStatus,
		StatusUpdatedAt: &at,
	}
	if su.Conversation != nil && su.Conversation.ID != "" && rec.ConversationID == "" {
		upd.ConversationID = &su.Conversation.ID
	}
	switch {
	case newStatus == store.RecipientFailed || newStatus == store.RecipientWarning:
		detail := ""
		for _, e := range su.Errors {
			if d := e.Detail(); d != "" {
				detail = d
				break
			}
		}
		upd.Error = &detail
	case oldStatus == store.RecipientFailed:
		// Leaving Failed clears the stale error text.
		empty := ""
		upd.Error = &empty
	}

	if err := r.stores.Broadcasts.UpdateRecipient(ctx, rec.ID, upd); err != nil {
		return err
	}

	successDelta := boolToInt(newStatus.Success()) - boolToInt(oldStatus.Success())
	failureDelta := boolToInt(newStatus == store.RecipientFailed) - boolToInt(oldStatus == store.RecipientFailed)
	if successDelta != 0 || failureDelta != 0 {
		if err := r.stores.Broadcasts.AddCounts(ctx, rec.BroadcastID, successDelta, failureDelta); err != nil {
			return err
		}
	}

	slog.Debug("reconciled delivery status",
		"broadcast_id", rec.BroadcastID, "message_id", su.ID,
		"from", oldStatus, "to", newStatus)
	return nil
}

// statusTime parses the provider's epoch-seconds timestamp, falling back
// to the local clock when it is absent or malformed.
func statusTime(ts string) time.Time {
	if ts != "" {
		if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
			return time.Unix(sec, 0).UTC()
		}
	}
	return time.Now().UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
