// Package mem is the in-memory storage backend. It backs unit tests and
// ephemeral runs; every method is safe for concurrent use.
package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/flowgate/internal/store"
)

// New returns Stores backed by process memory.
func New() *store.Stores {
	db := &db{
		tenants:    make(map[uuid.UUID]*store.Tenant),
		contacts:   make(map[uuid.UUID]*store.Contact),
		flows:      make(map[uuid.UUID]*store.Flow),
		sessions:   make(map[uuid.UUID]*store.Session),
		broadcasts: make(map[uuid.UUID]*store.Broadcast),
		schedules:  make(map[uuid.UUID]*store.BroadcastSchedule),
	}
	return &store.Stores{
		Tenants:    (*tenantStore)(db),
		Contacts:   (*contactStore)(db),
		Flows:      (*flowStore)(db),
		Sessions:   (*sessionStore)(db),
		Broadcasts: (*broadcastStore)(db),
		Messages:   (*messageStore)(db),
		Schedules:  (*scheduleStore)(db),
	}
}

type db struct {
	mu         sync.RWMutex
	tenants    map[uuid.UUID]*store.Tenant
	contacts   map[uuid.UUID]*store.Contact
	flows      map[uuid.UUID]*store.Flow
	sessions   map[uuid.UUID]*store.Session
	broadcasts map[uuid.UUID]*store.Broadcast
	recipients []*store.BroadcastRecipient
	messages   []*store.Message
	schedules  map[uuid.UUID]*store.BroadcastSchedule
}

type (
	tenantStore    db
	contactStore   db
	flowStore      db
	sessionStore   db
	broadcastStore db
	messageStore   db
	scheduleStore  db
)

// --- tenants ---

func (s *tenantStore) Get(_ context.Context, id uuid.UUID) (*store.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *tenantStore) FindByPhoneNumberID(_ context.Context, phoneNumberID string) (*store.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tenants {
		if t.MetaPhoneNumberID == phoneNumberID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *tenantStore) First(_ context.Context) (*store.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var first *store.Tenant
	for _, t := range s.tenants {
		if first == nil || t.CreatedAt.Before(first.CreatedAt) {
			first = t
		}
	}
	if first == nil {
		return nil, store.ErrNotFound
	}
	cp := *first
	return &cp, nil
}

func (s *tenantStore) Create(_ context.Context, t *store.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	s.tenants[t.ID] = &cp
	return nil
}

// --- contacts ---

func (s *contactStore) Get(_ context.Context, id uuid.UUID) (*store.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *contactStore) FindByPhone(_ context.Context, tenantID uuid.UUID, phone string) (*store.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.contacts {
		if c.TenantID == tenantID && c.Phone == phone {
			cp := *c
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *contactStore) Upsert(_ context.Context, c *store.Contact) (*store.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, existing := range s.contacts {
		if existing.TenantID == c.TenantID && existing.Phone == c.Phone {
			if c.Name != "" && c.Name != existing.Name {
				existing.Name = c.Name
				existing.UpdatedAt = now
			}
			cp := *existing
			return &cp, nil
		}
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	s.contacts[c.ID] = &cp
	out := cp
	return &out, nil
}

func (s *contactStore) List(_ context.Context, tenantID uuid.UUID, f store.ContactFilter) ([]*store.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[uuid.UUID]bool, len(f.IDs))
	for _, id := range f.IDs {
		wanted[id] = true
	}

	var out []*store.Contact
	for _, c := range s.contacts {
		if c.TenantID != tenantID {
			continue
		}
		if f.Tag != "" && c.Tag != f.Tag {
			continue
		}
		if len(f.IDs) > 0 && !wanted[c.ID] {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- flows ---

func (s *flowStore) Get(_ context.Context, id uuid.UUID) (*store.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *flowStore) ListActive(_ context.Context, tenantID uuid.UUID, channel string) ([]*store.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.Flow
	for _, f := range s.flows {
		if f.TenantID != tenantID || f.Status != store.FlowActive {
			continue
		}
		if channel != "" && f.Channel != channel {
			continue
		}
		cp := *f
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out, nil
}

func (s *flowStore) Create(_ context.Context, f *store.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = now
	}
	cp := *f
	s.flows[f.ID] = &cp
	return nil
}

func (s *flowStore) Update(_ context.Context, f *store.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[f.ID]; !ok {
		return store.ErrNotFound
	}
	f.UpdatedAt = time.Now().UTC()
	cp := *f
	s.flows[f.ID] = &cp
	return nil
}

// --- sessions ---

func copySession(in *store.Session) *store.Session {
	cp := *in
	if in.Context != nil {
		cp.Context = make(map[string]any, len(in.Context))
		for k, v := range in.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}

func (s *sessionStore) Get(_ context.Context, id uuid.UUID) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copySession(sess), nil
}

func (s *sessionStore) FindByContactFlow(_ context.Context, contactID, flowID uuid.UUID) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.ContactID == contactID && sess.FlowID == flowID {
			return copySession(sess), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *sessionStore) FindLatestOpen(_ context.Context, contactID uuid.UUID) (*store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *store.Session
	for _, sess := range s.sessions {
		if sess.ContactID != contactID || !sess.Status.Open() {
			continue
		}
		if latest == nil || sess.UpdatedAt.After(latest.UpdatedAt) {
			latest = sess
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	return copySession(latest), nil
}

func (s *sessionStore) Upsert(_ context.Context, in *store.Session) (*store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, sess := range s.sessions {
		if sess.ContactID == in.ContactID && sess.FlowID == in.FlowID {
			sess.Status = in.Status
			sess.CurrentNodeID = in.CurrentNodeID
			sess.Context = in.Context
			sess.UpdatedAt = now
			return copySession(sess), nil
		}
	}
	in.CreatedAt = now
	in.UpdatedAt = now
	s.sessions[in.ID] = copySession(in)
	return copySession(in), nil
}

func (s *sessionStore) Update(_ context.Context, id uuid.UUID, upd store.SessionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	if upd.Status != nil {
		sess.Status = *upd.Status
	}
	if upd.CurrentNodeID != nil {
		sess.CurrentNodeID = *upd.CurrentNodeID
	}
	if upd.Context != nil {
		cp := make(map[string]any, len(upd.Context))
		for k, v := range upd.Context {
			cp[k] = v
		}
		sess.Context = cp
	}
	sess.UpdatedAt = time.Now().UTC()
	return nil
}

// --- broadcasts ---

func (s *broadcastStore) Get(_ context.Context, id uuid.UUID) (*store.Broadcast, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (s *broadcastStore) Create(_ context.Context, b *store.Broadcast) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	cp := *b
	s.broadcasts[b.ID] = &cp
	return nil
}

func (s *broadcastStore) SetStatus(_ context.Context, id uuid.UUID, status store.BroadcastStatus, successCount, failureCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return store.ErrNotFound
	}
	b.Status = status
	b.SuccessCount = successCount
	b.FailureCount = failureCount
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *broadcastStore) AddCounts(_ context.Context, id uuid.UUID, successDelta, failureDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return store.ErrNotFound
	}
	b.SuccessCount += successDelta
	b.FailureCount += failureDelta
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *broadcastStore) CreateRecipients(_ context.Context, rs []*store.BroadcastRecipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rs {
		cp := *r
		s.recipients = append(s.recipients, &cp)
	}
	return nil
}

func (s *broadcastStore) ListRecipients(_ context.Context, broadcastID uuid.UUID) ([]*store.BroadcastRecipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.BroadcastRecipient
	for _, r := range s.recipients {
		if r.BroadcastID == broadcastID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *broadcastStore) UpdateRecipient(_ context.Context, id uuid.UUID, upd store.RecipientUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.recipients {
		if r.ID != id {
			continue
		}
		if upd.Status != nil {
			r.Status = *upd.Status
		}
		if upd.SentAt != nil {
			r.SentAt = upd.SentAt
		}
		if upd.StatusUpdatedAt != nil {
			r.StatusUpdatedAt = *upd.StatusUpdatedAt
		}
		if upd.MessageID != nil {
			r.MessageID = *upd.MessageID
		}
		if upd.ConversationID != nil {
			r.ConversationID = *upd.ConversationID
		}
		if upd.Error != nil {
			r.Error = *upd.Error
		}
		return nil
	}
	return store.ErrNotFound
}

func (s *broadcastStore) FindRecipientByMessageID(_ context.Context, tenantID uuid.UUID, messageID string) (*store.BroadcastRecipient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if messageID == "" {
		return nil, store.ErrNotFound
	}
	for _, r := range s.recipients {
		if r.MessageID != messageID {
			continue
		}
		b, ok := s.broadcasts[r.BroadcastID]
		if !ok || b.TenantID != tenantID {
			continue
		}
		cp := *r
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

// --- messages ---

func (s *messageStore) Append(_ context.Context, m *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cp := *m
	s.messages = append(s.messages, &cp)
	return nil
}

func (s *messageStore) LatestOutbound(_ context.Context, sessionID uuid.UUID) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.SessionID == sessionID && m.Direction == "out" {
			cp := *m
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// --- schedules ---

func (s *scheduleStore) Create(_ context.Context, sched *store.BroadcastSchedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}
	cp := *sched
	s.schedules[sched.ID] = &cp
	return nil
}

func (s *scheduleStore) ListEnabled(_ context.Context) ([]*store.BroadcastSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.BroadcastSchedule
	for _, sched := range s.schedules {
		if sched.Enabled {
			cp := *sched
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *scheduleStore) MarkRun(_ context.Context, id uuid.UUID, at time.Time, disable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return store.ErrNotFound
	}
	sched.LastRunAt = &at
	if disable {
		sched.Enabled = false
	}
	return nil
}
