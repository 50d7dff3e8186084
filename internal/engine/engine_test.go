package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/flow"
	"github.com/nextlevelbuilder/flowgate/internal/store"
	"github.com/nextlevelbuilder/flowgate/internal/store/mem"
	"github.com/nextlevelbuilder/flowgate/internal/transport"
)

type sentMessage struct {
	to  string
	msg transport.OutboundMessage
}

// fakeTransport records sends; errs[i] (when set) is returned for call i.
type fakeTransport struct {
	sent []sentMessage
	errs map[int]error
}

func (f *fakeTransport) Send(_ context.Context, to string, msg transport.OutboundMessage) (transport.SendResult, error) {
	call := len(f.sent)
	f.sent = append(f.sent, sentMessage{to: to, msg: msg})
	if err := f.errs[call]; err != nil {
		return transport.SendResult{}, err
	}
	return transport.SendResult{MessageID: fmt.Sprintf("wamid.%d", call)}, nil
}

func node(id string, typ flow.NodeType, data string) flow.Node {
	n := flow.Node{ID: id, Type: typ}
	if data != "" {
		n.Data = json.RawMessage(data)
	}
	return n
}

type fixture struct {
	stores  *store.Stores
	engine  *Engine
	contact *store.Contact
	flow    *store.Flow
	session *store.Session
	tr      *fakeTransport
}

func newFixture(t *testing.T, g flow.Graph) *fixture {
	t.Helper()
	ctx := context.Background()
	stores := mem.New()

	tenant := &store.Tenant{ID: store.NewID(), Name: "acme", MetaPhoneNumberID: "555"}
	if err := stores.Tenants.Create(ctx, tenant); err != nil {
		t.Fatal(err)
	}
	contact, err := stores.Contacts.Upsert(ctx, &store.Contact{
		ID: store.NewID(), TenantID: tenant.ID, Phone: "51999888777", Name: "Ana",
	})
	if err != nil {
		t.Fatal(err)
	}
	fl := &store.Flow{
		ID: store.NewID(), TenantID: tenant.ID, Name: "welcome", Trigger: "hola",
		Status: store.FlowActive, Channel: "whatsapp", Definition: g,
	}
	if err := stores.Flows.Create(ctx, fl); err != nil {
		t.Fatal(err)
	}
	sess, err := stores.Sessions.Upsert(ctx, &store.Session{
		ID: store.NewID(), ContactID: contact.ID, FlowID: fl.ID,
		Status: store.SessionActive, Context: map[string]any{},
	})
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		stores:  stores,
		engine:  New(stores),
		contact: contact,
		flow:    fl,
		session: sess,
		tr:      &fakeTransport{errs: map[int]error{}},
	}
}

func (f *fixture) execute(t *testing.T, text string) error {
	t.Helper()
	return f.engine.Execute(context.Background(), Invocation{
		Session: f.session,
		Flow:    f.flow,
		Contact: f.contact,
		Text:    text,
	}, f.tr)
}

func (f *fixture) reload(t *testing.T) *store.Session {
	t.Helper()
	sess, err := f.stores.Sessions.Get(context.Background(), f.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func linearGraph() flow.Graph {
	return flow.Graph{
		Nodes: []flow.Node{
			node("t", flow.NodeTrigger, `{"keyword":"hola"}`),
			node("m", flow.NodeMessage, `{"text":"Hola {{triggerMessage}}"}`),
			node("e", flow.NodeEnd, ""),
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "t", Target: "m"},
			{ID: "e2", Source: "m", Target: "e"},
		},
	}
}

func TestExecuteLinearFlow(t *testing.T) {
	f := newFixture(t, linearGraph())

	if err := f.execute(t, "hola"); err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}

	sess := f.reload(t)
	if sess.Status != store.SessionCompleted {
		t.Errorf("session status = %s, want completed", sess.Status)
	}
	if sess.CurrentNodeID != "" {
		t.Errorf("current node = %q, want empty after completion", sess.CurrentNodeID)
	}
	if got := sess.Context["triggerMessage"]; got != "hola" {
		t.Errorf("context.triggerMessage = %v, want hola", got)
	}

	if len(f.tr.sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(f.tr.sent))
	}
	if f.tr.sent[0].msg.Text != "Hola hola" {
		t.Errorf("sent text = %q, want expanded %q", f.tr.sent[0].msg.Text, "Hola hola")
	}

	msg, err := f.stores.Messages.LatestOutbound(context.Background(), f.session.ID)
	if err != nil {
		t.Fatalf("LatestOutbound() = %v, want record", err)
	}
	if msg.ProviderMessageID != "wamid.0" || msg.Direction != "out" {
		t.Errorf("message record = %+v, want wamid.0 out", msg)
	}
}

func TestExecuteIgnoresNonMatchingTrigger(t *testing.T) {
	f := newFixture(t, linearGraph())

	if err := f.execute(t, "adios"); err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}
	if len(f.tr.sent) != 0 {
		t.Errorf("sent %d messages, want 0 for non-matching trigger", len(f.tr.sent))
	}
	if sess := f.reload(t); sess.Status != store.SessionActive {
		t.Errorf("session status = %s, want untouched active", sess.Status)
	}
}

func conditionGraph(expression string) flow.Graph {
	return flow.Graph{
		Nodes: []flow.Node{
			node("t", flow.NodeTrigger, `{"keyword":"hola"}`),
			node("a", flow.NodeAssign, `{"key":"n","value":"5"}`),
			node("c", flow.NodeCondition, fmt.Sprintf(`{"expression":%q}`, expression)),
			node("yes", flow.NodeMessage, `{"text":"big"}`),
			node("no", flow.NodeMessage, `{"text":"small"}`),
			node("e", flow.NodeEnd, ""),
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "t", Target: "a"},
			{ID: "e2", Source: "a", Target: "c"},
			{ID: "e3", Source: "c", Target: "yes", SourceHandle: "true"},
			{ID: "e4", Source: "c", Target: "no", SourceHandle: "false"},
			{ID: "e5", Source: "yes", Target: "e"},
			{ID: "e6", Source: "no", Target: "e"},
		},
	}
}

func TestExecuteConditionBranches(t *testing.T) {
	tests := []struct {
		expression string
		wantText   string
	}{
		{"Number(context.n) > 3", "big"},
		{"Number(context.n) > 9", "small"},
		// Broken expressions route to the false branch.
		{"context.n ===", "small"},
	}
	for _, tt := range tests {
		f := newFixture(t, conditionGraph(tt.expression))
		if err := f.execute(t, "hola"); err != nil {
			t.Fatalf("Execute(%q) = %v, want nil", tt.expression, err)
		}
		if len(f.tr.sent) != 1 {
			t.Fatalf("Execute(%q) sent %d messages, want 1", tt.expression, len(f.tr.sent))
		}
		if got := f.tr.sent[0].msg.Text; got != tt.wantText {
			t.Errorf("Execute(%q) sent %q, want %q", tt.expression, got, tt.wantText)
		}
	}
}

func optionsGraph() flow.Graph {
	return flow.Graph{
		Nodes: []flow.Node{
			node("t", flow.NodeTrigger, `{"keyword":"hola"}`),
			node("o", flow.NodeOptions, `{"text":"Pick one","options":["Sales","Support"]}`),
			node("m0", flow.NodeMessage, `{"text":"sales here"}`),
			node("m1", flow.NodeMessage, `{"text":"support here"}`),
			node("nm", flow.NodeMessage, `{"text":"did not catch that"}`),
			node("e", flow.NodeEnd, ""),
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "t", Target: "o"},
			{ID: "e2", Source: "o", Target: "m0", SourceHandle: "opt-0"},
			{ID: "e3", Source: "o", Target: "m1", SourceHandle: "opt-1"},
			{ID: "e4", Source: "o", Target: "nm", SourceHandle: "no-match"},
			{ID: "e5", Source: "m0", Target: "e"},
			{ID: "e6", Source: "m1", Target: "e"},
			{ID: "e7", Source: "nm", Target: "e"},
		},
	}
}

func TestExecuteOptionsSuspendAndResume(t *testing.T) {
	f := newFixture(t, optionsGraph())

	if err := f.execute(t, "hola"); err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}
	sess := f.reload(t)
	if sess.Status != store.SessionPaused || sess.CurrentNodeID != "o" {
		t.Fatalf("after options: status=%s node=%s, want paused at o", sess.Status, sess.CurrentNodeID)
	}
	if len(f.tr.sent) != 1 || f.tr.sent[0].msg.Kind != transport.KindButtons {
		t.Fatalf("options send = %+v, want one buttons message", f.tr.sent)
	}
	if got := len(f.tr.sent[0].msg.Buttons); got != 2 {
		t.Errorf("buttons = %d, want 2", got)
	}

	// Resume with the second option (case-insensitive).
	f.session = sess
	if err := f.execute(t, "  SUPPORT "); err != nil {
		t.Fatalf("resume Execute() = %v, want nil", err)
	}
	sess = f.reload(t)
	if sess.Status != store.SessionCompleted {
		t.Errorf("after resume: status = %s, want completed", sess.Status)
	}
	if got := f.tr.sent[len(f.tr.sent)-1].msg.Text; got != "support here" {
		t.Errorf("resume sent %q, want %q", got, "support here")
	}
}

func TestExecuteOptionsNoMatch(t *testing.T) {
	f := newFixture(t, optionsGraph())
	if err := f.execute(t, "hola"); err != nil {
		t.Fatal(err)
	}
	f.session = f.reload(t)

	if err := f.execute(t, "something else"); err != nil {
		t.Fatalf("resume Execute() = %v, want nil", err)
	}
	if got := f.tr.sent[len(f.tr.sent)-1].msg.Text; got != "did not catch that" {
		t.Errorf("no-match reply sent %q, want fallback branch", got)
	}
}

func TestExecuteDelayCapped(t *testing.T) {
	g := flow.Graph{
		Nodes: []flow.Node{
			node("t", flow.NodeTrigger, `{"keyword":"hola"}`),
			node("d", flow.NodeDelay, `{"seconds":120}`),
			node("e", flow.NodeEnd, ""),
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "t", Target: "d"},
			{ID: "e2", Source: "d", Target: "e"},
		},
	}
	f := newFixture(t, g)

	var slept time.Duration
	f.engine.sleep = func(_ context.Context, d time.Duration) { slept += d }

	if err := f.execute(t, "hola"); err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}
	if slept != 60*time.Second {
		t.Errorf("slept %v, want capped 60s", slept)
	}
	if sess := f.reload(t); sess.Status != store.SessionCompleted {
		t.Errorf("status = %s, want completed", sess.Status)
	}
}

func TestExecuteDelayCancelledKeepsCursor(t *testing.T) {
	g := flow.Graph{
		Nodes: []flow.Node{
			node("t", flow.NodeTrigger, `{"keyword":"hola"}`),
			node("d", flow.NodeDelay, `{"seconds":30}`),
			node("m", flow.NodeMessage, `{"text":"after the wait"}`),
			node("e", flow.NodeEnd, ""),
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "t", Target: "d"},
			{ID: "e2", Source: "d", Target: "m"},
			{ID: "e3", Source: "m", Target: "e"},
		},
	}
	f := newFixture(t, g)

	// Simulate a shutdown landing inside the wait.
	ctx, cancel := context.WithCancel(context.Background())
	f.engine.sleep = func(context.Context, time.Duration) { cancel() }

	err := f.engine.Execute(ctx, Invocation{
		Session: f.session,
		Flow:    f.flow,
		Contact: f.contact,
		Text:    "hola",
	}, f.tr)
	if err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}

	sess := f.reload(t)
	if sess.Status != store.SessionActive || sess.CurrentNodeID != "d" {
		t.Errorf("after cancelled delay: status=%s node=%s, want active at d", sess.Status, sess.CurrentNodeID)
	}
	if len(f.tr.sent) != 0 {
		t.Errorf("sent %d messages past a cancelled delay, want 0", len(f.tr.sent))
	}
}

func TestExecuteTransientSendFailureContinues(t *testing.T) {
	g := flow.Graph{
		Nodes: []flow.Node{
			node("t", flow.NodeTrigger, `{"keyword":"hola"}`),
			node("m1", flow.NodeMessage, `{"text":"first"}`),
			node("m2", flow.NodeMessage, `{"text":"second"}`),
			node("e", flow.NodeEnd, ""),
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "t", Target: "m1"},
			{ID: "e2", Source: "m1", Target: "m2"},
			{ID: "e3", Source: "m2", Target: "e"},
		},
	}
	f := newFixture(t, g)
	f.tr.errs[0] = errors.New("provider hiccup")

	if err := f.execute(t, "hola"); err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}
	if sess := f.reload(t); sess.Status != store.SessionCompleted {
		t.Errorf("status = %s, want completed despite transient failure", sess.Status)
	}
	// Both sends attempted; only the successful one is logged.
	if len(f.tr.sent) != 2 {
		t.Fatalf("sent %d, want 2 attempts", len(f.tr.sent))
	}
	msg, err := f.stores.Messages.LatestOutbound(context.Background(), f.session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Body != "second" {
		t.Errorf("logged body = %q, want second", msg.Body)
	}
}

func TestExecuteCredentialAbort(t *testing.T) {
	f := newFixture(t, linearGraph())
	f.tr.errs[0] = fmt.Errorf("%w: token expired", transport.ErrCredential)

	err := f.execute(t, "hola")
	if !errors.Is(err, ErrSendAborted) {
		t.Fatalf("Execute() = %v, want ErrSendAborted", err)
	}

	// Session is left active on the failing node for a later retry.
	sess := f.reload(t)
	if sess.Status != store.SessionActive {
		t.Errorf("status = %s, want active after credential abort", sess.Status)
	}
	if sess.CurrentNodeID != "m" {
		t.Errorf("current node = %q, want m", sess.CurrentNodeID)
	}
}

func TestExecuteCycleMarksErrored(t *testing.T) {
	g := flow.Graph{
		Nodes: []flow.Node{
			node("t", flow.NodeTrigger, `{"keyword":"hola"}`),
			node("a", flow.NodeAssign, `{"key":"x","value":"1"}`),
			node("b", flow.NodeAssign, `{"key":"y","value":"2"}`),
			node("g", flow.NodeGoto, `{"targetNodeId":"a"}`),
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "t", Target: "a"},
			{ID: "e2", Source: "a", Target: "b"},
			{ID: "e3", Source: "b", Target: "g"},
		},
	}
	f := newFixture(t, g)

	if err := f.execute(t, "hola"); err != nil {
		t.Fatalf("Execute() = %v, want nil (failure absorbed)", err)
	}
	sess := f.reload(t)
	if sess.Status != store.SessionErrored {
		t.Errorf("status = %s, want errored on cycle", sess.Status)
	}
	// The reason lands in the context for callers that report it.
	if v, _ := sess.Context["lastError"].(string); v == "" {
		t.Errorf("context.lastError = %v, want the cycle error", sess.Context["lastError"])
	}
}

func TestExecuteGotoMissingTargetCompletes(t *testing.T) {
	g := flow.Graph{
		Nodes: []flow.Node{
			node("t", flow.NodeTrigger, `{"keyword":"hola"}`),
			node("g", flow.NodeGoto, `{"targetNodeId":"nowhere"}`),
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "t", Target: "g"},
		},
	}
	f := newFixture(t, g)

	if err := f.execute(t, "hola"); err != nil {
		t.Fatalf("Execute() = %v, want nil", err)
	}
	if sess := f.reload(t); sess.Status != store.SessionCompleted {
		t.Errorf("status = %s, want completed on dead end", sess.Status)
	}
}

func TestExecuteHandoffSuspends(t *testing.T) {
	g := flow.Graph{
		Nodes: []flow.Node{
			node("t", flow.NodeTrigger, `{"keyword":"hola"}`),
			node("h", flow.NodeHandoff, `{"queue":"agents"}`),
			node("e", flow.NodeEnd, ""),
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "t", Target: "h"},
			{ID: "e2", Source: "h", Target: "e"},
		},
	}
	f := newFixture(t, g)

	if err := f.execute(t, "hola"); err != nil {
		t.Fatal(err)
	}
	sess := f.reload(t)
	if sess.Status != store.SessionPaused || sess.CurrentNodeID != "h" {
		t.Fatalf("after handoff: status=%s node=%s, want paused at h", sess.Status, sess.CurrentNodeID)
	}

	// Inbound messages do not resume a handoff.
	f.session = sess
	if err := f.execute(t, "hello?"); err != nil {
		t.Fatal(err)
	}
	sess = f.reload(t)
	if sess.Status != store.SessionPaused || sess.CurrentNodeID != "h" {
		t.Errorf("after inbound during handoff: status=%s node=%s, want unchanged", sess.Status, sess.CurrentNodeID)
	}
}

func apiGraph(url string) flow.Graph {
	return flow.Graph{
		Nodes: []flow.Node{
			node("t", flow.NodeTrigger, `{"keyword":"hola"}`),
			node("api", flow.NodeAPI, fmt.Sprintf(`{"url":%q,"method":"GET","assignTo":"resp"}`, url)),
			node("m", flow.NodeMessage, `{"text":"status: {{resp.status}}{{resp.error}}"}`),
			node("e", flow.NodeEnd, ""),
		},
		Edges: []flow.Edge{
			{ID: "e1", Source: "t", Target: "api"},
			{ID: "e2", Source: "api", Target: "m"},
			{ID: "e3", Source: "m", Target: "e"},
		},
	}
}

func TestExecuteAPINode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ready"})
	}))
	defer srv.Close()

	f := newFixture(t, apiGraph(srv.URL))
	if err := f.execute(t, "hola"); err != nil {
		t.Fatal(err)
	}
	if got := f.tr.sent[0].msg.Text; got != "status: ready" {
		t.Errorf("sent %q, want API result expanded", got)
	}
}

func TestExecuteAPINodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newFixture(t, apiGraph(srv.URL))
	if err := f.execute(t, "hola"); err != nil {
		t.Fatal(err)
	}
	// Flow continues; the error marker lands at assignTo.
	if got := f.tr.sent[0].msg.Text; got != "status: API call failed" {
		t.Errorf("sent %q, want failure marker expanded", got)
	}
	if sess := f.reload(t); sess.Status != store.SessionCompleted {
		t.Errorf("status = %s, want completed", sess.Status)
	}
}

func TestExecuteStepGuard(t *testing.T) {
	// A long but acyclic chain over the step budget is impossible to build
	// without unique nodes; build one programmatically.
	nodes := []flow.Node{node("t", flow.NodeTrigger, `{"keyword":"hola"}`)}
	var edges []flow.Edge
	prev := "t"
	for i := 0; i < 520; i++ {
		id := fmt.Sprintf("a%d", i)
		nodes = append(nodes, node(id, flow.NodeAssign, fmt.Sprintf(`{"key":"k%d","value":"v"}`, i)))
		edges = append(edges, flow.Edge{ID: "e" + id, Source: prev, Target: id})
		prev = id
	}
	f := newFixture(t, flow.Graph{Nodes: nodes, Edges: edges})

	if err := f.execute(t, "hola"); err != nil {
		t.Fatalf("Execute() = %v, want nil (failure absorbed)", err)
	}
	if sess := f.reload(t); sess.Status != store.SessionErrored {
		t.Errorf("status = %s, want errored past step guard", sess.Status)
	}
}
