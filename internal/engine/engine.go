// Package engine drives a session through its flow graph: it consumes one
// inbound event per invocation and advances node by node until the flow
// suspends (options, handoff), terminates (end, dead end), or trips a
// guard (step budget, cycle).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/flow"
	"github.com/nextlevelbuilder/flowgate/internal/match"
	"github.com/nextlevelbuilder/flowgate/internal/store"
	"github.com/nextlevelbuilder/flowgate/internal/transport"
)

// ErrSendAborted wraps a credential failure from the transport. It is the
// only error Execute surfaces; the session stays Active on the current
// node so a retry after credential repair resumes in place.
var ErrSendAborted = errors.New("send aborted: provider credentials rejected")

// InteractiveMeta describes an interactive reply on the inbound event.
type InteractiveMeta struct {
	Type  string
	ID    string
	Title string
}

// Meta is optional detail about the triggering event.
type Meta struct {
	Type        string
	RawText     string
	Interactive *InteractiveMeta
}

// Invocation bundles the hydrated state for one engine run. The caller
// guarantees no two invocations for the same session overlap.
type Invocation struct {
	Session *store.Session
	Flow    *store.Flow
	Contact *store.Contact
	Text    string
	Meta    *Meta
}

// Engine executes flow graphs. Safe for concurrent use across sessions.
type Engine struct {
	stores     *store.Stores
	httpClient *http.Client
	tracer     trace.Tracer
	sleep      func(ctx context.Context, d time.Duration)
}

// New creates an engine over the given stores.
func New(stores *store.Stores) *Engine {
	return &Engine{
		stores:     stores,
		httpClient: &http.Client{Timeout: config.APITimeout},
		tracer:     otel.Tracer("flowgate/engine"),
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Execute advances inv.Session through its flow. All failures other than
// credential aborts are absorbed: the session is moved to Errored (or the
// event is dropped) and nil is returned.
func (e *Engine) Execute(ctx context.Context, inv Invocation, tr transport.Transport) error {
	ctx, span := e.tracer.Start(ctx, "engine.execute", trace.WithAttributes(
		attribute.String("flow.id", inv.Flow.ID.String()),
		attribute.String("session.id", inv.Session.ID.String()),
	))
	defer span.End()

	err := e.run(ctx, inv, tr)
	if err == nil {
		return nil
	}
	if transport.IsCredential(err) {
		span.RecordError(err)
		// Session stays Active on the current node; the broadcast
		// runner short-circuits on this signal.
		return fmt.Errorf("%w: %v", ErrSendAborted, err)
	}

	span.RecordError(err)
	slog.Error("flow execution failed", "session_id", inv.Session.ID, "error", err)
	e.fail(ctx, inv.Session, err)
	return nil
}

func (e *Engine) run(ctx context.Context, inv Invocation, tr transport.Transport) error {
	sess := inv.Session
	g := &inv.Flow.Definition
	if sess.Context == nil {
		sess.Context = make(map[string]any)
	}

	node, proceed, err := e.entryNode(ctx, inv, g)
	if err != nil || !proceed {
		return err
	}

	visited := make(map[string]bool)
	steps := 0

	for node != nil {
		steps++
		if steps > config.SafeMaxSteps {
			return fmt.Errorf("step guard exceeded at node %s", node.ID)
		}
		if visited[node.ID] {
			return fmt.Errorf("cycle detected: node %s revisited", node.ID)
		}
		visited[node.ID] = true

		// Durable progress before the node runs: the next invocation
		// must see exactly this context and cursor.
		if err := e.persistProgress(ctx, sess, node.ID); err != nil {
			return fmt.Errorf("persist progress at node %s: %w", node.ID, err)
		}

		res, err := e.execNode(ctx, inv, g, node, tr)
		if err != nil {
			return fmt.Errorf("node %s (%s): %w", node.ID, node.Type, err)
		}
		if res.suspend || res.terminal {
			return nil
		}

		next := res.next
		if next == "" {
			next = g.DefaultNext(node.ID)
		}
		if next == "" {
			slog.Debug("flow reached a dead end", "session_id", sess.ID, "node_id", node.ID)
			return e.complete(ctx, sess)
		}
		node = g.NodeByID(next)
		if node == nil {
			slog.Warn("edge targets a missing node, completing session",
				"session_id", sess.ID, "target", next)
			return e.complete(ctx, sess)
		}
	}
	return e.complete(ctx, sess)
}

// entryNode applies the entry logic: resume a paused options node, hold a
// paused handoff, or match the trigger for a fresh/active session. The
// second return is false when the event should be ignored.
func (e *Engine) entryNode(ctx context.Context, inv Invocation, g *flow.Graph) (*flow.Node, bool, error) {
	sess := inv.Session

	if sess.Status == store.SessionPaused && sess.CurrentNodeID != "" {
		current := g.NodeByID(sess.CurrentNodeID)
		if current == nil {
			slog.Warn("paused session points at a missing node, completing",
				"session_id", sess.ID, "node_id", sess.CurrentNodeID)
			return nil, false, e.complete(ctx, sess)
		}
		switch current.Type {
		case flow.NodeOptions:
			return e.resumeOptions(ctx, inv, g, current)
		case flow.NodeHandoff:
			// An external system resumes handoffs; do not consume.
			slog.Debug("session paused on handoff, ignoring inbound", "session_id", sess.ID)
			return nil, false, nil
		}
	}

	trigger := g.TriggerNode()
	if trigger == nil {
		return nil, false, fmt.Errorf("flow %s has no trigger node", inv.Flow.ID)
	}
	data, err := flow.Decode[flow.TriggerData](trigger)
	if err != nil {
		return nil, false, err
	}

	mc := match.Context{FullText: inv.Text}
	if inv.Meta != nil && inv.Meta.Interactive != nil {
		mc.InteractiveTitle = inv.Meta.Interactive.Title
		mc.InteractiveID = inv.Meta.Interactive.ID
	}
	if !match.Triggered(data.Keyword, mc) {
		slog.Debug("trigger keyword did not match, ignoring inbound",
			"session_id", sess.ID, "keyword", data.Keyword)
		return nil, false, nil
	}

	sess.Context["triggerMessage"] = inv.Text
	status := store.SessionActive
	sess.Status = status
	if err := e.stores.Sessions.Update(ctx, sess.ID, store.SessionUpdate{
		Status:  &status,
		Context: sess.Context,
	}); err != nil {
		return nil, false, fmt.Errorf("persist trigger context: %w", err)
	}
	return trigger, true, nil
}

// resumeOptions matches the reply against the paused options node and
// picks the opt-<i> or no-match arc.
func (e *Engine) resumeOptions(ctx context.Context, inv Invocation, g *flow.Graph, node *flow.Node) (*flow.Node, bool, error) {
	sess := inv.Session
	data, err := flow.Decode[flow.OptionsData](node)
	if err != nil {
		return nil, false, err
	}

	reply := normalizeOption(inv.Text)
	handle := flow.HandleNoMatch
	for i, opt := range data.Options {
		if normalizeOption(opt) == reply {
			handle = flow.OptionHandle(i)
			break
		}
	}

	edge := g.EdgeByHandle(node.ID, handle)
	if edge == nil && handle != flow.HandleNoMatch {
		edge = g.EdgeByHandle(node.ID, flow.HandleNoMatch)
	}
	if edge == nil {
		slog.Debug("options node has no arc for reply, completing",
			"session_id", sess.ID, "node_id", node.ID, "reply", inv.Text)
		return nil, false, e.complete(ctx, sess)
	}

	status := store.SessionActive
	sess.Status = status
	if err := e.stores.Sessions.Update(ctx, sess.ID, store.SessionUpdate{Status: &status}); err != nil {
		return nil, false, fmt.Errorf("reactivate session: %w", err)
	}

	target := g.NodeByID(edge.Target)
	if target == nil {
		return nil, false, e.complete(ctx, sess)
	}
	return target, true, nil
}

func normalizeOption(s string) string {
	return match.Normalize(s)
}

// --- session state transitions ---

func (e *Engine) persistProgress(ctx context.Context, sess *store.Session, nodeID string) error {
	sess.CurrentNodeID = nodeID
	return e.stores.Sessions.Update(ctx, sess.ID, store.SessionUpdate{
		CurrentNodeID: &nodeID,
		Context:       sess.Context,
	})
}

func (e *Engine) complete(ctx context.Context, sess *store.Session) error {
	status := store.SessionCompleted
	empty := ""
	sess.Status = status
	sess.CurrentNodeID = ""
	return e.stores.Sessions.Update(ctx, sess.ID, store.SessionUpdate{
		Status:        &status,
		CurrentNodeID: &empty,
		Context:       sess.Context,
	})
}

func (e *Engine) pause(ctx context.Context, sess *store.Session, nodeID string) error {
	status := store.SessionPaused
	sess.Status = status
	sess.CurrentNodeID = nodeID
	return e.stores.Sessions.Update(ctx, sess.ID, store.SessionUpdate{
		Status:        &status,
		CurrentNodeID: &nodeID,
		Context:       sess.Context,
	})
}

func (e *Engine) fail(ctx context.Context, sess *store.Session, cause error) {
	status := store.SessionErrored
	sess.Status = status
	upd := store.SessionUpdate{Status: &status}
	if cause != nil {
		if sess.Context == nil {
			sess.Context = make(map[string]any)
		}
		sess.Context["lastError"] = cause.Error()
		upd.Context = sess.Context
	}
	if err := e.stores.Sessions.Update(ctx, sess.ID, upd); err != nil {
		slog.Error("failed to mark session errored", "session_id", sess.ID, "error", err)
	}
}
