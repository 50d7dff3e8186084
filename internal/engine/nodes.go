package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/flowgate/internal/config"
	"github.com/nextlevelbuilder/flowgate/internal/expr"
	"github.com/nextlevelbuilder/flowgate/internal/flow"
	"github.com/nextlevelbuilder/flowgate/internal/store"
	"github.com/nextlevelbuilder/flowgate/internal/template"
	"github.com/nextlevelbuilder/flowgate/internal/transport"
)

// nodeResult steers the execution loop after one node.
type nodeResult struct {
	next     string // explicit successor node id; "" means default arc
	suspend  bool   // stop the walk; session state already persisted
	terminal bool   // session finished inside the handler
}

func (e *Engine) execNode(ctx context.Context, inv Invocation, g *flow.Graph, node *flow.Node, tr transport.Transport) (nodeResult, error) {
	switch node.Type {
	case flow.NodeTrigger:
		return nodeResult{}, nil
	case flow.NodeMessage:
		return e.execMessage(ctx, inv, node, tr)
	case flow.NodeOptions:
		return e.execOptions(ctx, inv, node, tr)
	case flow.NodeDelay:
		return e.execDelay(ctx, node)
	case flow.NodeCondition:
		return e.execCondition(ctx, inv, g, node)
	case flow.NodeAPI:
		return e.execAPI(ctx, inv, node)
	case flow.NodeAssign:
		return e.execAssign(inv, node)
	case flow.NodeMedia:
		return e.execMedia(ctx, inv, node, tr)
	case flow.NodeHandoff:
		return e.execHandoff(ctx, inv, node)
	case flow.NodeGoto:
		return e.execGoto(node)
	case flow.NodeEnd:
		return nodeResult{terminal: true}, e.complete(ctx, inv.Session)
	case flow.NodeWhatsAppFlow:
		return e.execWhatsAppFlow(ctx, inv, node, tr)
	default:
		// Unknown node types pass through on their default arc so old
		// engines survive newer authoring tools.
		slog.Warn("skipping unknown node type", "node_id", node.ID, "type", node.Type)
		return nodeResult{}, nil
	}
}

// send delivers one outbound message and logs it. Transient provider
// failures are absorbed (logged, sent=false); credential failures abort.
func (e *Engine) send(ctx context.Context, inv Invocation, kind string, msg transport.OutboundMessage, tr transport.Transport) (sent bool, err error) {
	res, err := tr.Send(ctx, inv.Contact.Phone, msg)
	if err != nil {
		if transport.IsCredential(err) {
			return false, err
		}
		slog.Warn("outbound send failed, continuing flow",
			"session_id", inv.Session.ID, "kind", kind, "error", err)
		return false, nil
	}

	rec := &store.Message{
		ID:                store.NewID(),
		TenantID:          inv.Flow.TenantID,
		SessionID:         inv.Session.ID,
		ContactID:         inv.Contact.ID,
		Direction:         "out",
		Kind:              kind,
		Body:              msg.Text,
		ProviderMessageID: res.MessageID,
		ConversationID:    res.ConversationID,
		CreatedAt:         time.Now().UTC(),
	}
	if err := e.stores.Messages.Append(ctx, rec); err != nil {
		slog.Warn("message log append failed", "session_id", inv.Session.ID, "error", err)
	}
	return true, nil
}

func (e *Engine) execMessage(ctx context.Context, inv Invocation, node *flow.Node, tr transport.Transport) (nodeResult, error) {
	data, err := flow.Decode[flow.MessageData](node)
	if err != nil {
		return nodeResult{}, err
	}

	msg := transport.OutboundMessage{
		Kind: transport.KindText,
		Text: template.Expand(data.Text, inv.Session.Context),
	}
	kind := "text"
	if data.UseTemplate && data.TemplateName != "" {
		params := make([]transport.TemplateParam, 0, len(data.TemplateParameters))
		for _, p := range data.TemplateParameters {
			params = append(params, transport.TemplateParam{
				Component: p.Component,
				Type:      p.Type,
				SubType:   p.SubType,
				Index:     p.Index,
				Value:     template.Expand(p.Value, inv.Session.Context),
			})
		}
		msg = transport.OutboundMessage{
			Kind: transport.KindTemplate,
			Text: msg.Text,
			Template: &transport.Template{
				Name:       data.TemplateName,
				Language:   data.TemplateLanguage,
				Parameters: params,
			},
		}
		kind = "template"
	}

	if _, err := e.send(ctx, inv, kind, msg, tr); err != nil {
		return nodeResult{}, err
	}
	return nodeResult{}, nil
}

func (e *Engine) execOptions(ctx context.Context, inv Invocation, node *flow.Node, tr transport.Transport) (nodeResult, error) {
	data, err := flow.Decode[flow.OptionsData](node)
	if err != nil {
		return nodeResult{}, err
	}

	buttons := make([]transport.Button, 0, len(data.Options))
	for i, opt := range data.Options {
		buttons = append(buttons, transport.Button{ID: flow.OptionHandle(i), Title: opt})
	}
	msg := transport.OutboundMessage{
		Kind:    transport.KindButtons,
		Text:    template.Expand(data.Text, inv.Session.Context),
		Buttons: buttons,
	}
	if _, err := e.send(ctx, inv, "options", msg, tr); err != nil {
		return nodeResult{}, err
	}

	// Suspend even when the send was dropped transiently; the contact's
	// next message still resolves against this node's arcs.
	if err := e.pause(ctx, inv.Session, node.ID); err != nil {
		return nodeResult{}, fmt.Errorf("pause on options: %w", err)
	}
	return nodeResult{suspend: true}, nil
}

func (e *Engine) execDelay(ctx context.Context, node *flow.Node) (nodeResult, error) {
	data, err := flow.Decode[flow.DelayData](node)
	if err != nil {
		return nodeResult{}, err
	}
	d := time.Duration(data.Seconds) * time.Second
	if d > config.MaxDelay {
		slog.Debug("capping delay", "node_id", node.ID, "requested", d, "cap", config.MaxDelay)
		d = config.MaxDelay
	}
	if d > 0 {
		e.sleep(ctx, d)
	}
	if ctx.Err() != nil {
		// Shutdown mid-delay is not a flow failure: stop here and leave
		// the cursor on this node for the next invocation.
		slog.Debug("delay interrupted", "node_id", node.ID)
		return nodeResult{suspend: true}, nil
	}
	return nodeResult{}, nil
}

func (e *Engine) execCondition(ctx context.Context, inv Invocation, g *flow.Graph, node *flow.Node) (nodeResult, error) {
	data, err := flow.Decode[flow.ConditionData](node)
	if err != nil {
		return nodeResult{}, err
	}

	verdict, err := expr.EvalBool(data.Expression, inv.Session.Context)
	if err != nil {
		// A broken expression routes false rather than killing the flow.
		slog.Warn("condition evaluation failed, taking false branch",
			"session_id", inv.Session.ID, "node_id", node.ID, "error", err)
		verdict = false
	}

	handle := flow.HandleFalse
	if verdict {
		handle = flow.HandleTrue
	}
	edge := g.EdgeByHandle(node.ID, handle)
	if edge == nil {
		slog.Debug("condition branch has no arc", "node_id", node.ID, "handle", handle)
		return nodeResult{}, nil
	}
	return nodeResult{next: edge.Target}, nil
}

// apiFailure is the context value stored when an api node call fails.
var apiFailure = map[string]any{"error": "API call failed"}

func (e *Engine) execAPI(ctx context.Context, inv Invocation, node *flow.Node) (nodeResult, error) {
	data, err := flow.Decode[flow.APIData](node)
	if err != nil {
		return nodeResult{}, err
	}

	result := e.callAPI(ctx, inv, data)
	template.SetPath(inv.Session.Context, data.AssignTo, result)
	return nodeResult{}, nil
}

func (e *Engine) callAPI(ctx context.Context, inv Invocation, data flow.APIData) any {
	url := template.Expand(data.URL, inv.Session.Context)
	body := template.Expand(data.Body, inv.Session.Context)

	ctx, cancel := context.WithTimeout(ctx, config.APITimeout)
	defer cancel()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(data.Method), url, reader)
	if err != nil {
		slog.Warn("api node request build failed", "session_id", inv.Session.ID, "error", err)
		return apiFailure
	}
	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range data.Headers {
		req.Header.Set(k, template.Expand(v, inv.Session.Context))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		slog.Warn("api node call failed", "session_id", inv.Session.ID, "url", url, "error", err)
		return apiFailure
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil || resp.StatusCode >= 300 {
		slog.Warn("api node call rejected", "session_id", inv.Session.ID,
			"url", url, "status", resp.StatusCode)
		return apiFailure
	}

	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		// Non-JSON bodies are stored verbatim.
		return string(raw)
	}
	return parsed
}

func (e *Engine) execAssign(inv Invocation, node *flow.Node) (nodeResult, error) {
	data, err := flow.Decode[flow.AssignData](node)
	if err != nil {
		return nodeResult{}, err
	}
	value := template.Expand(data.Value, inv.Session.Context)
	template.SetPath(inv.Session.Context, data.Key, value)
	return nodeResult{}, nil
}

func (e *Engine) execMedia(ctx context.Context, inv Invocation, node *flow.Node, tr transport.Transport) (nodeResult, error) {
	data, err := flow.Decode[flow.MediaData](node)
	if err != nil {
		return nodeResult{}, err
	}
	msg := transport.OutboundMessage{
		Kind:      transport.KindMedia,
		MediaType: data.MediaType,
		MediaURL:  template.Expand(data.URL, inv.Session.Context),
		Caption:   template.Expand(data.Caption, inv.Session.Context),
	}
	if _, err := e.send(ctx, inv, "media", msg, tr); err != nil {
		return nodeResult{}, err
	}
	return nodeResult{}, nil
}

func (e *Engine) execHandoff(ctx context.Context, inv Invocation, node *flow.Node) (nodeResult, error) {
	data, err := flow.Decode[flow.HandoffData](node)
	if err != nil {
		return nodeResult{}, err
	}
	template.SetPath(inv.Session.Context, "handoff", map[string]any{
		"queue":       data.Queue,
		"note":        template.Expand(data.Note, inv.Session.Context),
		"requestedAt": time.Now().UTC().Format(time.RFC3339),
	})
	if err := e.pause(ctx, inv.Session, node.ID); err != nil {
		return nodeResult{}, fmt.Errorf("pause on handoff: %w", err)
	}
	slog.Info("session handed off", "session_id", inv.Session.ID, "queue", data.Queue)
	return nodeResult{suspend: true}, nil
}

func (e *Engine) execGoto(node *flow.Node) (nodeResult, error) {
	data, err := flow.Decode[flow.GotoData](node)
	if err != nil {
		return nodeResult{}, err
	}
	// A missing target is handled by the loop as a dead end.
	return nodeResult{next: data.TargetNodeID}, nil
}

func (e *Engine) execWhatsAppFlow(ctx context.Context, inv Invocation, node *flow.Node, tr transport.Transport) (nodeResult, error) {
	data, err := flow.Decode[flow.WhatsAppFlowData](node)
	if err != nil {
		return nodeResult{}, err
	}
	cta := data.CTA
	if cta == "" {
		cta = "Open"
	}
	msg := transport.OutboundMessage{
		Kind: transport.KindFlow,
		Text: template.Expand(data.Body, inv.Session.Context),
		Flow: &transport.FlowInvite{
			Header: template.Expand(data.Header, inv.Session.Context),
			Body:   template.Expand(data.Body, inv.Session.Context),
			Footer: template.Expand(data.Footer, inv.Session.Context),
			CTA:    cta,
			FlowID: data.FlowID,
		},
	}
	if _, err := e.send(ctx, inv, "flow", msg, tr); err != nil {
		return nodeResult{}, err
	}
	return nodeResult{}, nil
}
