package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/flowgate/internal/config"
)

const defaultBaseURL = "https://graph.facebook.com"

// GraphClient talks to the WhatsApp Cloud (Graph) API. One client is shared
// across tenants; Bind attaches per-tenant credentials.
type GraphClient struct {
	httpClient *http.Client
	baseURL    string
	version    string
	limiter    *rate.Limiter
}

// NewGraphClient builds a client with the configured API version and a
// process-wide outbound rate limit.
func NewGraphClient(cfg *config.Config) *GraphClient {
	rps := cfg.Provider.SendRatePerSec
	if rps <= 0 {
		rps = 20
	}
	return &GraphClient{
		httpClient: &http.Client{Timeout: config.APITimeout},
		baseURL:    defaultBaseURL,
		version:    cfg.GraphAPIVersion(),
		limiter:    rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Bind returns a Transport using the given tenant credentials.
func (c *GraphClient) Bind(accessToken, phoneNumberID string) Transport {
	return &tenantSender{client: c, accessToken: accessToken, phoneNumberID: phoneNumberID}
}

type tenantSender struct {
	client        *GraphClient
	accessToken   string
	phoneNumberID string
}

// graphResponse is the subset of the send response we read.
type graphResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *graphError `json:"error"`
}

type graphError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
	Subcode int    `json:"error_subcode"`
}

func (s *tenantSender) Send(ctx context.Context, to string, msg OutboundMessage) (SendResult, error) {
	phone, err := NormalizePhone(to)
	if err != nil {
		return SendResult{}, fmt.Errorf("outbound recipient: %w", err)
	}

	payload, err := buildPayload(phone, msg)
	if err != nil {
		return SendResult{}, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return SendResult{}, fmt.Errorf("marshal outbound payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, config.APITimeout)
	defer cancel()

	if err := s.client.limiter.Wait(ctx); err != nil {
		return SendResult{}, fmt.Errorf("outbound rate wait: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", s.client.baseURL, s.client.version, s.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return SendResult{}, fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("provider send: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SendResult{}, fmt.Errorf("read provider response: %w", err)
	}

	var parsed graphResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil && resp.StatusCode < 300 {
		return SendResult{}, fmt.Errorf("parse provider response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden ||
		(parsed.Error != nil && isCredentialCode(parsed.Error.Code)) {
		detail := resp.Status
		if parsed.Error != nil {
			detail = parsed.Error.Message
		}
		return SendResult{}, fmt.Errorf("%w: %s", ErrCredential, detail)
	}
	if resp.StatusCode >= 300 {
		detail := resp.Status
		if parsed.Error != nil {
			detail = fmt.Sprintf("%s (code %d)", parsed.Error.Message, parsed.Error.Code)
		}
		return SendResult{}, fmt.Errorf("provider rejected send: %s", detail)
	}
	if len(parsed.Messages) == 0 {
		return SendResult{}, fmt.Errorf("provider response has no message id")
	}

	slog.Debug("outbound message accepted", "to", phone, "kind", msg.Kind, "message_id", parsed.Messages[0].ID)
	return SendResult{MessageID: parsed.Messages[0].ID}, nil
}

// Credential error codes per Graph API: 190 invalid token, 10/200..299
// permission errors.
func isCredentialCode(code int) bool {
	return code == 190 || code == 10 || (code >= 200 && code <= 299)
}

// buildPayload constructs the Cloud API request body for each message kind.
func buildPayload(to string, msg OutboundMessage) (map[string]any, error) {
	base := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                to,
	}

	switch msg.Kind {
	case KindText:
		base["type"] = "text"
		base["text"] = map[string]any{"body": msg.Text, "preview_url": false}

	case KindMedia:
		mt := msg.MediaType
		if mt == "" {
			mt = "image"
		}
		media := map[string]any{"link": msg.MediaURL}
		if msg.Caption != "" {
			media["caption"] = msg.Caption
		}
		base["type"] = mt
		base[mt] = media

	case KindButtons:
		if len(msg.Buttons) == 0 {
			return nil, fmt.Errorf("buttons payload needs at least one button")
		}
		buttons := msg.Buttons
		if len(buttons) > config.BroadcastMaxButtons {
			slog.Warn("truncating interactive buttons to provider limit",
				"given", len(buttons), "limit", config.BroadcastMaxButtons)
			buttons = buttons[:config.BroadcastMaxButtons]
		}
		replies := make([]map[string]any, 0, len(buttons))
		for _, b := range buttons {
			replies = append(replies, map[string]any{
				"type":  "reply",
				"reply": map[string]any{"id": b.ID, "title": b.Title},
			})
		}
		base["type"] = "interactive"
		base["interactive"] = map[string]any{
			"type":   "button",
			"body":   map[string]any{"text": msg.Text},
			"action": map[string]any{"buttons": replies},
		}

	case KindTemplate:
		if msg.Template == nil {
			return nil, fmt.Errorf("template payload needs template data")
		}
		lang := msg.Template.Language
		if lang == "" {
			lang = "en"
		}
		components := buildTemplateComponents(msg.Template.Parameters)
		tpl := map[string]any{
			"name":     msg.Template.Name,
			"language": map[string]any{"code": lang},
		}
		if len(components) > 0 {
			tpl["components"] = components
		}
		base["type"] = "template"
		base["template"] = tpl

	case KindFlow:
		if msg.Flow == nil {
			return nil, fmt.Errorf("flow payload needs flow data")
		}
		interactive := map[string]any{
			"type": "flow",
			"body": map[string]any{"text": msg.Flow.Body},
			"action": map[string]any{
				"name": "flow",
				"parameters": map[string]any{
					"flow_message_version": "3",
					"flow_id":              msg.Flow.FlowID,
					"flow_cta":             msg.Flow.CTA,
				},
			},
		}
		if msg.Flow.Header != "" {
			interactive["header"] = map[string]any{"type": "text", "text": msg.Flow.Header}
		}
		if msg.Flow.Footer != "" {
			interactive["footer"] = map[string]any{"text": msg.Flow.Footer}
		}
		base["type"] = "interactive"
		base["interactive"] = interactive

	default:
		return nil, fmt.Errorf("unknown outbound kind %q", msg.Kind)
	}
	return base, nil
}

func buildTemplateComponents(params []TemplateParam) []map[string]any {
	if len(params) == 0 {
		return nil
	}
	byComponent := make(map[string][]map[string]any)
	var order []string
	for _, p := range params {
		comp := p.Component
		if comp == "" {
			comp = "body"
		}
		if _, ok := byComponent[comp]; !ok {
			order = append(order, comp)
		}
		byComponent[comp] = append(byComponent[comp], map[string]any{
			"type": "text",
			"text": p.Value,
		})
	}
	components := make([]map[string]any, 0, len(order))
	for _, comp := range order {
		components = append(components, map[string]any{
			"type":       comp,
			"parameters": byComponent[comp],
		})
	}
	return components
}
