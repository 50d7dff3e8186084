// Package transport is the outbound provider channel. The engine and
// broadcast runner only see the Transport interface; the Graph API client
// below is the production implementation.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind selects the outbound payload shape.
type Kind string

const (
	KindText     Kind = "text"
	KindMedia    Kind = "media"
	KindButtons  Kind = "buttons"
	KindTemplate Kind = "template"
	KindFlow     Kind = "flow"
)

// Button is one interactive reply option.
type Button struct {
	ID    string
	Title string
}

// TemplateParam is one resolved template parameter.
type TemplateParam struct {
	Component string
	Type      string
	SubType   string
	Index     int
	Value     string
}

// Template names a pre-approved provider template.
type Template struct {
	Name       string
	Language   string
	Parameters []TemplateParam
}

// FlowInvite is an interactive flow call-to-action.
type FlowInvite struct {
	Header string
	Body   string
	Footer string
	CTA    string
	FlowID string
}

// OutboundMessage is a provider-agnostic outbound payload. Exactly the
// fields for its Kind are read; the rest stay zero.
type OutboundMessage struct {
	Kind      Kind
	Text      string // text body, or interactive body for buttons
	MediaType string // image | video | audio | document
	MediaURL  string
	Caption   string
	Buttons   []Button
	Template  *Template
	Flow      *FlowInvite
}

// SendResult carries the provider identifiers of an accepted send.
type SendResult struct {
	MessageID      string
	ConversationID string
}

// Transport sends one outbound message to a recipient phone. It is bound
// to a tenant's credentials and must enforce a bounded deadline per call.
type Transport interface {
	Send(ctx context.Context, to string, msg OutboundMessage) (SendResult, error)
}

// ErrCredential marks authorization/credential failures. These abort
// broadcasts instead of being swallowed as transient.
var ErrCredential = errors.New("access token rejected")

// IsCredential reports whether err is a credential/authorization failure.
func IsCredential(err error) bool {
	return errors.Is(err, ErrCredential)
}

// NormalizePhone strips everything but decimal digits. An empty result is
// rejected; providers do not agree on formatting, so every ingress
// canonicalizes before store lookups.
func NormalizePhone(raw string) (string, error) {
	var sb strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			sb.WriteRune(r)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("phone %q has no digits", raw)
	}
	return sb.String(), nil
}
