package flow

// Typed node data, one struct per NodeType. Field bounds mirror the
// authoring schemas and are rechecked at load time via validator tags.

// TriggerData gates inbound flow selection by keyword.
type TriggerData struct {
	Keyword string `json:"keyword" validate:"required,max=64"`
}

// TemplateParam is one parameter of a provider message template.
type TemplateParam struct {
	Component string `json:"component"`
	Type      string `json:"type"`
	SubType   string `json:"subType,omitempty"`
	Index     int    `json:"index,omitempty"`
	Value     string `json:"value"`
}

// MessageData sends plain text or a provider template.
type MessageData struct {
	Text               string          `json:"text" validate:"required,min=1,max=4096"`
	UseTemplate        bool            `json:"useTemplate"`
	TemplateName       string          `json:"templateName,omitempty"`
	TemplateLanguage   string          `json:"templateLanguage,omitempty"`
	TemplateParameters []TemplateParam `json:"templateParameters,omitempty"`
}

// OptionsData sends an interactive prompt and suspends the session.
type OptionsData struct {
	Text    string   `json:"text" validate:"required,min=1,max=4096"`
	Options []string `json:"options" validate:"required,min=2,max=10,dive,min=1,max=30"`
}

// DelayData pauses execution; seconds are capped at runtime.
type DelayData struct {
	Seconds int `json:"seconds" validate:"required,min=1,max=3600"`
}

// ConditionData branches on a restricted boolean expression.
type ConditionData struct {
	Expression string `json:"expression" validate:"required,min=1,max=500"`
}

// APIData performs an HTTP call and stores the result in the context.
type APIData struct {
	URL      string            `json:"url" validate:"required,url"`
	Method   string            `json:"method" validate:"required,oneof=GET POST PUT PATCH DELETE"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     string            `json:"body,omitempty"`
	AssignTo string            `json:"assignTo" validate:"required,min=1,max=50"`
}

// AssignData writes an expanded value into the context.
type AssignData struct {
	Key   string `json:"key" validate:"required,min=1,max=50"`
	Value string `json:"value" validate:"max=500"`
}

// MediaData sends an image, document, video, or audio message.
type MediaData struct {
	MediaType string `json:"mediaType,omitempty" validate:"omitempty,oneof=image document video audio"`
	URL       string `json:"url" validate:"required,url"`
	Caption   string `json:"caption,omitempty" validate:"max=1024"`
}

// HandoffData suspends the session for an external agent queue.
type HandoffData struct {
	Queue string `json:"queue" validate:"required"`
	Note  string `json:"note,omitempty" validate:"max=500"`
}

// GotoData jumps directly to another node.
type GotoData struct {
	TargetNodeID string `json:"targetNodeId" validate:"required"`
}

// EndData terminates the session.
type EndData struct {
	Reason string `json:"reason,omitempty"`
}

// WhatsAppFlowData sends an interactive flow invite.
type WhatsAppFlowData struct {
	Header string `json:"header,omitempty"`
	Body   string `json:"body" validate:"required,max=1024"`
	Footer string `json:"footer,omitempty"`
	CTA    string `json:"cta,omitempty"`
	FlowID string `json:"flowId,omitempty"`
}
