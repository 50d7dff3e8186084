package dispatch

import "strconv"

// Webhook payload types for the Cloud API callback. Only the fields the
// dispatcher reads are declared; unknown fields are ignored on decode.

// Event is the top-level webhook body.
type Event struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups changes for one business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change carries one value under a field name ("messages" for both
// inbound messages and delivery statuses).
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value is the unit of dispatch: metadata plus messages and/or statuses.
type Value struct {
	MessagingProduct string          `json:"messaging_product"`
	Metadata         Metadata        `json:"metadata"`
	Contacts         []EventContact  `json:"contacts"`
	Messages         []EventMessage  `json:"messages"`
	Statuses         []StatusUpdate  `json:"statuses"`
}

// Metadata identifies the receiving business phone number.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// EventContact carries the sender's profile.
type EventContact struct {
	WaID    string `json:"wa_id"`
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
}

// EventMessage is one inbound message.
type EventMessage struct {
	From        string       `json:"from"`
	ID          string       `json:"id"`
	Timestamp   string       `json:"timestamp"`
	Type        string       `json:"type"`
	Text        *TextBody    `json:"text,omitempty"`
	Button      *ButtonReply `json:"button,omitempty"`
	Interactive *Interactive `json:"interactive,omitempty"`
}

// TextBody is the body of a plain text message.
type TextBody struct {
	Body string `json:"body"`
}

// ButtonReply is a legacy template button press.
type ButtonReply struct {
	Text    string `json:"text"`
	Payload string `json:"payload"`
}

// Interactive is a button or list reply.
type Interactive struct {
	Type        string `json:"type"`
	ButtonReply *Reply `json:"button_reply,omitempty"`
	ListReply   *Reply `json:"list_reply,omitempty"`
}

// Reply is the selected interactive option.
type Reply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// StatusUpdate is one delivery status callback.
type StatusUpdate struct {
	ID           string        `json:"id"` // provider message id
	Status       string        `json:"status"`
	Timestamp    string        `json:"timestamp"`
	RecipientID  string        `json:"recipient_id"`
	Conversation *Conversation `json:"conversation,omitempty"`
	Errors       []StatusError `json:"errors,omitempty"`
}

// Conversation identifies the billing conversation of a status.
type Conversation struct {
	ID string `json:"id"`
}

// StatusError is one provider-reported delivery error.
type StatusError struct {
	Code      int    `json:"code"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	ErrorData *struct {
		Details string `json:"details"`
	} `json:"error_data,omitempty"`
}

// Detail returns the most specific error text available.
func (e StatusError) Detail() string {
	if e.ErrorData != nil && e.ErrorData.Details != "" {
		return e.ErrorData.Details
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Title != "" {
		return e.Title
	}
	if e.Code != 0 {
		return "provider error " + strconv.Itoa(e.Code)
	}
	return ""
}

// text extracts the matching material of an inbound message: the full
// text, plus interactive title/id when present.
func (m *EventMessage) text() (full, title, id string) {
	switch {
	case m.Text != nil:
		full = m.Text.Body
	case m.Button != nil:
		full = m.Button.Text
		id = m.Button.Payload
	case m.Interactive != nil:
		r := m.Interactive.ButtonReply
		if r == nil {
			r = m.Interactive.ListReply
		}
		if r != nil {
			full = r.Title
			title = r.Title
			id = r.ID
		}
	}
	return full, title, id
}
