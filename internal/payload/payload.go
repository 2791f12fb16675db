// Package payload turns a submission request body into the canonical send
// payload. Two request shapes are accepted: the canonical multi-message shape
// ({credentialId, whatsapp:{messages:[...]}}) and the flat legacy single-message
// shape ({credentialId, to, from?, type, body}).
package payload

import (
	"bytes"
	"encoding/json"
	"strings"

	"wagateway/internal/model"
)

const (
	MinMessages = 1
	MaxMessages = 100
)

// FieldError names one invalid field by its dotted path, e.g.
// whatsapp.messages.1.content.text.body.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

type FieldErrors []FieldError

func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for _, e := range fe {
		if e.Path == "" {
			parts = append(parts, e.Message)
			continue
		}
		parts = append(parts, e.Path+": "+e.Message)
	}
	return strings.Join(parts, "; ")
}

func (fe *FieldErrors) add(path, message string) {
	*fe = append(*fe, FieldError{Path: path, Message: message})
}

// Message is one recipient entry. Fields other than from/to/content are kept
// in Extra and written back out unchanged.
type Message struct {
	From    string
	To      string
	Content map[string]any
	Extra   map[string]any
}

// Type is content.type.
func (m Message) Type() string {
	t, _ := m.Content["type"].(string)
	return t
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+3)
	for k, v := range m.Extra {
		out[k] = v
	}
	out["from"] = m.From
	out["to"] = m.To
	out["content"] = m.Content
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	m.From, _ = raw["from"].(string)
	m.To, _ = raw["to"].(string)
	m.Content, _ = raw["content"].(map[string]any)
	delete(raw, "from")
	delete(raw, "to")
	delete(raw, "content")
	m.Extra = nil
	if len(raw) > 0 {
		m.Extra = raw
	}
	return nil
}

type WhatsApp struct {
	Messages []Message `json:"messages"`
}

// Body is the part of the payload persisted on the message and posted to the
// gateway verbatim.
type Body struct {
	CustomData     any      `json:"custom_data,omitempty"`
	StatusCallback string   `json:"status_callback,omitempty"`
	WhatsApp       WhatsApp `json:"whatsapp"`
}

// Payload is the canonical submission.
type Payload struct {
	CredentialID string `json:"credentialId"`
	Body
}

// Summary returns the denormalized to/from/type stored on the message row.
// Batches report "bulk" for to and type; from is always the first sender.
func (p *Payload) Summary() (to, from, typ string) {
	msgs := p.WhatsApp.Messages
	if len(msgs) == 0 {
		return "", "", ""
	}
	from = msgs[0].From
	if len(msgs) > 1 {
		return model.BulkSummary, from, model.BulkSummary
	}
	return msgs[0].To, from, msgs[0].Type()
}
