package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strings"

	"wagateway/internal/apperr"
)

var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

const (
	msgE164       = "Phone number must be E.164 format (e.g. +14155552671)"
	msgRequired   = "Required"
	msgNonEmpty   = "Required non-empty string"
	msgObject     = "Expected object"
	msgCustomData = "Expected string or object"
	msgURL        = "Invalid url"

	// ErrLegacyFrom is returned when a legacy payload has no usable sender.
	ErrLegacyFrom = "`from` is required and must be E.164 format for legacy payloads"
)

// IsE164 reports whether s is "+" followed by 7-15 digits, the first non-zero.
func IsE164(s string) bool {
	return e164Pattern.MatchString(s)
}

// Submission is either *CanonicalSubmission or *LegacySubmission.
type Submission interface {
	Normalize() (*Payload, error)
	isSubmission()
}

type CanonicalSubmission struct {
	CredentialID   string
	CustomData     any
	StatusCallback string
	Messages       []Message
}

func (*CanonicalSubmission) isSubmission() {}

func (s *CanonicalSubmission) Normalize() (*Payload, error) {
	return &Payload{
		CredentialID: s.CredentialID,
		Body: Body{
			CustomData:     s.CustomData,
			StatusCallback: s.StatusCallback,
			WhatsApp:       WhatsApp{Messages: s.Messages},
		},
	}, nil
}

type LegacySubmission struct {
	CredentialID   string
	To             string
	From           string
	Type           string
	Body           map[string]any
	CustomData     any
	StatusCallback string
}

func (*LegacySubmission) isSubmission() {}

// Normalize resolves the sender (explicit from, else body.from) and builds
// content from body.content when it is an object, else from body itself.
func (s *LegacySubmission) Normalize() (*Payload, error) {
	from := s.From
	if from == "" {
		from, _ = s.Body["from"].(string)
	}
	if !IsE164(from) {
		return nil, &apperr.ValidationError{
			Message: ErrLegacyFrom,
			Details: FieldErrors{{Path: "from", Message: ErrLegacyFrom}},
		}
	}

	source, ok := s.Body["content"].(map[string]any)
	if !ok {
		source = s.Body
	}
	content := make(map[string]any, len(source)+1)
	for k, v := range source {
		content[k] = v
	}
	if t, ok := content["type"].(string); !ok || t == "" {
		content["type"] = s.Type
	}

	return &Payload{
		CredentialID: s.CredentialID,
		Body: Body{
			CustomData:     s.CustomData,
			StatusCallback: s.StatusCallback,
			WhatsApp: WhatsApp{Messages: []Message{{
				From:    from,
				To:      s.To,
				Content: content,
			}}},
		},
	}, nil
}

// SchemaErrors is reported when the body matches neither shape.
type SchemaErrors struct {
	Canonical FieldErrors `json:"canonical"`
	Legacy    FieldErrors `json:"legacy"`
}

// Parse decodes raw and matches it against the canonical shape, then the
// legacy one. On failure the error is an *apperr.ValidationError whose
// Details is SchemaErrors.
func Parse(raw []byte) (Submission, error) {
	obj, err := decodeObject(raw)
	if err != nil {
		return nil, &apperr.ValidationError{
			Message: "Invalid payload",
			Details: FieldErrors{{Message: err.Error()}},
		}
	}

	canonical, canonicalErrs := parseCanonical(obj)
	if len(canonicalErrs) == 0 {
		return canonical, nil
	}
	legacy, legacyErrs := parseLegacy(obj)
	if len(legacyErrs) == 0 {
		return legacy, nil
	}
	return nil, &apperr.ValidationError{
		Message: "Invalid payload",
		Details: SchemaErrors{Canonical: canonicalErrs, Legacy: legacyErrs},
	}
}

// Normalize parses raw, normalizes it to the canonical payload and applies the
// per-type content rules to every message. Any failure rejects the whole batch.
func Normalize(raw []byte) (*Payload, error) {
	sub, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	p, err := sub.Normalize()
	if err != nil {
		return nil, err
	}
	if errs := ValidateContent(p.WhatsApp.Messages); len(errs) > 0 {
		return nil, &apperr.ValidationError{Message: errs.Error(), Details: errs}
	}
	return p, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("request body is empty")
		}
		return nil, fmt.Errorf("malformed json: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after json body")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("request body must be a json object")
	}
	return obj, nil
}

func parseCanonical(obj map[string]any) (*CanonicalSubmission, FieldErrors) {
	var errs FieldErrors
	sub := &CanonicalSubmission{}
	sub.CredentialID = requireNonEmpty(obj, "credentialId", "credentialId", &errs)
	sub.CustomData, sub.StatusCallback = parseCommon(obj, &errs)

	wa, ok := obj["whatsapp"].(map[string]any)
	if !ok {
		errs.add("whatsapp", requiredOr(obj, "whatsapp", msgObject))
		return nil, errs
	}
	rawMsgs, ok := wa["messages"].([]any)
	switch {
	case !ok:
		errs.add("whatsapp.messages", requiredOr(wa, "messages", "Expected array"))
	case len(rawMsgs) < MinMessages:
		errs.add("whatsapp.messages", fmt.Sprintf("Array must contain at least %d element(s)", MinMessages))
	case len(rawMsgs) > MaxMessages:
		errs.add("whatsapp.messages", fmt.Sprintf("Array must contain at most %d element(s)", MaxMessages))
	default:
		sub.Messages = make([]Message, 0, len(rawMsgs))
		for i, rm := range rawMsgs {
			if m, ok := parseMessage(rm, fmt.Sprintf("whatsapp.messages.%d", i), &errs); ok {
				sub.Messages = append(sub.Messages, m)
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return sub, nil
}

func parseMessage(v any, path string, errs *FieldErrors) (Message, bool) {
	obj, ok := v.(map[string]any)
	if !ok {
		errs.add(path, msgObject)
		return Message{}, false
	}
	before := len(*errs)

	from := requireE164(obj, "from", path+".from", errs)
	to := requireE164(obj, "to", path+".to", errs)

	content, ok := obj["content"].(map[string]any)
	if !ok {
		errs.add(path+".content", requiredOr(obj, "content", msgObject))
	} else {
		requireNonEmpty(content, "type", path+".content.type", errs)
	}
	if len(*errs) > before {
		return Message{}, false
	}

	var extra map[string]any
	for k, val := range obj {
		if k == "from" || k == "to" || k == "content" {
			continue
		}
		if extra == nil {
			extra = make(map[string]any)
		}
		extra[k] = val
	}
	return Message{From: from, To: to, Content: content, Extra: extra}, true
}

func parseLegacy(obj map[string]any) (*LegacySubmission, FieldErrors) {
	var errs FieldErrors
	sub := &LegacySubmission{}
	sub.CredentialID = requireNonEmpty(obj, "credentialId", "credentialId", &errs)
	sub.To = requireE164(obj, "to", "to", &errs)
	if _, present := obj["from"]; present {
		sub.From = requireE164(obj, "from", "from", &errs)
	}
	sub.Type = requireNonEmpty(obj, "type", "type", &errs)
	body, ok := obj["body"].(map[string]any)
	if !ok {
		errs.add("body", requiredOr(obj, "body", msgObject))
	}
	sub.Body = body
	sub.CustomData, sub.StatusCallback = parseCommon(obj, &errs)

	if len(errs) > 0 {
		return nil, errs
	}
	return sub, nil
}

// parseCommon reads the optional custom_data and status_callback fields shared
// by both shapes.
func parseCommon(obj map[string]any, errs *FieldErrors) (customData any, statusCallback string) {
	if v, present := obj["custom_data"]; present {
		switch v.(type) {
		case string, map[string]any:
			customData = v
		default:
			errs.add("custom_data", msgCustomData)
		}
	}
	if v, present := obj["status_callback"]; present {
		s, ok := v.(string)
		if !ok || !isHTTPURL(s) {
			errs.add("status_callback", msgURL)
		} else {
			statusCallback = s
		}
	}
	return customData, statusCallback
}

func requireNonEmpty(obj map[string]any, key, path string, errs *FieldErrors) string {
	s, ok := obj[key].(string)
	if !ok || s == "" {
		errs.add(path, requiredOr(obj, key, msgNonEmpty))
		return ""
	}
	return s
}

func requireE164(obj map[string]any, key, path string, errs *FieldErrors) string {
	s, ok := obj[key].(string)
	if !ok {
		errs.add(path, requiredOr(obj, key, "Expected string"))
		return ""
	}
	if !IsE164(s) {
		errs.add(path, msgE164)
		return ""
	}
	return s
}

func requiredOr(obj map[string]any, key, otherwise string) string {
	if _, present := obj[key]; !present {
		return msgRequired
	}
	return otherwise
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
