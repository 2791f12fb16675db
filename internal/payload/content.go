package payload

import (
	"fmt"
	"strings"
)

type contentRule func(content map[string]any, path string, errs *FieldErrors)

var contentRules = map[string]contentRule{
	"text":        validateText,
	"image":       mediaRule("image"),
	"audio":       mediaRule("audio"),
	"video":       mediaRule("video"),
	"document":    mediaRule("document"),
	"sticker":     mediaRule("sticker"),
	"location":    validateLocation,
	"contacts":    validateContacts,
	"interactive": validateInteractive,
	"template":    validateTemplate,
}

var interactiveTypes = map[string]bool{"button": true, "list": true, "flow": true}

// SupportedTypes lists the content types accepted for sending.
func SupportedTypes() []string {
	out := make([]string, 0, len(contentRules))
	for t := range contentRules {
		out = append(out, t)
	}
	return out
}

// ValidateContent applies the type-specific field rules to every message and
// returns all violations found.
func ValidateContent(msgs []Message) FieldErrors {
	var errs FieldErrors
	for i, m := range msgs {
		path := fmt.Sprintf("whatsapp.messages.%d.content", i)
		typ := m.Type()
		rule, ok := contentRules[typ]
		if !ok {
			errs.add(path+".type", fmt.Sprintf("Unsupported content type %q", typ))
			continue
		}
		rule(m.Content, path, &errs)
	}
	return errs
}

func validateText(content map[string]any, path string, errs *FieldErrors) {
	text, ok := object(content, "text", path, errs)
	if !ok {
		return
	}
	body, _ := text["body"].(string)
	if strings.TrimSpace(body) == "" {
		errs.add(path+".text.body", msgNonEmpty)
	}
}

func mediaRule(kind string) contentRule {
	return func(content map[string]any, path string, errs *FieldErrors) {
		media, ok := object(content, kind, path, errs)
		if !ok {
			return
		}
		link, _ := media["link"].(string)
		if !isHTTPURL(link) {
			errs.add(path+"."+kind+".link", "Required http(s) url")
		}
	}
}

func validateLocation(content map[string]any, path string, errs *FieldErrors) {
	loc, ok := object(content, "location", path, errs)
	if !ok {
		return
	}
	for _, k := range []string{"latitude", "longitude"} {
		if _, ok := loc[k].(string); !ok {
			errs.add(path+".location."+k, "Expected string")
		}
	}
}

func validateContacts(content map[string]any, path string, errs *FieldErrors) {
	contacts, ok := content["contacts"].([]any)
	if !ok || len(contacts) == 0 {
		errs.add(path+".contacts", "Required non-empty array")
	}
}

func validateInteractive(content map[string]any, path string, errs *FieldErrors) {
	in, ok := object(content, "interactive", path, errs)
	if !ok {
		return
	}
	p := path + ".interactive"

	if t, _ := in["type"].(string); !interactiveTypes[t] {
		errs.add(p+".type", "Expected one of button, list, flow")
	}
	body, ok := in["body"].(map[string]any)
	if !ok {
		errs.add(p+".body", msgObject)
	} else if text, _ := body["text"].(string); strings.TrimSpace(text) == "" {
		errs.add(p+".body.text", msgNonEmpty)
	}
	if _, ok := in["action"].(map[string]any); !ok {
		errs.add(p+".action", msgObject)
	}
}

func validateTemplate(content map[string]any, path string, errs *FieldErrors) {
	tpl, ok := object(content, "template", path, errs)
	if !ok {
		return
	}
	p := path + ".template"

	for _, k := range []string{"namespace", "name"} {
		if s, _ := tpl[k].(string); strings.TrimSpace(s) == "" {
			errs.add(p+"."+k, msgNonEmpty)
		}
	}
	switch lang := tpl["language"].(type) {
	case string:
		if strings.TrimSpace(lang) == "" {
			errs.add(p+".language", msgNonEmpty)
		}
	case map[string]any:
	default:
		errs.add(p+".language", msgRequired)
	}
	if _, ok := tpl["components"].([]any); !ok {
		errs.add(p+".components", "Expected array")
	}
}

func object(content map[string]any, key, path string, errs *FieldErrors) (map[string]any, bool) {
	v, ok := content[key].(map[string]any)
	if !ok {
		errs.add(path+"."+key, requiredOr(content, key, msgObject))
	}
	return v, ok
}
