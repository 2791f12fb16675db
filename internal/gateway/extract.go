package gateway

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Rule is one candidate location of a value in a gateway response. Numeric
// segments index into arrays.
type Rule struct {
	Path []string
}

func P(path string) Rule {
	return Rule{Path: strings.Split(path, ".")}
}

func (r Rule) String() string {
	return strings.Join(r.Path, ".")
}

// Response-shape tables, most specific first. Exotel has returned each of
// these shapes across API revisions.
var (
	MessageIDRules = []Rule{
		P("response.whatsapp.messages.0.data.sid"),
		P("data.sid"),
		P("sid"),
		P("id"),
		P("message_id"),
		P("data.id"),
	}

	TemplateIDRules = []Rule{
		P("response.whatsapp.templates.0.data.id"),
		P("data.id"),
		P("id"),
	}

	OnboardingURLRules = []Rule{
		P("url"),
		P("onboarding_url"),
		P("data.url"),
		P("data.onboarding_url"),
		P("response.whatsapp.isv.data.url"),
		P("response.whatsapp.isv.data.onboarding_url"),
	}

	OnboardingTokenRules = []Rule{
		P("token"),
		P("access_token"),
		P("data.token"),
		P("data.access_token"),
		P("response.whatsapp.isv.data.token"),
		P("response.whatsapp.isv.data.access_token"),
	}
)

// Extract returns the first rule that resolves to a non-empty scalar.
func Extract(rules []Rule, resp map[string]any) (string, bool) {
	for _, r := range rules {
		if v, ok := lookup(resp, r.Path); ok {
			if s, ok := scalar(v); ok {
				return s, true
			}
		}
	}
	return "", false
}

func lookup(node any, path []string) (any, bool) {
	cur := node
	for _, seg := range path {
		switch n := cur.(type) {
		case map[string]any:
			v, ok := n[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(n) {
				return nil, false
			}
			cur = n[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func scalar(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, x != ""
	case json.Number:
		return x.String(), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	default:
		return "", false
	}
}
