// Package invoicesync pushes submitted ERP invoices into the accounting
// platform: it resolves or creates the accounting contact, assembles the
// invoice payload from the tenant's mapping configuration and posts it
// through the recorded upstream client.
package invoicesync

import (
	"encoding/json"
	"fmt"

	"github.com/conectahub/conecta/runtime/hub"
)

// config reads the mapping knobs stored in the accounting credential
// metadata: item_map, tax_map, payment maps and the default_* values.
type config struct {
	m map[string]any
}

func configFor(cred *hub.Credential) config {
	return config{m: cred.Metadata}
}

func (c config) str(key, fallback string) string {
	if s, ok := c.m[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func (c config) mapOf(key string) map[string]any {
	m, _ := c.m[key].(map[string]any)
	return m
}

func (c config) value(key string) any {
	if c.m == nil {
		return nil
	}
	return c.m[key]
}

func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return fmt.Sprintf("%.0f", t)
	case int:
		return fmt.Sprintf("%d", t)
	default:
		return ""
	}
}

func num(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	case int:
		return float64(t)
	case string:
		var f float64
		if _, err := fmt.Sscanf(t, "%g", &f); err == nil {
			return f
		}
	}
	return 0
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func asList(v any) []map[string]any {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// idOf extracts the platform id from a response, unwrapping a data
// envelope when present.
func idOf(resp map[string]any) string {
	if id := str(resp["id"]); id != "" {
		return id
	}
	if data, ok := resp["data"].(map[string]any); ok {
		return str(data["id"])
	}
	return ""
}
