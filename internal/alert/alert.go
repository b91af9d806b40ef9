// Package alert models the alert record the hosting pipeline hands to casebridge.
package alert

import (
	"fmt"
	"sort"
	"strings"
)

// Alert is the subset of a pipeline alert that case creation reads.
// Attributes is owned by the pipeline; casebridge only returns patches for it.
type Alert struct {
	ID          string         `json:"id"`
	Customer    string         `json:"customer"`
	Environment string         `json:"environment"`
	Resource    string         `json:"resource"`
	Event       string         `json:"event"`
	Severity    string         `json:"severity"`
	Text        string         `json:"text"`
	Service     []string       `json:"service,omitempty"`
	Status      string         `json:"status,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty"`
}

// Attr returns a string attribute, or "" when absent or not a scalar.
func (a *Alert) Attr(key string) string {
	v, ok := a.Attributes[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case bool, int, int64, float64:
		return fmt.Sprint(t)
	default:
		return ""
	}
}

// HasAttr reports whether key is present in the attributes.
func (a *Alert) HasAttr(key string) bool {
	_, ok := a.Attributes[key]
	return ok
}

// Labels flattens the identifying fields into a label map. Service values
// are joined with commas; scalar attributes are included under attr.<key>.
func (a *Alert) Labels() map[string]string {
	l := map[string]string{
		"id":          a.ID,
		"customer":    a.Customer,
		"environment": a.Environment,
		"resource":    a.Resource,
		"event":       a.Event,
		"severity":    a.Severity,
	}
	if len(a.Service) > 0 {
		l["service"] = strings.Join(a.Service, ",")
	}
	for k := range a.Attributes {
		if v := a.Attr(k); v != "" {
			l["attr."+k] = v
		}
	}
	return l
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
