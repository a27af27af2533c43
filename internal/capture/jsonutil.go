package capture

import (
	"encoding/json"
	"sort"
	"strings"
)

// DefaultHijackPrefixes are anti-JSON-hijacking guards some endpoints put
// in front of their payload.
var DefaultHijackPrefixes = []string{"for (;;);", "while(1);", ")]}'"}

// normalizeJSON returns text as valid JSON, stripping at most one leading
// hijack guard. ok is false when text is not JSON either way.
func normalizeJSON(text string, prefixes []string) (string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return trimmed, true
	}
	for _, p := range prefixes {
		if !strings.HasPrefix(trimmed, p) {
			continue
		}
		stripped := strings.TrimSpace(strings.TrimPrefix(trimmed, p))
		if stripped != "" && json.Valid([]byte(stripped)) {
			return stripped, true
		}
		return "", false
	}
	return "", false
}

// DeepFind searches a decoded JSON tree for key and returns the first
// value found. Object keys are checked before descending, and sibling
// subtrees are visited in key order.
func DeepFind(tree any, key string) (any, bool) {
	switch v := tree.(type) {
	case map[string]any:
		if val, ok := v[key]; ok {
			return val, true
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if val, ok := DeepFind(v[k], key); ok {
				return val, true
			}
		}
	case []any:
		for _, item := range v {
			if val, ok := DeepFind(item, key); ok {
				return val, true
			}
		}
	}
	return nil, false
}

// DecodeJSON decodes text into a generic tree, tolerating hijack guards.
func DecodeJSON(text string) (any, bool) {
	normalized, ok := normalizeJSON(text, DefaultHijackPrefixes)
	if !ok {
		return nil, false
	}
	var tree any
	if err := json.Unmarshal([]byte(normalized), &tree); err != nil {
		return nil, false
	}
	return tree, true
}
