// Package tools runs the allow-listed backend tools and sanitizes their
// output before it reaches a model or a client.
package tools

import (
	"regexp"
	"strings"
)

// deniedKeys are dropped on exact (lowercased) match.
var deniedKeys = map[string]struct{}{
	"internal":       {},
	"debug":          {},
	"secrets":        {},
	"tokens":         {},
	"token":          {},
	"key":            {},
	"api_key":        {},
	"secret":         {},
	"db_id":          {},
	"user_id":        {},
	"service_config": {},
}

// deniedPattern catches credential-like key names the exact set misses.
var deniedPattern = regexp.MustCompile(`(?i)(token|secret|api[_-]?key|private[_-]?key|password|cookie|authorization)`)

// DeniedKey reports whether a key must be dropped.
func DeniedKey(key string) bool {
	if _, ok := deniedKeys[strings.ToLower(key)]; ok {
		return true
	}
	return deniedPattern.MatchString(key)
}

// RedactDeep removes denied keys from v recursively. Objects and arrays are
// rebuilt; primitives pass unchanged. The second result reports whether
// anything was dropped. Denied entries are dropped, never rewritten.
func RedactDeep(v any) (any, bool) {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		applied := false
		for k, child := range val {
			if DeniedKey(k) {
				applied = true
				continue
			}
			cleaned, childApplied := RedactDeep(child)
			applied = applied || childApplied
			out[k] = cleaned
		}
		return out, applied
	case []any:
		out := make([]any, len(val))
		applied := false
		for i, child := range val {
			cleaned, childApplied := RedactDeep(child)
			applied = applied || childApplied
			out[i] = cleaned
		}
		return out, applied
	default:
		return v, false
	}
}
