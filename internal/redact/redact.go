// Package redact masks secret-bearing keys in structured values before they
// are shown to a user or an agent. It is a read-time transform: callers pass a
// copy of what they intend to render and the stored records are never touched.
package redact

import (
	"strings"

	"forge/internal/domain"
)

// Placeholder replaces every sensitive value.
const Placeholder = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"token":         {},
	"accesstoken":   {},
	"apikey":        {},
	"secret":        {},
	"appsecret":     {},
	"authorization": {},
	"bearer":        {},
	"password":      {},
}

var sensitiveSuffixes = []string{"token", "secret", "apikey", "password"}

// IsSensitiveKey reports whether values under key must be masked. Matching
// ignores case, underscores and dashes, so "access_token" and "AccessToken"
// are treated alike, and compound names such as "botToken" are covered.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	k = strings.NewReplacer("_", "", "-", "").Replace(k)
	if _, ok := sensitiveKeys[k]; ok {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}

// Value returns a deep copy of v with sensitive keys masked at any depth.
// v is expected to be JSON-shaped: maps, slices and scalars.
func Value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Map(t)
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			if IsSensitiveKey(k) && s != "" {
				out[k] = Placeholder
				continue
			}
			out[k] = s
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Value(item)
		}
		return out
	case []map[string]any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Map(item)
		}
		return out
	default:
		return v
	}
}

// Map is Value specialised to objects. A nil map stays nil.
func Map(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) && !isEmpty(v) {
			out[k] = Placeholder
			continue
		}
		out[k] = Value(v)
	}
	return out
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	default:
		return false
	}
}

// Rule returns a copy of r safe to render.
func Rule(r domain.ForgeRule) domain.ForgeRule {
	r.TriggerConfig = Map(r.TriggerConfig)
	r.ActionConfig = Map(r.ActionConfig)
	return r
}

// Run returns a copy of run safe to render.
func Run(run domain.ForgeRun) domain.ForgeRun {
	run.TriggerPayload = Map(run.TriggerPayload)
	run.ActionPayload = Map(run.ActionPayload)
	return run
}

// Rules applies Rule to every element.
func Rules(items []domain.ForgeRule) []domain.ForgeRule {
	out := make([]domain.ForgeRule, 0, len(items))
	for _, r := range items {
		out = append(out, Rule(r))
	}
	return out
}

// Runs applies Run to every element.
func Runs(items []domain.ForgeRun) []domain.ForgeRun {
	out := make([]domain.ForgeRun, 0, len(items))
	for _, r := range items {
		out = append(out, Run(r))
	}
	return out
}
