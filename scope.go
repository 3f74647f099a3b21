package oauth

import "strings"

// ScopeToList splits a space-delimited scope string into unique scopes,
// preserving first-seen order.
func ScopeToList(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// ListToScope joins scopes into the wire format.
func ListToScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopesSubset reports whether every scope in requested appears in allowed.
func ScopesSubset(requested, allowed []string) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, s := range allowed {
		set[s] = struct{}{}
	}
	for _, s := range requested {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
