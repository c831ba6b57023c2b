package receiver

import "strings"

// isAllowed checks if the sender id matches the allowlist.
// Allowlist entries can be:
//   - "app.proxy.broker" - exact match
//   - "*.proxy.broker" - any app behind that proxy
//   - "app.*.broker" - that app name behind any proxy
//   - "*" - allow everything
//
// A "*" segment matches exactly one dot-separated segment, except in the
// last position where it matches the rest of the id (broker ids may contain
// dots).
func isAllowed(from string, allowList []string) bool {
	fromParts := strings.SplitN(from, ".", 3)

	for _, entry := range allowList {
		if entry == "*" {
			return true
		}
		if len(fromParts) != 3 {
			continue
		}
		parts := strings.SplitN(entry, ".", 3)
		if len(parts) != 3 {
			continue
		}
		if matchSegment(parts[0], fromParts[0]) &&
			matchSegment(parts[1], fromParts[1]) &&
			matchSegment(parts[2], fromParts[2]) {
			return true
		}
	}
	return false
}

func matchSegment(pattern, s string) bool {
	return pattern == "*" || pattern == s
}
