package utils

import (
	"strings"
)

// NormalizeList trims entries and removes blanks and duplicates, keeping order.
func NormalizeList(items []string) []string {
	out := make([]string, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		trimmed := strings.TrimSpace(item)
		if trimmed == "" {
			continue
		}
		if _, dup := seen[trimmed]; dup {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

// Truncate shortens identifiers such as fingerprints for log output.
func Truncate(value string, n int) string {
	if len(value) <= n {
		return value
	}
	return value[:n]
}
