// Package strings holds small helpers for string-typed values.
package strings

import (
	"strings"
)

// DedupeAndTrim trims each value and drops empties and repeats, keeping the
// first occurrence. It works on any string-based type, so query parameters
// can be parsed straight into domain values.
func DedupeAndTrim[S ~string](values []S) []S {
	if len(values) == 0 {
		return values
	}

	seen := make(map[S]struct{}, len(values))
	result := make([]S, 0, len(values))
	for _, v := range values {
		trimmed := S(strings.TrimSpace(string(v)))
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}

// SplitList splits every value on commas, so "a,b" and repeated parameters
// are read the same way, then applies DedupeAndTrim.
func SplitList[S ~string](values []string) []S {
	var parts []S
	for _, v := range values {
		for part := range strings.SplitSeq(v, ",") {
			parts = append(parts, S(part))
		}
	}
	return DedupeAndTrim(parts)
}
