package modhost

import (
	"fmt"
	"strings"
)

// ValidatePattern checks a subscription pattern against the event naming
// contract. Patterns are dot-segmented. Every segment must be a non-empty
// literal, except that the final segment may be the wildcard "*", which
// matches one or more trailing segments. A wildcard anywhere else, or a
// wildcard embedded in a literal ("mod*"), is rejected.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: pattern is empty", ErrInvalidPattern)
	}
	segments := strings.Split(pattern, ".")
	for i, segment := range segments {
		if segment == "" {
			return fmt.Errorf("%w: %q contains an empty segment", ErrInvalidPattern, pattern)
		}
		if !strings.Contains(segment, "*") {
			continue
		}
		if segment != "*" {
			return fmt.Errorf("%w: %q embeds a wildcard in a literal segment", ErrInvalidPattern, pattern)
		}
		if i != len(segments)-1 {
			return fmt.Errorf("%w: %q uses a wildcard before the final segment", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// MatchPattern reports whether an event name matches a pattern. A pattern
// without a wildcard matches only the identical name. A trailing ".*"
// matches one or more additional segments: "module.*" matches
// "module.loaded" and "module.error.timeout" but not "moduleX.loaded".
// The bare pattern "*" matches every non-empty name. The pattern is
// assumed to have passed ValidatePattern.
func MatchPattern(pattern, name string) bool {
	if pattern == name {
		return true
	}
	if pattern == "*" {
		return name != ""
	}
	prefix, ok := strings.CutSuffix(pattern, ".*")
	if !ok {
		return false
	}
	// One or more segments must follow the prefix.
	return len(name) > len(prefix)+1 && strings.HasPrefix(name, prefix+".")
}
