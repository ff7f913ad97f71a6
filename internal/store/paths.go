package store

import (
	"strings"
)

const reservedKeyChars = ".#$[]/"

// Split breaks a slash separated path into keys, ignoring empty segments.
func Split(path string) []string {
	raw := strings.Split(path, "/")
	parts := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

// Join joins keys into a path.
func Join(parts ...string) string {
	return strings.Join(Split(strings.Join(parts, "/")), "/")
}

// Clean normalizes path, rejecting empty paths and reserved characters.
func Clean(path string) (string, error) {
	parts := Split(path)
	if len(parts) == 0 {
		return "", ErrInvalidPath
	}
	for _, p := range parts {
		if !ValidKey(p) {
			return "", ErrInvalidPath
		}
	}
	return strings.Join(parts, "/"), nil
}

// ValidKey reports whether k can be used as a single path segment.
func ValidKey(k string) bool {
	return k != "" && !strings.ContainsAny(k, reservedKeyChars)
}

// IsAncestorOrEqual reports whether a is b or one of its ancestors.
func IsAncestorOrEqual(a, b string) bool {
	if a == b {
		return true
	}
	return strings.HasPrefix(b, a+"/")
}

// Related reports whether a mutation at mutated can change the snapshot at watched.
func Related(watched, mutated string) bool {
	return IsAncestorOrEqual(watched, mutated) || IsAncestorOrEqual(mutated, watched)
}

// Rel returns the path of child relative to parent, or false if it is not below it.
func Rel(parent, child string) (string, bool) {
	if parent == child {
		return "", true
	}
	if !strings.HasPrefix(child, parent+"/") {
		return "", false
	}
	return child[len(parent)+1:], true
}
