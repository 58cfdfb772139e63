package schema

import "strings"

// NormalizeWindowID validates a window id. Allowed characters: A-Z, a-z, 0-9, '_', '-'.
func NormalizeWindowID(id string) (WindowID, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", ErrInvalidWindowID
	}
	for _, r := range trimmed {
		if !isWindowIDRune(r) {
			return "", ErrInvalidWindowID
		}
	}
	return WindowID(trimmed), nil
}

// NormalizeSessionID validates a caller-supplied session id using the window
// id charset. An empty id is returned as is so the orchestrator assigns one.
func NormalizeSessionID(id string) (SessionID, error) {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return "", nil
	}
	for _, r := range trimmed {
		if !isWindowIDRune(r) {
			return "", ErrInvalidSessionID
		}
	}
	return SessionID(trimmed), nil
}

// ParseWindowSize maps a size token to a WindowSize, defaulting to md.
func ParseWindowSize(value string) WindowSize {
	size := WindowSize(strings.ToLower(strings.TrimSpace(value)))
	if size.Valid() {
		return size
	}
	return DefaultWindowSize
}

func isWindowIDRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	default:
		return false
	}
}
