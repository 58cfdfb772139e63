// Package prompt ships the system prompt that teaches the agent the window
// command protocol.
package prompt

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

//go:embed system.md
var system string

// Default returns the embedded system prompt.
func Default() string {
	return strings.TrimSpace(system)
}

// Load returns the prompt stored at path, or the embedded prompt when path
// is empty.
func Load(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("system prompt %s is empty", path)
	}
	return text, nil
}
