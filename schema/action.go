package schema

import (
	"crypto/sha256"
	"encoding/hex"
)

// ActionType discriminates the structured commands recovered from agent text.
type ActionType string

const (
	// ActionWindowNew creates (or replaces) a window.
	ActionWindowNew ActionType = "WINDOW_NEW"
	// ActionWindowUpdate replaces the HTML content of a window.
	ActionWindowUpdate ActionType = "WINDOW_UPDATE"
	// ActionWindowScript attaches a script to a window.
	ActionWindowScript ActionType = "WINDOW_SCRIPT"
	// ActionWindowClose removes a window.
	ActionWindowClose ActionType = "WINDOW_CLOSE"
)

// Action is one structured command. Fields not used by the type stay empty.
type Action struct {
	Type    ActionType `json:"type"`
	ID      WindowID   `json:"id"`
	Title   string     `json:"title,omitempty"`
	Size    WindowSize `json:"size,omitempty"`
	Content string     `json:"content,omitempty"`
	Script  string     `json:"script,omitempty"`
}

// NewWindowAction builds a WINDOW_NEW action.
func NewWindowAction(id WindowID, title string, size WindowSize) Action {
	return Action{Type: ActionWindowNew, ID: id, Title: title, Size: size}
}

// UpdateWindowAction builds a WINDOW_UPDATE action.
func UpdateWindowAction(id WindowID, content string) Action {
	return Action{Type: ActionWindowUpdate, ID: id, Content: content}
}

// ScriptWindowAction builds a WINDOW_SCRIPT action.
func ScriptWindowAction(id WindowID, script string) Action {
	return Action{Type: ActionWindowScript, ID: id, Script: script}
}

// CloseWindowAction builds a WINDOW_CLOSE action.
func CloseWindowAction(id WindowID) Action {
	return Action{Type: ActionWindowClose, ID: id}
}

// Key returns a structural identity used to suppress re-emission of the same
// action when a growing buffer is rescanned.
func (a Action) Key() string {
	h := sha256.New()
	for _, part := range []string{a.Title, string(a.Size), a.Content, a.Script} {
		_, _ = h.Write([]byte(part))
		_, _ = h.Write([]byte{0})
	}
	return string(a.Type) + ":" + string(a.ID) + ":" + hex.EncodeToString(h.Sum(nil)[:16])
}
