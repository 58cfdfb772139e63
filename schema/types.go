package schema

// WindowID identifies a window on the desktop. It is supplied by the agent.
type WindowID string

// SessionID identifies one prompt-to-completion agent run.
type SessionID string

// WindowStatus is the lifecycle marker of a window.
type WindowStatus string

const (
	// WindowCreating marks a window that has no content yet.
	WindowCreating WindowStatus = "creating"
	// WindowLoading marks a window waiting on agent content.
	WindowLoading WindowStatus = "loading"
	// WindowReady marks a window holding content.
	WindowReady WindowStatus = "ready"
	// WindowError marks a window whose content failed.
	WindowError WindowStatus = "error"
)

// WindowSize is the symbolic size requested by the agent.
type WindowSize string

const (
	// SizeSmall is 400x300.
	SizeSmall WindowSize = "sm"
	// SizeMedium is 600x400.
	SizeMedium WindowSize = "md"
	// SizeLarge is 800x600.
	SizeLarge WindowSize = "lg"
	// SizeXLarge is 1000x700.
	SizeXLarge WindowSize = "xl"
)

// DefaultWindowSize is used when the agent omits or garbles a size.
const DefaultWindowSize = SizeMedium

var windowDimensions = map[WindowSize]Size{
	SizeSmall:  {Width: 400, Height: 300},
	SizeMedium: {Width: 600, Height: 400},
	SizeLarge:  {Width: 800, Height: 600},
	SizeXLarge: {Width: 1000, Height: 700},
}

// Dimensions returns the pixel geometry for the size, falling back to md.
func (s WindowSize) Dimensions() Size {
	if dims, ok := windowDimensions[s]; ok {
		return dims
	}
	return windowDimensions[DefaultWindowSize]
}

// Valid reports whether s is one of the known sizes.
func (s WindowSize) Valid() bool {
	_, ok := windowDimensions[s]
	return ok
}

// Point is a window position in pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Size is a window geometry in pixels.
type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Window is one draggable surface holding agent-generated content.
type Window struct {
	ID          WindowID     `json:"id"`
	Title       string       `json:"title"`
	Status      WindowStatus `json:"status"`
	Content     *string      `json:"content"`
	Script      string       `json:"script,omitempty"`
	Position    Point        `json:"position"`
	Size        Size         `json:"size"`
	ZIndex      int          `json:"zIndex"`
	IsMinimized bool         `json:"isMinimized"`
	IsMaximized bool         `json:"isMaximized"`
}

// Clone returns a deep copy safe to hand out of a store.
func (w Window) Clone() Window {
	out := w
	if w.Content != nil {
		content := *w.Content
		out.Content = &content
	}
	return out
}

// ImagineRequest is the body accepted by the imagine endpoint.
type ImagineRequest struct {
	Prompt    string    `json:"prompt"`
	SessionID SessionID `json:"sessionId,omitempty"`
	MaxTokens int       `json:"maxTokens,omitempty"`
}
