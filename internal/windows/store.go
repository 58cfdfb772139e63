// Package windows holds the in-memory window collection driven by agent
// actions.
package windows

import (
	"math/rand/v2"
	"sort"
	"sync"

	"pkt.systems/imagine/schema"
)

// EventType identifies a store mutation.
type EventType string

const (
	// EventCreated is emitted when a window is created or replaced.
	EventCreated EventType = "created"
	// EventUpdated is emitted for content, script, geometry and flag changes.
	EventUpdated EventType = "updated"
	// EventFocused is emitted when a window is raised.
	EventFocused EventType = "focused"
	// EventClosed is emitted when a window is removed.
	EventClosed EventType = "closed"
)

// Event describes one effective mutation. Window is a copy taken after the
// change; for EventClosed it is the removed window.
type Event struct {
	Type   EventType     `json:"type"`
	Window schema.Window `json:"window"`
}

// Sink receives store events. It is called with the store lock held and
// must not call back into the store.
type Sink interface {
	OnWindowEvent(event Event)
}

// Default geometry.
const (
	DefaultViewportWidth  = 1440
	DefaultViewportHeight = 900
	DefaultJitter         = 50
)

// Options configures a Store.
type Options struct {
	Viewport schema.Size
	// Jitter is the exclusive upper bound of the random offset per axis.
	// Zero selects DefaultJitter and a negative value disables the offset.
	Jitter float64
	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
	Sink Sink
}

// Store is a keyed window collection. All operations are serialized and
// unknown ids are silent no-ops.
type Store struct {
	mu      sync.Mutex
	windows map[schema.WindowID]*schema.Window
	maxZ    int
	opts    Options
}

// New constructs a Store.
func New(opts Options) *Store {
	if opts.Viewport.Width <= 0 || opts.Viewport.Height <= 0 {
		opts.Viewport = schema.Size{Width: DefaultViewportWidth, Height: DefaultViewportHeight}
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	} else if opts.Jitter == 0 {
		opts.Jitter = DefaultJitter
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Store{
		windows: make(map[schema.WindowID]*schema.Window),
		maxZ:    1,
		opts:    opts,
	}
}

// Create inserts or replaces a window. The new window is centered with a
// small random offset and stacked above every other window. Ids outside
// [A-Za-z0-9_-] are rejected with schema.ErrInvalidWindowID.
func (s *Store) Create(rawID schema.WindowID, title string, size schema.WindowSize) (schema.Window, error) {
	id, err := schema.NormalizeWindowID(string(rawID))
	if err != nil {
		return schema.Window{}, err
	}
	dims := schema.ParseWindowSize(string(size)).Dimensions()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxZ++
	win := &schema.Window{
		ID:     id,
		Title:  title,
		Status: schema.WindowCreating,
		Position: schema.Point{
			X: (s.opts.Viewport.Width-dims.Width)/2 + s.opts.Rand()*s.opts.Jitter,
			Y: (s.opts.Viewport.Height-dims.Height)/2 + s.opts.Rand()*s.opts.Jitter,
		},
		Size:   dims,
		ZIndex: s.maxZ,
	}
	s.windows[id] = win
	s.emit(EventCreated, win)
	return win.Clone(), nil
}

// Update sets the content and marks the window ready.
func (s *Store) Update(id schema.WindowID, content string) bool {
	return s.mutate(id, EventUpdated, func(w *schema.Window) {
		w.Status = schema.WindowReady
		w.Content = &content
	})
}

// SetScript attaches a script without touching status or content.
func (s *Store) SetScript(id schema.WindowID, script string) bool {
	return s.mutate(id, EventUpdated, func(w *schema.Window) {
		w.Script = script
	})
}

// Close removes a window.
func (s *Store) Close(id schema.WindowID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	win, ok := s.windows[id]
	if !ok {
		return false
	}
	delete(s.windows, id)
	s.emit(EventClosed, win)
	return true
}

// Focus raises a window above all others.
func (s *Store) Focus(id schema.WindowID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	win, ok := s.windows[id]
	if !ok {
		return false
	}
	s.maxZ++
	win.ZIndex = s.maxZ
	s.emit(EventFocused, win)
	return true
}

// Move overwrites the stored position. Clamping is the caller's job.
func (s *Store) Move(id schema.WindowID, x, y float64) bool {
	return s.mutate(id, EventUpdated, func(w *schema.Window) {
		w.Position = schema.Point{X: x, Y: y}
	})
}

// Resize overwrites the stored size. Clamping is the caller's job.
func (s *Store) Resize(id schema.WindowID, width, height float64) bool {
	return s.mutate(id, EventUpdated, func(w *schema.Window) {
		w.Size = schema.Size{Width: width, Height: height}
	})
}

// ToggleMinimize flips the minimized flag.
func (s *Store) ToggleMinimize(id schema.WindowID) bool {
	return s.mutate(id, EventUpdated, func(w *schema.Window) {
		w.IsMinimized = !w.IsMinimized
	})
}

// ToggleMaximize flips the maximized flag. Position and size are kept for
// restore.
func (s *Store) ToggleMaximize(id schema.WindowID) bool {
	return s.mutate(id, EventUpdated, func(w *schema.Window) {
		w.IsMaximized = !w.IsMaximized
	})
}

// Get returns a copy of the window.
func (s *Store) Get(id schema.WindowID) (schema.Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	win, ok := s.windows[id]
	if !ok {
		return schema.Window{}, false
	}
	return win.Clone(), true
}

// List returns copies of all windows ordered from bottom to top.
func (s *Store) List() []schema.Window {
	s.mu.Lock()
	out := make([]schema.Window, 0, len(s.windows))
	for _, win := range s.windows {
		out = append(out, win.Clone())
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ZIndex == out[j].ZIndex {
			return out[i].ID < out[j].ID
		}
		return out[i].ZIndex < out[j].ZIndex
	})
	return out
}

// Len returns the number of live windows.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}

// MaxZIndex returns the current top of the shared z-index pool.
func (s *Store) MaxZIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxZ
}

// Apply maps an agent action onto the store. It reports whether a window
// was affected.
func (s *Store) Apply(action schema.Action) bool {
	switch action.Type {
	case schema.ActionWindowNew:
		_, err := s.Create(action.ID, action.Title, action.Size)
		return err == nil
	case schema.ActionWindowUpdate:
		return s.Update(action.ID, action.Content)
	case schema.ActionWindowScript:
		return s.SetScript(action.ID, action.Script)
	case schema.ActionWindowClose:
		return s.Close(action.ID)
	default:
		return false
	}
}

func (s *Store) mutate(id schema.WindowID, kind EventType, fn func(*schema.Window)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	win, ok := s.windows[id]
	if !ok {
		return false
	}
	fn(win)
	s.emit(kind, win)
	return true
}

func (s *Store) emit(kind EventType, win *schema.Window) {
	if s.opts.Sink == nil {
		return
	}
	s.opts.Sink.OnWindowEvent(Event{Type: kind, Window: win.Clone()})
}
