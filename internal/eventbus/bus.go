package eventbus

import (
	"context"
	"sync"

	"pkt.systems/imagine/internal/windows"
	"pkt.systems/pslog"
)

// Bus fans window store events out to subscribers.
type Bus struct {
	mu    sync.Mutex
	subs  map[chan windows.Event]struct{}
	log   pslog.Logger
	depth int
}

// New constructs a Bus.
func New(logger pslog.Logger) *Bus {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Bus{
		subs:  make(map[chan windows.Event]struct{}),
		log:   logger,
		depth: 256,
	}
}

// Subscribe registers a subscriber and returns a channel + cancel.
func (b *Bus) Subscribe() (<-chan windows.Event, func()) {
	if b == nil {
		return nil, func() {}
	}
	ch := make(chan windows.Event, b.depth)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	count := len(b.subs)
	b.mu.Unlock()
	if b.log != nil {
		b.log.Debug("eventbus subscribe", "subs", count)
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
			if b.log != nil {
				b.log.Debug("eventbus unsubscribe")
			}
		})
	}
}

// OnWindowEvent implements windows.Sink. It never blocks; a full
// subscriber misses the event.
func (b *Bus) OnWindowEvent(event windows.Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) == 0 {
		return
	}
	dropped := 0
	for sub := range b.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	if dropped > 0 && b.log != nil {
		b.log.With("window", event.Window.ID).Trace("eventbus dropped", "count", dropped)
	}
}
