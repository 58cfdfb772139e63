// Package notify keeps user-visible error notifications with bounded retry.
package notify

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// ErrorType classifies a notification.
type ErrorType string

const (
	TypeNetwork ErrorType = "network"
	TypeAgent   ErrorType = "agent"
	TypeParsing ErrorType = "parsing"
	TypeUnknown ErrorType = "unknown"
)

const (
	// DefaultMaxRetries caps Retry per entry.
	DefaultMaxRetries = 3
	// DefaultTTL is how long an entry lives before Sweep drops it.
	DefaultTTL = 30 * time.Second
	// DefaultRetryDelay is the pause before a network error is retried.
	DefaultRetryDelay = 2 * time.Second
)

var (
	ErrNotFound         = errors.New("notification not found")
	ErrNotRecoverable   = errors.New("notification is not recoverable")
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// ErrorState is one notification.
type ErrorState struct {
	ID          string    `json:"id"`
	Type        ErrorType `json:"type"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
	RetryCount  int       `json:"retryCount"`
}

// Options configures a Store. Zero values select defaults.
type Options struct {
	MaxRetries int
	TTL        time.Duration
	RetryDelay time.Duration
	Now        func() time.Time
	Logger     pslog.Logger
}

// Store holds notifications keyed by id.
type Store struct {
	mu         sync.Mutex
	entries    map[string]*ErrorState
	maxRetries int
	ttl        time.Duration
	retryDelay time.Duration
	now        func() time.Time
	log        pslog.Logger
}

// New returns an empty store.
func New(opts Options) *Store {
	s := &Store{
		entries:    make(map[string]*ErrorState),
		maxRetries: opts.MaxRetries,
		ttl:        opts.TTL,
		retryDelay: opts.RetryDelay,
		now:        opts.Now,
		log:        opts.Logger,
	}
	if s.maxRetries <= 0 {
		s.maxRetries = DefaultMaxRetries
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.retryDelay <= 0 {
		s.retryDelay = DefaultRetryDelay
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.log == nil {
		s.log = pslog.Ctx(context.Background())
	}
	return s
}

// Add records a notification and returns its id.
func (s *Store) Add(typ ErrorType, message string, recoverable bool) string {
	id := uuid.NewString()
	s.mu.Lock()
	s.entries[id] = &ErrorState{
		ID:          id,
		Type:        typ,
		Message:     message,
		Timestamp:   s.now(),
		Recoverable: recoverable,
	}
	s.mu.Unlock()
	s.log.Debug("notification added", "id", id, "type", string(typ), "recoverable", recoverable)
	return id
}

// Remove drops id. Unknown ids are ignored.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Get returns a copy of the entry.
func (s *Store) Get(id string) (ErrorState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return ErrorState{}, false
	}
	return *e, true
}

// List returns all entries, oldest first.
func (s *Store) List() []ErrorState {
	s.mu.Lock()
	out := make([]ErrorState, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	clear(s.entries)
	s.mu.Unlock()
}

// ClearOlderThan drops entries older than age and returns how many went.
func (s *Store) ClearOlderThan(age time.Duration) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, e := range s.entries {
		if now.Sub(e.Timestamp) > age {
			delete(s.entries, id)
			n++
		}
	}
	return n
}

// Sweep drops entries past the store TTL.
func (s *Store) Sweep() int {
	return s.ClearOlderThan(s.ttl)
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log.Trace("notifications expired", "count", n)
			}
		}
	}
}

// Retry runs fn for a recoverable entry. The entry is removed when fn
// succeeds and marked unrecoverable once the retry budget is spent.
func (s *Store) Retry(ctx context.Context, id string, fn func(context.Context) error) error {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if !e.Recoverable {
		s.mu.Unlock()
		return ErrNotRecoverable
	}
	if e.RetryCount >= s.maxRetries {
		s.mu.Unlock()
		return ErrRetriesExhausted
	}
	e.RetryCount++
	attempt := e.RetryCount
	s.mu.Unlock()

	log := s.log.With("id", id, "attempt", attempt)
	if err := fn(ctx); err != nil {
		log.Warn("notification retry failed", "err", err)
		s.mu.Lock()
		if cur, ok := s.entries[id]; ok && cur.RetryCount >= s.maxRetries {
			cur.Recoverable = false
		}
		s.mu.Unlock()
		return err
	}
	log.Debug("notification retry succeeded")
	s.Remove(id)
	return nil
}
