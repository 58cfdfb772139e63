package httpapi

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"pkt.systems/imagine/core"
	"pkt.systems/imagine/internal/logx"
	"pkt.systems/imagine/schema"
)

const (
	defaultHubHistory  = 1000
	defaultHubSessions = 32
	subscriberDepth    = 256
)

// StreamEvent is one numbered session message.
type StreamEvent struct {
	Seq     uint64
	Message schema.AgentMessage
}

// SessionState summarizes a session known to the hub.
type SessionState struct {
	ID        schema.SessionID `json:"id"`
	Prompt    string           `json:"prompt"`
	StartedAt time.Time        `json:"startedAt"`
	Finished  bool             `json:"finished"`
	LastSeq   uint64           `json:"lastSeq"`
}

// Hub keeps a bounded, numbered history per session and fans live
// messages out to replay subscribers. It implements core.SessionSink.
type Hub struct {
	mu          sync.Mutex
	sessions    map[schema.SessionID]*sessionHub
	finished    []schema.SessionID
	historySize int
	maxFinished int
}

// NewHub constructs a hub. Non-positive sizes select the defaults.
func NewHub(historySize, maxFinished int) *Hub {
	if historySize <= 0 {
		historySize = defaultHubHistory
	}
	if maxFinished <= 0 {
		maxFinished = defaultHubSessions
	}
	return &Hub{
		sessions:    make(map[schema.SessionID]*sessionHub),
		historySize: historySize,
		maxFinished: maxFinished,
	}
}

// OnSessionStart implements core.SessionSink.
func (h *Hub) OnSessionStart(info core.SessionInfo) {
	h.mu.Lock()
	if sh := h.sessions[info.ID]; sh != nil && sh.done {
		h.forgetLocked(info.ID)
	}
	sh := h.getOrCreateLocked(info.ID)
	sh.prompt = info.Prompt
	sh.startedAt = info.StartedAt
	h.mu.Unlock()
	logx.WithSession(context.Background(), info.ID).Trace("hub session start")
}

// OnSessionMessage implements core.SessionSink.
func (h *Hub) OnSessionMessage(id schema.SessionID, msg schema.AgentMessage) {
	h.publish(id, msg)
}

// OnSessionEnd implements core.SessionSink. Subscribers are released and
// the oldest finished sessions are evicted beyond the cap.
func (h *Hub) OnSessionEnd(summary core.SessionSummary) {
	h.mu.Lock()
	sh := h.getOrCreateLocked(summary.ID)
	sh.done = true
	for ch := range sh.subs {
		delete(sh.subs, ch)
		close(ch)
	}
	h.finished = append(h.finished, summary.ID)
	evicted := 0
	for len(h.finished) > h.maxFinished {
		oldest := h.finished[0]
		h.finished = h.finished[1:]
		delete(h.sessions, oldest)
		evicted++
	}
	h.mu.Unlock()
	log := logx.WithSession(context.Background(), summary.ID)
	log.Trace("hub session end", "evicted", evicted)
}

// Subscribe returns the history after seq and a live channel for the rest
// of the session. The channel is closed when the session ends; for a
// finished session it is already closed. ok is false for unknown sessions.
func (h *Hub) Subscribe(id schema.SessionID, after uint64) (replay []StreamEvent, live <-chan StreamEvent, unsub func(), ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.sessions[id]
	if sh == nil {
		return nil, nil, func() {}, false
	}
	replay = sh.after(after)
	ch := make(chan StreamEvent, subscriberDepth)
	if sh.done {
		close(ch)
		return replay, ch, func() {}, true
	}
	sh.subs[ch] = struct{}{}
	logx.WithSession(context.Background(), id).Debug("hub subscribe", "subs", len(sh.subs), "replay", len(replay))
	unsub = func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := sh.subs[ch]; ok {
			delete(sh.subs, ch)
			close(ch)
		}
	}
	return replay, ch, unsub, true
}

// Replay returns events after seq.
func (h *Hub) Replay(id schema.SessionID, after uint64) []StreamEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.sessions[id]
	if sh == nil {
		return nil
	}
	return sh.after(after)
}

// Reserve claims id for a session about to start. It reports false when a
// session with that id is still running. A finished session with the same
// id is discarded.
func (h *Hub) Reserve(id schema.SessionID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sh := h.sessions[id]; sh != nil {
		if !sh.done {
			return false
		}
		h.forgetLocked(id)
	}
	h.getOrCreateLocked(id)
	return true
}

// Release drops a reservation whose session never started.
func (h *Hub) Release(id schema.SessionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.sessions[id]
	if sh == nil || sh.done || sh.seq > 0 || !sh.startedAt.IsZero() {
		return
	}
	for ch := range sh.subs {
		close(ch)
	}
	delete(h.sessions, id)
}

// Running reports whether id is a session that has not finished.
func (h *Hub) Running(id schema.SessionID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sh := h.sessions[id]
	return sh != nil && !sh.done
}

// Sessions lists known sessions, oldest first.
func (h *Hub) Sessions() []SessionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]SessionState, 0, len(h.sessions))
	for id, sh := range h.sessions {
		out = append(out, SessionState{
			ID:        id,
			Prompt:    sh.prompt,
			StartedAt: sh.startedAt,
			Finished:  sh.done,
			LastSeq:   sh.seq,
		})
	}
	sortSessions(out)
	return out
}

func (h *Hub) publish(id schema.SessionID, msg schema.AgentMessage) {
	h.mu.Lock()
	sh := h.getOrCreateLocked(id)
	sh.seq++
	event := StreamEvent{Seq: sh.seq, Message: msg}
	sh.history = append(sh.history, event)
	if len(sh.history) > h.historySize {
		sh.history = sh.history[len(sh.history)-h.historySize:]
	}
	dropped := 0
	for sub := range sh.subs {
		select {
		case sub <- event:
		default:
			dropped++
		}
	}
	h.mu.Unlock()

	if dropped > 0 {
		logx.WithSession(context.Background(), id).Warn("hub event dropped", "type", msg.Type, "seq", event.Seq, "dropped", dropped)
	}
}

func (h *Hub) forgetLocked(id schema.SessionID) {
	delete(h.sessions, id)
	h.finished = slices.DeleteFunc(h.finished, func(f schema.SessionID) bool { return f == id })
}

func (h *Hub) getOrCreateLocked(id schema.SessionID) *sessionHub {
	sh := h.sessions[id]
	if sh == nil {
		sh = &sessionHub{subs: make(map[chan StreamEvent]struct{})}
		h.sessions[id] = sh
	}
	return sh
}

type sessionHub struct {
	prompt    string
	startedAt time.Time
	seq       uint64
	history   []StreamEvent
	subs      map[chan StreamEvent]struct{}
	done      bool
}

func (sh *sessionHub) after(seq uint64) []StreamEvent {
	events := make([]StreamEvent, 0, len(sh.history))
	for _, event := range sh.history {
		if event.Seq > seq {
			events = append(events, event)
		}
	}
	return events
}

func sortSessions(states []SessionState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].StartedAt.Equal(states[j].StartedAt) {
			return states[i].ID < states[j].ID
		}
		return states[i].StartedAt.Before(states[j].StartedAt)
	})
}
