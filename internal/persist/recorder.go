package persist

import (
	"strings"
	"sync"

	"pkt.systems/imagine/core"
	"pkt.systems/imagine/schema"
)

// Recorder saves a transcript for every finished session. It implements
// core.SessionSink. The save happens inside OnSessionEnd, so the transcript
// is on disk before the session stream reports io.EOF.
type Recorder struct {
	store *Store
	mu    sync.Mutex
	text  map[schema.SessionID]*strings.Builder
}

// NewRecorder returns a sink writing into store.
func NewRecorder(store *Store) *Recorder {
	return &Recorder{store: store, text: make(map[schema.SessionID]*strings.Builder)}
}

// OnSessionStart implements core.SessionSink.
func (r *Recorder) OnSessionStart(info core.SessionInfo) {
	r.mu.Lock()
	r.text[info.ID] = &strings.Builder{}
	r.mu.Unlock()
}

// OnSessionMessage implements core.SessionSink.
func (r *Recorder) OnSessionMessage(id schema.SessionID, msg schema.AgentMessage) {
	if msg.Type != schema.MessageText || msg.Text == schema.SessionStartText {
		return
	}
	r.mu.Lock()
	if b, ok := r.text[id]; ok {
		b.WriteString(msg.Text)
	}
	r.mu.Unlock()
}

// OnSessionEnd implements core.SessionSink.
func (r *Recorder) OnSessionEnd(summary core.SessionSummary) {
	r.mu.Lock()
	b := r.text[summary.ID]
	delete(r.text, summary.ID)
	r.mu.Unlock()

	t := Transcript{
		SessionID:  summary.ID,
		Prompt:     summary.Prompt,
		StartedAt:  summary.StartedAt,
		FinishedAt: summary.FinishedAt,
		Actions:    append([]schema.Action(nil), summary.Actions...),
	}
	switch summary.Terminal.Type {
	case schema.MessageComplete:
		t.Status = StatusComplete
		t.Output = summary.Terminal.Text
	default:
		// Keep whatever the agent printed before failing.
		t.Status = StatusError
		t.Error = summary.Terminal.Text
		if b != nil {
			t.Output = b.String()
		}
	}
	// Store logs its own failures.
	_ = r.store.Save(t)
}
