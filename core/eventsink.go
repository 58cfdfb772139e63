package core

import (
	"time"

	"pkt.systems/imagine/schema"
)

// SessionSink observes session lifecycles. Calls for one session are made
// from the session goroutine, in order, and delay delivery to the consumer
// while they run. Sinks must not wait on the consumer or the network;
// OnSessionEnd may do bounded local work such as writing a file, and it
// completes before the session reports io.EOF.
type SessionSink interface {
	OnSessionStart(info SessionInfo)
	OnSessionMessage(id schema.SessionID, msg schema.AgentMessage)
	OnSessionEnd(summary SessionSummary)
}

// SessionInfo describes a session that has just started.
type SessionInfo struct {
	ID        schema.SessionID
	Prompt    string
	StartedAt time.Time
}

// SessionSummary describes a finished session.
type SessionSummary struct {
	ID         schema.SessionID
	Prompt     string
	StartedAt  time.Time
	FinishedAt time.Time
	// Terminal is the last message of the session.
	Terminal schema.AgentMessage
	Actions  []schema.Action
}

// MultiSink fans session events out to several sinks.
type MultiSink []SessionSink

// OnSessionStart implements SessionSink.
func (m MultiSink) OnSessionStart(info SessionInfo) {
	for _, sink := range m {
		if sink != nil {
			sink.OnSessionStart(info)
		}
	}
}

// OnSessionMessage implements SessionSink.
func (m MultiSink) OnSessionMessage(id schema.SessionID, msg schema.AgentMessage) {
	for _, sink := range m {
		if sink != nil {
			sink.OnSessionMessage(id, msg)
		}
	}
}

// OnSessionEnd implements SessionSink.
func (m MultiSink) OnSessionEnd(summary SessionSummary) {
	for _, sink := range m {
		if sink != nil {
			sink.OnSessionEnd(summary)
		}
	}
}
