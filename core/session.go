package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/imagine/internal/logx"
	"pkt.systems/imagine/schema"
	"pkt.systems/pslog"
)

const sessionQueueDepth = 256

// Session is one prompt-to-completion run. It yields text and action
// messages followed by exactly one terminal message, then io.EOF.
type Session struct {
	id        schema.SessionID
	prompt    string
	started   time.Time
	orch      *Orchestrator
	log       pslog.Logger
	stream    MessageStream
	out       chan schema.AgentMessage
	closed    chan struct{}
	closeOnce sync.Once

	// Owned by the run goroutine.
	buffer    string
	seen      map[string]struct{}
	actions   []schema.Action
	terminal  *schema.AgentMessage
	compacted int
}

func newSession(id schema.SessionID, prompt string, started time.Time, orch *Orchestrator, log pslog.Logger) *Session {
	return &Session{
		id:      id,
		prompt:  prompt,
		started: started,
		orch:    orch,
		log:     log,
		out:     make(chan schema.AgentMessage, sessionQueueDepth),
		closed:  make(chan struct{}),
		seen:    make(map[string]struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() schema.SessionID {
	return s.id
}

// Next returns the next message, or io.EOF after the terminal message.
func (s *Session) Next(ctx context.Context) (schema.AgentMessage, error) {
	select {
	case <-ctx.Done():
		return schema.AgentMessage{}, ctx.Err()
	case msg, ok := <-s.out:
		if ok {
			return msg, nil
		}
		return schema.AgentMessage{}, io.EOF
	}
}

// Stop asks the agent process to terminate. The session still ends with a
// terminal message.
func (s *Session) Stop() {
	if s.stream != nil {
		s.stream.Stop()
	}
}

// Close abandons iteration and stops the agent. Sinks still observe the
// remainder of the session.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.Stop()
	})
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.out)
	defer func() {
		if s.stream != nil {
			_ = s.stream.Close()
		}
	}()
	defer s.finish()
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("session panic", "panic", rec)
			if s.terminal == nil {
				s.deliver(schema.ErrorMessage(fmt.Sprintf("agent session failed: %v", rec)))
			}
		}
	}()

	for {
		msg, err := s.stream.Next(ctx)
		if err != nil {
			if s.terminal != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				s.log.Warn("session stream ended without terminal message")
				s.deliver(schema.ErrorMessage("agent stream ended without a result"))
				return
			}
			s.log.Error("session stream failed", "err", err)
			s.deliver(schema.ErrorMessage(fmt.Sprintf("agent stream failed: %v", err)))
			return
		}
		if s.terminal != nil {
			s.log.Debug("session message after terminal ignored", "type", msg.Type)
			continue
		}
		switch msg.Type {
		case schema.MessageText:
			s.deliver(msg)
			s.buffer += msg.Text
			s.extract(false)
		case schema.MessageAction:
			if msg.Action != nil {
				s.emitAction(*msg.Action)
			}
		case schema.MessageError:
			s.deliver(msg)
		case schema.MessageComplete:
			s.extract(true)
			s.deliver(msg)
		default:
			s.log.Debug("session message ignored", "type", msg.Type)
		}
	}
}

func (s *Session) extract(final bool) {
	res := s.orch.extractor.Scan(s.buffer, final)
	for _, action := range res.Actions {
		s.emitAction(action)
	}
	if !final && len(s.buffer) > s.orch.cfg.MaxBufferBytes && res.Consumed > 0 {
		s.buffer = s.buffer[res.Consumed:]
		s.compacted += res.Consumed
		s.log.Debug("session buffer compacted", "dropped", res.Consumed, "retained", len(s.buffer))
	}
}

func (s *Session) emitAction(action schema.Action) {
	key := action.Key()
	if _, ok := s.seen[key]; ok {
		return
	}
	s.seen[key] = struct{}{}
	s.actions = append(s.actions, action)
	logx.WithAction(s.log, action).Debug("session action")
	s.deliver(schema.ActionMessage(action))
}

// deliver notifies the sink and queues msg for the consumer. Once the
// consumer has closed the session only the sink sees further messages.
func (s *Session) deliver(msg schema.AgentMessage) {
	if msg.IsTerminal() {
		terminal := msg
		s.terminal = &terminal
	}
	s.notify(msg)
	select {
	case s.out <- msg:
	case <-s.closed:
	}
}

func (s *Session) notify(msg schema.AgentMessage) {
	sink := s.orch.sink
	if sink == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("session sink panic", "panic", rec)
		}
	}()
	sink.OnSessionMessage(s.id, msg)
}

func (s *Session) finish() {
	finished := time.Now()
	summary := SessionSummary{
		ID:         s.id,
		Prompt:     s.prompt,
		StartedAt:  s.started,
		FinishedAt: finished,
		Actions:    append([]schema.Action(nil), s.actions...),
	}
	status := "unknown"
	if s.terminal != nil {
		summary.Terminal = *s.terminal
		status = string(s.terminal.Type)
	}
	s.log.Info("session finished",
		"status", status,
		"actions", len(s.actions),
		"compacted_bytes", s.compacted,
		"duration_ms", finished.Sub(s.started).Milliseconds(),
	)
	if sink := s.orch.sink; sink != nil {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error("session sink panic", "panic", rec)
			}
		}()
		sink.OnSessionEnd(summary)
	}
}
