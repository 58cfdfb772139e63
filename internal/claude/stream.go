package claude

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"pkt.systems/imagine/schema"
	"pkt.systems/pslog"
)

// Stream is the message sequence of one agent process. Messages are queued
// without bound so the pipe reader never waits on the consumer.
type Stream struct {
	mu         sync.Mutex
	queue      []schema.AgentMessage
	done       bool
	closed     bool
	terminated bool
	notify     chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	pid      atomic.Int64
	log      pslog.Logger
}

func newStream(log pslog.Logger) *Stream {
	return &Stream{
		notify: make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		log:    log,
	}
}

// Next returns the next message. After the terminal message it returns io.EOF.
func (s *Stream) Next(ctx context.Context) (schema.AgentMessage, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = schema.AgentMessage{}
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.done || s.closed {
			s.mu.Unlock()
			return schema.AgentMessage{}, io.EOF
		}
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return schema.AgentMessage{}, ctx.Err()
		case <-s.notify:
		}
	}
}

// Stop requests termination of the process group. The terminal message
// reports the cancellation.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Close stops the process and discards undelivered messages.
func (s *Stream) Close() error {
	s.Stop()
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
	s.signal()
	return nil
}

// Pid returns the process id, or 0 before the process has started.
func (s *Stream) Pid() int {
	return int(s.pid.Load())
}

func (s *Stream) stopped() <-chan struct{} {
	return s.stopCh
}

// push queues msg. Nothing is queued after a terminal message.
func (s *Stream) push(msg schema.AgentMessage) bool {
	s.mu.Lock()
	if s.terminated || s.done {
		s.mu.Unlock()
		if s.log != nil {
			s.log.Debug("agent message after terminal dropped", "type", msg.Type)
		}
		return false
	}
	if msg.IsTerminal() {
		s.terminated = true
	}
	if !s.closed {
		s.queue = append(s.queue, msg)
	}
	s.mu.Unlock()
	s.signal()
	return true
}

func (s *Stream) end() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func previewText(value string, max int) string {
	if max <= 0 || len(value) <= max {
		return value
	}
	return value[:max]
}
