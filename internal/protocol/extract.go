// Package protocol recovers window actions from streamed agent text.
package protocol

import (
	"strings"

	"pkt.systems/imagine/schema"
)

// Options tunes the grammar.
type Options struct {
	// ASCIIArrows accepts "->" and "=>" wherever "→" is expected.
	ASCIIArrows bool `mapstructure:"ascii_arrows" yaml:"ascii_arrows"`
}

// DefaultOptions returns the options used by Extract.
func DefaultOptions() Options {
	return Options{ASCIIArrows: true}
}

// Result is the outcome of one scan.
type Result struct {
	Actions []schema.Action
	// Consumed is the offset before which the buffer holds only extracted
	// commands or prose. It never points past an open command.
	Consumed int
}

// Extractor scans accumulated agent text. It is stateless and safe for
// concurrent use.
type Extractor struct {
	grammar *grammar
}

// New returns an extractor for opts.
func New(opts Options) *Extractor {
	return &Extractor{grammar: grammarFor(opts)}
}

var defaultExtractor = New(DefaultOptions())

// Extract returns the actions found in buffer, in document order.
func Extract(buffer string, final bool) []schema.Action {
	return defaultExtractor.Scan(buffer, final).Actions
}

// Scan walks buffer line by line. Unless final is set, a trailing line
// without a newline is left alone and open content spans are not emitted.
func (e *Extractor) Scan(buffer string, final bool) Result {
	s := &scanner{grammar: e.grammar, buffer: buffer}
	pos := 0
	for pos < len(buffer) {
		end, next := len(buffer), len(buffer)
		if nl := strings.IndexByte(buffer[pos:], '\n'); nl >= 0 {
			end, next = pos+nl, pos+nl+1
		} else if !final {
			break
		}
		s.line(pos, end, next)
		pos = next
	}
	if final {
		s.finish()
	}
	return Result{Actions: s.actions, Consumed: s.consumed}
}

type state int

const (
	stateIdle state = iota
	stateAwaitHTML
	stateInHTML
	stateAwaitScript
	stateInScript
)

func (s state) String() string {
	switch s {
	case stateAwaitHTML:
		return "AWAIT_HTML"
	case stateInHTML:
		return "IN_HTML"
	case stateAwaitScript:
		return "AWAIT_SCRIPT"
	case stateInScript:
		return "IN_SCRIPT"
	default:
		return "IDLE"
	}
}

type scanner struct {
	grammar      *grammar
	buffer       string
	state        state
	target       schema.WindowID
	contentStart int
	consumed     int
	actions      []schema.Action
}

func (s *scanner) line(start, end, next int) {
	text := s.buffer[start:end]
	switch s.state {
	case stateInHTML, stateInScript:
		if !s.grammar.isTerminator(text) {
			return
		}
		s.closeContent(start)
	case stateAwaitHTML, stateAwaitScript:
		if offset, ok := s.grammar.marker(text, s.state == stateAwaitHTML); ok {
			if s.state == stateAwaitHTML {
				s.state = stateInHTML
			} else {
				s.state = stateInScript
			}
			s.contentStart = start + offset
			return
		}
		if !s.grammar.hasHeader(text) {
			return
		}
		// A new command before any content marker abandons the pending one.
		s.state = stateIdle
	}
	s.headers(text, start, next)
}

func (s *scanner) headers(text string, start, next int) {
	for _, m := range s.grammar.header.FindAllStringSubmatchIndex(text, -1) {
		if len(m) < 2*headerGroupSize {
			continue
		}
		switch {
		case m[2*groupNew] >= 0:
			s.state = stateIdle
			s.actions = append(s.actions, schema.NewWindowAction(
				schema.WindowID(group(text, m, groupNewID)),
				group(text, m, groupNewTitle),
				schema.ParseWindowSize(group(text, m, groupNewSize)),
			))
		case m[2*groupReplace] >= 0:
			s.state = stateAwaitHTML
			s.target = schema.WindowID(group(text, m, groupReplaceID))
			s.contentStart = start + m[2*groupReplace+1]
		case m[2*groupScript] >= 0:
			s.state = stateAwaitScript
			s.target = schema.WindowID(group(text, m, groupScriptID))
			s.contentStart = start + m[2*groupScript+1]
		case m[2*groupClose] >= 0:
			s.state = stateIdle
			s.actions = append(s.actions, schema.CloseWindowAction(schema.WindowID(group(text, m, groupCloseID))))
		}
	}
	if s.state != stateIdle {
		// The header may carry its content marker on the same line.
		rest := text[s.contentStart-start:]
		if offset, ok := s.grammar.marker(rest, s.state == stateAwaitHTML); ok {
			s.contentStart += offset
			if s.state == stateAwaitHTML {
				s.state = stateInHTML
			} else {
				s.state = stateInScript
			}
		}
		return
	}
	s.consumed = next
}

func (s *scanner) closeContent(end int) {
	content := strings.TrimSpace(s.buffer[s.contentStart:end])
	switch s.state {
	case stateInHTML:
		if looksLikeHTML(content) {
			s.actions = append(s.actions, schema.UpdateWindowAction(s.target, content))
		}
	case stateInScript:
		if content != "" {
			s.actions = append(s.actions, schema.ScriptWindowAction(s.target, content))
		}
	}
	s.state = stateIdle
	s.target = ""
	s.consumed = end
}

func (s *scanner) finish() {
	if s.state == stateInHTML || s.state == stateInScript {
		s.closeContent(len(s.buffer))
	}
	s.state = stateIdle
	s.consumed = len(s.buffer)
}
