package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the kind of an AgentMessage.
type MessageType string

const (
	// MessageText carries raw agent output.
	MessageText MessageType = "text"
	// MessageAction carries one extracted Action.
	MessageAction MessageType = "action"
	// MessageError terminates a session with a failure description.
	MessageError MessageType = "error"
	// MessageComplete terminates a session with the full agent output.
	MessageComplete MessageType = "complete"
)

// AgentMessage is the uniform unit flowing from agent to consumer. For
// MessageAction the payload is Action; otherwise it is Text.
type AgentMessage struct {
	Type      MessageType
	Text      string
	Action    *Action
	Timestamp int64
}

// NowMillis returns the current wall clock in Unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// SessionStartText is the banner text message that opens every agent stream.
const SessionStartText = "Starting agent session..."

// TextMessage builds a text message stamped now.
func TextMessage(text string) AgentMessage {
	return AgentMessage{Type: MessageText, Text: text, Timestamp: NowMillis()}
}

// ErrorMessage builds an error message stamped now.
func ErrorMessage(text string) AgentMessage {
	return AgentMessage{Type: MessageError, Text: text, Timestamp: NowMillis()}
}

// CompleteMessage builds a complete message stamped now.
func CompleteMessage(output string) AgentMessage {
	return AgentMessage{Type: MessageComplete, Text: output, Timestamp: NowMillis()}
}

// ActionMessage builds an action message stamped now.
func ActionMessage(action Action) AgentMessage {
	return AgentMessage{Type: MessageAction, Action: &action, Timestamp: NowMillis()}
}

// IsTerminal reports whether the message ends a session.
func (m AgentMessage) IsTerminal() bool {
	return m.Type == MessageError || m.Type == MessageComplete
}

type wireMessage struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// MarshalJSON encodes the message as {type, data, timestamp}.
func (m AgentMessage) MarshalJSON() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if m.Type == MessageAction {
		if m.Action == nil {
			return nil, fmt.Errorf("action message without action")
		}
		data, err = json.Marshal(m.Action)
	} else {
		data, err = json.Marshal(m.Text)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireMessage{Type: m.Type, Data: data, Timestamp: m.Timestamp})
}

// UnmarshalJSON decodes {type, data, timestamp}, resolving data by type.
func (m *AgentMessage) UnmarshalJSON(raw []byte) error {
	var wire wireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return err
	}
	out := AgentMessage{Type: wire.Type, Timestamp: wire.Timestamp}
	switch wire.Type {
	case MessageAction:
		var action Action
		if err := json.Unmarshal(wire.Data, &action); err != nil {
			return fmt.Errorf("decode action data: %w", err)
		}
		out.Action = &action
	case MessageText, MessageError, MessageComplete:
		if len(wire.Data) > 0 && string(wire.Data) != "null" {
			if err := json.Unmarshal(wire.Data, &out.Text); err != nil {
				return fmt.Errorf("decode %s data: %w", wire.Type, err)
			}
		}
	default:
		return fmt.Errorf("unknown message type %q", wire.Type)
	}
	*m = out
	return nil
}
