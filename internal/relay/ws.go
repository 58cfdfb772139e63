package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"pkt.systems/imagine/schema"
)

// WSStream is a message stream carried over a WebSocket, one JSON message
// per text frame.
type WSStream struct {
	conn *websocket.Conn
	done bool
}

// Dial opens the WebSocket endpoint and sends req as the first frame.
func (c *Client) Dial(ctx context.Context, req schema.ImagineRequest) (*WSStream, error) {
	target := c.BaseURL + WSPath
	switch {
	case strings.HasPrefix(target, "https://"):
		target = "wss://" + strings.TrimPrefix(target, "https://")
	case strings.HasPrefix(target, "http://"):
		target = "ws://" + strings.TrimPrefix(target, "http://")
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			defer func() { _ = resp.Body.Close() }()
			return nil, readHTTPError(resp)
		}
		return nil, err
	}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return &WSStream{conn: conn}, nil
}

// Next returns the next message, or io.EOF after a normal close.
func (s *WSStream) Next(ctx context.Context) (schema.AgentMessage, error) {
	if s.done {
		return schema.AgentMessage{}, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return schema.AgentMessage{}, err
	}
	msgType, data, err := s.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			s.done = true
			return schema.AgentMessage{}, io.EOF
		}
		return schema.AgentMessage{}, err
	}
	if msgType != websocket.TextMessage {
		return schema.AgentMessage{}, &DecodeError{Data: string(data), Err: errors.New("unexpected binary frame")}
	}
	var msg schema.AgentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return schema.AgentMessage{}, &DecodeError{Data: string(data), Err: err}
	}
	return msg, nil
}

// Close closes the connection.
func (s *WSStream) Close() error {
	return s.conn.Close()
}
