package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/imagine/internal/logx"
	"pkt.systems/imagine/schema"
)

const wsWriteTimeout = 10 * time.Second

// handleWS runs one session per connection. The first client frame is the
// request; every session message goes out as one JSON text frame, followed
// by a normal close.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	var req schema.ImagineRequest
	_, data, err := conn.ReadMessage()
	if err != nil {
		log.Debug("websocket read request failed", "err", err)
		return
	}
	if err := json.Unmarshal(data, &req); err != nil {
		_ = writeWSMessage(conn, schema.ErrorMessage(schema.ErrInvalidRequest.Error()+": "+err.Error()))
		closeWS(conn, websocket.CloseUnsupportedData, "invalid request")
		return
	}
	sess, _, err := s.startSession(r.Context(), req)
	if err != nil {
		log.Warn("websocket imagine rejected", "err", err)
		_ = writeWSMessage(conn, schema.ErrorMessage(err.Error()))
		closeWS(conn, websocket.CloseNormalClosure, "")
		return
	}
	log = logx.WithSession(r.Context(), sess.ID())
	log.Info("websocket session opened")

	// The read loop only watches for the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug("websocket read error", "err", err)
				}
				return
			}
		}
	}()

	connected := true
	disconnect := func(reason error) {
		if connected {
			connected = false
			log.Info("client disconnected", "err", reason)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-gone:
			cancel()
		case <-ctx.Done():
		}
	}()
	events := 0
	for {
		nextCtx := ctx
		if !connected {
			nextCtx = context.Background()
		}
		msg, err := sess.Next(nextCtx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			disconnect(err)
			continue
		}
		events++
		if !connected {
			continue
		}
		if err := writeWSMessage(conn, msg); err != nil {
			disconnect(err)
		}
	}
	if connected {
		closeWS(conn, websocket.CloseNormalClosure, "")
	}
	log.Debug("websocket session finished", "events", events, "connected", connected)
}

func writeWSMessage(conn *websocket.Conn, msg schema.AgentMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func closeWS(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}
