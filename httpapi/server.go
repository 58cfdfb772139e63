package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"pkt.systems/imagine/core"
	"pkt.systems/imagine/internal/logx"
	"pkt.systems/imagine/internal/relay"
	"pkt.systems/imagine/schema"
	"pkt.systems/pslog"
)

// SessionStarter launches agent sessions.
type SessionStarter interface {
	Start(ctx context.Context, req core.SessionRequest) (*core.Session, error)
}

// Server serves the relay API.
type Server struct {
	cfg      Config
	starter  SessionStarter
	hub      *Hub
	basePath string
	cors     corsPolicy
	upgrader websocket.Upgrader
	baseCtx  context.Context
}

// NewServer constructs an HTTP server. hub must be registered as a sink of
// the orchestrator behind starter for the replay endpoint to see sessions.
func NewServer(cfg Config, starter SessionStarter, hub *Hub) *Server {
	if hub == nil {
		hub = NewHub(0, 0)
	}
	s := &Server{
		cfg:      cfg,
		starter:  starter,
		hub:      hub,
		basePath: normalizeBasePath(cfg.BasePath),
		cors:     newCORSPolicy(cfg.CORSOrigins),
		baseCtx:  context.Background(),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.cors.checkOrigin}
	return s
}

// SetBaseContext sets the parent context for session lifetimes. Sessions
// outlive their requests but not this context.
func (s *Server) SetBaseContext(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	s.baseCtx = ctx
}

// Hub returns the session hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(relay.HealthPath, s.handleHealth)
	mux.HandleFunc(relay.ImaginePath, s.handleImagine)
	mux.HandleFunc(relay.ImaginePath+"/", s.handleImagine)
	mux.HandleFunc(relay.TestPath, s.handleTest)
	mux.HandleFunc(relay.WSPath, s.handleWS)
	mux.HandleFunc(relay.ImaginePath+"/sessions", s.handleSessions)
	mux.HandleFunc("GET "+relay.ImaginePath+"/sessions/{id}/stream", s.handleReplay)

	handler := withCORS(mux, s.cors)
	handler = withRequestLogging(handler)
	return mountAt(s.basePath, handler)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": schema.NowMillis()})
}

func (s *Server) handleTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "Imagine API is working", "timestamp": schema.NowMillis()})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.hub.Sessions()})
}

func (s *Server) handleImagine(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != relay.ImaginePath && r.URL.Path != relay.ImaginePath+"/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	log := logx.Ctx(r.Context()).With("remote", clientIP(r))
	var req schema.ImagineRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn("http imagine decode failed", "err", err)
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	sess, status, err := s.startSession(r.Context(), req)
	if err != nil {
		log.Warn("http imagine rejected", "err", err)
		writeError(w, status, err)
		return
	}
	log = logx.WithSession(r.Context(), sess.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(relay.SessionHeader, string(sess.ID()))
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Ids follow the hub numbering so a dropped client can resume from the
	// replay endpoint with Last-Event-ID.
	var seq uint64
	connected := true
	disconnect := func(reason error) {
		if connected {
			connected = false
			log.Info("client disconnected", "err", reason, "seq", seq)
		}
	}
	for {
		nextCtx := r.Context()
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
		seq++
		if !connected {
			continue
		}
		if err := relay.WriteEventWithID(w, seq, msg); err != nil {
			disconnect(err)
			continue
		}
		flusher.Flush()
	}
	if connected {
		_ = relay.WriteDone(w)
		flusher.Flush()
	}
	log.Debug("http imagine stream finished", "events", seq, "connected", connected)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := schema.SessionID(strings.TrimSpace(r.PathValue("id")))
	log := logx.WithSession(r.Context(), id)
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	after := parseUint(r.Header.Get("Last-Event-ID"))
	if after == 0 {
		after = parseUint(r.URL.Query().Get("after"))
	}
	replay, live, unsub, ok := s.hub.Subscribe(id, after)
	if !ok {
		writeError(w, http.StatusNotFound, schema.ErrSessionNotFound)
		return
	}
	defer unsub()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(relay.SessionHeader, string(id))
	w.WriteHeader(http.StatusOK)

	last := after
	emit := func(event StreamEvent) bool {
		if err := relay.WriteEventWithID(w, event.Seq, event.Message); err != nil {
			return false
		}
		last = event.Seq
		return true
	}
	write := func(event StreamEvent) bool {
		if event.Seq <= last {
			return true
		}
		if event.Seq > last+1 {
			// The live channel skipped events while this client was slow.
			for _, missed := range s.hub.Replay(id, last) {
				if missed.Seq >= event.Seq {
					break
				}
				if !emit(missed) {
					return false
				}
			}
		}
		return emit(event)
	}
	for _, event := range replay {
		if !write(event) {
			return
		}
	}
	flusher.Flush()
	log.Info("http replay opened", "after", after, "replay", len(replay))

	for {
		select {
		case <-r.Context().Done():
			log.Info("http replay closed", "last", last)
			return
		case event, open := <-live:
			if !open {
				// Pick up anything a full subscriber buffer missed.
				for _, missed := range s.hub.Replay(id, last) {
					if !write(missed) {
						return
					}
				}
				_ = relay.WriteDone(w)
				flusher.Flush()
				log.Debug("http replay finished", "last", last)
				return
			}
			if !write(event) {
				return
			}
			flusher.Flush()
		}
	}
}

// startSession validates req and starts a session detached from the request
// so a disconnecting client does not stop the agent.
func (s *Server) startSession(reqCtx context.Context, req schema.ImagineRequest) (*core.Session, int, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, http.StatusBadRequest, schema.ErrEmptyPrompt
	}
	if req.MaxTokens < 0 {
		return nil, http.StatusBadRequest, fmt.Errorf("%w: maxTokens must not be negative", schema.ErrInvalidRequest)
	}
	id, err := schema.NormalizeSessionID(string(req.SessionID))
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Errorf("%w: %w", schema.ErrInvalidRequest, err)
	}
	if s.starter == nil {
		return nil, http.StatusServiceUnavailable, errors.New("no agent configured")
	}
	if id != "" && !s.hub.Reserve(id) {
		return nil, http.StatusConflict, fmt.Errorf("%w: session %s is already running", schema.ErrInvalidRequest, id)
	}
	ctx := pslog.ContextWithLogger(s.baseCtx, pslog.Ctx(reqCtx))
	sess, err := s.starter.Start(ctx, core.SessionRequest{
		ID:        id,
		Prompt:    req.Prompt,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		if id != "" {
			s.hub.Release(id)
		}
		if errors.Is(err, schema.ErrEmptyPrompt) {
			return nil, http.StatusBadRequest, err
		}
		return nil, http.StatusInternalServerError, err
	}
	return sess, http.StatusOK, nil
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
