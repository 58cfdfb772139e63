package imagine

import (
	"context"
	"errors"
	"sync"

	"pkt.systems/imagine/core"
	"pkt.systems/imagine/httpapi"
	"pkt.systems/imagine/internal/persist"
	"pkt.systems/pslog"
)

// Server composes the orchestrator and the HTTP relay.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	HTTP         httpapi.Config
	HubHistory   int
	HubSessions  int
	Orchestrator core.OrchestratorConfig
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Runner core.Runner
	// Sink observes every session in addition to the hub.
	Sink core.SessionSink
	// Transcripts, when set, receives one transcript per finished session.
	Transcripts *persist.Store
	Logger      pslog.Logger
}

// NewOrchestrator builds an orchestrator whose sessions are observed by
// deps.Sink, the transcript recorder and any extra sinks.
func NewOrchestrator(cfg core.OrchestratorConfig, deps ServerDeps, extra ...core.SessionSink) (*core.Orchestrator, error) {
	if deps.Runner == nil {
		return nil, errors.New("runner dependency is required")
	}
	sinks := append([]core.SessionSink{deps.Sink}, extra...)
	if deps.Transcripts != nil {
		sinks = append(sinks, persist.NewRecorder(deps.Transcripts))
	}
	return core.NewOrchestrator(cfg, core.OrchestratorDeps{
		Runner: deps.Runner,
		Sink:   sessionFanout(sinks...),
		Logger: deps.Logger,
	})
}

// New constructs the imagine relay server.
func New(cfg ServerConfig, deps ServerDeps) (Server, error) {
	hub := httpapi.NewHub(cfg.HubHistory, cfg.HubSessions)
	orch, err := NewOrchestrator(cfg.Orchestrator, deps, hub)
	if err != nil {
		return nil, err
	}
	return &compositeServer{
		cfg:     cfg,
		httpSrv: httpapi.NewServer(cfg.HTTP, orch, hub),
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	httpSrv *httpapi.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	done    chan struct{}
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.done = make(chan struct{})
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"hub_history", s.cfg.HubHistory,
		"hub_sessions", s.cfg.HubSessions,
	)
	s.httpSrv.SetBaseContext(s.ctx)
	go func() {
		defer close(s.done)
		if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
			log.Error("http server failed", "err", err)
			s.errCh <- err
		}
	}()
	return nil
}

func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			_ = s.Stop(context.Background())
			return err
		}
		return nil
	}
}

// Stop cancels the server context, which also stops every running agent,
// and waits for the HTTP listener to drain.
func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	done := s.done
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil || done == nil {
		log.Info("server stop completed")
		return nil
	}
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}
