package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"pkt.systems/imagine/internal/logx"
	"pkt.systems/imagine/internal/protocol"
	"pkt.systems/imagine/schema"
	"pkt.systems/pslog"
)

// SessionRequest describes one prompt to run.
type SessionRequest struct {
	// ID is generated when empty.
	ID        schema.SessionID
	Prompt    string
	Timeout   time.Duration
	MaxTokens int
}

// Orchestrator runs one agent session per prompt and republishes the
// adapter output together with newly extracted actions.
type Orchestrator struct {
	cfg       OrchestratorConfig
	runner    Runner
	sink      SessionSink
	logger    pslog.Logger // nil means use the logger on the Start context
	extractor *protocol.Extractor
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(cfg OrchestratorConfig, deps OrchestratorDeps) (*Orchestrator, error) {
	if deps.Runner == nil {
		return nil, errors.New("orchestrator requires a runner")
	}
	if cfg.MaxBufferBytes <= 0 {
		cfg.MaxBufferBytes = DefaultMaxBufferBytes
	}
	return &Orchestrator{
		cfg:       cfg,
		runner:    deps.Runner,
		sink:      deps.Sink,
		logger:    deps.Logger,
		extractor: protocol.New(cfg.Protocol),
	}, nil
}

// Start launches a session. The only synchronous failure is an empty prompt;
// every later fault is delivered in-band as an error message.
func (o *Orchestrator) Start(ctx context.Context, req SessionRequest) (*Session, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, schema.ErrEmptyPrompt
	}
	id := req.ID
	if id == "" {
		id = newSessionID()
	}
	if o.logger != nil {
		ctx = pslog.ContextWithLogger(ctx, o.logger)
	}
	log := logx.WithSession(ctx, id)
	ctx = logx.ContextWithSessionLogger(ctx, log, id)

	runReq := RunRequest{
		Prompt:     prompt,
		WorkingDir: o.cfg.WorkingDir,
		Timeout:    req.Timeout,
		MaxTokens:  req.MaxTokens,
	}
	if runReq.Timeout <= 0 && runReq.MaxTokens <= 0 {
		runReq.Timeout = o.cfg.DefaultTimeout
	}

	started := time.Now()
	log.Info("session start", "prompt_len", len(prompt), "timeout_ms", EffectiveTimeout(runReq, 0).Milliseconds())
	if o.sink != nil {
		o.sink.OnSessionStart(SessionInfo{ID: id, Prompt: prompt, StartedAt: started})
	}
	sess := newSession(id, prompt, started, o, log)
	sess.stream = o.runner.Start(ctx, runReq)
	go sess.run(context.WithoutCancel(ctx))
	return sess, nil
}
