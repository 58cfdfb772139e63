package main

import (
	"sort"

	"pkt.systems/imagine"
	"pkt.systems/imagine/core"
	"pkt.systems/imagine/httpapi"
	"pkt.systems/imagine/internal/appconfig"
	"pkt.systems/imagine/internal/claude"
	"pkt.systems/imagine/internal/persist"
	"pkt.systems/imagine/internal/prompt"
	"pkt.systems/imagine/internal/protocol"
	"pkt.systems/pslog"
)

func newAgentRunner(cfg appconfig.Config) (*claude.Runner, error) {
	system, err := prompt.Load(cfg.Agent.SystemPromptFile)
	if err != nil {
		return nil, err
	}
	return claude.NewRunner(claude.Config{
		BinaryPath:   cfg.Agent.Binary,
		Args:         cfg.Agent.Args,
		Env:          envList(cfg.Agent.Env),
		SystemPrompt: system,
		Timeout:      cfg.Agent.Timeout(),
		GracePeriod:  cfg.Agent.GracePeriod(),
	})
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for key := range env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, key+"="+env[key])
	}
	return out
}

func orchestratorConfig(cfg appconfig.Config) core.OrchestratorConfig {
	return core.OrchestratorConfig{
		Protocol:       protocol.Options{ASCIIArrows: cfg.Protocol.ASCIIArrows},
		MaxBufferBytes: cfg.Protocol.MaxBufferBytes,
		DefaultTimeout: cfg.Agent.Timeout(),
		WorkingDir:     cfg.Agent.WorkingDir,
	}
}

func toServerConfig(cfg appconfig.Config) imagine.ServerConfig {
	return imagine.ServerConfig{
		HTTP: httpapi.Config{
			Addr:        cfg.HTTP.Addr,
			BasePath:    cfg.HTTP.BasePath,
			CORSOrigins: cfg.HTTP.CORSOrigins,
		},
		HubHistory:   cfg.HTTP.HubHistory,
		HubSessions:  cfg.HTTP.HubSessions,
		Orchestrator: orchestratorConfig(cfg),
	}
}

// openTranscripts returns nil when transcripts are disabled.
func openTranscripts(cfg appconfig.Config, logger pslog.Logger) (*persist.Store, error) {
	if !cfg.Transcripts.Enabled {
		return nil, nil
	}
	return persist.NewStoreWithLogger(cfg.StateDir, logger)
}

func newServerDeps(cfg appconfig.Config, logger pslog.Logger) (imagine.ServerDeps, error) {
	runner, err := newAgentRunner(cfg)
	if err != nil {
		return imagine.ServerDeps{}, err
	}
	transcripts, err := openTranscripts(cfg, logger)
	if err != nil {
		return imagine.ServerDeps{}, err
	}
	return imagine.ServerDeps{
		Runner:      runner,
		Transcripts: transcripts,
		Logger:      logger,
	}, nil
}
