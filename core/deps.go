package core

import (
	"time"

	"pkt.systems/imagine/internal/protocol"
	"pkt.systems/pslog"
)

// DefaultMaxBufferBytes bounds the text retained for extraction.
const DefaultMaxBufferBytes = 1 << 20

// OrchestratorConfig tunes session behaviour.
type OrchestratorConfig struct {
	Protocol       protocol.Options
	MaxBufferBytes int
	// DefaultTimeout is passed to the runner when a request sets none.
	DefaultTimeout time.Duration
	WorkingDir     string
}

// OrchestratorDeps captures dependencies for the orchestrator.
type OrchestratorDeps struct {
	Runner Runner
	Sink   SessionSink
	Logger pslog.Logger
}
