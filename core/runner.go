package core

import (
	"context"
	"time"

	"pkt.systems/imagine/schema"
)

// Runner starts agent processes and exposes their message stream.
type Runner interface {
	Start(ctx context.Context, req RunRequest) MessageStream
}

// RunRequest describes one agent invocation.
type RunRequest struct {
	Prompt     string
	WorkingDir string
	// Timeout overrides the runner default when positive.
	Timeout time.Duration
	// MaxTokens derives a timeout of 100ms per token when Timeout is unset.
	MaxTokens int
}

// MessageStream yields text messages followed by exactly one terminal
// message, then io.EOF.
type MessageStream interface {
	Next(ctx context.Context) (schema.AgentMessage, error)
	// Stop requests termination of the underlying process. The stream still
	// delivers its terminal message.
	Stop()
	Close() error
}

// TokenTimeout is the linear per-token time estimate.
const TokenTimeout = 100 * time.Millisecond

// EffectiveTimeout resolves the timeout for req given a fallback.
func EffectiveTimeout(req RunRequest, fallback time.Duration) time.Duration {
	switch {
	case req.Timeout > 0:
		return req.Timeout
	case req.MaxTokens > 0:
		return time.Duration(req.MaxTokens) * TokenTimeout
	default:
		return fallback
	}
}
