package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"pkt.systems/imagine/internal/relay"
	"pkt.systems/imagine/schema"
)

const parsingPreviewLimit = 100

// Classify maps err onto a notification type.
func Classify(err error) ErrorType {
	if err == nil {
		return TypeUnknown
	}
	var decodeErr *relay.DecodeError
	if errors.As(err, &decodeErr) {
		return TypeParsing
	}
	var httpErr *relay.HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= 500 {
			return TypeNetwork
		}
		return TypeUnknown
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return TypeNetwork
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return TypeNetwork
	}
	var exitErr *schema.ExitError
	if errors.As(err, &exitErr) ||
		errors.Is(err, schema.ErrSpawnFailed) ||
		errors.Is(err, schema.ErrTimeout) ||
		errors.Is(err, schema.ErrCancelled) {
		return TypeAgent
	}
	return TypeUnknown
}

// HandleNetworkError records a recoverable network error and schedules
// one retry of fn after the store's retry delay.
func (s *Store) HandleNetworkError(ctx context.Context, err error, fn func(context.Context) error) (string, <-chan error) {
	id := s.Add(TypeNetwork, err.Error(), true)
	return id, s.RetryAfter(ctx, id, fn)
}

// RetryAfter waits for the retry delay and then calls Retry. The returned
// channel yields the result and is closed afterwards.
func (s *Store) RetryAfter(ctx context.Context, id string, fn func(context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		timer := time.NewTimer(s.retryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			done <- ctx.Err()
			return
		case <-timer.C:
		}
		done <- s.Retry(ctx, id, fn)
	}()
	return done
}

// HandleAgentError records an agent failure.
func (s *Store) HandleAgentError(err error) string {
	return s.Add(TypeAgent, err.Error(), false)
}

// HandleParsingError records a decode failure with a preview of raw.
func (s *Store) HandleParsingError(err error, raw string) string {
	return s.Add(TypeParsing, fmt.Sprintf("parse failed: %s\nraw data: %s...", err.Error(), preview(raw)), false)
}

// HandleUnknownError records anything else.
func (s *Store) HandleUnknownError(err error) string {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return s.Add(TypeUnknown, msg, false)
}

// Handle dispatches err by Classify. Network errors without a retry
// function are recorded as recoverable without scheduling a retry.
func (s *Store) Handle(ctx context.Context, err error, retry func(context.Context) error) string {
	switch Classify(err) {
	case TypeNetwork:
		if retry == nil {
			return s.Add(TypeNetwork, err.Error(), true)
		}
		id, _ := s.HandleNetworkError(ctx, err, retry)
		return id
	case TypeAgent:
		return s.HandleAgentError(err)
	case TypeParsing:
		var decodeErr *relay.DecodeError
		raw := ""
		if errors.As(err, &decodeErr) {
			raw = decodeErr.Data
		}
		return s.HandleParsingError(err, raw)
	default:
		return s.HandleUnknownError(err)
	}
}

func preview(raw string) string {
	n := 0
	for i := range raw {
		if n == parsingPreviewLimit {
			return raw[:i]
		}
		n++
	}
	return raw
}
