// Package desktop is the receiving side of a session: it applies streamed
// actions to a window store and records failures as notifications.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"io"

	"pkt.systems/imagine/internal/eventbus"
	"pkt.systems/imagine/internal/logx"
	"pkt.systems/imagine/internal/notify"
	"pkt.systems/imagine/internal/relay"
	"pkt.systems/imagine/internal/windows"
	"pkt.systems/imagine/schema"
	"pkt.systems/pslog"
)

// ErrNoTerminal is returned when a stream ends before its terminal message.
var ErrNoTerminal = errors.New("stream ended without a terminal message")

// Opener opens a message source for one prompt.
type Opener func(ctx context.Context, prompt string) (relay.Source, error)

// Options configures a Desktop.
type Options struct {
	Windows windows.Options
	Notify  notify.Options
	Logger  pslog.Logger
}

// Result summarizes one consumed session.
type Result struct {
	Terminal schema.AgentMessage
	Actions  int
	// Missed counts actions that addressed no live window.
	Missed int
	Notices  []string
}

// Desktop owns a window store, its change feed and the notifications.
type Desktop struct {
	Windows *windows.Store
	Feed    *eventbus.Bus
	Notices *notify.Store
	log     pslog.Logger
}

// New constructs a Desktop. A Sink in opts.Windows is replaced by the feed.
func New(opts Options) *Desktop {
	log := opts.Logger
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	feed := eventbus.New(log)
	wopts := opts.Windows
	wopts.Sink = feed
	nopts := opts.Notify
	if nopts.Logger == nil {
		nopts.Logger = log
	}
	return &Desktop{
		Windows: windows.New(wopts),
		Feed:    feed,
		Notices: notify.New(nopts),
		log:     log,
	}
}

// Consume drains src into the window store. onMessage, if set, sees every
// message after it has been applied. Decode errors are recorded and skipped.
func (d *Desktop) Consume(ctx context.Context, src relay.Source, onMessage func(schema.AgentMessage)) (Result, error) {
	var res Result
	for {
		msg, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var decodeErr *relay.DecodeError
			if errors.As(err, &decodeErr) {
				res.Notices = append(res.Notices, d.Notices.HandleParsingError(err, decodeErr.Data))
				d.log.Warn("desktop event skipped", "err", err)
				continue
			}
			return res, err
		}
		d.apply(msg, &res)
		if onMessage != nil {
			onMessage(msg)
		}
		if msg.IsTerminal() {
			res.Terminal = msg
		}
	}
	if !res.Terminal.IsTerminal() {
		return res, ErrNoTerminal
	}
	return res, nil
}

func (d *Desktop) apply(msg schema.AgentMessage, res *Result) {
	switch msg.Type {
	case schema.MessageAction:
		if msg.Action == nil {
			return
		}
		res.Actions++
		if !d.Windows.Apply(*msg.Action) {
			res.Missed++
			logx.WithAction(d.log, *msg.Action).Debug("desktop action missed")
		}
	case schema.MessageError:
		res.Notices = append(res.Notices, d.Notices.HandleAgentError(errors.New(msg.Text)))
	}
}

// Run opens a source for prompt and consumes it. Network failures are
// retried through the notification store until its retry budget is spent;
// other failures are recorded once.
func (d *Desktop) Run(ctx context.Context, prompt string, open Opener, onMessage func(schema.AgentMessage)) (Result, error) {
	var (
		res     Result
		notices []string
	)
	attempt := func(ctx context.Context) error {
		src, err := open(ctx, prompt)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		res, err = d.Consume(ctx, src, onMessage)
		return err
	}
	finish := func(err error) (Result, error) {
		res.Notices = append(notices, res.Notices...)
		return res, err
	}

	err := attempt(ctx)
	if err == nil {
		return finish(nil)
	}
	if notify.Classify(err) != notify.TypeNetwork {
		notices = append(notices, d.Notices.Handle(ctx, err, nil))
		return finish(err)
	}
	id, done := d.Notices.HandleNetworkError(ctx, err, attempt)
	notices = append(notices, id)
	for {
		d.log.Warn("desktop retrying after network error", "err", err, "notice", id)
		err = <-done
		switch {
		case err == nil:
			return finish(nil)
		case errors.Is(err, notify.ErrNotRecoverable), errors.Is(err, notify.ErrRetriesExhausted), errors.Is(err, notify.ErrNotFound):
			return finish(fmt.Errorf("giving up after retries: %w", err))
		case ctx.Err() != nil:
			return finish(ctx.Err())
		case notify.Classify(err) != notify.TypeNetwork:
			notices = append(notices, d.Notices.Handle(ctx, err, nil))
			return finish(err)
		}
		if state, ok := d.Notices.Get(id); !ok || !state.Recoverable {
			return finish(fmt.Errorf("giving up after %d retries: %w", state.RetryCount, err))
		}
		done = d.Notices.RetryAfter(ctx, id, attempt)
	}
}
