package desktop

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/imagine/internal/notify"
	"pkt.systems/imagine/internal/relay"
	"pkt.systems/imagine/internal/windows"
	"pkt.systems/imagine/schema"
)

type step struct {
	msg schema.AgentMessage
	err error
}

type fakeSource struct {
	steps  []step
	idx    int
	closed bool
}

func (f *fakeSource) Next(ctx context.Context) (schema.AgentMessage, error) {
	if f.idx >= len(f.steps) {
		return schema.AgentMessage{}, io.EOF
	}
	s := f.steps[f.idx]
	f.idx++
	return s.msg, s.err
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func msgs(list ...schema.AgentMessage) []step {
	out := make([]step, 0, len(list))
	for _, msg := range list {
		out = append(out, step{msg: msg})
	}
	return out
}

func newTestDesktop() *Desktop {
	return New(Options{
		Windows: windows.Options{Jitter: -1},
		Notify:  notify.Options{RetryDelay: time.Millisecond},
	})
}

func TestConsumeAppliesActions(t *testing.T) {
	d := newTestDesktop()
	feed, cancel := d.Feed.Subscribe()
	defer cancel()

	src := &fakeSource{steps: msgs(
		schema.TextMessage("Starting agent session..."),
		schema.ActionMessage(schema.NewWindowAction("todo", "Todo", schema.SizeSmall)),
		schema.ActionMessage(schema.UpdateWindowAction("todo", "<ul><li>milk</li></ul>")),
		schema.ActionMessage(schema.CloseWindowAction("ghost")),
		schema.CompleteMessage("done"),
	)}
	var seen []schema.MessageType
	res, err := d.Consume(context.Background(), src, func(msg schema.AgentMessage) {
		seen = append(seen, msg.Type)
	})
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Actions != 3 || res.Missed != 1 || res.Terminal.Type != schema.MessageComplete {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(seen) != 5 {
		t.Fatalf("expected callback per message, got %v", seen)
	}
	win, ok := d.Windows.Get("todo")
	if !ok || win.Status != schema.WindowReady || win.Content == nil || *win.Content != "<ul><li>milk</li></ul>" {
		t.Fatalf("unexpected window: %+v ok=%v", win, ok)
	}
	var kinds []windows.EventType
	for len(kinds) < 2 {
		select {
		case event := <-feed:
			kinds = append(kinds, event.Type)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for feed, got %v", kinds)
		}
	}
	if diff := cmp.Diff([]windows.EventType{windows.EventCreated, windows.EventUpdated}, kinds); diff != "" {
		t.Fatalf("feed mismatch (-want +got):\n%s", diff)
	}
}

func TestConsumeRecordsAgentError(t *testing.T) {
	d := newTestDesktop()
	src := &fakeSource{steps: msgs(schema.ErrorMessage("agent exited with code 1: boom"))}
	res, err := d.Consume(context.Background(), src, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(res.Notices) != 1 {
		t.Fatalf("expected one notice, got %v", res.Notices)
	}
	notice, ok := d.Notices.Get(res.Notices[0])
	if !ok || notice.Type != notify.TypeAgent || notice.Recoverable || notice.Message != "agent exited with code 1: boom" {
		t.Fatalf("unexpected notice: %+v", notice)
	}
}

func TestConsumeSkipsMalformedEvents(t *testing.T) {
	d := newTestDesktop()
	src := &fakeSource{steps: []step{
		{err: &relay.DecodeError{Data: "{oops", Err: errors.New("invalid character")}},
		{msg: schema.CompleteMessage("")},
	}}
	res, err := d.Consume(context.Background(), src, nil)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	notice, _ := d.Notices.Get(res.Notices[0])
	if notice.Type != notify.TypeParsing {
		t.Fatalf("expected parsing notice, got %+v", notice)
	}
}

func TestConsumeWithoutTerminal(t *testing.T) {
	d := newTestDesktop()
	_, err := d.Consume(context.Background(), &fakeSource{steps: msgs(schema.TextMessage("x"))}, nil)
	if !errors.Is(err, ErrNoTerminal) {
		t.Fatalf("expected ErrNoTerminal, got %v", err)
	}
}

type flakyOpener struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyOpener) open(ctx context.Context, prompt string) (relay.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures < 0 || f.calls <= f.failures {
		return nil, f.err
	}
	return &fakeSource{steps: msgs(
		schema.ActionMessage(schema.NewWindowAction("w", prompt, schema.SizeMedium)),
		schema.CompleteMessage(""),
	)}, nil
}

func netErr() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func TestRunRetriesNetworkErrors(t *testing.T) {
	d := newTestDesktop()
	opener := &flakyOpener{failures: 2, err: netErr()}
	res, err := d.Run(context.Background(), "hello", opener.open, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if opener.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", opener.calls)
	}
	if res.Terminal.Type != schema.MessageComplete {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := d.Notices.Get(res.Notices[0]); ok {
		t.Fatalf("expected network notice cleared after success")
	}
	if win, ok := d.Windows.Get("w"); !ok || win.Title != "hello" {
		t.Fatalf("expected window from successful attempt")
	}
}

func TestRunGivesUpAfterRetryBudget(t *testing.T) {
	d := newTestDesktop()
	opener := &flakyOpener{failures: -1, err: netErr()}
	res, err := d.Run(context.Background(), "hello", opener.open, nil)
	if err == nil {
		t.Fatalf("expected failure")
	}
	if opener.calls != 1+notify.DefaultMaxRetries {
		t.Fatalf("expected %d attempts, got %d", 1+notify.DefaultMaxRetries, opener.calls)
	}
	notice, ok := d.Notices.Get(res.Notices[0])
	if !ok || notice.Recoverable || notice.RetryCount != notify.DefaultMaxRetries {
		t.Fatalf("unexpected notice: %+v ok=%v", notice, ok)
	}
}

func TestRunDoesNotRetryClientErrors(t *testing.T) {
	d := newTestDesktop()
	opener := &flakyOpener{failures: -1, err: &relay.HTTPError{StatusCode: http.StatusBadRequest, Message: "Prompt is required"}}
	res, err := d.Run(context.Background(), "", opener.open, nil)
	if err == nil || opener.calls != 1 {
		t.Fatalf("expected single failed attempt, err=%v calls=%d", err, opener.calls)
	}
	notice, _ := d.Notices.Get(res.Notices[0])
	if notice.Type != notify.TypeUnknown {
		t.Fatalf("expected unknown notice, got %+v", notice)
	}
}
