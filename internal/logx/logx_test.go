package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"pkt.systems/imagine/schema"
	"pkt.systems/pslog"
)

func newCaptureLogger(capture *logCapture) pslog.Logger {
	return pslog.NewWithOptions(capture, pslog.Options{
		Mode:          pslog.ModeStructured,
		NoColor:       true,
		MinLevel:      pslog.InfoLevel,
		VerboseFields: true,
	})
}

func TestWithSessionAddsField(t *testing.T) {
	capture := &logCapture{}
	ctx := pslog.ContextWithLogger(context.Background(), newCaptureLogger(capture))
	WithSession(ctx, "s-1").Info("hello")

	entry := capture.firstEntry(t)
	if entry["session"] != "s-1" {
		t.Fatalf("expected session field, got %+v", entry)
	}
}

func TestWithSessionSkipsDuplicateMarker(t *testing.T) {
	capture := &logCapture{}
	logger := newCaptureLogger(capture).With("session", "s-1")
	ctx := ContextWithSessionLogger(context.Background(), logger, "s-1")
	WithSession(ctx, "s-1").Info("hello")

	line := capture.buf.String()
	if strings.Count(line, `"session"`) != 1 {
		t.Fatalf("expected a single session field, got %s", line)
	}
}

func TestWithActionAddsFields(t *testing.T) {
	capture := &logCapture{}
	log := WithAction(newCaptureLogger(capture), schema.CloseWindowAction("todo"))
	log.Info("hello")

	entry := capture.firstEntry(t)
	if entry["window"] != "todo" {
		t.Fatalf("expected window field, got %+v", entry)
	}
	if entry["action"] != string(schema.ActionWindowClose) {
		t.Fatalf("expected action field, got %+v", entry)
	}
}

func TestCopyContextFieldsCarriesSession(t *testing.T) {
	src := ContextWithSession(context.Background(), "s-2")
	dst := CopyContextFields(context.Background(), src)
	if got, _ := dst.Value(sessionKey).(schema.SessionID); got != "s-2" {
		t.Fatalf("expected session marker to be copied, got %q", got)
	}
}

type logCapture struct {
	buf bytes.Buffer
}

func (c *logCapture) Write(p []byte) (int, error) {
	return c.buf.Write(p)
}

func (c *logCapture) firstEntry(t *testing.T) map[string]any {
	t.Helper()
	data := c.buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx == -1 {
		idx = len(data)
	}
	line := bytes.TrimSpace(data[:idx])
	entry := map[string]any{}
	if err := json.Unmarshal(line, &entry); err != nil {
		t.Fatalf("parse log entry: %v", err)
	}
	return entry
}
