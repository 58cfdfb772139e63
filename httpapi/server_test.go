package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"pkt.systems/imagine/core"
	"pkt.systems/imagine/internal/relay"
	"pkt.systems/imagine/schema"
)

// scriptStream replays msgs, blocking before index holdAt until release is
// closed.
type scriptStream struct {
	mu      sync.Mutex
	msgs    []schema.AgentMessage
	idx     int
	holdAt  int
	release chan struct{}
}

func (s *scriptStream) Next(ctx context.Context) (schema.AgentMessage, error) {
	s.mu.Lock()
	idx := s.idx
	s.mu.Unlock()
	if s.release != nil && idx == s.holdAt {
		<-s.release
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idx >= len(s.msgs) {
		return schema.AgentMessage{}, io.EOF
	}
	msg := s.msgs[s.idx]
	s.idx++
	return msg, nil
}

func (s *scriptStream) Stop()        {}
func (s *scriptStream) Close() error { return nil }

type scriptRunner struct {
	mu     sync.Mutex
	stream *scriptStream
	reqs   []core.RunRequest
}

func (r *scriptRunner) Start(ctx context.Context, req core.RunRequest) core.MessageStream {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	return r.stream
}

func protocolScript() []schema.AgentMessage {
	return []schema.AgentMessage{
		schema.TextMessage("Starting agent session..."),
		schema.TextMessage("WINDOW NEW → id: notes, title: \"Notes\", size: sm\n"),
		schema.CompleteMessage("WINDOW NEW → id: notes, title: \"Notes\", size: sm\n"),
	}
}

func newTestServer(t *testing.T, stream *scriptStream, cfg Config) (*httptest.Server, *Hub, *scriptRunner) {
	t.Helper()
	runner := &scriptRunner{stream: stream}
	hub := NewHub(0, 0)
	orch, err := core.NewOrchestrator(core.OrchestratorConfig{}, core.OrchestratorDeps{Runner: runner, Sink: hub})
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	srv := NewServer(cfg, orch, hub)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, hub, runner
}

func drain(t *testing.T, src relay.Source) []schema.AgentMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out []schema.AgentMessage
	for {
		msg, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, msg)
	}
}

func messageTypes(msgs []schema.AgentMessage) []schema.MessageType {
	out := make([]schema.MessageType, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, msg.Type)
	}
	return out
}

func TestImagineStreamsSession(t *testing.T) {
	ts, hub, runner := newTestServer(t, &scriptStream{msgs: protocolScript()}, Config{})
	client := relay.NewClient(ts.URL)
	stream, err := client.Stream(context.Background(), schema.ImagineRequest{Prompt: "  notes please ", MaxTokens: 20})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer func() { _ = stream.Close() }()
	if stream.SessionID == "" {
		t.Fatalf("expected session header")
	}
	msgs := drain(t, stream)
	want := []schema.MessageType{schema.MessageText, schema.MessageText, schema.MessageAction, schema.MessageComplete}
	if diff := cmp.Diff(want, messageTypes(msgs)); diff != "" {
		t.Fatalf("message types mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(schema.NewWindowAction("notes", "Notes", schema.SizeSmall), *msgs[2].Action); diff != "" {
		t.Fatalf("action mismatch (-want +got):\n%s", diff)
	}
	if stream.LastID() != 4 {
		t.Fatalf("expected ids to follow hub numbering, last=%d", stream.LastID())
	}
	if hub.Running(stream.SessionID) {
		t.Fatalf("expected session finished")
	}
	if got := hub.Replay(stream.SessionID, 0); len(got) != 4 {
		t.Fatalf("expected 4 hub events, got %d", len(got))
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.reqs) != 1 || runner.reqs[0].Prompt != "notes please" || runner.reqs[0].MaxTokens != 20 {
		t.Fatalf("unexpected run requests: %+v", runner.reqs)
	}
}

func TestImagineRejectsEmptyPrompt(t *testing.T) {
	ts, _, runner := newTestServer(t, &scriptStream{}, Config{})
	resp, err := http.Post(ts.URL+relay.ImaginePath, "application/json", strings.NewReader(`{"prompt":"   "}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["error"] != "Prompt is required" {
		t.Fatalf("unexpected error payload: %+v", payload)
	}
	if len(runner.reqs) != 0 {
		t.Fatalf("expected no agent start")
	}
}

func TestImagineRejectsBadJSON(t *testing.T) {
	ts, _, _ := newTestServer(t, &scriptStream{}, Config{})
	resp, err := http.Post(ts.URL+relay.ImaginePath, "application/json", strings.NewReader(`{"prompt":`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestImagineRejectsWrongMethod(t *testing.T) {
	ts, _, _ := newTestServer(t, &scriptStream{}, Config{})
	resp, err := http.Get(ts.URL + relay.ImaginePath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestHealthAndTestEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t, &scriptStream{}, Config{})
	client := relay.NewClient(ts.URL)
	if err := client.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	resp, err := http.Get(ts.URL + relay.TestPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	var payload struct {
		Message   string `json:"message"`
		Timestamp int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Message != "Imagine API is working" || payload.Timestamp == 0 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestReplayUnknownSession(t *testing.T) {
	ts, _, _ := newTestServer(t, &scriptStream{}, Config{})
	_, err := relay.NewClient(ts.URL).Replay(context.Background(), "missing", 0)
	var httpErr *relay.HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", err)
	}
}

func TestReplayFollowsLiveSession(t *testing.T) {
	stream := &scriptStream{msgs: protocolScript(), holdAt: 2, release: make(chan struct{})}
	ts, hub, _ := newTestServer(t, stream, Config{})
	client := relay.NewClient(ts.URL)

	primary, err := client.Stream(context.Background(), schema.ImagineRequest{Prompt: "p", SessionID: "fixed"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer func() { _ = primary.Close() }()
	if primary.SessionID != "fixed" {
		t.Fatalf("expected requested session id, got %q", primary.SessionID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if _, err := primary.Next(ctx); err != nil {
			t.Fatalf("primary next %d: %v", i, err)
		}
	}
	if !hub.Running("fixed") {
		t.Fatalf("expected session running while held")
	}

	conflict, err := client.Stream(context.Background(), schema.ImagineRequest{Prompt: "p", SessionID: "fixed"})
	var httpErr *relay.HTTPError
	if conflict != nil || !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for running session, got %v", err)
	}

	replay, err := client.Replay(context.Background(), "fixed", 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	defer func() { _ = replay.Close() }()
	first, err := replay.Next(ctx)
	if err != nil {
		t.Fatalf("replay next: %v", err)
	}
	if first.Type != schema.MessageText || replay.LastID() != 2 {
		t.Fatalf("unexpected first replayed event %+v id=%d", first, replay.LastID())
	}
	close(stream.release)
	rest := drain(t, replay)
	if diff := cmp.Diff([]schema.MessageType{schema.MessageAction, schema.MessageComplete}, messageTypes(rest)); diff != "" {
		t.Fatalf("replay tail mismatch (-want +got):\n%s", diff)
	}
	if replay.LastID() != 4 {
		t.Fatalf("expected last id 4, got %d", replay.LastID())
	}
	_ = drain(t, primary)
}

func TestImagineClientDisconnectKeepsSessionRunning(t *testing.T) {
	stream := &scriptStream{msgs: protocolScript(), holdAt: 1, release: make(chan struct{})}
	ts, hub, _ := newTestServer(t, stream, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	primary, err := relay.NewClient(ts.URL).Stream(ctx, schema.ImagineRequest{Prompt: "p", SessionID: "bye"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if _, err := primary.Next(context.Background()); err != nil {
		t.Fatalf("next: %v", err)
	}
	cancel()
	_ = primary.Close()
	close(stream.release)

	deadline := time.Now().Add(5 * time.Second)
	for hub.Running("bye") {
		if time.Now().After(deadline) {
			t.Fatalf("session did not finish after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	events := hub.Replay("bye", 0)
	if len(events) != 4 || events[3].Message.Type != schema.MessageComplete {
		t.Fatalf("expected full session recorded, got %+v", events)
	}
}

func TestWebSocketSession(t *testing.T) {
	ts, _, _ := newTestServer(t, &scriptStream{msgs: protocolScript()}, Config{})
	ws, err := relay.NewClient(ts.URL).Dial(context.Background(), schema.ImagineRequest{Prompt: "ws"})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ws.Close() }()
	msgs := drain(t, ws)
	want := []schema.MessageType{schema.MessageText, schema.MessageText, schema.MessageAction, schema.MessageComplete}
	if diff := cmp.Diff(want, messageTypes(msgs)); diff != "" {
		t.Fatalf("message types mismatch (-want +got):\n%s", diff)
	}
}

func TestWebSocketEmptyPromptGetsErrorMessage(t *testing.T) {
	ts, _, _ := newTestServer(t, &scriptStream{}, Config{})
	ws, err := relay.NewClient(ts.URL).Dial(context.Background(), schema.ImagineRequest{Prompt: ""})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = ws.Close() }()
	msgs := drain(t, ws)
	if len(msgs) != 1 || msgs[0].Type != schema.MessageError || msgs[0].Text != "Prompt is required" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestCORSPreflightAndHeaders(t *testing.T) {
	ts, _, _ := newTestServer(t, &scriptStream{}, Config{CORSOrigins: []string{"http://localhost:5173"}})

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+relay.ImaginePath, nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:5173" || resp.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("unexpected cors headers: %v", resp.Header)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.URL+relay.HealthPath, nil)
	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected no cors headers for unknown origin")
	}
}

func TestBasePathMount(t *testing.T) {
	ts, _, _ := newTestServer(t, &scriptStream{}, Config{BasePath: "desk"})
	if err := relay.NewClient(ts.URL + "/desk").Health(context.Background()); err != nil {
		t.Fatalf("health under base path: %v", err)
	}
	resp, err := http.Get(ts.URL + relay.HealthPath)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 outside base path, got %d", resp.StatusCode)
	}
}

func TestRawSSEFormat(t *testing.T) {
	ts, _, _ := newTestServer(t, &scriptStream{msgs: []schema.AgentMessage{schema.CompleteMessage("ok")}}, Config{})
	resp, err := http.Post(ts.URL+relay.ImaginePath, "application/json", strings.NewReader(`{"prompt":"x"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var lines []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) < 5 || lines[0] != "id: 1" || !strings.HasPrefix(lines[1], `data: {"type":"complete"`) || lines[3] != "data: [DONE]" {
		t.Fatalf("unexpected raw stream: %q", lines)
	}
}

// stallWriter blocks its first Write until release is closed.
type stallWriter struct {
	mu      sync.Mutex
	header  http.Header
	buf     bytes.Buffer
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newStallWriter() *stallWriter {
	return &stallWriter{header: http.Header{}, entered: make(chan struct{}), release: make(chan struct{})}
}

func (w *stallWriter) Header() http.Header { return w.header }
func (w *stallWriter) WriteHeader(int)     {}
func (w *stallWriter) Flush()              {}

func (w *stallWriter) Write(p []byte) (int, error) {
	w.once.Do(func() {
		close(w.entered)
		<-w.release
	})
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestReplayFillsGapsAfterSlowClient(t *testing.T) {
	hub := NewHub(0, 0)
	hub.OnSessionStart(core.SessionInfo{ID: "slow"})
	hub.OnSessionMessage("slow", schema.TextMessage("1"))
	srv := NewServer(Config{}, nil, hub)

	w := newStallWriter()
	req := httptest.NewRequest(http.MethodGet, relay.ImaginePath+"/sessions/slow/stream", nil)
	req.SetPathValue("id", "slow")
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.handleReplay(w, req)
	}()
	select {
	case <-w.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("replay handler never wrote")
	}

	// Overflow the subscriber buffer while the writer is stuck on event 1.
	total := subscriberDepth + 44
	for i := 2; i < total; i++ {
		hub.OnSessionMessage("slow", schema.TextMessage(strconv.Itoa(i)))
	}
	close(w.release)
	hub.OnSessionMessage("slow", schema.CompleteMessage("end"))
	hub.OnSessionEnd(core.SessionSummary{ID: "slow"})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("replay handler did not finish")
	}

	var ids []uint64
	for _, line := range strings.Split(w.buf.String(), "\n") {
		if rest, ok := strings.CutPrefix(line, "id: "); ok {
			id, err := strconv.ParseUint(rest, 10, 64)
			if err != nil {
				t.Fatalf("bad id line %q", line)
			}
			ids = append(ids, id)
		}
	}
	want := make([]uint64, total)
	for i := range want {
		want[i] = uint64(i + 1)
	}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Fatalf("replayed ids mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasSuffix(w.buf.String(), "data: [DONE]\n\n") {
		t.Fatalf("expected done sentinel at end of replay")
	}
}

func TestImagineConcurrentSameSessionID(t *testing.T) {
	stream := &scriptStream{msgs: protocolScript(), holdAt: 0, release: make(chan struct{})}
	ts, hub, runner := newTestServer(t, stream, Config{})
	client := relay.NewClient(ts.URL)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []*relay.ClientStream
		conflicts int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st, err := client.Stream(context.Background(), schema.ImagineRequest{Prompt: "p", SessionID: "dup"})
			mu.Lock()
			defer mu.Unlock()
			var httpErr *relay.HTTPError
			switch {
			case err == nil:
				winners = append(winners, st)
			case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusConflict:
				conflicts++
			default:
				t.Errorf("unexpected stream error: %v", err)
			}
		}()
	}
	wg.Wait()
	if len(winners) != 1 || conflicts != attempts-1 {
		t.Fatalf("expected one winner and %d conflicts, got %d and %d", attempts-1, len(winners), conflicts)
	}
	close(stream.release)
	got := drain(t, winners[0])
	_ = winners[0].Close()
	if diff := cmp.Diff([]schema.MessageType{schema.MessageText, schema.MessageText, schema.MessageAction, schema.MessageComplete}, messageTypes(got)); diff != "" {
		t.Fatalf("winner stream mismatch (-want +got):\n%s", diff)
	}
	runner.mu.Lock()
	starts := len(runner.reqs)
	runner.mu.Unlock()
	if starts != 1 {
		t.Fatalf("expected one agent start, got %d", starts)
	}
	if events := hub.Replay("dup", 0); len(events) != 4 || events[3].Seq != 4 {
		t.Fatalf("expected a single numbered history, got %+v", events)
	}
}

func TestImagineRejectsInvalidSessionID(t *testing.T) {
	ts, hub, runner := newTestServer(t, &scriptStream{msgs: protocolScript()}, Config{})
	resp, err := http.Post(ts.URL+relay.ImaginePath, "application/json", strings.NewReader(`{"prompt":"x","sessionId":"../etc"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "invalid session id") {
		t.Fatalf("unexpected body %s", body)
	}
	if len(runner.reqs) != 0 || len(hub.Sessions()) != 0 {
		t.Fatalf("invalid id reached the agent or hub")
	}
}
