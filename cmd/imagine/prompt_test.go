package main

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"pkt.systems/imagine"
	"pkt.systems/imagine/httpapi"
	"pkt.systems/imagine/internal/appconfig"
	"pkt.systems/pslog"
)

func newRelayServer(t *testing.T, cfgPath string) *httptest.Server {
	t.Helper()
	cfg, err := appconfig.Load(cfgPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	deps, err := newServerDeps(cfg, pslog.Ctx(context.Background()))
	if err != nil {
		t.Fatalf("deps: %v", err)
	}
	hub := httpapi.NewHub(cfg.HTTP.HubHistory, cfg.HTTP.HubSessions)
	orch, err := imagine.NewOrchestrator(orchestratorConfig(cfg), deps, hub)
	if err != nil {
		t.Fatalf("orchestrator: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewServer(httpapi.Config{}, orch, hub).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func assertRendered(t *testing.T, out string) {
	t.Helper()
	for _, want := range []string{"Here is your window.", "Notes", "#notes", "hello"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestPromptRendersRemoteSession(t *testing.T) {
	cfgPath, _ := writeAgentConfig(t, agentScript)
	srv := newRelayServer(t, cfgPath)
	for _, transport := range [][]string{nil, {"--ws"}} {
		args := append([]string{"prompt", "--server", srv.URL, "--no-color", "--width", "50"}, transport...)
		out, err := execRoot(t, append(args, "make notes")...)
		if err != nil {
			t.Fatalf("prompt %v: %v\n%s", transport, err, out)
		}
		assertRendered(t, out)
	}
}

func TestPromptLocal(t *testing.T) {
	cfgPath, _ := writeAgentConfig(t, agentScript)
	out, err := execRoot(t, "prompt", "--local", "-c", cfgPath, "--no-color", "make notes")
	if err != nil {
		t.Fatalf("prompt --local: %v\n%s", err, out)
	}
	assertRendered(t, out)
}

func TestPromptReportsAgentError(t *testing.T) {
	cfgPath, _ := writeAgentConfig(t, "#!/bin/sh\necho 'boom' >&2\nexit 3\n")
	srv := newRelayServer(t, cfgPath)
	out, err := execRoot(t, "prompt", "--server", srv.URL, "--no-color", "-q", "fail please")
	if err == nil {
		t.Fatalf("expected failure, output:\n%s", out)
	}
	if !strings.Contains(out, "agent error:") || !strings.Contains(out, "no windows") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestPromptRejectsBadRequest(t *testing.T) {
	cfgPath, _ := writeAgentConfig(t, agentScript)
	srv := newRelayServer(t, cfgPath)
	out, err := execRoot(t, "prompt", "--server", srv.URL, "--no-color", "--max-tokens=-5", "hello")
	if err == nil {
		t.Fatalf("expected failure, output:\n%s", out)
	}
	if !strings.Contains(out, "unknown error:") {
		t.Fatalf("expected unknown notice, got:\n%s", out)
	}
}

func TestResolvePromptArgs(t *testing.T) {
	got, err := resolvePromptArgs([]string{"make", " a ", "clock"}, strings.NewReader(""))
	if err != nil || got != "make  a  clock" {
		t.Fatalf("resolvePromptArgs = %q, %v", got, err)
	}
	got, err = resolvePromptArgs([]string{"-"}, strings.NewReader("  from stdin \n"))
	if err != nil || got != "from stdin" {
		t.Fatalf("resolvePromptArgs stdin = %q, %v", got, err)
	}
	if _, err := resolvePromptArgs(nil, strings.NewReader("")); err == nil {
		t.Fatalf("expected empty prompt error")
	}
}
