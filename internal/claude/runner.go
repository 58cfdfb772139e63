package claude

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"pkt.systems/imagine/core"
	"pkt.systems/imagine/schema"
	"pkt.systems/pslog"
)

const (
	// EnvBinary overrides the agent binary path.
	EnvBinary = "CLAUDE_CLI_BIN"
	// DefaultBinary is used when nothing else resolves.
	DefaultBinary = "claude"
	// DefaultTimeout applies when a request carries no timeout.
	DefaultTimeout = 60 * time.Second
	// DefaultGracePeriod separates SIGTERM from SIGKILL.
	DefaultGracePeriod = 5 * time.Second
	// DefaultStderrLimit bounds captured stderr.
	DefaultStderrLimit = 64 * 1024
	// StartMessage is the first text message of every stream.
	StartMessage = schema.SessionStartText
)

// DefaultArgs select non-interactive, non-prompting mode.
var DefaultArgs = []string{"-p", "--dangerously-skip-permissions"}

// Config controls how the agent CLI is invoked.
type Config struct {
	BinaryPath   string
	Args         []string
	Env          []string
	SystemPrompt string
	Timeout      time.Duration
	GracePeriod  time.Duration
	StderrLimit  int
}

// Runner implements core.Runner.
type Runner struct {
	cfg Config
}

// NewRunner constructs an agent runner.
func NewRunner(cfg Config) (*Runner, error) {
	cfg.BinaryPath = ResolveBinary(cfg.BinaryPath)
	if cfg.Args == nil {
		cfg.Args = append([]string(nil), DefaultArgs...)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.StderrLimit <= 0 {
		cfg.StderrLimit = DefaultStderrLimit
	}
	return &Runner{cfg: cfg}, nil
}

// ResolveBinary picks the agent binary: explicit path, then $CLAUDE_CLI_BIN,
// then a PATH lookup, then the bare name.
func ResolveBinary(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv(EnvBinary); env != "" {
		return env
	}
	if path, err := exec.LookPath(DefaultBinary); err == nil {
		return path
	}
	return DefaultBinary
}

// Start implements core.Runner.
func (r *Runner) Start(ctx context.Context, req core.RunRequest) core.MessageStream {
	return r.Spawn(ctx, req)
}

// Spawn starts the agent and returns its stream. It never fails
// synchronously: spawn errors arrive as the terminal message.
func (r *Runner) Spawn(ctx context.Context, req core.RunRequest) *Stream {
	if ctx == nil {
		ctx = context.Background()
	}
	stream := newStream(pslog.Ctx(ctx))
	go r.run(ctx, req, stream)
	return stream
}

func buildArgs(cfg Config, prompt string) []string {
	args := append([]string(nil), cfg.Args...)
	if cfg.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", cfg.SystemPrompt)
	}
	return append(args, prompt)
}

type stopReason int

const (
	reasonExited stopReason = iota
	reasonTimeout
	reasonCancelled
)

func (r *Runner) run(ctx context.Context, req core.RunRequest, stream *Stream) {
	log := pslog.Ctx(ctx)
	defer stream.end()
	defer func() {
		if rec := recover(); rec != nil {
			if log != nil {
				log.Error("agent exec panic", "panic", rec)
			}
			stream.push(schema.ErrorMessage(fmt.Sprintf("agent session failed: %v", rec)))
		}
	}()

	stream.push(schema.TextMessage(StartMessage))
	if req.Prompt == "" {
		stream.push(schema.ErrorMessage(schema.ErrEmptyPrompt.Error()))
		return
	}
	timeout := core.EffectiveTimeout(req, r.cfg.Timeout)
	args := buildArgs(r.cfg, req.Prompt)
	if log != nil {
		log.Info(
			"agent exec start",
			"binary", r.cfg.BinaryPath,
			"workdir", req.WorkingDir,
			"args_len", len(args),
			"args", r.cfg.Args,
			"system_prompt_len", len(r.cfg.SystemPrompt),
			"prompt_len", len(req.Prompt),
			"timeout_ms", timeout.Milliseconds(),
			"env_extra", len(r.cfg.Env),
		)
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		r.spawnFailed(log, stream, err)
		return
	}
	stderr := newTailBuffer(r.cfg.StderrLimit, log)
	cmd := exec.Command(r.cfg.BinaryPath, args...)
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = r.cfg.GracePeriod

	if err := cmd.Start(); err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		r.spawnFailed(log, stream, err)
		return
	}
	_ = stdoutW.Close()
	pid := cmd.Process.Pid
	stream.pid.Store(int64(pid))
	started := time.Now()
	if log != nil {
		log.Info("agent exec started", "pid", pid)
	}

	outputCh := make(chan string, 1)
	go func() {
		outputCh <- pumpStdout(stdoutR, stream, log)
	}()
	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	reason, waitErr := r.supervise(ctx, stream, pid, timeout, waitDone, log)

	var output string
	select {
	case output = <-outputCh:
	case <-time.After(r.cfg.GracePeriod):
		if log != nil {
			log.Warn("agent stdout still open after exit", "pid", pid)
		}
		_ = stdoutR.Close()
		output = <-outputCh
	}
	_ = stdoutR.Close()

	terminal := terminalMessage(reason, waitErr, timeout, stderr.String(), output)
	if log != nil {
		fields := []any{
			"pid", pid,
			"status", terminal.Type,
			"duration_ms", time.Since(started).Milliseconds(),
			"output_len", len(output),
		}
		if waitErr != nil {
			fields = append(fields, "err", waitErr)
		}
		log.Info("agent exec finished", fields...)
	}
	stream.push(terminal)
}

func (r *Runner) spawnFailed(log pslog.Logger, stream *Stream, err error) {
	err = fmt.Errorf("%w: %w", schema.ErrSpawnFailed, err)
	if log != nil {
		log.Error("agent exec start failed", "binary", r.cfg.BinaryPath, "err", err)
	}
	stream.push(schema.ErrorMessage(fmt.Sprintf("failed to start agent: %v", err)))
}

// supervise waits for exit, escalating SIGTERM then SIGKILL to the process
// group on timeout, context cancellation or Stop.
func (r *Runner) supervise(ctx context.Context, stream *Stream, pid int, timeout time.Duration, waitDone <-chan error, log pslog.Logger) (stopReason, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	var reason stopReason
	select {
	case err := <-waitDone:
		return reasonExited, err
	case <-timer.C:
		reason = reasonTimeout
		if log != nil {
			log.Warn("agent exec timed out", "pid", pid, "timeout_ms", timeout.Milliseconds())
		}
	case <-ctx.Done():
		reason = reasonCancelled
		if log != nil {
			log.Info("agent exec cancelled", "pid", pid, "err", ctx.Err())
		}
	case <-stream.stopped():
		reason = reasonCancelled
		if log != nil {
			log.Info("agent exec stop requested", "pid", pid)
		}
	}

	signalGroup(pid, unix.SIGTERM, log)
	grace := time.NewTimer(r.cfg.GracePeriod)
	defer grace.Stop()
	select {
	case err := <-waitDone:
		return reason, err
	case <-grace.C:
	}
	if log != nil {
		log.Warn("agent exec kill", "pid", pid, "grace_ms", r.cfg.GracePeriod.Milliseconds())
	}
	signalGroup(pid, unix.SIGKILL, log)
	return reason, <-waitDone
}

func signalGroup(pid int, sig unix.Signal, log pslog.Logger) {
	err := unix.Kill(-pid, sig)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return
	}
	if log != nil {
		log.Debug("agent process group signal failed", "pid", pid, "signal", sig.String(), "err", err)
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) && log != nil {
		log.Warn("agent process signal failed", "pid", pid, "signal", sig.String(), "err", err)
	}
}

func terminalMessage(reason stopReason, waitErr error, timeout time.Duration, stderr, output string) schema.AgentMessage {
	switch reason {
	case reasonTimeout:
		return schema.ErrorMessage(fmt.Sprintf("%s after %dms", schema.ErrTimeout, timeout.Milliseconds()))
	case reasonCancelled:
		return schema.ErrorMessage(schema.ErrCancelled.Error())
	}
	if waitErr == nil || errors.Is(waitErr, exec.ErrWaitDelay) {
		return schema.CompleteMessage(output)
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return schema.ErrorMessage(fmt.Sprintf("agent terminated by signal %s", status.Signal()))
		}
		return schema.ErrorMessage((&schema.ExitError{Code: exitErr.ExitCode(), Stderr: stderr}).Error())
	}
	return schema.ErrorMessage(fmt.Sprintf("agent wait failed: %v", waitErr))
}
