package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/imagine"
	"pkt.systems/imagine/core"
	"pkt.systems/imagine/internal/appconfig"
	"pkt.systems/imagine/internal/desktop"
	"pkt.systems/imagine/internal/relay"
	"pkt.systems/imagine/schema"
	"pkt.systems/pslog"
)

const defaultServerURL = "http://localhost:3001"

type promptOptions struct {
	cfgPath   string
	server    string
	websocket bool
	local     bool
	sessionID string
	maxTokens int
	width     int
	noColor   bool
	quiet     bool
}

func newPromptCmd() *cobra.Command {
	var opts promptOptions
	cmd := &cobra.Command{
		Use:   "prompt [text|-]",
		Short: "Send a prompt and render the resulting windows",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := resolvePromptArgs(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			open, err := newOpener(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return runPrompt(cmd.Context(), text, open, opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&opts.cfgPath, "config", "c", "", "path to config file (with --local)")
	cmd.Flags().StringVarP(&opts.server, "server", "s", defaultServerURL, "relay server base URL")
	cmd.Flags().BoolVar(&opts.websocket, "ws", false, "stream over WebSocket instead of SSE")
	cmd.Flags().BoolVar(&opts.local, "local", false, "run the agent in-process instead of calling a server")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "session id to request")
	cmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 0, "token budget used to derive the agent timeout")
	cmd.Flags().IntVar(&opts.width, "width", 0, "window render width")
	cmd.Flags().BoolVar(&opts.noColor, "no-color", false, "disable colors")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "do not echo agent text")
	return cmd
}

func resolvePromptArgs(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		return readStdinPrompt(stdin)
	}
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return "", schema.ErrEmptyPrompt
	}
	return text, nil
}

func newOpener(ctx context.Context, opts promptOptions) (desktop.Opener, error) {
	if opts.local {
		return newLocalOpener(ctx, opts)
	}
	client := relay.NewClient(strings.TrimRight(opts.server, "/"))
	return func(ctx context.Context, prompt string) (relay.Source, error) {
		req := schema.ImagineRequest{
			Prompt:    prompt,
			SessionID: schema.SessionID(opts.sessionID),
			MaxTokens: opts.maxTokens,
		}
		if opts.websocket {
			stream, err := client.Dial(ctx, req)
			if err != nil {
				return nil, err
			}
			return stream, nil
		}
		stream, err := client.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		return stream, nil
	}, nil
}

func newLocalOpener(ctx context.Context, opts promptOptions) (desktop.Opener, error) {
	logger := pslog.Ctx(ctx)
	cfg, err := appconfig.Load(opts.cfgPath)
	if err != nil {
		return nil, err
	}
	deps, err := newServerDeps(cfg, logger)
	if err != nil {
		return nil, err
	}
	orch, err := imagine.NewOrchestrator(orchestratorConfig(cfg), deps)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, prompt string) (relay.Source, error) {
		session, err := orch.Start(ctx, core.SessionRequest{
			ID:        schema.SessionID(opts.sessionID),
			Prompt:    prompt,
			MaxTokens: opts.maxTokens,
		})
		if err != nil {
			return nil, err
		}
		return session, nil
	}, nil
}

func runPrompt(ctx context.Context, text string, open desktop.Opener, opts promptOptions, out, errOut io.Writer) error {
	d := desktop.New(desktop.Options{Logger: pslog.Ctx(ctx)})
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go d.Notices.RunSweeper(sweepCtx, time.Second)

	res, err := d.Run(ctx, text, open, func(msg schema.AgentMessage) {
		if opts.quiet || msg.Type != schema.MessageText {
			return
		}
		_, _ = io.WriteString(out, msg.Text)
	})
	if !opts.quiet {
		_, _ = fmt.Fprintln(out)
	}
	_, _ = fmt.Fprintln(out, desktop.Render(d.Windows.List(), desktop.RenderOptions{Width: opts.width, NoColor: opts.noColor}))
	for _, notice := range d.Notices.List() {
		_, _ = fmt.Fprintf(errOut, "%s error: %s\n", notice.Type, notice.Message)
	}
	if err != nil {
		return err
	}
	if res.Terminal.Type == schema.MessageError {
		return errors.New(res.Terminal.Text)
	}
	return nil
}
