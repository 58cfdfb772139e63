package main

import (
	"encoding/json"
	"errors"
	"io"

	"github.com/spf13/cobra"

	"pkt.systems/imagine"
	"pkt.systems/imagine/core"
	"pkt.systems/imagine/internal/appconfig"
	"pkt.systems/imagine/schema"
	"pkt.systems/pslog"
)

func newRunCmd() *cobra.Command {
	var cfgPath string
	var sessionID string
	var maxTokens int
	cmd := &cobra.Command{
		Use:   "run [text|-]",
		Short: "Run one local session and print its messages as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			text, err := resolvePromptArgs(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			deps, err := newServerDeps(cfg, pslog.Ctx(ctx))
			if err != nil {
				return err
			}
			orch, err := imagine.NewOrchestrator(orchestratorConfig(cfg), deps)
			if err != nil {
				return err
			}
			session, err := orch.Start(ctx, core.SessionRequest{
				ID:        schema.SessionID(sessionID),
				Prompt:    text,
				MaxTokens: maxTokens,
			})
			if err != nil {
				return err
			}
			defer func() { _ = session.Close() }()

			enc := json.NewEncoder(cmd.OutOrStdout())
			var terminal schema.AgentMessage
			for {
				msg, err := session.Next(ctx)
				if errors.Is(err, io.EOF) {
					break
				}
				if err != nil {
					return err
				}
				if err := enc.Encode(msg); err != nil {
					return err
				}
				if msg.IsTerminal() {
					terminal = msg
				}
			}
			if terminal.Type == schema.MessageError {
				return errors.New(terminal.Text)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (generated when empty)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "token budget used to derive the agent timeout")
	return cmd
}
