package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/imagine/internal/appconfig"
	"pkt.systems/imagine/internal/persist"
	"pkt.systems/imagine/schema"
	"pkt.systems/pslog"
)

func newTranscriptCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "transcript <session-id>",
		Short: "Print a saved session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			store, err := persist.NewStoreWithLogger(cfg.StateDir, pslog.Ctx(cmd.Context()))
			if err != nil {
				return err
			}
			transcript, ok, err := store.Load(schema.SessionID(args[0]))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("transcript %s not found", args[0])
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(transcript)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	return cmd
}
