package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var limitFlag int
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the session's conversation history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig(true)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			sess, err := newSession(cfg, cfgPath)
			if err != nil {
				return err
			}
			defer sess.Close()
			if err := sess.waitReady(ctx, sess.start(ctx)); err != nil {
				return err
			}

			msgs, err := sess.conv.History(ctx, limitFlag)
			if err != nil {
				return err
			}
			if jsonFlag {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(msgs)
			}
			printHistory(cmd.OutOrStdout(), msgs)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limitFlag, "limit", "n", 0, "maximum messages (default from config, 200)")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "print as JSON")

	return cmd
}
