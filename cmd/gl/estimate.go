package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/gatelink/internal/estimate"
)

func estimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <message>",
		Short: "Estimate what sending a message will cost",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(false)
			if err != nil {
				return err
			}
			c := estimate.NewClient(cfg.Estimate.URL, cfg.Estimate.APIKey)
			est := c.Estimate(cmd.Context(), strings.Join(args, " "))

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, est.CostExplanation)
			fmt.Fprintln(out, est.Plan)
			fmt.Fprintf(out, "input:  %d\noutput: %d\ncost:   %d tokens\n", est.InputTokens, est.OutputTokens, est.InternalTokens)
			if est.Fallback {
				fmt.Fprintln(cmd.ErrOrStderr(), "(local estimate, pricing service unavailable)")
			}
			return nil
		},
	}
}
