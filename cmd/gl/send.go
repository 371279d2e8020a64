package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/gatelink/internal/gateway"
)

func sendCmd() *cobra.Command {
	var attachFlag []string
	var timeoutFlag time.Duration
	var quietFlag bool

	cmd := &cobra.Command{
		Use:   "send <message>",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig(true)
			if err != nil {
				return err
			}
			uploads, err := readUploads(attachFlag)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
			defer cancel()

			sess, err := newSession(cfg, cfgPath)
			if err != nil {
				return err
			}
			defer sess.Close()
			done := sess.start(ctx)
			if err := sess.waitReady(ctx, done); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			p := newPrinter(out)
			if quietFlag {
				p = newPrinter(io.Discard)
			}
			unsubscribe := sess.conv.Subscribe(p)
			defer unsubscribe()

			if err := sess.conv.Send(ctx, strings.Join(args, " "), uploads...); err != nil {
				if !errors.Is(err, gateway.ErrRequestTimeout) {
					return err
				}
				// The gateway may have accepted the first attempt; the same
				// idempotency key makes the retry safe.
				if err := sess.conv.Resend(ctx); err != nil {
					return err
				}
			}

			select {
			case <-p.idle:
			case <-ctx.Done():
				sess.conv.Abort(context.Background())
				return fmt.Errorf("waiting for reply: %w", ctx.Err())
			}
			if quietFlag {
				fmt.Fprintln(out, p.lastFinal())
			}
			if turn := sess.conv.Snapshot().Turn; turn.LastError != "" {
				return errors.New(turn.LastError)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&attachFlag, "attach", "a", nil, "file to attach (repeatable)")
	cmd.Flags().DurationVar(&timeoutFlag, "timeout", 10*time.Minute, "give up waiting for the reply after this long")
	cmd.Flags().BoolVarP(&quietFlag, "quiet", "q", false, "print only the final reply")

	return cmd
}
