package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/gatelink/internal/chat"
	"github.com/ehrlich-b/gatelink/internal/config"
	"github.com/ehrlich-b/gatelink/internal/gateway"
	"github.com/ehrlich-b/gatelink/internal/relay"
)

// newBridge builds a relay bridge driving sess. It shares the session's
// capabilities only through handler functions.
func newBridge(cfg *config.Config, sess *session) *relay.Bridge {
	return &relay.Bridge{
		URL:            cfg.Relay.URL,
		APIKey:         cfg.Relay.APIKey,
		NodeID:         cfg.Relay.NodeID,
		ReconnectDelay: cfg.Relay.ReconnectAfter(),
		SendRate:       cfg.Relay.SendRate,
		SendBurst:      cfg.Relay.SendBurst,
		ICEServers:     cfg.Relay.ICEServers,
		Handlers: relay.Handlers{
			Send: func(ctx context.Context, text string) error {
				return sess.conv.Submit(ctx, text)
			},
			Abort: sess.conv.Abort,
			History: func(ctx context.Context, limit int) ([]chat.Message, error) {
				return sess.conv.History(ctx, limit)
			},
			Caller: sess.caller,
			Ready:  sess.Connected,
		},
	}
}

func relayCmd() *cobra.Command {
	var urlFlag string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Bridge the gateway session to a remote relay (headless)",
		Long:  "Keeps a gateway session open and lets a peer on the relay send messages, abort turns, read history and call gateway methods.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig(true)
			if err != nil {
				return err
			}
			if urlFlag != "" {
				cfg.Relay.URL = urlFlag
			}
			if cfg.Relay.URL == "" {
				return errors.New("relay.url is not configured")
			}
			if cfg.Relay.APIKey == "" {
				return errors.New("relay.api_key is not configured (or set GATELINK_RELAY_KEY)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			sess, err := newSession(cfg, cfgPath)
			if err != nil {
				return err
			}
			defer sess.Close()
			out := cmd.OutOrStdout()
			sess.onState = func(st gateway.State, reason string) {
				fmt.Fprintf(out, "gateway: %s %s\n", st, reason)
			}
			done := sess.start(ctx)

			bridge := newBridge(cfg, sess)
			bridge.OnStateChange = func(connected bool) {
				if connected {
					fmt.Fprintf(out, "relay: connected as %s\n", bridge.NodeID)
				} else {
					fmt.Fprintln(out, "relay: disconnected")
				}
			}
			unsubscribe := sess.conv.Subscribe(bridge)
			defer unsubscribe()
			defer bridge.Close()

			relayDone := make(chan error, 1)
			go func() { relayDone <- bridge.Run(ctx) }()

			select {
			case err := <-done:
				// A rejected handshake is fatal; cancellation is a clean exit.
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
			case err := <-relayDone:
				if err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
			case <-ctx.Done():
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&urlFlag, "url", "", "relay URL (overrides relay.url)")

	return cmd
}
