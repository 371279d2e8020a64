package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/gatelink/internal/auth"
	"github.com/ehrlich-b/gatelink/internal/device"
	"github.com/ehrlich-b/gatelink/internal/gateway"
)

func deviceCmd() *cobra.Command {
	var forgetFlag bool

	cmd := &cobra.Command{
		Use:   "device",
		Short: "Show this device's identity and cached gateway token",
		Long:  "Prints the device id and public key the gateway pairs with. The identity is created on first use and never changes.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(false)
			if err != nil {
				return err
			}
			s, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer s.Close()

			id, err := device.NewManager(s, slog.Default()).GetOrCreate()
			if err != nil {
				return err
			}
			role := cfg.Gateway.Role
			if role == "" {
				role = gateway.DefaultRole
			}
			tokens := auth.NewTokenCache(s, slog.Default())

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "device id:  %s\n", id.DeviceID)
			fmt.Fprintf(out, "public key: %s\n", id.PublicKeyString())
			fmt.Fprintf(out, "created:    %s\n", id.CreatedAt.Format("2006-01-02 15:04:05"))

			if forgetFlag {
				if err := tokens.Delete(id.DeviceID, role); err != nil {
					return err
				}
				fmt.Fprintf(out, "token:      forgotten (%s)\n", role)
				return nil
			}
			tok, err := tokens.Load(id.DeviceID, role)
			if err != nil {
				return err
			}
			if tok == nil {
				fmt.Fprintf(out, "token:      none cached for role %s\n", role)
				return printOtherRoles(out, tokens, id.DeviceID, role)
			}
			fmt.Fprintf(out, "token:      cached for role %s, updated %s\n", role, tok.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
			if len(tok.Scopes) > 0 {
				fmt.Fprintf(out, "scopes:     %s\n", strings.Join(tok.Scopes, ", "))
			}
			return printOtherRoles(out, tokens, id.DeviceID, role)
		},
	}

	cmd.Flags().BoolVar(&forgetFlag, "forget-token", false, "delete the cached device token so the next connect uses the base credential")

	return cmd
}

func printOtherRoles(out io.Writer, tokens *auth.TokenCache, deviceID, role string) error {
	roles, err := tokens.Roles(deviceID)
	if err != nil {
		return err
	}
	var others []string
	for _, r := range roles {
		if r != role {
			others = append(others, r)
		}
	}
	if len(others) > 0 {
		fmt.Fprintf(out, "also cached: %s\n", strings.Join(others, ", "))
	}
	return nil
}
