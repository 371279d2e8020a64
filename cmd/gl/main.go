package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/gatelink/internal/config"
	"github.com/ehrlich-b/gatelink/internal/logger"
)

var version = "dev"

var (
	configFlag   string
	logLevelFlag string
)

func main() {
	root := &cobra.Command{
		Use:           "gl",
		Short:         "gatelink: chat with an agent gateway from the terminal",
		Long:          "Connects to an agent gateway with a device identity, streams chat turns, and can bridge the session to a remote relay.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFlag, "config", "", "config file (default ~/.gatelink/config.yaml)")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		chatCmd(),
		sendCmd(),
		historyCmd(),
		deviceCmd(),
		estimateCmd(),
		relayCmd(),
		versionCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "gl:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and initializes logging. validate is
// false for commands that never dial the gateway.
func loadConfig(validate bool) (*config.Config, string, error) {
	path := configFlag
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, "", err
		}
		path = p
	}
	load := config.Read
	if validate {
		load = config.Load
	}
	cfg, err := load(path)
	if err != nil {
		return nil, "", err
	}
	level := cfg.Logging.Level
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	if err := logger.Init(level, cfg.Logging.File); err != nil {
		return nil, "", fmt.Errorf("init logger: %w", err)
	}
	return cfg, path, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "gl", version)
		},
	}
}
