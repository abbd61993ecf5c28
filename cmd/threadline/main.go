package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/threadline/internal/config"
	"github.com/ehrlich-b/threadline/internal/logger"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "threadline",
		Short:         "threadline: realtime chat threads over a resilient WebSocket session",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if err := logger.Init(cfg.Logging.Level, cfg.Logging.File); err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(
		serveCmd(load),
		chatCmd(load, &configPath),
		threadsCmd(load),
		versionCmd(),
	)

	err := root.Execute()
	logger.Sync()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type loadFunc func() (*config.Config, error)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "threadline", version)
		},
	}
}
