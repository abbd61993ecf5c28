package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ehrlich-b/threadline/internal/config"
	"github.com/ehrlich-b/threadline/internal/logger"
	"github.com/ehrlich-b/threadline/internal/relay"
	"github.com/ehrlich-b/threadline/internal/store"
)

func serveCmd(load loadFunc) *cobra.Command {
	var addrFlag string
	var echoFlag string
	var echoDelayFlag time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay backed by the local database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Relay.Addr = addrFlag
			}
			if cmd.Flags().Changed("echo-agent") {
				cfg.Relay.EchoAgent = echoFlag
			}
			if cmd.Flags().Changed("echo-delay") {
				cfg.Relay.EchoDelay = config.Duration(echoDelayFlag)
			}

			st, err := store.Open(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer st.Close()

			srv := relay.New(relay.Config{
				Store:     st,
				Token:     cfg.Relay.Token,
				RateLimit: rate.Limit(cfg.Relay.RateLimit),
				RateBurst: cfg.Relay.RateBurst,
				EchoAgent: cfg.Relay.EchoAgent,
				EchoDelay: cfg.Relay.EchoDelay.D(),
				Logger:    logger.L(),
			})

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.L().Info("relay listening", zap.String("addr", cfg.Relay.Addr), zap.String("db", cfg.Database.Path))
			fmt.Fprintf(cmd.OutOrStdout(), "threadline relay listening on %s\n", cfg.Relay.Addr)
			return srv.ListenAndServe(ctx, cfg.Relay.Addr)
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", ":7777", "listen address (overrides relay.addr)")
	cmd.Flags().StringVar(&echoFlag, "echo-agent", "", "answer every user message as this agent")
	cmd.Flags().DurationVar(&echoDelayFlag, "echo-delay", time.Second, "delay before the echo agent replies")
	return cmd
}
