package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"bespoke/pkg/config"
	"bespoke/pkg/nodeapi"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		nodeID    string
		relayAddr string
		target    string
		keepalive time.Duration
		debug     bool
	)

	cmd := &cobra.Command{
		Use:          "bst-node",
		Short:        "Register with a relay and replay its webhooks against a local service",
		Version:      config.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := zap.NewProduction()
			if debug {
				logger, err = zap.NewDevelopment()
			}
			if err != nil {
				return err
			}
			defer logger.Sync()

			h, err := nodeapi.NewHTTPTarget(target)
			if err != nil {
				return err
			}
			client := &nodeapi.Client{
				RelayAddr: relayAddr,
				NodeID:    nodeID,
				Handler:   h,
				Keepalive: keepalive,
				Logger:    logger,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info("forwarding webhooks",
				zap.String("node_id", nodeID),
				zap.String("relay", relayAddr),
				zap.String("target", target))
			if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&nodeID, "id", "", "node id webhooks address with the node-id query parameter")
	f.StringVar(&relayAddr, "relay", "localhost:5000", "relay node address")
	f.StringVar(&target, "target", "http://localhost:3000", "local service receiving the webhooks")
	f.DurationVar(&keepalive, "keepalive", nodeapi.DefaultKeepalive, "ping interval, negative disables")
	f.BoolVar(&debug, "debug", false, "enable development logging")
	cmd.MarkFlagRequired("id")
	return cmd
}
