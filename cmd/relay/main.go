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

	"bespoke/pkg/config"
	"bespoke/pkg/relay"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Default()
	var debug bool
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:          "bst-server",
		Short:        "Relay webhooks to developer machines over persistent node connections",
		Version:      config.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(debug)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cmd.Context(), cfg, shutdownTimeout, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.WebhookAddr, "webhook-addr", cfg.WebhookAddr, "address for incoming webhooks")
	f.StringVar(&cfg.NodeAddr, "node-addr", cfg.NodeAddr, "address for node connections")
	f.DurationVar(&cfg.ExchangeTimeout, "exchange-timeout", cfg.ExchangeTimeout, "how long a webhook waits for its node")
	f.DurationVar(&cfg.RegisterTimeout, "register-timeout", cfg.RegisterTimeout, "how long a new node connection may take to register")
	f.IntVar(&cfg.MaxFrameSize, "max-frame-size", cfg.MaxFrameSize, "largest accepted frame in bytes")
	f.Int64Var(&cfg.MaxBodyBytes, "max-body-bytes", cfg.MaxBodyBytes, "largest accepted webhook body in bytes")
	f.StringVar(&cfg.ServiceName, "service-name", cfg.ServiceName, "name reported by the health probe")
	f.BoolVar(&cfg.Metrics, "metrics", cfg.Metrics, "expose prometheus metrics under /_relay/metrics")
	f.StringVar(&cfg.History.Backend, "history", cfg.History.Backend, "exchange history backend: bbolt or dynamodb (empty disables)")
	f.StringVar(&cfg.History.Path, "history-path", cfg.History.Path, "bbolt history file")
	f.StringVar(&cfg.History.Table, "history-table", cfg.History.Table, "dynamodb history table")
	f.StringVar(&cfg.History.Region, "history-region", cfg.History.Region, "dynamodb region")
	f.StringVar(&cfg.History.Endpoint, "history-endpoint", cfg.History.Endpoint, "dynamodb endpoint override")
	f.StringVar(&cfg.History.AccessKeyID, "history-access-key", cfg.History.AccessKeyID, "static dynamodb access key id")
	f.StringVar(&cfg.History.SecretAccessKey, "history-secret-key", cfg.History.SecretAccessKey, "static dynamodb secret access key")
	f.BoolVar(&debug, "debug", false, "enable development logging")
	f.DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for stopping")
	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(ctx context.Context, cfg config.Config, shutdownTimeout time.Duration, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := relay.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := svc.Start(ctx, func() {
		logger.Info("accepting webhooks and nodes")
	}); err != nil {
		return fmt.Errorf("failed to start relay: %w", err)
	}

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-svc.Errors():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := svc.Stop(shutdownCtx, nil); err != nil {
		logger.Error("failed to stop relay cleanly", zap.Error(err))
		if serveErr == nil {
			serveErr = err
		}
	}
	return serveErr
}
