package relay

import (
	"context"
	"fmt"

	"bespoke/pkg/config"
	"bespoke/pkg/storage"
	"bespoke/pkg/storage/bbolt"
	"bespoke/pkg/storage/dynamodb"
)

// openHistory returns nil when no backend is configured.
func openHistory(ctx context.Context, cfg config.History) (storage.ExchangeLog, error) {
	switch cfg.Backend {
	case config.HistoryNone:
		return nil, nil
	case config.HistoryBBolt:
		s, err := bbolt.NewBBoltStorage(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open bbolt history: %w", err)
		}
		return s, nil
	case config.HistoryDynamoDB:
		s, err := dynamodb.NewFromOptions(ctx, dynamodb.Options{
			Table:           cfg.Table,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open dynamodb history: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.Backend)
	}
}
