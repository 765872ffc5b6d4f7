package storage

import (
	"context"

	"bespoke/pkg/types"
)

// DefaultListLimit is used when List is called with a non-positive limit.
const DefaultListLimit = 20

// ExchangeLog is an append-only history of webhook exchanges.
type ExchangeLog interface {
	Record(ctx context.Context, rec *types.ExchangeRecord) error
	// List returns up to limit records for nodeID, newest first.
	List(ctx context.Context, nodeID string, limit int) ([]*types.ExchangeRecord, error)
	Close() error
}
