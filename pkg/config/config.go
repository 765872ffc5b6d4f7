package config

import (
	"fmt"
	"net"
	"time"

	"go.uber.org/multierr"
)

// Version is stamped at build time with -ldflags "-X bespoke/pkg/config.Version=...".
var Version = "dev"

// History backends.
const (
	HistoryNone     = ""
	HistoryBBolt    = "bbolt"
	HistoryDynamoDB = "dynamodb"
)

// History configures the optional exchange history.
type History struct {
	Backend  string
	Path     string
	Table    string
	Region   string
	Endpoint string
	// Static DynamoDB credentials; empty uses the default AWS chain.
	AccessKeyID     string
	SecretAccessKey string
}

// Config holds everything the relay needs at startup.
type Config struct {
	WebhookAddr     string
	NodeAddr        string
	ExchangeTimeout time.Duration
	RegisterTimeout time.Duration
	MaxFrameSize    int
	MaxBodyBytes    int64
	ServiceName     string
	Metrics         bool
	History         History
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		WebhookAddr:     ":8000",
		NodeAddr:        ":5000",
		ExchangeTimeout: 8 * time.Second,
		RegisterTimeout: 10 * time.Second,
		MaxFrameSize:    16 << 20,
		MaxBodyBytes:    10 << 20,
		ServiceName:     "bst-server",
		Metrics:         true,
		History: History{
			Path: "bespoke-history.db",
		},
	}
}

// Validate reports every problem with c at once.
func (c Config) Validate() error {
	var err error
	if _, _, e := net.SplitHostPort(c.WebhookAddr); e != nil {
		err = multierr.Append(err, fmt.Errorf("invalid webhook address %q: %w", c.WebhookAddr, e))
	}
	if _, _, e := net.SplitHostPort(c.NodeAddr); e != nil {
		err = multierr.Append(err, fmt.Errorf("invalid node address %q: %w", c.NodeAddr, e))
	}
	if c.ExchangeTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("exchange timeout must be positive, got %s", c.ExchangeTimeout))
	}
	if c.RegisterTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("register timeout must be positive, got %s", c.RegisterTimeout))
	}
	if c.MaxFrameSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("max frame size must be positive, got %d", c.MaxFrameSize))
	}
	if c.MaxBodyBytes <= 0 {
		err = multierr.Append(err, fmt.Errorf("max body bytes must be positive, got %d", c.MaxBodyBytes))
	}
	if c.ServiceName == "" {
		err = multierr.Append(err, fmt.Errorf("service name must not be empty"))
	}

	switch c.History.Backend {
	case HistoryNone:
	case HistoryBBolt:
		if c.History.Path == "" {
			err = multierr.Append(err, fmt.Errorf("bbolt history requires a path"))
		}
	case HistoryDynamoDB:
		if c.History.Table == "" {
			err = multierr.Append(err, fmt.Errorf("dynamodb history requires a table"))
		}
		if (c.History.AccessKeyID == "") != (c.History.SecretAccessKey == "") {
			err = multierr.Append(err, fmt.Errorf("dynamodb history needs both access key and secret key"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("unknown history backend %q", c.History.Backend))
	}
	return err
}
