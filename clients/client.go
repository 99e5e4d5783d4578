// Package clients holds the chain clients used for local-mode settlement and
// on-chain nonce checks.
package clients

import (
	"context"
	"time"

	"github.com/nova402/x402/logger"
	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/types"
)

const defaultPollInterval = 2 * time.Second

// Client settles payments on one network and reports whether a payment's
// single-use element has already been consumed.
type Client interface {
	Broadcast(ctx context.Context, header *types.PaymentHeader, requirements *types.PaymentRequirements) (*types.Receipt, error)
	NonceUsed(ctx context.Context, header *types.PaymentHeader, requirements *types.PaymentRequirements) (bool, error)
	Network() string
	Close() error
}

// Option configures a chain client.
type Option func(*options)

type options struct {
	logger logger.Logger
	now    func() time.Time
}

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logger.OrNoop(o.logger)
	return o
}

// New dials the client matching the descriptor's chain family.
func New(desc networks.Descriptor, cfg types.ClientConfig, opts ...Option) (Client, error) {
	if cfg.RPCUrl == "" {
		cfg.RPCUrl = desc.DefaultRPCURL
	}
	switch desc.Family {
	case types.ChainEVM:
		c, err := NewEVMClient(desc, cfg, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	case types.ChainSolana:
		c, err := NewSolanaClient(desc, cfg, opts...)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, types.NewError(types.ReasonInvalidConfiguration, "no client for family %q", desc.Family)
	}
}

func pollInterval(cfg types.ClientConfig) time.Duration {
	if cfg.PollInterval > 0 {
		return cfg.PollInterval
	}
	return defaultPollInterval
}
