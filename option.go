package x402

import (
	"time"

	"github.com/nova402/x402/logger"
	"github.com/nova402/x402/metrics"
	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/settlement"
)

type Option func(*X402)

func WithLogger(l logger.Logger) Option {
	return func(x *X402) {
		x.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(x *X402) {
		x.metrics = r
	}
}

func WithTimeout(t time.Duration) Option {
	return func(x *X402) {
		x.timeout = t
	}
}

// WithRegistry replaces the built-in network table.
func WithRegistry(r *networks.Registry) Option {
	return func(x *X402) {
		x.registry = r
	}
}

// WithFacilitator enables delegated settlement through f, taking precedence
// over a facilitator URL in the config.
func WithFacilitator(f settlement.Facilitator) Option {
	return func(x *X402) {
		x.facilitator = f
	}
}

// WithClock overrides the time source used for validity windows.
func WithClock(now func() time.Time) Option {
	return func(x *X402) {
		if now != nil {
			x.now = now
		}
	}
}
