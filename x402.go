// Package x402 provides a complete implementation of the x402 payment protocol
// for EVM and Solana networks: requirement building, verification, settlement
// (local or through a facilitator) and network bookkeeping behind one facade.
package x402

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nova402/x402/clients"
	"github.com/nova402/x402/facilitator"
	"github.com/nova402/x402/logger"
	"github.com/nova402/x402/metrics"
	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/requirements"
	"github.com/nova402/x402/settlement"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/verification"
)

const defaultTimeout = 30 * time.Second

// X402 is the main struct that provides all x402 functionality
type X402 struct {
	config       *types.X402Config
	registry     *networks.Registry
	verification *verification.VerificationService
	settlement   *settlement.Coordinator
	facilitator  settlement.Facilitator
	builder      *requirements.Builder

	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration
	now     func() time.Time

	mu      sync.RWMutex
	clients map[string]clients.Client
}

var _ facilitator.Service = (*X402)(nil)

// New creates an X402 instance. Networks listed in config are dialed, and a
// facilitator URL in config enables delegated settlement.
func New(config *types.X402Config, opts ...Option) (*X402, error) {
	if config == nil {
		config = &types.X402Config{}
	}

	x := &X402{
		config:  config,
		timeout: config.DefaultTimeout,
		now:     time.Now,
		clients: make(map[string]clients.Client),
	}
	for _, opt := range opts {
		opt(x)
	}

	if x.timeout <= 0 {
		x.timeout = defaultTimeout
	}
	if x.registry == nil {
		x.registry = networks.Default()
	}
	x.logger = logger.OrNoop(x.logger)
	if x.metrics == nil && config.EnableMetrics {
		rec, err := metrics.NewPrometheusRecorder(nil)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		x.metrics = rec
	}
	x.metrics = metrics.OrNoop(x.metrics)

	if x.facilitator == nil && config.Facilitator.URL != "" {
		fc := config.Facilitator
		if fc.Timeout <= 0 {
			fc.Timeout = x.timeout
		}
		if fc.RetryCount == 0 {
			fc.RetryCount = config.RetryCount
		}
		client, err := facilitator.NewClientFromConfig(fc, facilitator.WithClientLogger(x.logger))
		if err != nil {
			return nil, err
		}
		x.facilitator = client
	}

	x.verification = verification.NewVerificationService(
		verification.NewVerifier(x.registry),
		x.timeout,
		verification.WithLogger(x.logger),
		verification.WithMetrics(x.metrics),
		verification.WithClock(x.now),
	)

	coordOpts := []settlement.Option{
		settlement.WithLogger(x.logger),
		settlement.WithMetrics(x.metrics),
		settlement.WithClock(x.now),
		settlement.WithRegistry(x.registry),
	}
	if x.facilitator != nil {
		coordOpts = append(coordOpts, settlement.WithFacilitator(x.facilitator))
	}
	x.settlement = settlement.NewCoordinator(x.timeout, coordOpts...)
	x.builder = requirements.NewBuilder(x.registry)

	ids := make([]string, 0, len(config.Networks))
	for id := range config.Networks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := x.AddNetwork(id, config.Networks[id]); err != nil {
			x.Close()
			return nil, fmt.Errorf("network %s: %w", id, err)
		}
	}

	return x, nil
}

// NewWithDefaults creates an X402 instance with default configuration and no
// networks.
func NewWithDefaults(opts ...Option) *X402 {
	x, err := New(&types.X402Config{
		DefaultTimeout: defaultTimeout,
		RetryCount:     3,
		LogLevel:       "info",
	}, opts...)
	if err != nil {
		// New cannot fail without networks, metrics or a facilitator URL.
		panic(err)
	}
	return x
}

// AddNetwork dials a chain client for network (CAIP-2 id or alias) and uses it
// for on-chain nonce checks and local settlement.
func (x *X402) AddNetwork(network string, config types.ClientConfig) error {
	desc, err := x.registry.Resolve(network)
	if err != nil {
		return types.WrapError(types.ReasonInvalidConfiguration, err, "unsupported network")
	}

	client, err := clients.New(desc, config, clients.WithLogger(x.logger), clients.WithClock(x.now))
	if err != nil {
		return fmt.Errorf("failed to create client for %s: %w", desc.ID, err)
	}
	if err := x.AddClient(client); err != nil {
		client.Close()
		return err
	}
	return nil
}

// AddClient registers an already constructed chain client.
func (x *X402) AddClient(client clients.Client) error {
	network := client.Network()
	if err := x.verification.AddStateChecker(network, client); err != nil {
		return err
	}
	if err := x.settlement.AddBroadcaster(network, client); err != nil {
		return err
	}

	x.mu.Lock()
	prev := x.clients[network]
	x.clients[network] = client
	x.mu.Unlock()

	if prev != nil && prev != client {
		if err := prev.Close(); err != nil {
			x.logger.Warn("closing replaced client", map[string]any{"network": network, "error": err})
		}
	}
	x.logger.Info("network added", map[string]any{"network": network})
	return nil
}

// Config returns the configuration the instance was built from.
func (x *X402) Config() *types.X402Config {
	return x.config
}

// Registry returns the network registry in use.
func (x *X402) Registry() *networks.Registry {
	return x.registry
}

// Verification exposes the verification service, e.g. for middleware.
func (x *X402) Verification() *verification.VerificationService {
	return x.verification
}

// Coordinator exposes the settlement coordinator, e.g. for middleware.
func (x *X402) Coordinator() *settlement.Coordinator {
	return x.settlement
}

// Requirements builds payment requirements against the facade's registry.
func (x *X402) Requirements(cfg requirements.Config) (*types.PaymentRequirements, error) {
	return x.builder.Build(cfg)
}

// Mode is the settlement mode used for network: local when a chain client is
// registered, delegated when a facilitator is configured.
func (x *X402) Mode(network string) settlement.Mode {
	if !x.settlement.IsNetworkSupported(network) && x.facilitator != nil {
		return settlement.ModeDelegated
	}
	return settlement.ModeLocal
}

// Verify verifies a decoded payment against requirements
func (x *X402) Verify(
	ctx context.Context,
	header *types.PaymentHeader,
	requirements *types.PaymentRequirements,
) (*types.VerificationResult, error) {
	return x.verification.Verify(ctx, header, requirements)
}

// VerifyRequest verifies an encoded payment as sent to a facilitator.
func (x *X402) VerifyRequest(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	return x.verification.VerifyRequest(ctx, req)
}

// Settle settles a verified payment.
func (x *X402) Settle(
	ctx context.Context,
	header *types.PaymentHeader,
	requirements *types.PaymentRequirements,
) *types.SettlementResult {
	network := ""
	if requirements != nil {
		network = requirements.Network
	}
	return x.settlement.Settle(ctx, header, requirements, x.Mode(network))
}

// SettleRequest verifies an encoded payment and settles it when valid. An
// invalid payment is reported in the result with its verification reason.
func (x *X402) SettleRequest(ctx context.Context, req *types.VerifyRequest) (*types.SettlementResult, error) {
	if req == nil {
		return nil, types.NewError(types.ReasonInvalidConfiguration, "nil settle request")
	}

	header, vr, err := x.verification.VerifyEncoded(ctx, req.PaymentHeader, &req.PaymentRequirements)
	if err != nil {
		return nil, err
	}
	if !vr.IsValid {
		return &types.SettlementResult{
			Error:     vr.InvalidReason,
			NetworkID: req.PaymentRequirements.Network,
			Payer:     vr.Payer,
			Extra:     vr.Details,
		}, nil
	}
	return x.Settle(ctx, header, &req.PaymentRequirements), nil
}

// BatchVerify verifies multiple payments concurrently
func (x *X402) BatchVerify(
	ctx context.Context,
	reqs []*types.VerifyRequest,
) ([]*types.VerificationResult, error) {
	if len(reqs) == 0 {
		return nil, types.NewError(types.ReasonInvalidConfiguration, "no requests to verify")
	}
	return x.verification.BatchVerify(ctx, reqs)
}

// BatchSettle verifies and settles multiple payments concurrently. Results
// are in input order.
func (x *X402) BatchSettle(
	ctx context.Context,
	reqs []*types.VerifyRequest,
) ([]*types.SettlementResult, error) {
	results := make([]*types.SettlementResult, len(reqs))

	type settled struct {
		index  int
		result *types.SettlementResult
		err    error
	}

	resultChan := make(chan settled, len(reqs))
	for i, req := range reqs {
		go func(index int, r *types.VerifyRequest) {
			res, err := x.SettleRequest(ctx, r)
			resultChan <- settled{index: index, result: res, err: err}
		}(i, req)
	}

	var firstErr error
	for i := 0; i < len(reqs); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resultChan:
			results[res.index] = res.result
			if res.err != nil && firstErr == nil {
				firstErr = fmt.Errorf("request %d: %w", res.index, res.err)
			}
		}
	}
	return results, firstErr
}

type supportedLister interface {
	Supported(ctx context.Context) (*types.SupportedResponse, error)
}

// Supported lists the (scheme, network) kinds this instance can settle:
// networks with a chain client, plus whatever the facilitator reports.
func (x *X402) Supported() (*types.SupportedResponse, error) {
	seen := make(map[string]struct{})
	kinds := make([]types.SupportedItem, 0)
	add := func(item types.SupportedItem) {
		key := string(item.Scheme) + "|" + item.Network
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		kinds = append(kinds, item)
	}

	for _, network := range x.settlement.SupportedNetworks() {
		add(types.SupportedItem{X402Version: ProtocolVersion, Scheme: types.SchemeExact, Network: network})
	}

	if lister, ok := x.facilitator.(supportedLister); ok {
		ctx, cancel := context.WithTimeout(context.Background(), x.timeout)
		defer cancel()
		remote, err := lister.Supported(ctx)
		if err != nil {
			x.logger.Warn("facilitator supported listing failed", map[string]any{"error": err})
		} else {
			for _, item := range remote.Kinds {
				add(item)
			}
		}
	}

	return &types.SupportedResponse{Kinds: kinds}, nil
}

// IsNetworkSupported reports whether payments on network can be verified and settled.
func (x *X402) IsNetworkSupported(network string) bool {
	return x.verification.IsNetworkSupported(network) &&
		(x.settlement.IsNetworkSupported(network) || x.facilitator != nil)
}

// QuickVerify performs basic validation without blockchain queries
func (x *X402) QuickVerify(
	header *types.PaymentHeader,
	requirements *types.PaymentRequirements,
) *types.VerificationResult {
	return x.verification.QuickVerify(header, requirements)
}

// Close closes all client connections
func (x *X402) Close() error {
	x.mu.Lock()
	x.clients = make(map[string]clients.Client)
	x.mu.Unlock()
	return x.settlement.Close()
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = int(types.X402Version1)
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	all := networks.Default().All()
	ids := make([]string, 0, len(all))
	for _, d := range all {
		ids = append(ids, d.ID)
	}

	return map[string]interface{}{
		"library_version":    Version,
		"protocol_version":   ProtocolVersion,
		"supported_networks": ids,
		"supported_schemes": []string{
			string(types.SchemeExact),
		},
		"recognized_schemes": []string{
			string(types.SchemeExact), string(types.SchemeUpto), string(types.SchemeSubscription),
		},
		"supported_standards": []string{
			"eip3009", "spl", "native",
		},
	}
}
