package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nova402/x402/codec"
	"github.com/nova402/x402/logger"
	"github.com/nova402/x402/metrics"
	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
)

// Mode selects who submits the payment to the ledger.
type Mode int

const (
	// ModeLocal broadcasts through a chain client this process owns.
	ModeLocal Mode = iota
	// ModeDelegated forwards the payment to a remote facilitator.
	ModeDelegated
)

func (m Mode) String() string {
	switch m {
	case ModeLocal:
		return "local"
	case ModeDelegated:
		return "delegated"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Broadcaster submits a verified payment on one network and waits for
// confirmation. Implementations return types.ErrNonceUsed when the ledger has
// already consumed the authorization, and may return a receipt alongside an
// error when the transaction was sent but not confirmed.
type Broadcaster interface {
	Broadcast(ctx context.Context, header *types.PaymentHeader, requirements *types.PaymentRequirements) (*types.Receipt, error)
}

// Facilitator is the remote verify/settle service used in delegated mode.
// Transport failures are returned as errors; protocol outcomes as results.
type Facilitator interface {
	Verify(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error)
	Settle(ctx context.Context, req *types.VerifyRequest) (*types.SettlementResult, error)
}

// Coordinator settles verified payments. Attempts sharing a replay key
// (network, payer and nonce) are serialized.
type Coordinator struct {
	registry    *networks.Registry
	facilitator Facilitator
	timeout     time.Duration
	logger      logger.Logger
	metrics     metrics.Recorder
	now         func() time.Time
	locks       *keyedMutex

	mu           sync.RWMutex
	broadcasters map[string]Broadcaster
}

type Option func(*Coordinator)

func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) { c.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(c *Coordinator) { c.metrics = metrics.OrNoop(m) }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func WithRegistry(r *networks.Registry) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithFacilitator enables ModeDelegated.
func WithFacilitator(f Facilitator) Option {
	return func(c *Coordinator) { c.facilitator = f }
}

// NewCoordinator creates a coordinator whose settle attempts are bounded by timeout.
func NewCoordinator(timeout time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:     networks.Default(),
		timeout:      timeout,
		logger:       logger.NoopLogger{},
		metrics:      metrics.NoopRecorder{},
		now:          time.Now,
		locks:        newKeyedMutex(),
		broadcasters: make(map[string]Broadcaster),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddBroadcaster registers the local-mode chain client for network.
func (c *Coordinator) AddBroadcaster(network string, b Broadcaster) error {
	if !c.registry.Supports(network) {
		return types.NewError(types.ReasonInvalidConfiguration, "network %s is not registered", network)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasters[network] = b
	return nil
}

func (c *Coordinator) broadcaster(network string) (Broadcaster, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.broadcasters[network]
	return b, ok
}

// HasFacilitator reports whether delegated mode is available.
func (c *Coordinator) HasFacilitator() bool {
	return c.facilitator != nil
}

// Settle submits a payment that has already passed verification. It never
// reports success without a transaction reference from the ledger or facilitator.
func (c *Coordinator) Settle(
	ctx context.Context,
	header *types.PaymentHeader,
	requirements *types.PaymentRequirements,
	mode Mode,
) *types.SettlementResult {
	start := time.Now()
	network := ""
	if requirements != nil {
		network = requirements.Network
	}

	result := c.settle(ctx, header, requirements, mode)
	if result.NetworkID == "" {
		result.NetworkID = network
	}

	outcome := "success"
	if !result.Success {
		outcome = result.Error.String()
		c.logger.Warn("settlement failed", map[string]any{
			"network": network,
			"mode":    mode.String(),
			"reason":  outcome,
			"tx":      result.TxReference,
		})
	} else {
		c.logger.Info("payment settled", map[string]any{
			"network": network,
			"mode":    mode.String(),
			"tx":      result.TxReference,
			"payer":   result.Payer,
			"amount":  c.displayAmount(requirements),
		})
	}

	labels := map[string]string{"network": network, "result": outcome}
	c.metrics.IncCounter(metrics.EventSettle, labels)
	c.metrics.ObserveLatency(metrics.OperationSettle, time.Since(start), labels)

	return result
}

func (c *Coordinator) settle(
	ctx context.Context,
	header *types.PaymentHeader,
	requirements *types.PaymentRequirements,
	mode Mode,
) *types.SettlementResult {
	if header == nil || requirements == nil {
		return failure(types.ReasonInvalidConfiguration, "missing header or requirements")
	}

	if res := c.recheckExpiry(header); res != nil {
		return res
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	unlock, err := c.locks.Lock(ctx, replayKey(header))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return failure(types.ReasonSettlementTimedOut, "waiting for concurrent settlement: "+err.Error())
		}
		res := failure(types.ReasonSettlementBroadcast, "settlement cancelled")
		res.Extra["cause"] = err.Error()
		return res
	}
	defer unlock()

	switch mode {
	case ModeLocal:
		return c.settleLocal(ctx, header, requirements)
	case ModeDelegated:
		return c.settleDelegated(ctx, header, requirements)
	default:
		return failure(types.ReasonInvalidConfiguration, "unknown settlement mode "+mode.String())
	}
}

// recheckExpiry rejects authorizations whose window closed after verification.
func (c *Coordinator) recheckExpiry(header *types.PaymentHeader) *types.SettlementResult {
	auth := header.Payload.Authorization
	if auth == nil {
		return nil
	}
	validBefore, err := utils.ParseUint256(auth.ValidBefore)
	if err != nil {
		return failure(types.ReasonMalformedStructure, "validBefore: "+err.Error())
	}
	if big.NewInt(c.now().Unix()).Cmp(validBefore) > 0 {
		res := failure(types.ReasonExpired, "authorization expired before settlement")
		res.Payer = auth.From
		return res
	}
	return nil
}

func (c *Coordinator) settleLocal(
	ctx context.Context,
	header *types.PaymentHeader,
	requirements *types.PaymentRequirements,
) *types.SettlementResult {
	b, ok := c.broadcaster(requirements.Network)
	if !ok {
		return failure(types.ReasonInvalidConfiguration, "no broadcaster for network "+requirements.Network)
	}

	receipt, err := b.Broadcast(ctx, header, requirements)
	if err != nil {
		res := failure(classifyBroadcast(ctx, err), err.Error())
		if receipt != nil {
			res.TxReference = receipt.TxReference
		}
		res.Payer = payerOf(header)
		return res
	}
	if receipt == nil || receipt.TxReference == "" {
		return failure(types.ReasonSettlementBroadcast, "broadcaster returned no transaction reference")
	}

	confirmedAt := receipt.ConfirmedAt
	if confirmedAt.IsZero() {
		confirmedAt = c.now().UTC()
	}
	return &types.SettlementResult{
		Success:     true,
		TxReference: receipt.TxReference,
		NetworkID:   requirements.Network,
		ConfirmedAt: &confirmedAt,
		Payer:       payerOf(header),
		Extra:       receipt.Extra,
	}
}

func (c *Coordinator) settleDelegated(
	ctx context.Context,
	header *types.PaymentHeader,
	requirements *types.PaymentRequirements,
) *types.SettlementResult {
	if c.facilitator == nil {
		return failure(types.ReasonInvalidConfiguration, "no facilitator configured")
	}

	encoded, err := codec.EncodeHeader(header)
	if err != nil {
		return failure(types.ReasonMalformedStructure, err.Error())
	}
	req := &types.VerifyRequest{
		X402Version:         header.X402Version,
		PaymentHeader:       encoded,
		PaymentRequirements: *requirements,
	}

	vr, err := c.facilitator.Verify(ctx, req)
	if err != nil {
		return failure(classifyFacilitator(ctx, err), err.Error())
	}
	if vr == nil || !vr.IsValid {
		res := failure(types.ReasonFacilitatorRejected, "facilitator rejected payment")
		if vr != nil {
			res.Extra["invalidReason"] = vr.InvalidReason.String()
		}
		return res
	}

	sr, err := c.facilitator.Settle(ctx, req)
	if err != nil {
		return failure(classifyFacilitator(ctx, err), err.Error())
	}
	if sr == nil {
		return failure(types.ReasonFacilitatorRejected, "empty settlement response")
	}
	if !sr.Success {
		reason := types.ReasonFacilitatorRejected
		if sr.Error.IsSettlement() {
			reason = sr.Error
		}
		res := failure(reason, "facilitator settlement failed")
		res.TxReference = sr.TxReference
		res.Payer = sr.Payer
		if sr.Error != "" {
			res.Extra["facilitatorError"] = sr.Error.String()
		}
		return res
	}
	if sr.TxReference == "" {
		return failure(types.ReasonFacilitatorRejected, "facilitator reported success without a transaction reference")
	}

	if sr.Payer == "" {
		sr.Payer = vr.Payer
	}
	if sr.NetworkID == "" {
		sr.NetworkID = requirements.Network
	}
	return sr
}

// BatchSettle settles multiple payments concurrently
func (c *Coordinator) BatchSettle(
	ctx context.Context,
	requests []*types.VerifyRequest,
	mode Mode,
) ([]*types.SettlementResult, error) {
	results := make([]*types.SettlementResult, len(requests))

	type settlementResult struct {
		index  int
		result *types.SettlementResult
	}

	resultChan := make(chan settlementResult, len(requests))
	for i, request := range requests {
		go func(index int, req *types.VerifyRequest) {
			resultChan <- settlementResult{index: index, result: c.SettleRequest(ctx, req, mode)}
		}(i, request)
	}

	for i := 0; i < len(requests); i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-resultChan:
			// individual failures are recorded in the result objects
			results[res.index] = res.result
		}
	}

	return results, nil
}

// SettleRequest decodes a facilitator-style request and settles it.
func (c *Coordinator) SettleRequest(ctx context.Context, req *types.VerifyRequest, mode Mode) *types.SettlementResult {
	if req == nil {
		return failure(types.ReasonInvalidConfiguration, "nil settle request")
	}
	header, err := codec.DecodeHeader(req.PaymentHeader)
	if err != nil {
		reason, ok := codec.ReasonOf(err)
		if !ok {
			reason = types.ReasonMalformedStructure
		}
		res := failure(reason, err.Error())
		res.NetworkID = req.PaymentRequirements.Network
		return res
	}
	return c.Settle(ctx, header, &req.PaymentRequirements, mode)
}

// SupportedNetworks returns networks with a local broadcaster, sorted.
func (c *Coordinator) SupportedNetworks() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.broadcasters))
	for network := range c.broadcasters {
		out = append(out, network)
	}
	sort.Strings(out)
	return out
}

// IsNetworkSupported reports whether network can be settled locally.
func (c *Coordinator) IsNetworkSupported(network string) bool {
	_, ok := c.broadcaster(network)
	return ok
}

// Close closes every broadcaster that holds a connection.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for network, b := range c.broadcasters {
		if closer, ok := b.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", network, err))
			}
		}
	}
	return errors.Join(errs...)
}

func failure(reason types.Reason, msg string) *types.SettlementResult {
	return &types.SettlementResult{
		Success: false,
		Error:   reason,
		Extra:   types.ExtraData{"message": msg},
	}
}

func classifyBroadcast(ctx context.Context, err error) types.Reason {
	switch {
	case errors.Is(err, types.ErrNonceUsed):
		return types.ReasonSettlementRejected
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, types.ErrNotConfirmed):
		return types.ReasonSettlementTimedOut
	}
	if reason, ok := types.ReasonOf(err); ok && reason.IsSettlement() {
		return reason
	}
	return types.ReasonSettlementBroadcast
}

func classifyFacilitator(ctx context.Context, err error) types.Reason {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.ReasonSettlementTimedOut
	}
	if reason, ok := types.ReasonOf(err); ok && reason.IsSettlement() {
		return reason
	}
	return types.ReasonFacilitatorUnreachable
}

// replayKey identifies the single-use element of a payment.
func replayKey(header *types.PaymentHeader) string {
	if auth := header.Payload.Authorization; auth != nil {
		return strings.Join([]string{header.Network, strings.ToLower(auth.From), strings.ToLower(auth.Nonce)}, "|")
	}
	return header.Network + "|" + crypto.Keccak256Hash([]byte(header.Payload.Transaction)).Hex()
}

// displayAmount renders the required amount in whole tokens when the asset
// is the network's registered token, and in atomic units otherwise.
func (c *Coordinator) displayAmount(requirements *types.PaymentRequirements) string {
	amount, err := utils.ParseUint256(requirements.MaxAmountRequired)
	if err != nil {
		return requirements.MaxAmountRequired
	}
	desc, err := c.registry.Describe(requirements.Network)
	if err != nil || !utils.AddressesEqual(desc.Asset.Address, requirements.Asset, desc.Family) {
		return amount.String()
	}
	return utils.FormatAmountFromBigInt(amount, int(desc.Asset.Decimals)) + " " + desc.Asset.Symbol
}

func payerOf(header *types.PaymentHeader) string {
	if auth := header.Payload.Authorization; auth != nil {
		return auth.From
	}
	return ""
}
