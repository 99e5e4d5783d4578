package verification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nova402/x402/codec"
	"github.com/nova402/x402/logger"
	"github.com/nova402/x402/metrics"
	"github.com/nova402/x402/types"
)

// StateChecker reports whether the ledger has already consumed the payment's
// nonce. Chain clients implement it.
type StateChecker interface {
	NonceUsed(ctx context.Context, header *types.PaymentHeader, requirements *types.PaymentRequirements) (bool, error)
}

// VerificationService wraps the pure verifier with decoding, on-chain nonce
// checks, logging and metrics.
type VerificationService struct {
	verifier *Verifier
	timeout  time.Duration
	logger   logger.Logger
	metrics  metrics.Recorder
	now      func() time.Time

	mu       sync.RWMutex
	checkers map[string]StateChecker
}

type ServiceOption func(*VerificationService)

func WithLogger(l logger.Logger) ServiceOption {
	return func(s *VerificationService) { s.logger = logger.OrNoop(l) }
}

func WithMetrics(m metrics.Recorder) ServiceOption {
	return func(s *VerificationService) { s.metrics = metrics.OrNoop(m) }
}

// WithClock overrides the time source used for validity windows.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *VerificationService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewVerificationService creates a new verification service
func NewVerificationService(verifier *Verifier, timeout time.Duration, opts ...ServiceOption) *VerificationService {
	if verifier == nil {
		verifier = NewVerifier(nil)
	}
	s := &VerificationService{
		verifier: verifier,
		timeout:  timeout,
		logger:   logger.NoopLogger{},
		metrics:  metrics.NoopRecorder{},
		now:      time.Now,
		checkers: make(map[string]StateChecker),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Verifier returns the underlying pure verifier.
func (s *VerificationService) Verifier() *Verifier {
	return s.verifier
}

// AddStateChecker registers the nonce-state source for a network.
func (s *VerificationService) AddStateChecker(network string, checker StateChecker) error {
	if !s.verifier.Registry().Supports(network) {
		return types.NewError(types.ReasonInvalidConfiguration, "network %s is not registered", network)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[network] = checker
	return nil
}

func (s *VerificationService) checker(network string) (StateChecker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.checkers[network]
	return c, ok
}

// Verify checks a decoded header against requirements. When a state checker
// is registered for the network, a consumed nonce turns a valid result into
// NonceAlreadyUsed. A failing checker is logged and the pure result stands.
func (s *VerificationService) Verify(
	ctx context.Context,
	header *types.PaymentHeader,
	requirements *types.PaymentRequirements,
) (*types.VerificationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	result := s.verifier.Verify(header, requirements, s.now())

	if result.IsValid {
		if checker, ok := s.checker(header.Network); ok {
			result = s.checkNonce(ctx, checker, header, requirements, result)
		}
	}

	s.record(networkOf(header, requirements), result, time.Since(start))
	return result, nil
}

func (s *VerificationService) checkNonce(
	ctx context.Context,
	checker StateChecker,
	header *types.PaymentHeader,
	requirements *types.PaymentRequirements,
	result *types.VerificationResult,
) *types.VerificationResult {
	checkCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	used, err := checker.NonceUsed(checkCtx, header, requirements)
	if err != nil {
		s.logger.Warn("nonce state check failed", map[string]any{
			"network": header.Network,
			"payer":   result.Payer,
			"error":   err,
		})
		return result
	}
	if used {
		return types.Invalid(types.ReasonNonceAlreadyUsed, types.ExtraData{"payer": result.Payer})
	}
	return result
}

// VerifyEncoded decodes an X-PAYMENT header value and verifies it. Decode
// failures are reported as MalformedTransport or MalformedStructure results.
func (s *VerificationService) VerifyEncoded(
	ctx context.Context,
	encoded string,
	requirements *types.PaymentRequirements,
) (*types.PaymentHeader, *types.VerificationResult, error) {
	header, err := codec.DecodeHeader(encoded)
	if err != nil {
		result := DecodeFailure(err)
		s.record(networkOf(nil, requirements), result, 0)
		return nil, result, nil
	}

	result, err := s.Verify(ctx, header, requirements)
	return header, result, err
}

// VerifyRequest verifies a facilitator-style request.
func (s *VerificationService) VerifyRequest(ctx context.Context, req *types.VerifyRequest) (*types.VerificationResult, error) {
	if req == nil {
		return nil, types.NewError(types.ReasonInvalidConfiguration, "nil verify request")
	}
	_, result, err := s.VerifyEncoded(ctx, req.PaymentHeader, &req.PaymentRequirements)
	return result, err
}

// BatchVerify verifies multiple requests concurrently. Results are in input order.
func (s *VerificationService) BatchVerify(ctx context.Context, reqs []*types.VerifyRequest) ([]*types.VerificationResult, error) {
	results := make([]*types.VerificationResult, len(reqs))

	type verificationResult struct {
		index  int
		result *types.VerificationResult
		err    error
	}

	resultChan := make(chan verificationResult, len(reqs))
	for i, req := range reqs {
		go func(index int, r *types.VerifyRequest) {
			result, err := s.VerifyRequest(ctx, r)
			resultChan <- verificationResult{index: index, result: result, err: err}
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

// QuickVerify performs the protocol-level checks only: version, scheme,
// network and payload presence. No amounts, signatures or ledger state.
func (s *VerificationService) QuickVerify(header *types.PaymentHeader, requirements *types.PaymentRequirements) *types.VerificationResult {
	if res := s.verifier.Precheck(header, requirements); res != nil {
		return res
	}
	return types.Valid("")
}

// IsNetworkSupported reports whether the registry knows network.
func (s *VerificationService) IsNetworkSupported(network string) bool {
	return s.verifier.Registry().Supports(network)
}

// SupportedNetworks lists every registry network that has a family verifier.
func (s *VerificationService) SupportedNetworks() []string {
	var out []string
	for _, d := range s.verifier.Registry().All() {
		if _, ok := s.verifier.families[d.Family]; ok {
			out = append(out, d.ID)
		}
	}
	return out
}

func (s *VerificationService) record(network string, result *types.VerificationResult, d time.Duration) {
	outcome := "valid"
	if !result.IsValid {
		outcome = result.InvalidReason.String()
		s.logger.Debug("payment rejected", map[string]any{
			"network": network,
			"reason":  outcome,
			"details": result.Details,
		})
	}
	labels := map[string]string{"network": network, "result": outcome}
	s.metrics.IncCounter(metrics.EventVerify, labels)
	if d > 0 {
		s.metrics.ObserveLatency(metrics.OperationVerify, d, labels)
	}
}

// DecodeFailure converts a codec error into an invalid result.
func DecodeFailure(err error) *types.VerificationResult {
	reason, ok := codec.ReasonOf(err)
	if !ok {
		reason = types.ReasonMalformedStructure
	}
	details := types.ExtraData{"error": err.Error()}
	var de *codec.DecodeError
	if errors.As(err, &de) && de.Field != "" {
		details["field"] = de.Field
	}
	return types.Invalid(reason, details)
}

func networkOf(header *types.PaymentHeader, requirements *types.PaymentRequirements) string {
	if header != nil && header.Network != "" {
		return header.Network
	}
	if requirements != nil {
		return requirements.Network
	}
	return ""
}
