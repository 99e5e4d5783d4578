// Package middleware gates net/http handlers behind payment. A request without
// X-PAYMENT receives the 402 envelope; a request with one is verified, the
// handler runs, and the payment is settled before the response is committed.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/nova402/x402/codec"
	"github.com/nova402/x402/logger"
	"github.com/nova402/x402/requirements"
	"github.com/nova402/x402/settlement"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/verification"
)

// Verifier is satisfied by *verification.VerificationService.
type Verifier interface {
	Verify(ctx context.Context, header *types.PaymentHeader, requirements *types.PaymentRequirements) (*types.VerificationResult, error)
}

// Settler is satisfied by *settlement.Coordinator.
type Settler interface {
	Settle(ctx context.Context, header *types.PaymentHeader, requirements *types.PaymentRequirements, mode settlement.Mode) *types.SettlementResult
}

type Config struct {
	// Accepts lists the payment options offered in the 402 envelope.
	Accepts []types.PaymentRequirements

	// Mode is passed to the settler.
	Mode settlement.Mode

	// VerifyOnly grants the resource on a valid payment without settling it.
	VerifyOnly bool

	// OptimisticGrant serves the resource before settlement completes.
	// Settlement then runs in the background and its outcome only reaches
	// the OnSettled hook and the logs.
	OptimisticGrant bool
}

// Payment is the verified payment attached to a granted request.
type Payment struct {
	Header       *types.PaymentHeader
	Requirements *types.PaymentRequirements
	Verification *types.VerificationResult
}

type ctxKey struct{}

// WithPayment returns a copy of ctx carrying p.
func WithPayment(ctx context.Context, p *Payment) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PaymentFromContext returns the payment a request was granted on, or nil.
func PaymentFromContext(ctx context.Context) *Payment {
	p, _ := ctx.Value(ctxKey{}).(*Payment)
	return p
}

type Middleware struct {
	cfg       Config
	verifier  Verifier
	settler   Settler
	logger    logger.Logger
	onSettled func(*Payment, *types.SettlementResult)
	pending   sync.WaitGroup
}

type Option func(*Middleware)

func WithLogger(l logger.Logger) Option {
	return func(m *Middleware) { m.logger = l }
}

// WithOnSettled registers a hook called after every settlement attempt.
func WithOnSettled(fn func(*Payment, *types.SettlementResult)) Option {
	return func(m *Middleware) { m.onSettled = fn }
}

// New builds the middleware. settler may be nil only when cfg.VerifyOnly is set.
func New(cfg Config, verifier Verifier, settler Settler, opts ...Option) (*Middleware, error) {
	if len(cfg.Accepts) == 0 {
		return nil, types.NewError(types.ReasonInvalidConfiguration, "at least one payment requirement is needed")
	}
	if verifier == nil {
		return nil, types.NewError(types.ReasonInvalidConfiguration, "verifier is required")
	}
	if settler == nil && !cfg.VerifyOnly {
		return nil, types.NewError(types.ReasonInvalidConfiguration, "settler is required unless VerifyOnly is set")
	}

	m := &Middleware{cfg: cfg, verifier: verifier, settler: settler}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logger.OrNoop(m.logger)
	return m, nil
}

func (m *Middleware) Config() Config {
	return m.cfg
}

// Handler wraps next with payment gating.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := m.Authorize(w, r)
		if !ok {
			return
		}
		r = r.WithContext(WithPayment(r.Context(), p))

		switch {
		case m.cfg.VerifyOnly:
			next.ServeHTTP(w, r)

		case m.cfg.OptimisticGrant:
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			if rec.status < http.StatusBadRequest {
				m.SettleAsync(r.Context(), p)
			}

		default:
			iw := &settleOnCommit{w: w, base: w.Header().Clone(), settle: func() bool { return m.Settle(w, r, p) }}
			next.ServeHTTP(iw, r)
			if !iw.committed {
				iw.WriteHeader(http.StatusOK)
			}
		}
	})
}

// Authorize decodes and verifies the request's payment. On failure it writes
// the error response and returns false.
func (m *Middleware) Authorize(w http.ResponseWriter, r *http.Request) (*Payment, bool) {
	raw := r.Header.Get(types.HeaderPayment)
	if raw == "" {
		m.reject(w, r, http.StatusPaymentRequired, "payment required")
		return nil, false
	}

	header, err := codec.DecodeHeader(raw)
	if err != nil {
		res := verification.DecodeFailure(err)
		m.logger.Warn("undecodable payment header", map[string]any{"path": r.URL.Path, "error": err})
		m.reject(w, r, StatusFor(res.InvalidReason), res.InvalidReason.String())
		return nil, false
	}

	req := m.match(header, r)
	result, err := m.verifier.Verify(r.Context(), header, req)
	if err != nil {
		m.logger.Error("payment verification failed", map[string]any{"path": r.URL.Path, "error": err})
		m.reject(w, r, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	if !result.IsValid {
		m.logger.Info("payment rejected", map[string]any{
			"path":    r.URL.Path,
			"network": header.Network,
			"reason":  result.InvalidReason.String(),
		})
		m.reject(w, r, StatusFor(result.InvalidReason), result.InvalidReason.String())
		return nil, false
	}

	return &Payment{Header: header, Requirements: req, Verification: result}, true
}

// Settle settles p and sets X-PAYMENT-RESPONSE. On failure it writes a 500
// response and returns false; the resource must not be served.
func (m *Middleware) Settle(w http.ResponseWriter, r *http.Request, p *Payment) bool {
	res := m.settle(r.Context(), p)
	if !res.Success {
		m.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"x402Version": int(types.X402Version1),
			"error":       res.Error.String(),
			"settlement":  res,
		})
		return false
	}

	encoded, err := codec.EncodeSettlement(res)
	if err != nil {
		m.logger.Warn("cannot encode settlement receipt", map[string]any{"error": err})
		return true
	}
	w.Header().Set(types.HeaderPaymentResponse, encoded)
	return true
}

// SettleAsync settles p in the background, detached from the request's
// cancellation. Wait blocks until every pending settlement finishes.
func (m *Middleware) SettleAsync(ctx context.Context, p *Payment) {
	ctx = context.WithoutCancel(ctx)
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		m.settle(ctx, p)
	}()
}

func (m *Middleware) Wait() {
	m.pending.Wait()
}

func (m *Middleware) settle(ctx context.Context, p *Payment) *types.SettlementResult {
	res := m.settler.Settle(ctx, p.Header, p.Requirements, m.cfg.Mode)
	if !res.Success {
		m.logger.Error("payment not settled", map[string]any{
			"network":    p.Requirements.Network,
			"payer":      p.Verification.Payer,
			"reason":     res.Error.String(),
			"optimistic": m.cfg.OptimisticGrant,
		})
	}
	if m.onSettled != nil {
		m.onSettled(p, res)
	}
	return res
}

// match returns the offered requirement with the header's scheme and network,
// or the first one so the verifier reports the precise mismatch.
func (m *Middleware) match(header *types.PaymentHeader, r *http.Request) *types.PaymentRequirements {
	chosen := m.cfg.Accepts[0]
	for _, a := range m.cfg.Accepts {
		if a.Scheme == header.Scheme && a.Network == header.Network {
			chosen = a
			break
		}
	}
	if chosen.Resource == "" {
		chosen.Resource = resourceURL(r)
	}
	return &chosen
}

func (m *Middleware) reject(w http.ResponseWriter, r *http.Request, status int, msg string) {
	accepts := make([]types.PaymentRequirements, len(m.cfg.Accepts))
	copy(accepts, m.cfg.Accepts)
	for i := range accepts {
		if accepts[i].Resource == "" {
			accepts[i].Resource = resourceURL(r)
		}
	}
	m.writeJSON(w, status, requirements.NewPaymentRequired(accepts, msg))
}

func (m *Middleware) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Warn("write response", map[string]any{"error": err})
	}
}

// StatusFor maps a verification reason to the HTTP status returned to the payer.
func StatusFor(reason types.Reason) int {
	switch reason {
	case types.ReasonMalformedTransport, types.ReasonMalformedStructure, types.ReasonMissingPayload:
		return http.StatusBadRequest
	case types.ReasonInvalidSignature:
		return http.StatusUnauthorized
	case types.ReasonInsufficientAmount:
		return http.StatusForbidden
	case types.ReasonExpired, types.ReasonNotYetValid:
		return http.StatusRequestTimeout
	case types.ReasonInvalidConfiguration:
		return http.StatusInternalServerError
	}
	if reason.IsSettlement() {
		return http.StatusInternalServerError
	}
	return http.StatusPaymentRequired
}

func resourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// settleOnCommit runs settlement when the handler commits a non-error status.
// If settlement fails the handler's headers and body are discarded; base holds
// the headers set before the handler ran.
type settleOnCommit struct {
	w         http.ResponseWriter
	base      http.Header
	settle    func() bool
	committed bool
	failed    bool
}

func (s *settleOnCommit) Header() http.Header {
	return s.w.Header()
}

func (s *settleOnCommit) Write(b []byte) (int, error) {
	if !s.committed {
		s.WriteHeader(http.StatusOK)
	}
	if s.failed {
		return len(b), nil
	}
	return s.w.Write(b)
}

func (s *settleOnCommit) WriteHeader(code int) {
	if s.committed {
		return
	}
	s.committed = true

	if code >= http.StatusBadRequest {
		s.w.WriteHeader(code)
		return
	}
	h := s.w.Header()
	written := h.Clone()
	clear(h)
	for k, v := range s.base {
		h[k] = v
	}
	if !s.settle() {
		s.failed = true
		return
	}
	for k, v := range written {
		if k != http.CanonicalHeaderKey(types.HeaderPaymentResponse) {
			h[k] = v
		}
	}
	s.w.WriteHeader(code)
}

func (s *settleOnCommit) Flush() {
	if !s.committed {
		s.WriteHeader(http.StatusOK)
	}
	if f, ok := s.w.(http.Flusher); ok && !s.failed {
		f.Flush()
	}
}

func (s *settleOnCommit) Unwrap() http.ResponseWriter {
	return s.w
}
