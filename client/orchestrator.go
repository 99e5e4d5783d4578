// Package client drives outbound requests through the payment flow:
// probe, read the 402 requirements, sign, retry once.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nova402/x402/codec"
	"github.com/nova402/x402/logger"
	"github.com/nova402/x402/metrics"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
)

const (
	// ValidityBuffer backdates validAfter to tolerate clock skew.
	ValidityBuffer = 60 * time.Second

	defaultValiditySeconds = 300
	maxEnvelopeBytes       = 1 << 20
)

// State is a step of the orchestrator's state machine.
type State int

const (
	StateInit State = iota
	StateProbing
	StateAwaitingRequirements
	StateBuildingAuthorization
	StateRetrying
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateProbing:
		return "Probing"
	case StateAwaitingRequirements:
		return "AwaitingRequirements"
	case StateBuildingAuthorization:
		return "BuildingAuthorization"
	case StateRetrying:
		return "Retrying"
	case StateDone:
		return "Done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AuthorizationParams are generated fresh by the orchestrator for every run.
type AuthorizationParams struct {
	Nonce       [32]byte
	ValidAfter  int64
	ValidBefore int64
}

// Signer produces a payment header for one requirement. The orchestrator
// only calls it; keys and wallets stay with the implementation.
type Signer interface {
	Supports(network string) bool
	Sign(ctx context.Context, requirements *types.PaymentRequirements, params AuthorizationParams) (*types.PaymentHeader, error)
}

type NonceFunc func() ([32]byte, error)

type NowFunc func() time.Time

// Outcome is the terminal result of one run.
type Outcome struct {
	State   State
	Success bool
	Reason  types.Reason

	// Last HTTP response received. The caller owns its body.
	Response *http.Response

	Requirement *types.PaymentRequirements
	Settlement  *types.SettlementResult

	// States visited, in order.
	Trace []State
}

// Orchestrator runs the client side of the payment protocol. It is safe for
// concurrent use; runs share nothing but the signers.
type Orchestrator struct {
	base    http.RoundTripper
	signers []Signer
	timeout time.Duration
	nonce   NonceFunc
	now     NowFunc
	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*Orchestrator)

// WithTransport sets the RoundTripper used for both round trips.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *Orchestrator) { o.base = rt }
}

// WithTimeout bounds a whole run, both round trips included.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

func WithNonceFunc(f NonceFunc) Option {
	return func(o *Orchestrator) { o.nonce = f }
}

func WithNowFunc(f NowFunc) Option {
	return func(o *Orchestrator) { o.now = f }
}

func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithMetrics(m metrics.Recorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an orchestrator paying with the first signer that
// supports a requirement's network.
func NewOrchestrator(signers []Signer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		base:    http.DefaultTransport,
		signers: signers,
		nonce:   utils.NewNonce,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logger.OrNoop(o.logger)
	o.metrics = metrics.OrNoop(o.metrics)
	return o
}

type run struct {
	out *Outcome
}

func (r *run) enter(s State) {
	r.out.State = s
	r.out.Trace = append(r.out.Trace, s)
}

func (r *run) done(success bool, reason types.Reason) *Outcome {
	r.enter(StateDone)
	r.out.Success = success
	r.out.Reason = reason
	return r.out
}

// Do sends req, paying once if the server answers 402. The returned error is
// non-nil only for transport failures; protocol failures are reported in the
// Outcome.
func (o *Orchestrator) Do(ctx context.Context, req *http.Request) (*Outcome, error) {
	start := time.Now()

	cancel := context.CancelFunc(func() {})
	if o.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
	}

	out, err := o.do(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}

	if out.Response != nil {
		out.Response.Body = &cancelOnClose{ReadCloser: out.Response.Body, cancel: cancel}
	} else {
		cancel()
	}

	o.record(out, time.Since(start))
	return out, nil
}

func (o *Orchestrator) do(ctx context.Context, req *http.Request) (*Outcome, error) {
	r := &run{out: &Outcome{}}
	r.enter(StateInit)

	body, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	r.enter(StateProbing)
	resp, err := o.base.RoundTrip(withBody(req.Clone(ctx), body))
	if err != nil {
		return nil, err
	}
	r.out.Response = resp
	if resp.StatusCode != http.StatusPaymentRequired {
		return r.done(resp.StatusCode < http.StatusBadRequest, ""), nil
	}

	r.enter(StateAwaitingRequirements)
	envelope, err := readEnvelope(resp)
	if err != nil {
		o.logger.Warn("unreadable 402 envelope", map[string]any{"url": req.URL.String(), "error": err})
		return r.done(false, types.ReasonNoAcceptableRequirement), nil
	}
	requirement, signer := o.selectRequirement(envelope.Accepts)
	if requirement == nil {
		return r.done(false, types.ReasonNoAcceptableRequirement), nil
	}
	r.out.Requirement = requirement

	r.enter(StateBuildingAuthorization)
	encoded, err := o.authorize(ctx, signer, requirement)
	if err != nil {
		o.logger.Warn("signing failed", map[string]any{"network": requirement.Network, "error": err})
		return r.done(false, types.ReasonSigningFailed), nil
	}

	r.enter(StateRetrying)
	retry := withBody(req.Clone(ctx), body)
	retry.Header.Set(types.HeaderPayment, encoded)
	resp, err = o.base.RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	r.out.Response = resp

	if raw := resp.Header.Get(types.HeaderPaymentResponse); raw != "" {
		settlement, err := codec.DecodeSettlement(raw)
		if err != nil {
			o.logger.Warn("unreadable payment response header", map[string]any{"error": err})
		} else {
			r.out.Settlement = settlement
		}
	}

	if resp.StatusCode == http.StatusPaymentRequired {
		return r.done(false, types.ReasonPaymentRejectedTwice), nil
	}
	return r.done(resp.StatusCode < http.StatusBadRequest, ""), nil
}

// selectRequirement picks the first exact requirement some signer supports.
func (o *Orchestrator) selectRequirement(accepts []types.PaymentRequirements) (*types.PaymentRequirements, Signer) {
	for i := range accepts {
		if accepts[i].Scheme != types.SchemeExact {
			continue
		}
		for _, s := range o.signers {
			if s.Supports(accepts[i].Network) {
				req := accepts[i]
				return &req, s
			}
		}
	}
	return nil, nil
}

func (o *Orchestrator) authorize(ctx context.Context, signer Signer, requirement *types.PaymentRequirements) (string, error) {
	nonce, err := o.nonce()
	if err != nil {
		return "", err
	}

	now := o.now()
	validity := requirement.MaxTimeoutSeconds
	if validity <= 0 {
		validity = defaultValiditySeconds
	}
	params := AuthorizationParams{
		Nonce:       nonce,
		ValidAfter:  now.Add(-ValidityBuffer).Unix(),
		ValidBefore: now.Add(time.Duration(validity) * time.Second).Unix(),
	}

	header, err := signer.Sign(ctx, requirement, params)
	if err != nil {
		return "", err
	}
	return codec.EncodeHeader(header)
}

func (o *Orchestrator) record(out *Outcome, d time.Duration) {
	network := ""
	if out.Requirement != nil {
		network = out.Requirement.Network
	}
	result := "success"
	if !out.Success {
		result = "failure"
		if out.Reason != "" {
			result = out.Reason.String()
		}
	}
	o.metrics.IncCounter(metrics.EventPayment, map[string]string{"network": network, "result": result})
	o.metrics.ObserveLatency(metrics.OperationRoundTrip, d, map[string]string{"network": network})
}

// readEnvelope consumes a 402 body and leaves an identical copy on resp.
func readEnvelope(resp *http.Response) (*types.PaymentRequiredResponse, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEnvelopeBytes))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	var envelope types.PaymentRequiredResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode 402 body: %w", err)
	}
	return &envelope, nil
}

// replayableBody buffers the request body so it can be sent twice.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	if req.GetBody != nil {
		return req.GetBody, nil
	}
	raw, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}, nil
}

func withBody(req *http.Request, body func() (io.ReadCloser, error)) *http.Request {
	if body == nil {
		return req
	}
	rc, err := body()
	if err != nil {
		rc = io.NopCloser(bytes.NewReader(nil))
	}
	req.Body = rc
	req.GetBody = body
	return req
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
