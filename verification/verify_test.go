package verification

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova402/x402/codec"
	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/types"
)

type fakeChecker struct {
	used  bool
	err   error
	calls atomic.Int32
}

func (f *fakeChecker) NonceUsed(context.Context, *types.PaymentHeader, *types.PaymentRequirements) (bool, error) {
	f.calls.Add(1)
	return f.used, f.err
}

type countingRecorder struct {
	counts map[string]int
}

func (c *countingRecorder) IncCounter(name string, labels map[string]string) {
	c.counts[name+"/"+labels["result"]]++
}

func (c *countingRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

func newService(opts ...ServiceOption) *VerificationService {
	opts = append([]ServiceOption{WithClock(func() time.Time { return testNow })}, opts...)
	return NewVerificationService(NewVerifier(nil), time.Second, opts...)
}

func TestServiceVerify(t *testing.T) {
	rec := &countingRecorder{counts: map[string]int{}}
	s := newService(WithMetrics(rec))
	req := baseRequirements()

	res, err := s.Verify(context.Background(), signedHeader(t, newKey(t), req, "100000"), req)
	require.NoError(t, err)
	assert.True(t, res.IsValid)

	res, err = s.Verify(context.Background(), signedHeader(t, newKey(t), req, "1"), req)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonInsufficientAmount, res.InvalidReason)

	assert.Equal(t, 1, rec.counts["verify/valid"])
	assert.Equal(t, 1, rec.counts["verify/InsufficientAmount"])
}

func TestServiceNonceAlreadyUsed(t *testing.T) {
	s := newService()
	checker := &fakeChecker{used: true}
	require.NoError(t, s.AddStateChecker(networks.Base, checker))

	req := baseRequirements()
	res, err := s.Verify(context.Background(), signedHeader(t, newKey(t), req, "100000"), req)
	require.NoError(t, err)
	assert.Equal(t, types.ReasonNonceAlreadyUsed, res.InvalidReason)
	assert.EqualValues(t, 1, checker.calls.Load())

	// invalid payments never reach the ledger
	_, err = s.Verify(context.Background(), signedHeader(t, newKey(t), req, "1"), req)
	require.NoError(t, err)
	assert.EqualValues(t, 1, checker.calls.Load())
}

func TestServiceCheckerFailureKeepsResult(t *testing.T) {
	s := newService()
	require.NoError(t, s.AddStateChecker(networks.Base, &fakeChecker{err: errors.New("rpc down")}))

	req := baseRequirements()
	res, err := s.Verify(context.Background(), signedHeader(t, newKey(t), req, "100000"), req)
	require.NoError(t, err)
	assert.True(t, res.IsValid)
}

func TestServiceAddStateCheckerUnknownNetwork(t *testing.T) {
	err := newService().AddStateChecker("eip155:424242", &fakeChecker{})
	reason, ok := types.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, types.ReasonInvalidConfiguration, reason)
}

func TestServiceVerifyRequest(t *testing.T) {
	s := newService()
	req := baseRequirements()

	encoded, err := codec.EncodeHeader(signedHeader(t, newKey(t), req, "100000"))
	require.NoError(t, err)

	res, err := s.VerifyRequest(context.Background(), &types.VerifyRequest{
		X402Version:         1,
		PaymentHeader:       encoded,
		PaymentRequirements: *req,
	})
	require.NoError(t, err)
	assert.True(t, res.IsValid)

	res, err = s.VerifyRequest(context.Background(), &types.VerifyRequest{
		X402Version:         1,
		PaymentHeader:       "not base64!",
		PaymentRequirements: *req,
	})
	require.NoError(t, err)
	assert.Equal(t, types.ReasonMalformedTransport, res.InvalidReason)
}

func TestServiceVerifyEncodedStructureField(t *testing.T) {
	h := signedHeader(t, newKey(t), baseRequirements(), "100000")
	h.Payload.Authorization.Nonce = "0x01"
	encoded, err := codec.EncodeHeader(h)
	require.NoError(t, err)

	_, res, err := newService().VerifyEncoded(context.Background(), encoded, baseRequirements())
	require.NoError(t, err)
	assert.Equal(t, types.ReasonMalformedStructure, res.InvalidReason)
	assert.Equal(t, "payload.authorization.nonce", res.Details["field"])
}

func TestServiceBatchVerify(t *testing.T) {
	s := newService()
	req := baseRequirements()

	var reqs []*types.VerifyRequest
	for _, value := range []string{"100000", "1", "200000"} {
		encoded, err := codec.EncodeHeader(signedHeader(t, newKey(t), req, value))
		require.NoError(t, err)
		reqs = append(reqs, &types.VerifyRequest{X402Version: 1, PaymentHeader: encoded, PaymentRequirements: *req})
	}

	results, err := s.BatchVerify(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].IsValid)
	assert.Equal(t, types.ReasonInsufficientAmount, results[1].InvalidReason)
	assert.True(t, results[2].IsValid)
}

func TestServiceCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := baseRequirements()
	_, err := newService().Verify(ctx, signedHeader(t, newKey(t), req, "100000"), req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestServiceQuickVerify(t *testing.T) {
	s := newService()
	req := baseRequirements()

	// a bad signature passes the quick check
	h := signedHeader(t, newKey(t), req, "100000")
	h.Payload.Authorization.V = 29
	assert.True(t, s.QuickVerify(h, req).IsValid)

	h.Network = networks.Polygon
	assert.Equal(t, types.ReasonNetworkMismatch, s.QuickVerify(h, req).InvalidReason)
}

func TestServiceSupportedNetworks(t *testing.T) {
	s := newService()
	assert.True(t, s.IsNetworkSupported(networks.SolanaDevnet))
	assert.False(t, s.IsNetworkSupported("eip155:424242"))
	assert.Len(t, s.SupportedNetworks(), len(networks.Default().All()))
}
