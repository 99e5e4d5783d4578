package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova402/x402/codec"
	"github.com/nova402/x402/types"
)

const testNetwork = "eip155:84532"

type stubSigner struct {
	network string
	err     error

	mu     sync.Mutex
	params []AuthorizationParams
}

func (s *stubSigner) Supports(network string) bool {
	return network == s.network
}

func (s *stubSigner) Sign(_ context.Context, req *types.PaymentRequirements, p AuthorizationParams) (*types.PaymentHeader, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.mu.Lock()
	s.params = append(s.params, p)
	s.mu.Unlock()

	return &types.PaymentHeader{
		X402Version: 1,
		Scheme:      req.Scheme,
		Network:     req.Network,
		Payload: types.PaymentPayload{Authorization: &types.EVMAuthorization{
			From:        "0x857b06519E91e3A54538791bDbb0E22373e36b66",
			To:          req.PayTo,
			Value:       req.MaxAmountRequired,
			ValidAfter:  fmt.Sprint(p.ValidAfter),
			ValidBefore: fmt.Sprint(p.ValidBefore),
			Nonce:       hexutil.Encode(p.Nonce[:]),
			V:           27,
			R:           "0x2222222222222222222222222222222222222222222222222222222222222222",
			S:           "0x3333333333333333333333333333333333333333333333333333333333333333",
		}},
	}, nil
}

func requirement(scheme types.PaymentScheme, network string) types.PaymentRequirements {
	return types.PaymentRequirements{
		X402Version:       1,
		Scheme:            scheme,
		Network:           network,
		MaxAmountRequired: "10000",
		Resource:          "https://api.example.com/data",
		PayTo:             "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		MaxTimeoutSeconds: 120,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
	}
}

// paywall answers 402 until a decodable X-PAYMENT arrives. When rejectPaid is
// set it keeps answering 402.
type paywall struct {
	accepts    []types.PaymentRequirements
	rejectPaid bool
	delayPaid  time.Duration

	mu      sync.Mutex
	calls   int
	headers []*types.PaymentHeader
	bodies  []string
}

func (p *paywall) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	p.mu.Lock()
	p.calls++
	p.bodies = append(p.bodies, string(body))
	p.mu.Unlock()

	raw := r.Header.Get(types.HeaderPayment)
	if raw == "" {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(types.PaymentRequiredResponse{X402Version: 1, Accepts: p.accepts, Error: "payment required"})
		return
	}

	header, err := codec.DecodeHeader(raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p.mu.Lock()
	p.headers = append(p.headers, header)
	p.mu.Unlock()

	if p.delayPaid > 0 {
		select {
		case <-time.After(p.delayPaid):
		case <-r.Context().Done():
			return
		}
	}
	if p.rejectPaid {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(types.PaymentRequiredResponse{X402Version: 1, Accepts: p.accepts, Error: "rejected"})
		return
	}

	receipt, _ := codec.EncodeSettlement(&types.SettlementResult{Success: true, TxReference: "0xfeed", NetworkID: header.Network})
	w.Header().Set(types.HeaderPaymentResponse, receipt)
	_, _ = w.Write([]byte("premium"))
}

func newPaywall(t *testing.T, p *paywall) string {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return srv.URL
}

func get(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}

func TestPaidRoundTrip(t *testing.T) {
	wall := &paywall{accepts: []types.PaymentRequirements{requirement(types.SchemeExact, testNetwork)}}
	url := newPaywall(t, wall)
	signer := &stubSigner{network: testNetwork}

	out, err := NewOrchestrator([]Signer{signer}).Do(context.Background(), get(t, url))
	require.NoError(t, err)
	defer out.Response.Body.Close()

	assert.True(t, out.Success)
	assert.Equal(t, StateDone, out.State)
	assert.Empty(t, out.Reason)
	assert.Equal(t, []State{StateInit, StateProbing, StateAwaitingRequirements, StateBuildingAuthorization, StateRetrying, StateDone}, out.Trace)
	assert.Equal(t, http.StatusOK, out.Response.StatusCode)
	require.NotNil(t, out.Settlement)
	assert.Equal(t, "0xfeed", out.Settlement.TxReference)
	assert.Equal(t, testNetwork, out.Requirement.Network)

	body, err := io.ReadAll(out.Response.Body)
	require.NoError(t, err)
	assert.Equal(t, "premium", string(body))
	assert.Equal(t, 2, wall.calls)
}

func TestSecond402IsTerminal(t *testing.T) {
	wall := &paywall{accepts: []types.PaymentRequirements{requirement(types.SchemeExact, testNetwork)}, rejectPaid: true}
	url := newPaywall(t, wall)

	out, err := NewOrchestrator([]Signer{&stubSigner{network: testNetwork}}).Do(context.Background(), get(t, url))
	require.NoError(t, err)
	defer out.Response.Body.Close()

	assert.False(t, out.Success)
	assert.Equal(t, types.ReasonPaymentRejectedTwice, out.Reason)
	assert.Equal(t, StateDone, out.State)
	assert.Equal(t, http.StatusPaymentRequired, out.Response.StatusCode)
	assert.Equal(t, 2, wall.calls)
}

func TestPassthrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("free"))
	}))
	defer srv.Close()
	o := NewOrchestrator(nil)

	out, err := o.Do(context.Background(), get(t, srv.URL))
	require.NoError(t, err)
	out.Response.Body.Close()
	assert.True(t, out.Success)
	assert.Equal(t, []State{StateInit, StateProbing, StateDone}, out.Trace)

	out, err = o.Do(context.Background(), get(t, srv.URL+"/missing"))
	require.NoError(t, err)
	out.Response.Body.Close()
	assert.False(t, out.Success)
	assert.Empty(t, out.Reason)
}

func TestNoAcceptableRequirement(t *testing.T) {
	tests := []struct {
		name    string
		accepts []types.PaymentRequirements
	}{
		{"empty", nil},
		{"only upto", []types.PaymentRequirements{requirement(types.SchemeUpto, testNetwork)}},
		{"unsupported network", []types.PaymentRequirements{requirement(types.SchemeExact, "eip155:1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wall := &paywall{accepts: tt.accepts}
			url := newPaywall(t, wall)

			out, err := NewOrchestrator([]Signer{&stubSigner{network: testNetwork}}).Do(context.Background(), get(t, url))
			require.NoError(t, err)
			defer out.Response.Body.Close()

			assert.False(t, out.Success)
			assert.Equal(t, types.ReasonNoAcceptableRequirement, out.Reason)
			assert.Equal(t, 1, wall.calls)

			// the 402 body is still readable
			var envelope types.PaymentRequiredResponse
			require.NoError(t, json.NewDecoder(out.Response.Body).Decode(&envelope))
			assert.Equal(t, "payment required", envelope.Error)
		})
	}
}

func TestSelectionPrefersFirstSupportedExact(t *testing.T) {
	wall := &paywall{accepts: []types.PaymentRequirements{
		requirement(types.SchemeUpto, testNetwork),
		requirement(types.SchemeExact, "eip155:1"),
		requirement(types.SchemeExact, testNetwork),
		requirement(types.SchemeExact, "eip155:8453"),
	}}
	url := newPaywall(t, wall)
	signers := []Signer{&stubSigner{network: "eip155:8453"}, &stubSigner{network: testNetwork}}

	out, err := NewOrchestrator(signers).Do(context.Background(), get(t, url))
	require.NoError(t, err)
	out.Response.Body.Close()
	assert.Equal(t, testNetwork, out.Requirement.Network)
	assert.Equal(t, testNetwork, wall.headers[0].Network)
}

func TestSigningFailed(t *testing.T) {
	wall := &paywall{accepts: []types.PaymentRequirements{requirement(types.SchemeExact, testNetwork)}}
	url := newPaywall(t, wall)

	out, err := NewOrchestrator([]Signer{&stubSigner{network: testNetwork, err: errors.New("wallet locked")}}).Do(context.Background(), get(t, url))
	require.NoError(t, err)
	out.Response.Body.Close()
	assert.Equal(t, types.ReasonSigningFailed, out.Reason)
	assert.Equal(t, 1, wall.calls)

	nonceErr := NewOrchestrator([]Signer{&stubSigner{network: testNetwork}}, WithNonceFunc(func() ([32]byte, error) {
		return [32]byte{}, errors.New("no entropy")
	}))
	out, err = nonceErr.Do(context.Background(), get(t, url))
	require.NoError(t, err)
	out.Response.Body.Close()
	assert.Equal(t, types.ReasonSigningFailed, out.Reason)
}

func TestFreshNonceAndWindow(t *testing.T) {
	wall := &paywall{accepts: []types.PaymentRequirements{requirement(types.SchemeExact, testNetwork)}}
	url := newPaywall(t, wall)
	signer := &stubSigner{network: testNetwork}
	now := time.Unix(1_750_000_000, 0)
	o := NewOrchestrator([]Signer{signer}, WithNowFunc(func() time.Time { return now }))

	for i := 0; i < 2; i++ {
		out, err := o.Do(context.Background(), get(t, url))
		require.NoError(t, err)
		out.Response.Body.Close()
		require.True(t, out.Success)
	}

	require.Len(t, signer.params, 2)
	assert.NotEqual(t, signer.params[0].Nonce, signer.params[1].Nonce)
	assert.Equal(t, now.Unix()-60, signer.params[0].ValidAfter)
	assert.Equal(t, now.Unix()+120, signer.params[0].ValidBefore)
}

func TestBodyIsReplayed(t *testing.T) {
	wall := &paywall{accepts: []types.PaymentRequirements{requirement(types.SchemeExact, testNetwork)}}
	url := newPaywall(t, wall)

	req, err := http.NewRequest(http.MethodPost, url, io.NopCloser(strings.NewReader(`{"q":"x"}`)))
	require.NoError(t, err)
	req.GetBody = nil

	out, err := NewOrchestrator([]Signer{&stubSigner{network: testNetwork}}).Do(context.Background(), req)
	require.NoError(t, err)
	out.Response.Body.Close()
	assert.True(t, out.Success)
	assert.Equal(t, []string{`{"q":"x"}`, `{"q":"x"}`}, wall.bodies)
}

func TestTimeoutSpansBothRoundTrips(t *testing.T) {
	wall := &paywall{accepts: []types.PaymentRequirements{requirement(types.SchemeExact, testNetwork)}, delayPaid: time.Second}
	url := newPaywall(t, wall)

	o := NewOrchestrator([]Signer{&stubSigner{network: testNetwork}}, WithTimeout(50*time.Millisecond))
	_, err := o.Do(context.Background(), get(t, url))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingRecorder) IncCounter(name string, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name+"/"+labels["result"]]++
}

func (c *countingRecorder) ObserveLatency(string, time.Duration, map[string]string) {}

func TestTransport(t *testing.T) {
	wall := &paywall{accepts: []types.PaymentRequirements{requirement(types.SchemeExact, testNetwork)}}
	url := newPaywall(t, wall)
	rec := &countingRecorder{counts: map[string]int{}}

	httpClient := NewHTTPClient([]Signer{&stubSigner{network: testNetwork}}, WithMetrics(rec), WithTimeout(5*time.Second))
	resp, err := httpClient.Get(url)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "premium", string(body))
	assert.NotEmpty(t, resp.Header.Get(types.HeaderPaymentResponse))

	unpaid := NewHTTPClient([]Signer{&stubSigner{network: "eip155:1"}}, WithMetrics(rec))
	_, err = unpaid.Get(url)
	reason, ok := types.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, types.ReasonNoAcceptableRequirement, reason)

	assert.Equal(t, 1, rec.counts["client_payment/success"])
	assert.Equal(t, 1, rec.counts["client_payment/NoAcceptableRequirement"])
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AwaitingRequirements", StateAwaitingRequirements.String())
	assert.Equal(t, "State(42)", State(42).String())
}
