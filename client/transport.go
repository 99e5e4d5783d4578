package client

import (
	"net/http"

	"github.com/nova402/x402/types"
)

// Transport is an http.RoundTripper that pays for 402 responses.
// Runs that end without a usable response (no acceptable requirement,
// signing failure) surface as *types.X402Error.
type Transport struct {
	Orchestrator *Orchestrator
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out, err := t.Orchestrator.Do(req.Context(), req)
	if err != nil {
		return nil, err
	}

	switch out.Reason {
	case types.ReasonNoAcceptableRequirement, types.ReasonSigningFailed:
		if out.Response != nil {
			out.Response.Body.Close()
		}
		return nil, types.NewError(out.Reason, "payment for %s not attempted", req.URL)
	}
	return out.Response, nil
}

// NewHTTPClient returns an http.Client whose requests pay automatically.
func NewHTTPClient(signers []Signer, opts ...Option) *http.Client {
	return &http.Client{Transport: &Transport{Orchestrator: NewOrchestrator(signers, opts...)}}
}
