package verification

import (
	"math/big"
	"time"

	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
)

// FamilyVerifier checks the family-specific part of a payment: payload
// presence, amount, recipient, validity window and signature, in that order.
type FamilyVerifier interface {
	Family() types.ChainFamily
	Verify(header *types.PaymentHeader, requirements *types.PaymentRequirements, network networks.Descriptor, now time.Time) *types.VerificationResult
}

// Verifier is the pure authorization check. It performs no I/O and is safe
// for concurrent use.
type Verifier struct {
	registry *networks.Registry
	families map[types.ChainFamily]FamilyVerifier
}

// NewVerifier returns a verifier for the EVM and Solana families. Additional
// family verifiers replace the defaults for their family.
func NewVerifier(reg *networks.Registry, families ...FamilyVerifier) *Verifier {
	if reg == nil {
		reg = networks.Default()
	}

	v := &Verifier{
		registry: reg,
		families: map[types.ChainFamily]FamilyVerifier{
			types.ChainEVM:    NewEVMVerifier(),
			types.ChainSolana: NewSolanaVerifier(),
		},
	}
	for _, f := range families {
		v.families[f.Family()] = f
	}
	return v
}

// Registry returns the network registry the verifier resolves against.
func (v *Verifier) Registry() *networks.Registry {
	return v.registry
}

// Verify checks header against requirements at the instant now.
func (v *Verifier) Verify(header *types.PaymentHeader, requirements *types.PaymentRequirements, now time.Time) *types.VerificationResult {
	desc, family, res := v.precheck(header, requirements)
	if res != nil {
		return res
	}
	return family.Verify(header, requirements, desc, now)
}

// Precheck runs the protocol-level checks (version, scheme, network, payload
// presence) without touching amounts or signatures. It returns nil when they pass.
func (v *Verifier) Precheck(header *types.PaymentHeader, requirements *types.PaymentRequirements) *types.VerificationResult {
	desc, _, res := v.precheck(header, requirements)
	if res != nil {
		return res
	}

	switch desc.Family {
	case types.ChainEVM:
		if header.Payload.Authorization == nil {
			return missingPayload("authorization")
		}
	case types.ChainSolana:
		if header.Payload.Transaction == "" {
			return missingPayload("transaction")
		}
	}
	return nil
}

func (v *Verifier) precheck(header *types.PaymentHeader, requirements *types.PaymentRequirements) (networks.Descriptor, FamilyVerifier, *types.VerificationResult) {
	if header == nil {
		return networks.Descriptor{}, nil, types.Invalid(types.ReasonMalformedStructure, types.ExtraData{"field": "header"})
	}
	if requirements == nil {
		return networks.Descriptor{}, nil, types.Invalid(types.ReasonInvalidConfiguration, types.ExtraData{"field": "requirements"})
	}

	// Requirements from older peers may omit the version; they are version 1.
	expected := requirements.X402Version
	if expected == 0 {
		expected = int(types.X402Version1)
	}
	if header.X402Version != expected {
		return networks.Descriptor{}, nil, types.Invalid(types.ReasonVersionMismatch, types.ExtraData{
			"expected": expected,
			"received": header.X402Version,
		})
	}

	if header.Scheme != requirements.Scheme {
		return networks.Descriptor{}, nil, types.Invalid(types.ReasonSchemeMismatch, types.ExtraData{
			"expected": requirements.Scheme,
			"received": header.Scheme,
		})
	}
	if header.Scheme != types.SchemeExact {
		return networks.Descriptor{}, nil, types.Invalid(types.ReasonSchemeNotImplemented, types.ExtraData{"scheme": header.Scheme})
	}

	if header.Network != requirements.Network {
		return networks.Descriptor{}, nil, types.Invalid(types.ReasonNetworkMismatch, types.ExtraData{
			"expected": requirements.Network,
			"received": header.Network,
		})
	}

	desc, err := v.registry.Describe(header.Network)
	if err != nil {
		return networks.Descriptor{}, nil, types.Invalid(types.ReasonNetworkMismatch, types.ExtraData{
			"network": header.Network,
			"error":   "unsupported network",
		})
	}

	family, ok := v.families[desc.Family]
	if !ok {
		return networks.Descriptor{}, nil, types.Invalid(types.ReasonNetworkMismatch, types.ExtraData{
			"network": header.Network,
			"error":   "unsupported chain family",
		})
	}

	return desc, family, nil
}

func missingPayload(variant string) *types.VerificationResult {
	return types.Invalid(types.ReasonMissingPayload, types.ExtraData{"expected": variant})
}

func malformed(field string, err error) *types.VerificationResult {
	return types.Invalid(types.ReasonMalformedStructure, types.ExtraData{"field": field, "error": err.Error()})
}

func insufficient(required, provided string) *types.VerificationResult {
	return types.Invalid(types.ReasonInsufficientAmount, types.ExtraData{"required": required, "provided": provided})
}

func invalidSignature(err string) *types.VerificationResult {
	return types.Invalid(types.ReasonInvalidSignature, types.ExtraData{"error": err})
}

// requiredAmount parses the requirement's price; an unparseable price is the
// seller's misconfiguration.
func requiredAmount(requirements *types.PaymentRequirements) (*big.Int, *types.VerificationResult) {
	n, err := utils.ParseUint256(requirements.MaxAmountRequired)
	if err != nil {
		return nil, types.Invalid(types.ReasonInvalidConfiguration, types.ExtraData{
			"field": "maxAmountRequired",
			"error": err.Error(),
		})
	}
	return n, nil
}
