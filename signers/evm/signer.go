// Package evm signs EIP-3009 transferWithAuthorization payments for the
// client orchestrator.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nova402/x402/client"
	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
	"github.com/nova402/x402/verification"
)

// ErrAmountExceeded is returned when a requirement asks for more than the
// signer's configured ceiling.
var ErrAmountExceeded = errors.New("amount exceeds signer limit")

type Signer struct {
	key       *ecdsa.PrivateKey
	address   common.Address
	registry  *networks.Registry
	allowed   map[string]struct{}
	maxAmount *big.Int
}

var _ client.Signer = (*Signer)(nil)

type Option func(*Signer)

func WithRegistry(reg *networks.Registry) Option {
	return func(s *Signer) { s.registry = reg }
}

// WithNetworks restricts the signer to the given CAIP-2 ids.
func WithNetworks(ids ...string) Option {
	return func(s *Signer) {
		s.allowed = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			s.allowed[id] = struct{}{}
		}
	}
}

// WithMaxAmount refuses to sign requirements above amount (atomic units).
func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) { s.maxAmount = amount }
}

// NewSigner creates a signer from a hex private key, with or without 0x.
func NewSigner(hexKey string, opts ...Option) (*Signer, error) {
	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, types.WrapError(types.ReasonInvalidConfiguration, err, "invalid EVM private key")
	}
	return NewSignerFromKey(key, opts...), nil
}

func NewSignerFromKey(key *ecdsa.PrivateKey, opts ...Option) *Signer {
	s := &Signer{
		key:     key,
		address: utils.AddressFromPrivateKey(key),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = networks.Default()
	}
	return s
}

// Address is the payer address that appears in authorization.from.
func (s *Signer) Address() common.Address {
	return s.address
}

// Supports reports whether network is a registered EVM network this signer may pay on.
func (s *Signer) Supports(network string) bool {
	if s.allowed != nil {
		if _, ok := s.allowed[network]; !ok {
			return false
		}
	}
	return s.registry.IsFamily(network, types.ChainEVM)
}

// Sign builds and signs an authorization moving exactly maxAmountRequired to payTo.
func (s *Signer) Sign(_ context.Context, req *types.PaymentRequirements, params client.AuthorizationParams) (*types.PaymentHeader, error) {
	if !s.Supports(req.Network) {
		return nil, fmt.Errorf("network %s not supported by signer", req.Network)
	}
	desc, err := s.registry.Describe(req.Network)
	if err != nil {
		return nil, err
	}

	amount, err := utils.ParseUint256(req.MaxAmountRequired)
	if err != nil {
		return nil, fmt.Errorf("maxAmountRequired: %w", err)
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrAmountExceeded, amount, s.maxAmount)
	}
	if !common.IsHexAddress(req.PayTo) {
		return nil, fmt.Errorf("payTo %q is not an EVM address", req.PayTo)
	}
	if !common.IsHexAddress(req.Asset) {
		return nil, fmt.Errorf("asset %q is not an EVM address", req.Asset)
	}

	auth := &types.EVMAuthorization{
		From:        s.address.Hex(),
		To:          common.HexToAddress(req.PayTo).Hex(),
		Value:       amount.String(),
		ValidAfter:  strconv.FormatInt(params.ValidAfter, 10),
		ValidBefore: strconv.FormatInt(params.ValidBefore, 10),
		Nonce:       hexutil.Encode(params.Nonce[:]),
	}

	domain := verification.Domain(req, desc)
	typed, err := utils.NewTransferTypedData(domain.Name, domain.Version, domain.ChainID, domain.VerifyingContract.Hex(), auth)
	if err != nil {
		return nil, err
	}
	digest, err := utils.TypedDataDigest(typed)
	if err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	if auth.V, auth.R, auth.S, err = utils.SplitSignature(sig); err != nil {
		return nil, err
	}

	version := req.X402Version
	if version < 1 {
		version = int(types.X402Version1)
	}
	return &types.PaymentHeader{
		X402Version: version,
		Scheme:      types.SchemeExact,
		Network:     req.Network,
		Payload:     types.PaymentPayload{Authorization: auth},
	}, nil
}
