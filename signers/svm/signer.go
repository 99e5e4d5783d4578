// Package svm signs Solana transfer transactions for the client orchestrator.
// The transaction is partially signed by the payer; when requirements name a
// fee payer its slot is left for the facilitator to fill.
package svm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/nova402/x402/client"
	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/types"
)

var ErrAmountExceeded = errors.New("amount exceeds signer limit")

// BlockhashSource supplies the recent blockhash a transaction is built on.
// *rpc.Client satisfies it.
type BlockhashSource interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
}

type Signer struct {
	key       solana.PrivateKey
	registry  *networks.Registry
	allowed   map[string]struct{}
	maxAmount *big.Int
	blockhash BlockhashSource
	decimals  map[string]uint8
}

var _ client.Signer = (*Signer)(nil)

type Option func(*Signer)

func WithRegistry(reg *networks.Registry) Option {
	return func(s *Signer) { s.registry = reg }
}

func WithNetworks(ids ...string) Option {
	return func(s *Signer) {
		s.allowed = make(map[string]struct{}, len(ids))
		for _, id := range ids {
			s.allowed[id] = struct{}{}
		}
	}
}

func WithMaxAmount(amount *big.Int) Option {
	return func(s *Signer) { s.maxAmount = amount }
}

// WithBlockhashSource overrides the RPC endpoint otherwise dialed per network.
func WithBlockhashSource(src BlockhashSource) Option {
	return func(s *Signer) { s.blockhash = src }
}

// WithTokenDecimals registers the decimals of a mint that is not the
// network's default asset.
func WithTokenDecimals(mint string, decimals uint8) Option {
	return func(s *Signer) { s.decimals[mint] = decimals }
}

// NewSigner creates a signer from a base58 private key.
func NewSigner(base58Key string, opts ...Option) (*Signer, error) {
	key, err := solana.PrivateKeyFromBase58(base58Key)
	if err != nil {
		return nil, types.WrapError(types.ReasonInvalidConfiguration, err, "invalid Solana private key")
	}
	return NewSignerFromKey(key, opts...), nil
}

func NewSignerFromKey(key solana.PrivateKey, opts ...Option) *Signer {
	s := &Signer{key: key, decimals: map[string]uint8{}}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = networks.Default()
	}
	return s
}

func (s *Signer) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *Signer) Supports(network string) bool {
	if s.allowed != nil {
		if _, ok := s.allowed[network]; !ok {
			return false
		}
	}
	return s.registry.IsFamily(network, types.ChainSolana)
}

// Sign builds a transfer of maxAmountRequired to payTo. Solana transactions
// carry no validity window and the blockhash bounds replay, so params are
// not embedded.
func (s *Signer) Sign(ctx context.Context, req *types.PaymentRequirements, _ client.AuthorizationParams) (*types.PaymentHeader, error) {
	if !s.Supports(req.Network) {
		return nil, fmt.Errorf("network %s not supported by signer", req.Network)
	}
	desc, err := s.registry.Describe(req.Network)
	if err != nil {
		return nil, err
	}

	amount, ok := new(big.Int).SetString(req.MaxAmountRequired, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("maxAmountRequired %q is not a non-negative integer", req.MaxAmountRequired)
	}
	if !amount.IsUint64() {
		return nil, fmt.Errorf("%w: %s does not fit a u64", ErrAmountExceeded, amount)
	}
	if s.maxAmount != nil && amount.Cmp(s.maxAmount) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrAmountExceeded, amount, s.maxAmount)
	}

	payTo, err := solana.PublicKeyFromBase58(req.PayTo)
	if err != nil {
		return nil, fmt.Errorf("payTo: %w", err)
	}
	mint, err := solana.PublicKeyFromBase58(req.Asset)
	if err != nil {
		return nil, fmt.Errorf("asset: %w", err)
	}

	owner := s.key.PublicKey()
	feePayer := owner
	if fp, ok := req.Extra.String("feePayer"); ok {
		if feePayer, err = solana.PublicKeyFromBase58(fp); err != nil {
			return nil, fmt.Errorf("extra.feePayer: %w", err)
		}
	}

	var ix solana.Instruction
	if mint.Equals(solana.SystemProgramID) {
		ix = system.NewTransferInstruction(amount.Uint64(), owner, payTo).Build()
	} else {
		decimals, err := s.decimalsFor(req.Asset, desc)
		if err != nil {
			return nil, err
		}
		if ix, err = transferChecked(owner, payTo, mint, amount.Uint64(), decimals); err != nil {
			return nil, err
		}
	}

	recent, err := s.latestBlockhash(ctx, desc)
	if err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction([]solana.Instruction{ix}, recent, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	if _, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner) {
			return &s.key
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}

	version := req.X402Version
	if version < 1 {
		version = int(types.X402Version1)
	}
	return &types.PaymentHeader{
		X402Version: version,
		Scheme:      types.SchemeExact,
		Network:     req.Network,
		Payload:     types.PaymentPayload{Transaction: base64.StdEncoding.EncodeToString(raw)},
	}, nil
}

func (s *Signer) decimalsFor(mint string, desc networks.Descriptor) (uint8, error) {
	if d, ok := s.decimals[mint]; ok {
		return d, nil
	}
	if mint == desc.Asset.Address {
		return desc.Asset.Decimals, nil
	}
	return 0, fmt.Errorf("unknown decimals for mint %s", mint)
}

func (s *Signer) latestBlockhash(ctx context.Context, desc networks.Descriptor) (solana.Hash, error) {
	src := s.blockhash
	if src == nil {
		c := rpc.New(desc.DefaultRPCURL)
		defer c.Close()
		src = c
	}

	out, err := src.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, errors.New("get latest blockhash: empty result")
	}
	return out.Value.Blockhash, nil
}

// transferChecked moves amount between the owner's and payTo's associated
// token accounts.
func transferChecked(owner, payTo, mint solana.PublicKey, amount uint64, decimals uint8) (solana.Instruction, error) {
	source, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return nil, fmt.Errorf("source token account: %w", err)
	}
	dest, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	if err != nil {
		return nil, fmt.Errorf("destination token account: %w", err)
	}

	return token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(decimals).
		SetSourceAccount(source).
		SetMintAccount(mint).
		SetDestinationAccount(dest).
		SetOwnerAccount(owner).
		Build(), nil
}
