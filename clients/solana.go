package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/nova402/x402/logger"
	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/verification"
)

// SolanaRPC is the subset of rpc.Client the Solana client needs.
type SolanaRPC interface {
	SendTransaction(ctx context.Context, transaction *solana.Transaction) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, transactionSignatures ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
}

var _ Client = (*SolanaClient)(nil)

// SolanaClient co-signs payment transactions as fee payer, submits them and
// polls their signature status.
type SolanaClient struct {
	network  networks.Descriptor
	rpc      SolanaRPC
	closer   func() error
	feePayer *solana.PrivateKey
	target   rpc.ConfirmationStatusType
	poll     time.Duration
	logger   logger.Logger
	now      func() time.Time
}

// NewSolanaClient connects to cfg.RPCUrl. SignerKey, when set, is the base58
// fee payer key used to complete partially signed transactions.
func NewSolanaClient(desc networks.Descriptor, cfg types.ClientConfig, opts ...Option) (*SolanaClient, error) {
	if desc.Family != types.ChainSolana {
		return nil, types.NewError(types.ReasonInvalidConfiguration, "network %s is not a Solana network", desc.ID)
	}
	if cfg.RPCUrl == "" {
		return nil, types.NewError(types.ReasonInvalidConfiguration, "no RPC URL for %s", desc.ID)
	}

	client := rpc.NewWithHeaders(cfg.RPCUrl, cfg.Headers)
	c, err := NewSolanaClientWithRPC(desc, client, cfg, opts...)
	if err != nil {
		return nil, err
	}
	c.closer = client.Close
	return c, nil
}

// NewSolanaClientWithRPC builds a client on an existing RPC implementation.
func NewSolanaClientWithRPC(desc networks.Descriptor, client SolanaRPC, cfg types.ClientConfig, opts ...Option) (*SolanaClient, error) {
	o := buildOptions(opts)
	c := &SolanaClient{
		network: desc,
		rpc:     client,
		target:  rpc.ConfirmationStatusConfirmed,
		poll:    pollInterval(cfg),
		logger:  o.logger,
		now:     o.now,
	}
	if cfg.Confirmations > 1 {
		c.target = rpc.ConfirmationStatusFinalized
	}

	if cfg.SignerKey != "" {
		key, err := solana.PrivateKeyFromBase58(cfg.SignerKey)
		if err != nil {
			return nil, types.WrapError(types.ReasonInvalidConfiguration, err, "invalid fee payer key")
		}
		c.feePayer = &key
	}
	return c, nil
}

func (s *SolanaClient) Network() string {
	return s.network.ID
}

// FeePayer returns the fee payer public key, or the zero key when none is configured.
func (s *SolanaClient) FeePayer() solana.PublicKey {
	if s.feePayer == nil {
		return solana.PublicKey{}
	}
	return s.feePayer.PublicKey()
}

func (s *SolanaClient) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}

// NonceUsed reports whether the transaction's first present signature is
// already known to the cluster.
func (s *SolanaClient) NonceUsed(ctx context.Context, header *types.PaymentHeader, _ *types.PaymentRequirements) (bool, error) {
	tx, err := verification.DecodeTransaction(&header.Payload)
	if err != nil {
		return false, err
	}
	for _, sig := range tx.Signatures {
		if sig == (solana.Signature{}) {
			continue
		}
		status, err := s.status(ctx, sig)
		if err != nil {
			return false, err
		}
		return status != nil, nil
	}
	return false, nil
}

// Broadcast completes the fee payer signature, sends the transaction and
// waits for the configured commitment. The fee payer only signs transactions
// in which no instruction touches it.
func (s *SolanaClient) Broadcast(ctx context.Context, header *types.PaymentHeader, _ *types.PaymentRequirements) (*types.Receipt, error) {
	tx, err := verification.DecodeTransaction(&header.Payload)
	if err != nil {
		return nil, types.WrapError(types.ReasonMalformedStructure, err, "payload.transaction")
	}

	if s.feePayer != nil && tx.Message.IsSigner(s.feePayer.PublicKey()) {
		key := *s.feePayer
		if err := verification.CheckFeePayer(tx, key.PublicKey()); err != nil {
			return nil, types.WrapError(types.ReasonInvalidSignature, err, "refusing to co-sign")
		}
		if _, err := tx.PartialSign(func(pub solana.PublicKey) *solana.PrivateKey {
			if pub.Equals(key.PublicKey()) {
				return &key
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("fee payer sign: %w", err)
		}
	}

	n := int(tx.Message.Header.NumRequiredSignatures)
	if n == 0 {
		return nil, types.NewError(types.ReasonSettlementBroadcast, "transaction has no signers")
	}
	for i := 0; i < n; i++ {
		if tx.Signatures[i] == (solana.Signature{}) {
			return nil, types.NewError(types.ReasonSettlementBroadcast, "missing signature for %s", tx.Message.AccountKeys[i])
		}
	}

	// the first signature identifies the transaction on chain
	id := tx.Signatures[0]
	known, err := s.status(ctx, id)
	if err != nil {
		return nil, err
	}
	if known != nil {
		return nil, types.ErrNonceUsed
	}

	sig, err := s.rpc.SendTransaction(ctx, tx)
	if err != nil {
		return nil, types.WrapError(types.ReasonSettlementBroadcast, err, "send transaction")
	}

	s.logger.Debug("transaction sent", map[string]any{
		"network":   s.network.ID,
		"signature": sig.String(),
	})

	return s.waitConfirmation(ctx, sig)
}

func (s *SolanaClient) status(ctx context.Context, sig solana.Signature) (*rpc.SignatureStatusesResult, error) {
	out, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("signature status: %w", err)
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

func (s *SolanaClient) waitConfirmation(ctx context.Context, sig solana.Signature) (*types.Receipt, error) {
	pending := &types.Receipt{TxReference: sig.String()}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		out, err := s.rpc.GetSignatureStatuses(ctx, false, sig)
		switch {
		case err != nil:
			s.logger.Warn("signature status lookup failed", map[string]any{"signature": sig.String(), "error": err})
		case out != nil && len(out.Value) > 0 && out.Value[0] != nil:
			st := out.Value[0]
			if st.Err != nil {
				return pending, types.NewError(types.ReasonSettlementBroadcast, "transaction %s failed: %v", sig, st.Err)
			}
			if reached(st.ConfirmationStatus, s.target) {
				return &types.Receipt{
					TxReference: sig.String(),
					ConfirmedAt: s.now(),
					Extra: types.ExtraData{
						"slot":   st.Slot,
						"status": string(st.ConfirmationStatus),
					},
				}, nil
			}
		}

		select {
		case <-ctx.Done():
			return pending, fmt.Errorf("%w: %s: %w", types.ErrNotConfirmed, sig, ctx.Err())
		case <-ticker.C:
		}
	}
}

func reached(got, want rpc.ConfirmationStatusType) bool {
	rank := map[rpc.ConfirmationStatusType]int{
		rpc.ConfirmationStatusProcessed: 1,
		rpc.ConfirmationStatusConfirmed: 2,
		rpc.ConfirmationStatusFinalized: 3,
	}
	return rank[got] >= rank[want]
}
