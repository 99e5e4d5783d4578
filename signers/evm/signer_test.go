package evm

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova402/x402/client"
	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/verification"
)

const (
	testKey   = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testPayer = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"
)

var now = time.Unix(1_750_000_000, 0)

func requirements() *types.PaymentRequirements {
	return &types.PaymentRequirements{
		X402Version:       1,
		Scheme:            types.SchemeExact,
		Network:           networks.BaseSepolia,
		MaxAmountRequired: "10000",
		PayTo:             "0x209693bc6afc0c5328ba36faf03c514ef312287c",
		MaxTimeoutSeconds: 300,
		Asset:             "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Extra:             types.ExtraData{"name": "USDC", "version": "2"},
	}
}

func params() client.AuthorizationParams {
	return client.AuthorizationParams{
		Nonce:       [32]byte{0: 0xab, 31: 0x01},
		ValidAfter:  now.Add(-time.Minute).Unix(),
		ValidBefore: now.Add(5 * time.Minute).Unix(),
	}
}

func TestSignVerifies(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	assert.Equal(t, testPayer, s.Address().Hex())

	req := requirements()
	header, err := s.Sign(context.Background(), req, params())
	require.NoError(t, err)

	auth := header.Payload.Authorization
	require.NotNil(t, auth)
	assert.Equal(t, testPayer, auth.From)
	assert.Equal(t, "0x209693Bc6afc0C5328bA36FaF03C514EF312287C", auth.To)
	assert.Equal(t, "10000", auth.Value)
	assert.Equal(t, "1749999940", auth.ValidAfter)
	assert.Equal(t, "1750000300", auth.ValidBefore)
	wantNonce := params().Nonce
	assert.Equal(t, hexutil.Encode(wantNonce[:]), auth.Nonce)
	assert.Contains(t, []uint8{27, 28}, auth.V)

	res := verification.NewVerifier(networks.Default()).Verify(header, req, now)
	assert.True(t, res.IsValid, "reason: %s %v", res.InvalidReason, res.Details)
	assert.Equal(t, testPayer, res.Payer)
}

func TestSignWrongDomainFailsVerification(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	req := requirements()
	req.Extra = types.ExtraData{"name": "Not USDC", "version": "1"}
	header, err := s.Sign(context.Background(), req, params())
	require.NoError(t, err)

	res := verification.NewVerifier(networks.Default()).Verify(header, requirements(), now)
	assert.False(t, res.IsValid)
	assert.Equal(t, types.ReasonInvalidSignature, res.InvalidReason)
}

func TestSupports(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	open := NewSignerFromKey(key)
	assert.True(t, open.Supports(networks.Base))
	assert.True(t, open.Supports(networks.BaseSepolia))
	assert.False(t, open.Supports(networks.SolanaDevnet))
	assert.False(t, open.Supports("eip155:999999"))

	restricted := NewSignerFromKey(key, WithNetworks(networks.BaseSepolia))
	assert.True(t, restricted.Supports(networks.BaseSepolia))
	assert.False(t, restricted.Supports(networks.Base))

	_, err = restricted.Sign(context.Background(), &types.PaymentRequirements{Network: networks.Base}, params())
	assert.Error(t, err)
}

func TestSignRejects(t *testing.T) {
	s, err := NewSigner(testKey, WithMaxAmount(big.NewInt(5000)))
	require.NoError(t, err)

	_, err = s.Sign(context.Background(), requirements(), params())
	assert.ErrorIs(t, err, ErrAmountExceeded)

	unlimited, err := NewSigner(testKey)
	require.NoError(t, err)

	bad := requirements()
	bad.PayTo = "not-an-address"
	_, err = unlimited.Sign(context.Background(), bad, params())
	assert.Error(t, err)

	bad = requirements()
	bad.MaxAmountRequired = "-1"
	_, err = unlimited.Sign(context.Background(), bad, params())
	assert.Error(t, err)
}

func TestNewSignerBadKey(t *testing.T) {
	_, err := NewSigner("0xnothex")
	reason, ok := types.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, types.ReasonInvalidConfiguration, reason)
}
