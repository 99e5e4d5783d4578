package utils

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitJoinSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	sig, err := crypto.Sign(crypto.Keccak256([]byte("x402")), key)
	require.NoError(t, err)

	v, r, s, err := SplitSignature(sig)
	require.NoError(t, err)
	assert.Contains(t, []uint8{27, 28}, v)

	joined, err := JoinSignature(v, r, s)
	require.NoError(t, err)
	assert.Equal(t, sig, joined)

	_, err = JoinSignature(29, r, s)
	assert.Error(t, err)

	_, _, _, err = SplitSignature(sig[:64])
	assert.Error(t, err)
}

func TestNewNonceIsRandom(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAddressFromPrivateKey(t *testing.T) {
	key, err := PrivateKeyFromHex("0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", AddressFromPrivateKey(key).Hex())
	assert.Equal(t, "", NormalizeAddress("nope"))
}
