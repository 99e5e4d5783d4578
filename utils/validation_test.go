package utils

import (
	"math/big"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nova402/x402/types"
)

func TestParseUint256(t *testing.T) {
	n, err := ParseUint256("100000")
	require.NoError(t, err)
	assert.Equal(t, int64(100000), n.Int64())

	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	n, err = ParseUint256(max.String())
	require.NoError(t, err)
	assert.Equal(t, 0, n.Cmp(max))

	for _, bad := range []string{"", "-1", "1.5", "0x10", " 1", new(big.Int).Add(max, big.NewInt(1)).String()} {
		_, err := ParseUint256(bad)
		assert.Error(t, err, bad)
	}
}

func TestHexToBytes32(t *testing.T) {
	b, err := HexToBytes32("0x" + strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), b[31])

	for _, bad := range []string{strings.Repeat("ab", 32), "0x1234", "0x" + strings.Repeat("zz", 32)} {
		assert.False(t, IsBytes32Hex(bad), bad)
	}
}

func TestIsCAIP2(t *testing.T) {
	assert.True(t, IsCAIP2("eip155:8453"))
	assert.True(t, IsCAIP2("solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"))
	assert.False(t, IsCAIP2("base"))
	assert.False(t, IsCAIP2("eip155:"))
	assert.False(t, IsCAIP2("EIP155:1"))
}

func TestValidateAddressForFamily(t *testing.T) {
	evm := "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	sol := solana.NewWallet().PublicKey().String()

	assert.NoError(t, ValidateAddressForFamily(evm, types.ChainEVM))
	assert.NoError(t, ValidateAddressForFamily(sol, types.ChainSolana))
	assert.Error(t, ValidateAddressForFamily(sol, types.ChainEVM))
	assert.Error(t, ValidateAddressForFamily(evm, types.ChainSolana))
	assert.Error(t, ValidateAddressForFamily("", types.ChainEVM))
	assert.Error(t, ValidateAddressForFamily(evm, "cosmos"))

	assert.True(t, AddressesEqual(evm, strings.ToLower(evm), types.ChainEVM))
	assert.False(t, AddressesEqual(sol, strings.ToLower(sol), types.ChainSolana))
}

func TestParseAmountWithDecimals(t *testing.T) {
	n, err := ParseAmountWithDecimals("1.25", 6)
	require.NoError(t, err)
	assert.Equal(t, "1250000", n.String())

	_, err = ParseAmountWithDecimals("0.0000001", 6)
	assert.Error(t, err)

	_, err = ParseAmountWithDecimals("-3", 6)
	assert.Error(t, err)

	assert.Equal(t, "1.25", FormatAmountFromBigInt(big.NewInt(1250000), 6))
}
