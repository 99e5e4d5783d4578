package utils

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/nova402/x402/types"
)

var (
	caip2Regex   = regexp.MustCompile(`^[-a-z0-9]{3,8}:[-_a-zA-Z0-9]{1,32}$`)
	uintRegex    = regexp.MustCompile(`^[0-9]+$`)
	base58Regex  = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
	maxUint256   = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	hex32ByteLen = 32
)

// IsCAIP2 reports whether id has the namespace:reference form.
func IsCAIP2(id string) bool {
	return caip2Regex.MatchString(id)
}

// ParseUint256 parses a decimal, non-negative integer string that fits in 256 bits.
func ParseUint256(value string) (*big.Int, error) {
	if value == "" {
		return nil, fmt.Errorf("value cannot be empty")
	}
	if !uintRegex.MatchString(value) {
		return nil, fmt.Errorf("invalid integer format: %q", value)
	}

	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer format: %q", value)
	}
	if n.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("value exceeds uint256")
	}

	return n, nil
}

// IsUint256 reports whether value is a valid decimal uint256.
func IsUint256(value string) bool {
	_, err := ParseUint256(value)
	return err == nil
}

// HexToBytes32 decodes a 0x-prefixed 32-byte hex string.
func HexToBytes32(hexStr string) ([32]byte, error) {
	var out [32]byte

	if !strings.HasPrefix(hexStr, "0x") && !strings.HasPrefix(hexStr, "0X") {
		return out, fmt.Errorf("missing 0x prefix")
	}
	b, err := hex.DecodeString(hexStr[2:])
	if err != nil {
		return out, err
	}
	if len(b) != hex32ByteLen {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}

	copy(out[:], b)
	return out, nil
}

// IsBytes32Hex reports whether s is a 0x-prefixed 32-byte hex string.
func IsBytes32Hex(s string) bool {
	_, err := HexToBytes32(s)
	return err == nil
}

// IsEVMAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsEVMAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// IsBase58 reports whether s only uses the base58 alphabet.
func IsBase58(s string) bool {
	return base58Regex.MatchString(s)
}

// ValidateAddressForFamily checks an address against the family's address format.
func ValidateAddressForFamily(address string, family types.ChainFamily) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	switch family {
	case types.ChainEVM:
		if !IsEVMAddress(address) {
			return fmt.Errorf("invalid EVM address: %s", address)
		}
	case types.ChainSolana:
		if _, err := solana.PublicKeyFromBase58(address); err != nil {
			return fmt.Errorf("invalid Solana address %s: %w", address, err)
		}
	default:
		return fmt.Errorf("unsupported chain family: %s", family)
	}

	return nil
}

// AddressesEqual compares two addresses the way the family defines equality:
// case-insensitive for EVM hex, exact for base58.
func AddressesEqual(a, b string, family types.ChainFamily) bool {
	if family == types.ChainEVM {
		return strings.EqualFold(a, b)
	}
	return a == b
}

// ParseAmountWithDecimals converts a human decimal amount into atomic units.
// Amounts with more fractional digits than decimals are rejected.
func ParseAmountWithDecimals(amount string, decimals int) (*big.Int, error) {
	if amount == "" {
		return nil, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount format: %w", err)
	}
	if dec.IsNegative() {
		return nil, fmt.Errorf("amount cannot be negative")
	}

	scaled := dec.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", amount, decimals)
	}

	return scaled.BigInt(), nil
}

// FormatAmountFromBigInt formats a big.Int amount to decimal string with specified decimals
func FormatAmountFromBigInt(amount *big.Int, decimals int) string {
	return decimal.NewFromBigInt(amount, -int32(decimals)).String()
}
