package utils

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/nova402/x402/types"
)

// TransferWithAuthorizationTypes is the EIP-712 type set for EIP-3009 transfers.
var TransferWithAuthorizationTypes = apitypes.Types{
	"EIP712Domain": {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// NewTransferTypedData builds the EIP-712 typed data for an EIP-3009 authorization.
func NewTransferTypedData(name, version string, chainID *big.Int, verifyingContract string, auth *types.EVMAuthorization) (apitypes.TypedData, error) {
	value, err := ParseUint256(auth.Value)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("value: %w", err)
	}
	validAfter, err := ParseUint256(auth.ValidAfter)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("validAfter: %w", err)
	}
	validBefore, err := ParseUint256(auth.ValidBefore)
	if err != nil {
		return apitypes.TypedData{}, fmt.Errorf("validBefore: %w", err)
	}

	return apitypes.TypedData{
		Types:       TransferWithAuthorizationTypes,
		PrimaryType: "TransferWithAuthorization",
		Domain: apitypes.TypedDataDomain{
			Name:              name,
			Version:           version,
			ChainId:           (*math.HexOrDecimal256)(new(big.Int).Set(chainID)),
			VerifyingContract: verifyingContract,
		},
		Message: apitypes.TypedDataMessage{
			"from":        auth.From,
			"to":          auth.To,
			"value":       (*math.HexOrDecimal256)(value),
			"validAfter":  (*math.HexOrDecimal256)(validAfter),
			"validBefore": (*math.HexOrDecimal256)(validBefore),
			"nonce":       auth.Nonce,
		},
	}, nil
}

// TypedDataDigest computes keccak256("\x19\x01" || domainSeparator || hashStruct(message)).
func TypedDataDigest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}

	return crypto.Keccak256([]byte{0x19, 0x01}, domainSeparator, messageHash), nil
}

// SplitSignature turns a 65-byte R||S||V signature into the wire fields,
// with V in the 27/28 convention.
func SplitSignature(sig []byte) (v uint8, r string, s string, err error) {
	if len(sig) != 65 {
		return 0, "", "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}

	v = sig[64]
	if v < 27 {
		v += 27
	}

	return v, hexutil.Encode(sig[:32]), hexutil.Encode(sig[32:64]), nil
}

// JoinSignature rebuilds the 65-byte signature with V normalized to 0/1.
func JoinSignature(v uint8, r, s string) ([]byte, error) {
	rb, err := HexToBytes32(r)
	if err != nil {
		return nil, fmt.Errorf("r: %w", err)
	}
	sb, err := HexToBytes32(s)
	if err != nil {
		return nil, fmt.Errorf("s: %w", err)
	}

	switch v {
	case 0, 1:
	case 27, 28:
		v -= 27
	default:
		return nil, fmt.Errorf("invalid recovery id %d", v)
	}

	sig := make([]byte, 65)
	copy(sig[:32], rb[:])
	copy(sig[32:64], sb[:])
	sig[64] = v
	return sig, nil
}

// PrivateKeyFromHex creates a private key from hex string
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

// AddressFromPrivateKey derives the Ethereum address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// NormalizeAddress ensures an address is properly checksummed
func NormalizeAddress(address string) string {
	if !common.IsHexAddress(address) {
		return ""
	}
	return common.HexToAddress(address).Hex()
}

// NewNonce returns 32 cryptographically random bytes.
func NewNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return nonce, nil
}
