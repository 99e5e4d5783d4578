// Package eip712 recovers the signer of EIP-3009 TransferWithAuthorization
// messages. Digests come from the typed-data encoder in utils, the same one
// payers sign with.
package eip712

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
)

// Domain is the EIP-712 domain of an EIP-3009 token.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

var errIncompleteDomain = errors.New("incomplete domain")

// TransferDigest builds the digest the payer signed for auth.
func TransferDigest(domain Domain, auth *types.EVMAuthorization) (common.Hash, error) {
	if domain.Name == "" || domain.Version == "" || domain.ChainID == nil {
		return common.Hash{}, errIncompleteDomain
	}

	typed, err := utils.NewTransferTypedData(domain.Name, domain.Version, domain.ChainID, domain.VerifyingContract.Hex(), auth)
	if err != nil {
		return common.Hash{}, err
	}
	digest, err := utils.TypedDataDigest(typed)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(digest), nil
}

// RecoverSigner recovers the address that signed digest. sig is R||S||V with
// V already normalized to 0/1; high-s signatures are rejected.
func RecoverSigner(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("signature must be 65 bytes")
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[64], r, s, true) {
		return common.Address{}, errors.New("invalid signature values")
	}

	pubKey, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("sig to pub failed: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// RecoverAuthorizer recovers the signer of an authorization carrying separate v, r, s.
func RecoverAuthorizer(domain Domain, auth *types.EVMAuthorization) (common.Address, error) {
	digest, err := TransferDigest(domain, auth)
	if err != nil {
		return common.Address{}, err
	}

	sig, err := utils.JoinSignature(auth.V, auth.R, auth.S)
	if err != nil {
		return common.Address{}, err
	}

	return RecoverSigner(digest, sig)
}
