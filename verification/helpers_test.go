package verification

import (
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/stretchr/testify/require"

	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
	"github.com/nova402/x402/utils/eip712"
)

var testNow = time.Unix(1_750_000_000, 0)

const (
	testPayTo   = "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
	baseUSDC    = "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913"
	devnetUSDC  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"
	usdcDecimal = 6
)

func baseRequirements() *types.PaymentRequirements {
	return &types.PaymentRequirements{
		X402Version:       1,
		Scheme:            types.SchemeExact,
		Network:           networks.Base,
		MaxAmountRequired: "100000",
		Resource:          "https://api.example.com/premium",
		MimeType:          "application/json",
		PayTo:             testPayTo,
		MaxTimeoutSeconds: 300,
		Asset:             baseUSDC,
		Extra:             types.ExtraData{"name": "USD Coin", "version": "2"},
	}
}

// signedHeader returns a header carrying an authorization for req signed by key.
func signedHeader(t *testing.T, key *ecdsa.PrivateKey, req *types.PaymentRequirements, value string) *types.PaymentHeader {
	t.Helper()

	nonce, err := utils.NewNonce()
	require.NoError(t, err)

	auth := &types.EVMAuthorization{
		From:        crypto.PubkeyToAddress(key.PublicKey).Hex(),
		To:          req.PayTo,
		Value:       value,
		ValidAfter:  fmt.Sprint(testNow.Unix() - 60),
		ValidBefore: fmt.Sprint(testNow.Unix() + 300),
		Nonce:       hexutil.Encode(nonce[:]),
	}
	signAuthorization(t, key, req, auth)

	return &types.PaymentHeader{
		X402Version: 1,
		Scheme:      types.SchemeExact,
		Network:     req.Network,
		Payload:     types.PaymentPayload{Authorization: auth},
	}
}

func signAuthorization(t *testing.T, key *ecdsa.PrivateKey, req *types.PaymentRequirements, auth *types.EVMAuthorization) {
	t.Helper()

	desc, err := networks.Default().Describe(req.Network)
	require.NoError(t, err)

	digest, err := eip712.TransferDigest(Domain(req, desc), auth)
	require.NoError(t, err)

	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	auth.V, auth.R, auth.S, err = utils.SplitSignature(sig)
	require.NoError(t, err)
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

func randomBlockhash() solana.Hash {
	return solana.Hash(solana.NewWallet().PublicKey())
}

func solanaRequirements(payTo solana.PublicKey, feePayer solana.PublicKey) *types.PaymentRequirements {
	req := &types.PaymentRequirements{
		X402Version:       1,
		Scheme:            types.SchemeExact,
		Network:           networks.SolanaDevnet,
		MaxAmountRequired: "250000",
		PayTo:             payTo.String(),
		MaxTimeoutSeconds: 60,
		Asset:             devnetUSDC,
	}
	if feePayer != (solana.PublicKey{}) {
		req.Extra = types.ExtraData{"feePayer": feePayer.String()}
	}
	return req
}

// tokenTransferTx builds a TransferChecked of amount from owner to payTo's
// token account followed by extra, fee paid by feePayer, signed only by owner.
func tokenTransferTx(t *testing.T, owner solana.PrivateKey, feePayer, payTo, mint solana.PublicKey, amount uint64, extra ...solana.Instruction) *solana.Transaction {
	t.Helper()

	ixs := append([]solana.Instruction{transferCheckedIx(t, owner.PublicKey(), payTo, mint, amount)}, extra...)
	tx, err := solana.NewTransaction(ixs, randomBlockhash(), solana.TransactionPayer(feePayer))
	require.NoError(t, err)

	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner.PublicKey()) {
			return &owner
		}
		return nil
	})
	require.NoError(t, err)
	return tx
}

func transferCheckedIx(t *testing.T, owner, payTo, mint solana.PublicKey, amount uint64) solana.Instruction {
	t.Helper()

	source, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	require.NoError(t, err)
	dest, _, err := solana.FindAssociatedTokenAddress(payTo, mint)
	require.NoError(t, err)

	return token.NewTransferCheckedInstructionBuilder().
		SetAmount(amount).
		SetDecimals(usdcDecimal).
		SetSourceAccount(source).
		SetMintAccount(mint).
		SetDestinationAccount(dest).
		SetOwnerAccount(owner).
		Build()
}

func nativeTransferTx(t *testing.T, owner solana.PrivateKey, payTo solana.PublicKey, lamports uint64) *solana.Transaction {
	t.Helper()

	ix := system.NewTransferInstruction(lamports, owner.PublicKey(), payTo).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, randomBlockhash(), solana.TransactionPayer(owner.PublicKey()))
	require.NoError(t, err)

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(owner.PublicKey()) {
			return &owner
		}
		return nil
	})
	require.NoError(t, err)
	return tx
}

func solanaHeader(t *testing.T, tx *solana.Transaction) *types.PaymentHeader {
	t.Helper()

	raw, err := tx.MarshalBinary()
	require.NoError(t, err)

	return &types.PaymentHeader{
		X402Version: 1,
		Scheme:      types.SchemeExact,
		Network:     networks.SolanaDevnet,
		Payload:     types.PaymentPayload{Transaction: base64.StdEncoding.EncodeToString(raw)},
	}
}
