package verification

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"time"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"

	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/types"
)

// SolanaVerifier checks partially or fully signed Solana transfer transactions.
type SolanaVerifier struct{}

var _ FamilyVerifier = (*SolanaVerifier)(nil)

func NewSolanaVerifier() *SolanaVerifier {
	return &SolanaVerifier{}
}

func (*SolanaVerifier) Family() types.ChainFamily {
	return types.ChainSolana
}

// transfer is one value movement found in a transaction.
type transfer struct {
	authority   solana.PublicKey
	destination solana.PublicKey
	amount      uint64
}

// Verify implements FamilyVerifier. Solana transactions carry no validity
// window of their own, so only amount, recipient and signatures are checked.
func (s *SolanaVerifier) Verify(
	header *types.PaymentHeader,
	requirements *types.PaymentRequirements,
	_ networks.Descriptor,
	_ time.Time,
) *types.VerificationResult {
	if header.Payload.Transaction == "" {
		return missingPayload("transaction")
	}

	tx, err := DecodeTransaction(&header.Payload)
	if err != nil {
		return malformed("payload.transaction", err)
	}

	payTo, err := solana.PublicKeyFromBase58(requirements.PayTo)
	if err != nil {
		return types.Invalid(types.ReasonInvalidConfiguration, types.ExtraData{"field": "payTo", "error": err.Error()})
	}
	asset, err := solana.PublicKeyFromBase58(requirements.Asset)
	if err != nil {
		return types.Invalid(types.ReasonInvalidConfiguration, types.ExtraData{"field": "asset", "error": err.Error()})
	}

	required, res := requiredAmount(requirements)
	if res != nil {
		return res
	}

	var feePayer solana.PublicKey
	if fp, ok := requirements.Extra.String("feePayer"); ok {
		if feePayer, err = solana.PublicKeyFromBase58(fp); err != nil {
			return types.Invalid(types.ReasonInvalidConfiguration, types.ExtraData{"field": "extra.feePayer", "error": err.Error()})
		}
	}
	if err := CheckFeePayer(tx, feePayer); err != nil {
		return invalidSignature(err.Error())
	}

	transfers, stray, err := extractTransfers(tx, asset)
	if err != nil {
		return malformed("payload.transaction", err)
	}
	if len(transfers) == 0 {
		return insufficient(required.String(), "0")
	}
	if len(transfers) > 1 || stray > 0 {
		return malformed("payload.transaction", fmt.Errorf("expected exactly one transfer, found %d", len(transfers)+stray))
	}

	t := transfers[0]
	if new(big.Int).SetUint64(t.amount).Cmp(required) < 0 {
		return insufficient(required.String(), fmt.Sprint(t.amount))
	}

	expected := payTo
	if !asset.Equals(solana.SystemProgramID) {
		ata, _, err := solana.FindAssociatedTokenAddress(payTo, asset)
		if err != nil {
			return types.Invalid(types.ReasonInvalidConfiguration, types.ExtraData{"field": "payTo", "error": err.Error()})
		}
		expected = ata
	}
	if !t.destination.Equals(expected) {
		return types.Invalid(types.ReasonRecipientMismatch, types.ExtraData{
			"expected": expected.String(),
			"received": t.destination.String(),
		})
	}

	signed, err := verifySignatures(tx, feePayer)
	if err != nil {
		return invalidSignature(err.Error())
	}
	if _, ok := signed[t.authority]; !ok {
		return invalidSignature(fmt.Sprintf("transfer authority %s did not sign", t.authority))
	}

	return types.Valid(t.authority.String())
}

// DecodeTransaction deserializes the payload transaction and merges any
// detached signatures into its signer slots.
func DecodeTransaction(payload *types.PaymentPayload) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(payload.Transaction)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}

	n := int(tx.Message.Header.NumRequiredSignatures)
	if n > len(tx.Message.AccountKeys) {
		return nil, errors.New("more required signatures than account keys")
	}
	for len(tx.Signatures) < n {
		tx.Signatures = append(tx.Signatures, solana.Signature{})
	}

	if len(payload.Signatures) > n {
		return nil, fmt.Errorf("%d detached signatures for %d signers", len(payload.Signatures), n)
	}
	for i, s := range payload.Signatures {
		if s == "" {
			continue
		}
		sig, err := solana.SignatureFromBase58(s)
		if err != nil {
			return nil, fmt.Errorf("signatures[%d]: %w", i, err)
		}
		tx.Signatures[i] = sig
	}

	return tx, nil
}

// CheckFeePayer rejects transactions that hand the fee payer anything beyond
// paying fees: it must be the first account and no instruction may reference
// it. A zero feePayer means the payer covers its own fees.
func CheckFeePayer(tx *solana.Transaction, feePayer solana.PublicKey) error {
	if feePayer.IsZero() {
		return nil
	}

	keys := tx.Message.AccountKeys
	if len(keys) == 0 || !keys[0].Equals(feePayer) {
		return fmt.Errorf("transaction fee payer is not %s", feePayer)
	}

	for i, inst := range tx.Message.Instructions {
		if inst.ProgramIDIndex == 0 {
			return fmt.Errorf("instruction %d: fee payer used as program", i)
		}
		for _, idx := range inst.Accounts {
			if idx == 0 {
				return fmt.Errorf("instruction %d: references fee payer %s", i, feePayer)
			}
		}
	}
	return nil
}

// extractTransfers returns the transfers of asset in tx and the number of
// token transfers of other mints. Compute budget instructions are the only
// others allowed.
func extractTransfers(tx *solana.Transaction, asset solana.PublicKey) ([]transfer, int, error) {
	keys := tx.Message.AccountKeys
	native := asset.Equals(solana.SystemProgramID)

	var (
		out   []transfer
		stray int
	)
	for i, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) {
			return nil, 0, fmt.Errorf("instruction %d: program index out of range", i)
		}
		prog := keys[inst.ProgramIDIndex]

		metas := make([]*solana.AccountMeta, len(inst.Accounts))
		for j, idx := range inst.Accounts {
			if int(idx) >= len(keys) {
				return nil, 0, fmt.Errorf("instruction %d: account index out of range", i)
			}
			pub := keys[idx]
			writable, err := tx.Message.IsWritable(pub)
			if err != nil {
				return nil, 0, fmt.Errorf("instruction %d: %w", i, err)
			}
			metas[j] = &solana.AccountMeta{
				PublicKey:  pub,
				IsSigner:   tx.Message.IsSigner(pub),
				IsWritable: writable,
			}
		}

		switch {
		case prog.Equals(computebudget.ProgramID):
			if len(metas) != 0 {
				return nil, 0, fmt.Errorf("instruction %d: compute budget instruction with accounts", i)
			}
			if _, err := computebudget.DecodeInstruction(metas, inst.Data); err != nil {
				return nil, 0, fmt.Errorf("instruction %d: %w", i, err)
			}

		case native && prog.Equals(solana.SystemProgramID):
			if len(metas) != 2 {
				return nil, 0, fmt.Errorf("instruction %d: only system transfers are allowed", i)
			}
			decoded, err := system.DecodeInstruction(metas, inst.Data)
			if err != nil {
				return nil, 0, fmt.Errorf("instruction %d: %w", i, err)
			}
			t, ok := decoded.Impl.(*system.Transfer)
			if !ok || t.Lamports == nil {
				return nil, 0, fmt.Errorf("instruction %d: only system transfers are allowed", i)
			}
			out = append(out, transfer{
				authority:   metas[0].PublicKey,
				destination: metas[1].PublicKey,
				amount:      *t.Lamports,
			})

		case !native && prog.Equals(solana.TokenProgramID):
			if len(inst.Data) == 0 || inst.Data[0] != token.Instruction_TransferChecked || len(metas) != 4 {
				return nil, 0, fmt.Errorf("instruction %d: only TransferChecked is allowed", i)
			}
			decoded, err := token.DecodeInstruction(metas, inst.Data)
			if err != nil {
				return nil, 0, fmt.Errorf("instruction %d: %w", i, err)
			}
			t, ok := decoded.Impl.(*token.TransferChecked)
			if !ok || t.Amount == nil {
				return nil, 0, fmt.Errorf("instruction %d: only TransferChecked is allowed", i)
			}
			// source, mint, destination, owner
			if !metas[1].PublicKey.Equals(asset) {
				stray++
				continue
			}
			out = append(out, transfer{
				authority:   metas[3].PublicKey,
				destination: metas[2].PublicKey,
				amount:      *t.Amount,
			})

		default:
			return nil, 0, fmt.Errorf("instruction %d: program %s is not allowed", i, prog)
		}
	}

	return out, stray, nil
}

// verifySignatures checks every required signer slot over the message bytes.
// The fee payer's slot may be left empty for the facilitator to fill.
func verifySignatures(tx *solana.Transaction, feePayer solana.PublicKey) (map[solana.PublicKey]struct{}, error) {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("serialize message: %w", err)
	}

	n := int(tx.Message.Header.NumRequiredSignatures)
	signed := make(map[solana.PublicKey]struct{}, n)
	for i := 0; i < n; i++ {
		key := tx.Message.AccountKeys[i]
		sig := tx.Signatures[i]

		if sig == (solana.Signature{}) {
			if feePayer != (solana.PublicKey{}) && key.Equals(feePayer) {
				continue
			}
			return nil, fmt.Errorf("missing signature for %s", key)
		}
		if !sig.Verify(key, msg) {
			return nil, fmt.Errorf("bad signature for %s", key)
		}
		signed[key] = struct{}{}
	}

	if len(signed) == 0 {
		return nil, errors.New("transaction carries no signatures")
	}
	return signed, nil
}
