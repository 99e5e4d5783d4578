package verification

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
	"github.com/nova402/x402/utils/eip712"
)

// Fallback EIP-712 domain of Circle's USDC contracts.
const (
	DefaultTokenName    = "USD Coin"
	DefaultTokenVersion = "2"
)

// EVMVerifier checks EIP-3009 TransferWithAuthorization payloads.
type EVMVerifier struct{}

var _ FamilyVerifier = (*EVMVerifier)(nil)

func NewEVMVerifier() *EVMVerifier {
	return &EVMVerifier{}
}

func (*EVMVerifier) Family() types.ChainFamily {
	return types.ChainEVM
}

// Verify implements FamilyVerifier.
func (e *EVMVerifier) Verify(
	header *types.PaymentHeader,
	requirements *types.PaymentRequirements,
	network networks.Descriptor,
	now time.Time,
) *types.VerificationResult {
	auth := header.Payload.Authorization
	if auth == nil {
		return missingPayload("authorization")
	}

	required, res := requiredAmount(requirements)
	if res != nil {
		return res
	}
	value, err := utils.ParseUint256(auth.Value)
	if err != nil {
		return malformed("payload.authorization.value", err)
	}
	if value.Cmp(required) < 0 {
		return insufficient(required.String(), value.String())
	}

	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return types.Invalid(types.ReasonRecipientMismatch, types.ExtraData{
			"expected": requirements.PayTo,
			"received": auth.To,
		})
	}

	validAfter, err := utils.ParseUint256(auth.ValidAfter)
	if err != nil {
		return malformed("payload.authorization.validAfter", err)
	}
	validBefore, err := utils.ParseUint256(auth.ValidBefore)
	if err != nil {
		return malformed("payload.authorization.validBefore", err)
	}

	// Expired takes precedence over NotYetValid.
	ts := big.NewInt(now.Unix())
	if ts.Cmp(validBefore) > 0 {
		return types.Invalid(types.ReasonExpired, types.ExtraData{"validBefore": auth.ValidBefore, "now": ts.String()})
	}
	if ts.Cmp(validAfter) < 0 {
		return types.Invalid(types.ReasonNotYetValid, types.ExtraData{"validAfter": auth.ValidAfter, "now": ts.String()})
	}

	if !utils.IsEVMAddress(requirements.Asset) {
		return types.Invalid(types.ReasonInvalidConfiguration, types.ExtraData{"field": "asset"})
	}

	domain := Domain(requirements, network)
	signer, err := eip712.RecoverAuthorizer(domain, auth)
	if err != nil {
		return invalidSignature(err.Error())
	}
	if signer != common.HexToAddress(auth.From) {
		return invalidSignature("recovered signer does not match authorization.from")
	}

	return types.Valid(auth.From)
}

// Domain resolves the EIP-712 domain a payer signs over for requirements:
// name and version come from requirements.extra, then from the registry when
// the asset is the network's registered token, then from the USDC defaults.
func Domain(requirements *types.PaymentRequirements, network networks.Descriptor) eip712.Domain {
	name, version := DefaultTokenName, DefaultTokenVersion

	if strings.EqualFold(requirements.Asset, network.Asset.Address) {
		if network.Asset.EIP712Name != "" {
			name = network.Asset.EIP712Name
		}
		if network.Asset.EIP712Version != "" {
			version = network.Asset.EIP712Version
		}
	}
	if n, ok := requirements.Extra.String("name"); ok {
		name = n
	}
	if v, ok := requirements.Extra.String("version"); ok {
		version = v
	}

	chainID := network.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}

	return eip712.Domain{
		Name:              name,
		Version:           version,
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(requirements.Asset),
	}
}
