package types

import (
	"time"
)

// X402Version represents the version of the x402 protocol
type X402Version int

const (
	X402Version1 X402Version = 1
)

// Header names used by the HTTP binding.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// PaymentScheme represents different payment schemes
type PaymentScheme string

const (
	SchemeExact        PaymentScheme = "exact"
	SchemeUpto         PaymentScheme = "upto"
	SchemeSubscription PaymentScheme = "subscription"
)

// IsKnown reports whether the scheme is structurally accepted on the wire.
func (s PaymentScheme) IsKnown() bool {
	return s == SchemeExact || s == SchemeUpto || s == SchemeSubscription
}

func (s PaymentScheme) String() string {
	return string(s)
}

type SupportedItem struct {
	X402Version int           `json:"x402Version"`
	Scheme      PaymentScheme `json:"scheme"`
	Network     string        `json:"network"`
}

type SupportedResponse struct {
	Kinds []SupportedItem `json:"kinds"`
}

// PaymentRequirements defines the requirements a resource server accepts for payment.
type PaymentRequirements struct {
	// Version of the x402 payment protocol the requirement was issued under.
	X402Version int `json:"x402Version" validate:"gte=1"`

	// Scheme of the payment protocol to use (e.g., "exact").
	Scheme PaymentScheme `json:"scheme" validate:"required"`

	// CAIP-2 network identifier to send payment on (e.g., "eip155:8453").
	Network string `json:"network" validate:"required,caip2"`

	// Maximum amount required to pay for the resource in atomic units of the asset.
	// Represented as a string because Go does not support uint256.
	MaxAmountRequired string `json:"maxAmountRequired" validate:"required,uint256"`

	// URL of the resource to pay for.
	Resource string `json:"resource"`

	// Description of the resource being purchased.
	Description string `json:"description"`

	// MIME type of the resource response (e.g., "application/json").
	MimeType string `json:"mimeType"`

	// Address to which the payment must be sent.
	PayTo string `json:"payTo" validate:"required"`

	// Maximum time in seconds for the resource server to respond.
	MaxTimeoutSeconds int `json:"maxTimeoutSeconds" validate:"gt=0"`

	// Address of the asset contract (EVM) or mint (Solana).
	Asset string `json:"asset" validate:"required"`

	// Output schema of the resource response, if applicable.
	OutputSchema map[string]interface{} `json:"outputSchema,omitempty"`

	// Extra information about payment details specific to the scheme.
	// For the `exact` scheme on EVM this carries the EIP-712 domain `name` and `version`;
	// on Solana it may carry `feePayer`.
	Extra ExtraData `json:"extra,omitempty"`
}

// PaymentRequiredResponse is the body of a 402 response.
type PaymentRequiredResponse struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version"`

	// List of payment requirements that the resource server accepts.
	Accepts []PaymentRequirements `json:"accepts"`

	// Message from the resource server indicating any processing error.
	Error string `json:"error,omitempty"`
}

// PaymentHeader is the decoded content of the X-PAYMENT request header.
type PaymentHeader struct {
	X402Version int            `json:"x402Version" validate:"gte=1"`
	Scheme      PaymentScheme  `json:"scheme" validate:"required,scheme"`
	Network     string         `json:"network" validate:"required,caip2"`
	Payload     PaymentPayload `json:"payload"`
}

// PaymentPayload carries exactly one family-specific proof: an EIP-3009
// authorization for EVM networks or a serialized transaction for Solana.
type PaymentPayload struct {
	Authorization *EVMAuthorization `json:"authorization,omitempty"`

	// Base64 encoded serialized transaction.
	Transaction string `json:"transaction,omitempty" validate:"omitempty,base64"`

	// Detached base58 signatures, positional over the transaction's signers.
	// Empty and nil are equivalent; decoding always yields nil.
	Signatures []string `json:"signatures,omitempty" validate:"omitempty,dive,base58"`
}

// EVMAuthorization is a signed EIP-3009 TransferWithAuthorization.
type EVMAuthorization struct {
	From        string `json:"from" validate:"required,evmaddr"`
	To          string `json:"to" validate:"required,evmaddr"`
	Value       string `json:"value" validate:"required,uint256"`       // uint256
	ValidAfter  string `json:"validAfter" validate:"required,uint256"`  // unix seconds
	ValidBefore string `json:"validBefore" validate:"required,uint256"` // unix seconds
	Nonce       string `json:"nonce" validate:"required,bytes32hex"`    // bytes32
	V           uint8  `json:"v"`
	R           string `json:"r" validate:"required,bytes32hex"`
	S           string `json:"s" validate:"required,bytes32hex"`
}

// VerifyRequest represents the payload sent to a facilitator to verify or settle a payment.
type VerifyRequest struct {
	// Version of the x402 payment protocol.
	X402Version int `json:"x402Version"`

	// Encoded X-PAYMENT header from the client.
	PaymentHeader string `json:"paymentHeader"`

	// Payment requirements being verified against.
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// ExtraData contains additional payment-specific data
type ExtraData map[string]interface{}

// String returns the value stored under key when it is a non-empty string.
func (e ExtraData) String(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	s, ok := e[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// VerificationResult contains the result of payment verification. A result is
// either valid or carries exactly one reason.
type VerificationResult struct {
	IsValid       bool      `json:"isValid"`
	InvalidReason Reason    `json:"invalidReason,omitempty"`
	Payer         string    `json:"payer,omitempty"`
	Details       ExtraData `json:"details,omitempty"`
}

// Valid builds a successful verification result.
func Valid(payer string) *VerificationResult {
	return &VerificationResult{IsValid: true, Payer: payer}
}

// Invalid builds a failed verification result.
func Invalid(reason Reason, details ExtraData) *VerificationResult {
	return &VerificationResult{InvalidReason: reason, Details: details}
}

// SettlementResult contains the result of payment settlement
type SettlementResult struct {
	Success     bool       `json:"success"`
	TxReference string     `json:"txReference,omitempty"`
	NetworkID   string     `json:"networkId,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	Error       Reason     `json:"error,omitempty"`
	Payer       string     `json:"payer,omitempty"`
	Extra       ExtraData  `json:"extra,omitempty"`
}

// Receipt is what a chain client reports after a confirmed broadcast.
type Receipt struct {
	TxReference string
	ConfirmedAt time.Time
	Extra       ExtraData
}
