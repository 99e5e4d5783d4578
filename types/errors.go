package types

import (
	"errors"
	"fmt"
)

// Reason is the flat failure taxonomy shared by every component.
type Reason string

const (
	ReasonVersionMismatch         Reason = "VersionMismatch"
	ReasonSchemeMismatch          Reason = "SchemeMismatch"
	ReasonSchemeNotImplemented    Reason = "SchemeNotImplemented"
	ReasonNetworkMismatch         Reason = "NetworkMismatch"
	ReasonMissingPayload          Reason = "MissingPayload"
	ReasonMalformedTransport      Reason = "MalformedTransport"
	ReasonMalformedStructure      Reason = "MalformedStructure"
	ReasonInsufficientAmount      Reason = "InsufficientAmount"
	ReasonRecipientMismatch       Reason = "RecipientMismatch"
	ReasonNotYetValid             Reason = "NotYetValid"
	ReasonExpired                 Reason = "Expired"
	ReasonInvalidSignature        Reason = "InvalidSignature"
	ReasonNonceAlreadyUsed        Reason = "NonceAlreadyUsed"
	ReasonNoAcceptableRequirement Reason = "NoAcceptableRequirement"
	ReasonSigningFailed           Reason = "SigningFailed"
	ReasonPaymentRejectedTwice    Reason = "PaymentRejectedTwice"
	ReasonSettlementBroadcast     Reason = "SettlementBroadcastFailed"
	ReasonSettlementTimedOut      Reason = "SettlementTimedOut"
	ReasonSettlementRejected      Reason = "SettlementRejected"
	ReasonFacilitatorUnreachable  Reason = "FacilitatorUnreachable"
	ReasonFacilitatorRejected     Reason = "FacilitatorRejected"
	ReasonInvalidConfiguration    Reason = "InvalidConfiguration"
)

var allReasons = map[Reason]struct{}{
	ReasonVersionMismatch:         {},
	ReasonSchemeMismatch:          {},
	ReasonSchemeNotImplemented:    {},
	ReasonNetworkMismatch:         {},
	ReasonMissingPayload:          {},
	ReasonMalformedTransport:      {},
	ReasonMalformedStructure:      {},
	ReasonInsufficientAmount:      {},
	ReasonRecipientMismatch:       {},
	ReasonNotYetValid:             {},
	ReasonExpired:                 {},
	ReasonInvalidSignature:        {},
	ReasonNonceAlreadyUsed:        {},
	ReasonNoAcceptableRequirement: {},
	ReasonSigningFailed:           {},
	ReasonPaymentRejectedTwice:    {},
	ReasonSettlementBroadcast:     {},
	ReasonSettlementTimedOut:      {},
	ReasonSettlementRejected:      {},
	ReasonFacilitatorUnreachable:  {},
	ReasonFacilitatorRejected:     {},
	ReasonInvalidConfiguration:    {},
}

// ParseReason maps a wire string back to a known reason.
func ParseReason(s string) (Reason, bool) {
	r := Reason(s)
	_, ok := allReasons[r]
	return r, ok
}

// IsSettlement reports whether the reason belongs to the settlement category.
func (r Reason) IsSettlement() bool {
	switch r {
	case ReasonSettlementBroadcast, ReasonSettlementTimedOut, ReasonSettlementRejected,
		ReasonFacilitatorUnreachable, ReasonFacilitatorRejected:
		return true
	}
	return false
}

// IsDecode reports whether the reason is produced by the header codec.
func (r Reason) IsDecode() bool {
	return r == ReasonMalformedTransport || r == ReasonMalformedStructure
}

func (r Reason) String() string {
	return string(r)
}

var (
	// ErrNonceUsed is returned by chain clients when the ledger already consumed the nonce.
	ErrNonceUsed = errors.New("authorization nonce already used")

	// ErrNotConfirmed is returned when a broadcast transaction never reached the required confirmation.
	ErrNotConfirmed = errors.New("transaction not confirmed")
)

// X402Error is the error type returned for configuration and transport failures.
type X402Error struct {
	Code    Reason      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Err     error       `json:"-"`
}

func (e *X402Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *X402Error) Unwrap() error {
	return e.Err
}

// NewError creates an X402Error with a formatted message.
func NewError(code Reason, format string, args ...any) *X402Error {
	return &X402Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WrapError attaches a reason code to an underlying error.
func WrapError(code Reason, err error, message string) *X402Error {
	return &X402Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// ReasonOf extracts the reason code from an error chain.
func ReasonOf(err error) (Reason, bool) {
	var xe *X402Error
	if errors.As(err, &xe) {
		return xe.Code, true
	}
	return "", false
}
