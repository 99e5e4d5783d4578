// Package codec converts protocol messages to and from their HTTP header form:
// compact JSON wrapped in standard base64.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
)

// DecodeError reports why a header could not be decoded.
type DecodeError struct {
	Reason types.Reason // MalformedTransport or MalformedStructure
	Field  string       // JSON path of the offending field, when known
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ReasonOf returns the decode reason carried by err, if any.
func ReasonOf(err error) (types.Reason, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Reason, true
	}
	return "", false
}

func transportError(err error) *DecodeError {
	return &DecodeError{Reason: types.ReasonMalformedTransport, Err: err}
}

func structureError(field string, err error) *DecodeError {
	return &DecodeError{Reason: types.ReasonMalformedStructure, Field: field, Err: err}
}

// encode marshals v to compact JSON in struct field order and base64 encodes it.
func encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// decode reverses encode into v, classifying failures.
func decode(s string, v any) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return transportError(errors.New("empty header"))
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return transportError(err)
	}

	if err := json.Unmarshal(raw, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return structureError(typeErr.Field, err)
		}
		return structureError("", err)
	}
	return nil
}

func validateStruct(v any) error {
	err := utils.Validator().Struct(v)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return structureError(utils.FieldPath(fe), fmt.Errorf("failed %q check", fe.Tag()))
	}
	return structureError("", err)
}

// EncodeHeader produces the X-PAYMENT header value for h. An empty
// Payload.Signatures is omitted like a nil one, so decoding the value yields
// nil there.
func EncodeHeader(h *types.PaymentHeader) (string, error) {
	if h == nil {
		return "", errors.New("nil payment header")
	}
	return encode(h)
}

// DecodeHeader parses and structurally validates an X-PAYMENT header value.
// A payload without a family proof is accepted here; the verifier reports it.
func DecodeHeader(s string) (*types.PaymentHeader, error) {
	var h types.PaymentHeader
	if err := decode(s, &h); err != nil {
		return nil, err
	}
	if len(h.Payload.Signatures) == 0 {
		h.Payload.Signatures = nil
	}

	if err := validateStruct(&h); err != nil {
		return nil, err
	}

	if auth := h.Payload.Authorization; auth != nil {
		// tags already guarantee both parse
		after, _ := utils.ParseUint256(auth.ValidAfter)
		before, _ := utils.ParseUint256(auth.ValidBefore)
		if after.Cmp(before) >= 0 {
			return nil, structureError("payload.authorization.validBefore", errors.New("validBefore must be after validAfter"))
		}
	}

	return &h, nil
}

// EncodeSettlement produces the X-PAYMENT-RESPONSE header value.
func EncodeSettlement(r *types.SettlementResult) (string, error) {
	if r == nil {
		return "", errors.New("nil settlement result")
	}
	return encode(r)
}

// DecodeSettlement parses an X-PAYMENT-RESPONSE header value.
func DecodeSettlement(s string) (*types.SettlementResult, error) {
	var r types.SettlementResult
	if err := decode(s, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// EncodePaymentRequired encodes a 402 body for transports that carry it in a header.
func EncodePaymentRequired(p *types.PaymentRequiredResponse) (string, error) {
	if p == nil {
		return "", errors.New("nil payment required response")
	}
	return encode(p)
}

// DecodePaymentRequired parses an encoded 402 body.
func DecodePaymentRequired(s string) (*types.PaymentRequiredResponse, error) {
	var p types.PaymentRequiredResponse
	if err := decode(s, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
