// Package requirements turns a seller's pricing configuration into the
// PaymentRequirements advertised in a 402 response.
package requirements

import (
	"fmt"
	"strings"

	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
)

const (
	DefaultMimeType       = "application/json"
	DefaultTimeoutSeconds = 300
)

// Config is the seller-side pricing input for one accepted payment option.
type Config struct {
	// Price in the asset's smallest unit, as a decimal integer string.
	Price string

	// Asset contract or mint. Defaults to the network's registered stablecoin.
	Asset string

	// CAIP-2 id or registered alias.
	Network string

	PayTo        string
	Resource     string
	Description  string
	Scheme       types.PaymentScheme
	MimeType     string
	Timeout      int // seconds
	Extra        types.ExtraData
	OutputSchema map[string]interface{}
}

// Builder validates pricing input against a network registry.
type Builder struct {
	registry *networks.Registry
}

// NewBuilder returns a builder bound to reg. A nil reg uses the built-in table.
func NewBuilder(reg *networks.Registry) *Builder {
	if reg == nil {
		reg = networks.Default()
	}
	return &Builder{registry: reg}
}

func configError(field, format string, args ...any) error {
	err := types.NewError(types.ReasonInvalidConfiguration, "%s: %s", field, fmt.Sprintf(format, args...))
	err.Data = map[string]string{"field": field}
	return err
}

// Build produces a PaymentRequirements or an InvalidConfiguration error naming the bad field.
func (b *Builder) Build(cfg Config) (*types.PaymentRequirements, error) {
	if _, err := utils.ParseUint256(cfg.Price); err != nil {
		return nil, configError("price", "%v", err)
	}

	if cfg.Network == "" {
		return nil, configError("network", "network is required")
	}
	desc, err := b.registry.Resolve(cfg.Network)
	if err != nil {
		return nil, configError("network", "%v", err)
	}

	scheme := cfg.Scheme
	if scheme == "" {
		scheme = types.SchemeExact
	}
	if !scheme.IsKnown() {
		return nil, configError("scheme", "unknown scheme %q", scheme)
	}

	if err := utils.ValidateAddressForFamily(cfg.PayTo, desc.Family); err != nil {
		return nil, configError("payTo", "%v", err)
	}

	asset := cfg.Asset
	if asset == "" {
		asset = desc.Asset.Address
	}
	if err := utils.ValidateAddressForFamily(asset, desc.Family); err != nil {
		return nil, configError("asset", "%v", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeoutSeconds
	}
	if timeout < 0 {
		return nil, configError("timeout", "must be positive, got %d", timeout)
	}

	mime := cfg.MimeType
	if mime == "" {
		mime = DefaultMimeType
	}

	return &types.PaymentRequirements{
		X402Version:       int(types.X402Version1),
		Scheme:            scheme,
		Network:           desc.ID,
		MaxAmountRequired: cfg.Price,
		Resource:          cfg.Resource,
		Description:       cfg.Description,
		MimeType:          mime,
		PayTo:             cfg.PayTo,
		MaxTimeoutSeconds: timeout,
		Asset:             asset,
		OutputSchema:      cfg.OutputSchema,
		Extra:             buildExtra(cfg.Extra, desc, asset),
	}, nil
}

// BuildAll builds one requirement per config, failing on the first bad entry.
func (b *Builder) BuildAll(cfgs ...Config) ([]types.PaymentRequirements, error) {
	out := make([]types.PaymentRequirements, 0, len(cfgs))
	for i, cfg := range cfgs {
		req, err := b.Build(cfg)
		if err != nil {
			return nil, fmt.Errorf("accepts[%d]: %w", i, err)
		}
		out = append(out, *req)
	}
	return out, nil
}

// buildExtra copies the caller's extra map and, for the registered EVM
// stablecoin, fills in the EIP-712 domain name and version.
func buildExtra(in types.ExtraData, desc networks.Descriptor, asset string) types.ExtraData {
	out := make(types.ExtraData, len(in)+2)
	for k, v := range in {
		out[k] = v
	}

	if desc.Family == types.ChainEVM && strings.EqualFold(asset, desc.Asset.Address) {
		if _, ok := out["name"]; !ok && desc.Asset.EIP712Name != "" {
			out["name"] = desc.Asset.EIP712Name
		}
		if _, ok := out["version"]; !ok && desc.Asset.EIP712Version != "" {
			out["version"] = desc.Asset.EIP712Version
		}
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// PriceFromDecimal converts a human price such as "0.10" into atomic units.
func PriceFromDecimal(amount string, decimals int) (string, error) {
	n, err := utils.ParseAmountWithDecimals(amount, decimals)
	if err != nil {
		return "", configError("price", "%v", err)
	}
	return n.String(), nil
}

// NewPaymentRequired builds the body of a 402 response.
func NewPaymentRequired(accepts []types.PaymentRequirements, errMsg string) *types.PaymentRequiredResponse {
	if accepts == nil {
		accepts = []types.PaymentRequirements{}
	}
	return &types.PaymentRequiredResponse{
		X402Version: int(types.X402Version1),
		Accepts:     accepts,
		Error:       errMsg,
	}
}
