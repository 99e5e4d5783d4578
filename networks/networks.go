// Package networks is the immutable table of blockchain networks the protocol
// can price and settle on, keyed by CAIP-2 identifier.
package networks

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
)

// ErrUnknownNetwork is returned when an identifier is not in the registry.
var ErrUnknownNetwork = errors.New("unknown network")

// Asset describes the stablecoin accepted by default on a network.
type Asset struct {
	Address  string
	Symbol   string
	Decimals uint8

	// EIP-712 domain parameters of the token contract (EVM only).
	EIP712Name    string
	EIP712Version string
}

// Descriptor describes one network.
type Descriptor struct {
	ID        string // CAIP-2, e.g. "eip155:8453"
	Name      string
	Alias     string // short legacy name, e.g. "base"
	Family    types.ChainFamily
	Reference string

	// Numeric chain id, set for EVM networks only.
	ChainID *big.Int

	NativeSymbol   string
	NativeDecimals uint8
	ExplorerURL    string
	DefaultRPCURL  string
	Testnet        bool

	Asset Asset
}

func (d Descriptor) clone() Descriptor {
	if d.ChainID != nil {
		d.ChainID = new(big.Int).Set(d.ChainID)
	}
	return d
}

// Registry is a read-only set of network descriptors. It is safe for concurrent use.
type Registry struct {
	byID    map[string]Descriptor
	byAlias map[string]string
	ids     []string
}

// New validates descs and builds a registry from them.
func New(descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		byID:    make(map[string]Descriptor, len(descs)),
		byAlias: make(map[string]string, len(descs)),
		ids:     make([]string, 0, len(descs)),
	}

	for _, d := range descs {
		if err := validateDescriptor(d); err != nil {
			return nil, err
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate network %s", d.ID)
		}
		if d.Alias != "" {
			if _, dup := r.byAlias[d.Alias]; dup {
				return nil, fmt.Errorf("duplicate network alias %s", d.Alias)
			}
			r.byAlias[d.Alias] = d.ID
		}

		r.byID[d.ID] = d.clone()
		r.ids = append(r.ids, d.ID)
	}

	return r, nil
}

// MustNew is New for static tables; it panics on malformed data.
func MustNew(descs ...Descriptor) *Registry {
	r, err := New(descs...)
	if err != nil {
		panic(fmt.Sprintf("networks: %v", err))
	}
	return r
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the built-in registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = MustNew(builtin()...)
	})
	return defaultRegistry
}

func validateDescriptor(d Descriptor) error {
	ns, ref, err := ParseID(d.ID)
	if err != nil {
		return err
	}

	family, ok := types.FamilyForNamespace(ns)
	if !ok || family != d.Family {
		return fmt.Errorf("network %s: namespace %q does not match family %q", d.ID, ns, d.Family)
	}
	if ref != d.Reference {
		return fmt.Errorf("network %s: reference %q does not match id", d.ID, d.Reference)
	}

	if d.Family == types.ChainEVM {
		chainID, ok := new(big.Int).SetString(ref, 10)
		if !ok || chainID.Sign() <= 0 {
			return fmt.Errorf("network %s: EVM reference must be a positive chain id", d.ID)
		}
		if d.ChainID == nil || d.ChainID.Cmp(chainID) != 0 {
			return fmt.Errorf("network %s: chain id does not match reference", d.ID)
		}
	}

	if d.Asset.Address != "" {
		if err := utils.ValidateAddressForFamily(d.Asset.Address, d.Family); err != nil {
			return fmt.Errorf("network %s: asset: %w", d.ID, err)
		}
	}

	return nil
}

// ParseID splits a CAIP-2 identifier into namespace and reference.
func ParseID(id string) (namespace, reference string, err error) {
	if !utils.IsCAIP2(id) {
		return "", "", fmt.Errorf("invalid CAIP-2 network id %q", id)
	}
	parts := strings.SplitN(id, ":", 2)
	return parts[0], parts[1], nil
}

// FormatID is the inverse of ParseID for a known family.
func FormatID(family types.ChainFamily, reference string) (string, error) {
	ns := family.Namespace()
	if ns == "" {
		return "", fmt.Errorf("unsupported chain family %q", family)
	}

	id := ns + ":" + reference
	if !utils.IsCAIP2(id) {
		return "", fmt.Errorf("invalid CAIP-2 reference %q", reference)
	}
	return id, nil
}

// Describe returns the descriptor for a CAIP-2 id.
func (r *Registry) Describe(id string) (Descriptor, error) {
	d, ok := r.byID[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownNetwork, id)
	}
	return d.clone(), nil
}

// Resolve accepts either a CAIP-2 id or a registered alias.
func (r *Registry) Resolve(idOrAlias string) (Descriptor, error) {
	if id, ok := r.byAlias[idOrAlias]; ok {
		idOrAlias = id
	}
	return r.Describe(idOrAlias)
}

// Lookup finds a network by its family and chain reference.
func (r *Registry) Lookup(family types.ChainFamily, reference string) (Descriptor, error) {
	id, err := FormatID(family, reference)
	if err != nil {
		return Descriptor{}, err
	}
	return r.Describe(id)
}

// AssetAddress returns the default asset address for a network.
func (r *Registry) AssetAddress(id string) (string, error) {
	d, err := r.Describe(id)
	if err != nil {
		return "", err
	}
	if d.Asset.Address == "" {
		return "", fmt.Errorf("network %s has no default asset", id)
	}
	return d.Asset.Address, nil
}

// IsFamily reports whether id is a known network of the given family.
func (r *Registry) IsFamily(id string, family types.ChainFamily) bool {
	d, ok := r.byID[id]
	return ok && d.Family == family
}

// Supports reports whether id is registered.
func (r *Registry) Supports(id string) bool {
	_, ok := r.byID[id]
	return ok
}

// All returns every descriptor sorted by id.
func (r *Registry) All() []Descriptor {
	ids := append([]string(nil), r.ids...)
	sort.Strings(ids)

	out := make([]Descriptor, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id].clone())
	}
	return out
}
