package types

// ChainFamily classifies a network into a blockchain family.
type ChainFamily string

const (
	ChainEVM    ChainFamily = "evm"
	ChainSolana ChainFamily = "solana"
)

// CAIP-2 namespaces for each family.
const (
	NamespaceEIP155 = "eip155"
	NamespaceSolana = "solana"
)

// Namespace returns the CAIP-2 namespace used by the family.
func (f ChainFamily) Namespace() string {
	switch f {
	case ChainEVM:
		return NamespaceEIP155
	case ChainSolana:
		return NamespaceSolana
	default:
		return ""
	}
}

// FamilyForNamespace maps a CAIP-2 namespace back to its family.
func FamilyForNamespace(ns string) (ChainFamily, bool) {
	switch ns {
	case NamespaceEIP155:
		return ChainEVM, true
	case NamespaceSolana:
		return ChainSolana, true
	default:
		return "", false
	}
}

func (f ChainFamily) String() string {
	return string(f)
}
