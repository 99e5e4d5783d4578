package networks

import (
	"math/big"

	"github.com/nova402/x402/types"
)

// CAIP-2 identifiers of the built-in networks.
const (
	Ethereum      = "eip155:1"
	Sepolia       = "eip155:11155111"
	Base          = "eip155:8453"
	BaseSepolia   = "eip155:84532"
	Polygon       = "eip155:137"
	PolygonAmoy   = "eip155:80002"
	Avalanche     = "eip155:43114"
	AvalancheFuji = "eip155:43113"

	// Solana references are the genesis hash prefix.
	SolanaMainnet = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnet  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
)

func evm(id, name, alias string, chainID int64, testnet bool, rpc, explorer string, usdc Asset) Descriptor {
	_, ref, _ := ParseID(id)
	return Descriptor{
		ID:             id,
		Name:           name,
		Alias:          alias,
		Family:         types.ChainEVM,
		Reference:      ref,
		ChainID:        big.NewInt(chainID),
		NativeSymbol:   "ETH",
		NativeDecimals: 18,
		ExplorerURL:    explorer,
		DefaultRPCURL:  rpc,
		Testnet:        testnet,
		Asset:          usdc,
	}
}

func usdc(address, domainName string) Asset {
	return Asset{
		Address:       address,
		Symbol:        "USDC",
		Decimals:      6,
		EIP712Name:    domainName,
		EIP712Version: "2",
	}
}

func builtin() []Descriptor {
	polygon := evm(Polygon, "Polygon", "polygon", 137, false,
		"https://polygon-rpc.com", "https://polygonscan.com",
		usdc("0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359", "USD Coin"))
	polygon.NativeSymbol = "POL"

	amoy := evm(PolygonAmoy, "Polygon Amoy", "polygon-amoy", 80002, true,
		"https://rpc-amoy.polygon.technology", "https://amoy.polygonscan.com",
		usdc("0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582", "USDC"))
	amoy.NativeSymbol = "POL"

	avalanche := evm(Avalanche, "Avalanche C-Chain", "avalanche", 43114, false,
		"https://api.avax.network/ext/bc/C/rpc", "https://snowtrace.io",
		usdc("0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", "USD Coin"))
	avalanche.NativeSymbol = "AVAX"

	fuji := evm(AvalancheFuji, "Avalanche Fuji", "avalanche-fuji", 43113, true,
		"https://api.avax-test.network/ext/bc/C/rpc", "https://testnet.snowtrace.io",
		usdc("0x5425890298aed601595a70AB815c96711a31Bc65", "USD Coin"))
	fuji.NativeSymbol = "AVAX"

	return []Descriptor{
		evm(Ethereum, "Ethereum", "ethereum", 1, false,
			"https://eth.llamarpc.com", "https://etherscan.io",
			usdc("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", "USD Coin")),
		evm(Sepolia, "Sepolia", "sepolia", 11155111, true,
			"https://rpc.sepolia.org", "https://sepolia.etherscan.io",
			usdc("0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", "USDC")),
		evm(Base, "Base", "base", 8453, false,
			"https://mainnet.base.org", "https://basescan.org",
			usdc("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", "USD Coin")),
		evm(BaseSepolia, "Base Sepolia", "base-sepolia", 84532, true,
			"https://sepolia.base.org", "https://sepolia.basescan.org",
			usdc("0x036CbD53842c5426634e7929541eC2318f3dCF7e", "USDC")),
		polygon,
		amoy,
		avalanche,
		fuji,
		{
			ID:             SolanaMainnet,
			Name:           "Solana",
			Alias:          "solana",
			Family:         types.ChainSolana,
			Reference:      "5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp",
			NativeSymbol:   "SOL",
			NativeDecimals: 9,
			ExplorerURL:    "https://explorer.solana.com",
			DefaultRPCURL:  "https://api.mainnet-beta.solana.com",
			Asset: Asset{
				Address:  "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
				Symbol:   "USDC",
				Decimals: 6,
			},
		},
		{
			ID:             SolanaDevnet,
			Name:           "Solana Devnet",
			Alias:          "solana-devnet",
			Family:         types.ChainSolana,
			Reference:      "EtWTRABZaYq6iMfeYKouRu166VU2xqa1",
			NativeSymbol:   "SOL",
			NativeDecimals: 9,
			ExplorerURL:    "https://explorer.solana.com?cluster=devnet",
			DefaultRPCURL:  "https://api.devnet.solana.com",
			Testnet:        true,
			Asset: Asset{
				Address:  "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU",
				Symbol:   "USDC",
				Decimals: 6,
			},
		},
	}
}
