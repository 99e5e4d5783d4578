package types

import "time"

// ClientConfig contains configuration for blockchain clients
type ClientConfig struct {
	RPCUrl string `json:"rpcUrl" validate:"required,url"`

	// Hex private key of the EVM relayer that submits transferWithAuthorization,
	// or base58 key of the Solana fee payer that co-signs transactions.
	SignerKey string `json:"signerKey,omitempty"`

	Confirmations int               `json:"confirmations,omitempty" validate:"gte=0"`
	PollInterval  time.Duration     `json:"pollInterval,omitempty"`
	GasLimit      uint64            `json:"gasLimit,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// FacilitatorConfig points delegated settlement at a remote facilitator.
type FacilitatorConfig struct {
	URL        string        `json:"url,omitempty" validate:"omitempty,url"`
	Token      string        `json:"token,omitempty"`
	Timeout    time.Duration `json:"timeout,omitempty"`
	RetryCount int           `json:"retryCount,omitempty" validate:"gte=0"`
}

// ServerConfig configures the facilitator daemon.
type ServerConfig struct {
	Addr      string `json:"addr,omitempty"`
	JWTSecret string `json:"jwtSecret,omitempty"`
}

// X402Config contains global configuration for the x402 library
type X402Config struct {
	DefaultTimeout time.Duration           `json:"defaultTimeout,omitempty"`
	RetryCount     int                     `json:"retryCount,omitempty" validate:"gte=0"`
	LogLevel       string                  `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics  bool                    `json:"enableMetrics,omitempty"`
	Networks       map[string]ClientConfig `json:"networks,omitempty" validate:"dive"`
	Facilitator    FacilitatorConfig       `json:"facilitator,omitempty"`
	Server         ServerConfig            `json:"server,omitempty"`
	Extra          ExtraData               `json:"extra,omitempty"`
}
