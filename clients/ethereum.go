package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/nova402/x402/logger"
	"github.com/nova402/x402/networks"
	"github.com/nova402/x402/types"
	"github.com/nova402/x402/utils"
)

const eip3009ABI = `
[
  {
    "name": "transferWithAuthorization",
    "type": "function",
    "stateMutability": "nonpayable",
    "inputs": [
      { "name": "from", "type": "address" },
      { "name": "to", "type": "address" },
      { "name": "value", "type": "uint256" },
      { "name": "validAfter", "type": "uint256" },
      { "name": "validBefore", "type": "uint256" },
      { "name": "nonce", "type": "bytes32" },
      { "name": "v", "type": "uint8" },
      { "name": "r", "type": "bytes32" },
      { "name": "s", "type": "bytes32" }
    ],
    "outputs": []
  },
  {
    "name": "authorizationState",
    "type": "function",
    "stateMutability": "view",
    "inputs": [
      { "name": "authorizer", "type": "address" },
      { "name": "nonce", "type": "bytes32" }
    ],
    "outputs": [{ "name": "", "type": "bool" }]
  }
]
`

// gas estimate headroom, in percent
const gasHeadroom = 20

// EVMBackend is the subset of ethclient.Client the EVM client needs.
type EVMBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var _ Client = (*EVMClient)(nil)

// EVMClient submits EIP-3009 transferWithAuthorization calls from a relayer
// account and reads authorizationState for nonce checks.
type EVMClient struct {
	network       networks.Descriptor
	backend       EVMBackend
	closer        func()
	relayer       *ecdsa.PrivateKey
	tokenABI      abi.ABI
	gasLimit      uint64
	confirmations uint64
	poll          time.Duration
	logger        logger.Logger
	now           func() time.Time
}

// NewEVMClient dials cfg.RPCUrl. SignerKey is optional; without it the client
// can answer nonce queries but not broadcast.
func NewEVMClient(desc networks.Descriptor, cfg types.ClientConfig, opts ...Option) (*EVMClient, error) {
	if desc.Family != types.ChainEVM {
		return nil, types.NewError(types.ReasonInvalidConfiguration, "network %s is not an EVM network", desc.ID)
	}

	var rpcOpts []rpc.ClientOption
	if len(cfg.Headers) > 0 {
		h := make(http.Header, len(cfg.Headers))
		for k, v := range cfg.Headers {
			h.Set(k, v)
		}
		rpcOpts = append(rpcOpts, rpc.WithHeaders(h))
	}

	raw, err := rpc.DialOptions(context.Background(), cfg.RPCUrl, rpcOpts...)
	if err != nil {
		return nil, types.WrapError(types.ReasonInvalidConfiguration, err, "failed to connect to Ethereum RPC")
	}

	eth := ethclient.NewClient(raw)
	c, err := NewEVMClientWithBackend(desc, eth, cfg, opts...)
	if err != nil {
		eth.Close()
		return nil, err
	}
	c.closer = eth.Close
	return c, nil
}

// NewEVMClientWithBackend builds a client on an existing backend.
func NewEVMClientWithBackend(desc networks.Descriptor, backend EVMBackend, cfg types.ClientConfig, opts ...Option) (*EVMClient, error) {
	if desc.ChainID == nil {
		return nil, types.NewError(types.ReasonInvalidConfiguration, "network %s has no chain id", desc.ID)
	}

	parsed, err := abi.JSON(strings.NewReader(eip3009ABI))
	if err != nil {
		return nil, err
	}

	o := buildOptions(opts)
	c := &EVMClient{
		network:       desc,
		backend:       backend,
		tokenABI:      parsed,
		gasLimit:      cfg.GasLimit,
		confirmations: uint64(max(cfg.Confirmations, 1)),
		poll:          pollInterval(cfg),
		logger:        o.logger,
		now:           o.now,
	}

	if cfg.SignerKey != "" {
		key, err := utils.PrivateKeyFromHex(cfg.SignerKey)
		if err != nil {
			return nil, types.WrapError(types.ReasonInvalidConfiguration, err, "invalid relayer key")
		}
		c.relayer = key
	}
	return c, nil
}

func (e *EVMClient) Network() string {
	return e.network.ID
}

// Relayer returns the address paying gas, or the zero address when none is configured.
func (e *EVMClient) Relayer() common.Address {
	if e.relayer == nil {
		return common.Address{}
	}
	return utils.AddressFromPrivateKey(e.relayer)
}

func (e *EVMClient) Close() error {
	if e.closer != nil {
		e.closer()
	}
	return nil
}

// NonceUsed reports authorizationState(from, nonce) on the asset contract.
func (e *EVMClient) NonceUsed(ctx context.Context, header *types.PaymentHeader, requirements *types.PaymentRequirements) (bool, error) {
	auth := header.Payload.Authorization
	if auth == nil {
		return false, types.NewError(types.ReasonMissingPayload, "header carries no authorization")
	}
	nonce, err := utils.HexToBytes32(auth.Nonce)
	if err != nil {
		return false, fmt.Errorf("invalid nonce: %w", err)
	}
	return e.authorizationState(ctx, common.HexToAddress(requirements.Asset), common.HexToAddress(auth.From), nonce)
}

func (e *EVMClient) authorizationState(ctx context.Context, token, authorizer common.Address, nonce [32]byte) (bool, error) {
	data, err := e.tokenABI.Pack("authorizationState", authorizer, nonce)
	if err != nil {
		return false, err
	}

	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("authorizationState call: %w", err)
	}

	values, err := e.tokenABI.Unpack("authorizationState", out)
	if err != nil {
		return false, fmt.Errorf("authorizationState decode: %w", err)
	}
	used, ok := values[0].(bool)
	if !ok {
		return false, errors.New("authorizationState returned a non-bool")
	}
	return used, nil
}

// Broadcast submits transferWithAuthorization and waits for the receipt.
func (e *EVMClient) Broadcast(ctx context.Context, header *types.PaymentHeader, requirements *types.PaymentRequirements) (*types.Receipt, error) {
	if e.relayer == nil {
		return nil, types.NewError(types.ReasonInvalidConfiguration, "no relayer key configured for %s", e.network.ID)
	}
	auth := header.Payload.Authorization
	if auth == nil {
		return nil, types.NewError(types.ReasonMissingPayload, "header carries no authorization")
	}

	data, err := e.packTransfer(auth)
	if err != nil {
		return nil, err
	}
	nonce, _ := utils.HexToBytes32(auth.Nonce)

	token := common.HexToAddress(requirements.Asset)
	used, err := e.authorizationState(ctx, token, common.HexToAddress(auth.From), nonce)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, types.ErrNonceUsed
	}

	relayer := utils.AddressFromPrivateKey(e.relayer)
	gas := e.gasLimit
	if gas == 0 {
		estimated, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: relayer, To: &token, Data: data})
		if err != nil {
			return nil, fmt.Errorf("estimate gas: %w", err)
		}
		gas = estimated + estimated*gasHeadroom/100
	}

	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	accountNonce, err := e.backend.PendingNonceAt(ctx, relayer)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    accountNonce,
		To:       &token,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(e.network.ChainID), e.relayer)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}

	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return nil, types.WrapError(types.ReasonSettlementBroadcast, err, "send transaction")
	}

	hash := signed.Hash()
	e.logger.Debug("transferWithAuthorization sent", map[string]any{
		"network": e.network.ID,
		"tx":      hash.Hex(),
		"payer":   auth.From,
	})

	return e.waitReceipt(ctx, hash)
}

func (e *EVMClient) packTransfer(auth *types.EVMAuthorization) ([]byte, error) {
	value, err := utils.ParseUint256(auth.Value)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}
	validAfter, err := utils.ParseUint256(auth.ValidAfter)
	if err != nil {
		return nil, fmt.Errorf("validAfter: %w", err)
	}
	validBefore, err := utils.ParseUint256(auth.ValidBefore)
	if err != nil {
		return nil, fmt.Errorf("validBefore: %w", err)
	}
	nonce, err := utils.HexToBytes32(auth.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	r, err := utils.HexToBytes32(auth.R)
	if err != nil {
		return nil, fmt.Errorf("r: %w", err)
	}
	s, err := utils.HexToBytes32(auth.S)
	if err != nil {
		return nil, fmt.Errorf("s: %w", err)
	}

	v := auth.V
	if v < 27 {
		v += 27
	}

	return e.tokenABI.Pack(
		"transferWithAuthorization",
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce,
		v,
		r,
		s,
	)
}

// waitReceipt polls until the transaction is mined with enough confirmations.
// When ctx ends first the hash is still returned so the caller can report it.
func (e *EVMClient) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	pending := &types.Receipt{TxReference: hash.Hex()}

	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status == ethtypes.ReceiptStatusFailed {
				return pending, types.NewError(types.ReasonSettlementBroadcast, "transaction %s reverted", hash.Hex())
			}
			if e.confirmed(ctx, receipt) {
				return &types.Receipt{
					TxReference: hash.Hex(),
					ConfirmedAt: e.now(),
					Extra: types.ExtraData{
						"blockNumber": receipt.BlockNumber.Uint64(),
						"gasUsed":     receipt.GasUsed,
					},
				}, nil
			}
		case !errors.Is(err, ethereum.NotFound):
			e.logger.Warn("receipt lookup failed", map[string]any{"tx": hash.Hex(), "error": err})
		}

		select {
		case <-ctx.Done():
			return pending, fmt.Errorf("%w: %s: %w", types.ErrNotConfirmed, hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *EVMClient) confirmed(ctx context.Context, receipt *ethtypes.Receipt) bool {
	if e.confirmations <= 1 {
		return true
	}
	head, err := e.backend.BlockNumber(ctx)
	if err != nil {
		return false
	}
	mined := receipt.BlockNumber.Uint64()
	return head >= mined && head-mined+1 >= e.confirmations
}
