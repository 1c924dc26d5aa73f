// Package chain binds the treasury bridge to its on-chain contracts: the two
// ERC20 tokens (USDT, APT) and the PlatformTreasury contract.
//
// The gateway is a pure request/response binding. All amounts cross this
// boundary as smallest-unit big.Int values; decimal conversion belongs to the
// orchestrators. The gateway reports failures mechanically and never
// classifies cause — that is the caller's job.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/agentmarket/walletbridge/internal/signer"
	"github.com/agentmarket/walletbridge/internal/token"
)

var (
	ErrRPCConnection     = errors.New("chain: RPC connection failed")
	ErrExecutionReverted = errors.New("chain: transaction reverted")
	ErrTimedOut          = errors.New("chain: timed out waiting for inclusion")
	ErrUnknownToken      = errors.New("chain: unknown token kind")
	ErrInvalidAddress    = errors.New("chain: invalid address")
)

// CallError wraps a failed gateway operation with enough context to debug it.
type CallError struct {
	Op     string // operation that failed
	TxHash string // transaction hash, if one was sent
	Err    error
}

func (e *CallError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("chain: %s failed (tx: %s): %v", e.Op, e.TxHash, e.Err)
	}
	return fmt.Sprintf("chain: %s failed: %v", e.Op, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Minimal ERC20 ABI covering the calls the bridge needs.
const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// PlatformTreasury ABI: deposit USDT for APT, withdraw APT for USDT.
const treasuryABI = `[
	{"inputs":[{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"name":"deposit","outputs":[],"type":"function"},
	{"inputs":[{"name":"amount","type":"uint256"},{"name":"to","type":"address"}],"name":"withdraw","outputs":[],"type":"function"}
]`

const (
	// DefaultGasLimit is used when estimation fails.
	DefaultGasLimit = uint64(200000)

	// DefaultMineTimeout bounds how long a send waits for inclusion.
	DefaultMineTimeout = 90 * time.Second

	// DefaultPollInterval between receipt checks.
	DefaultPollInterval = 2 * time.Second
)

// Config for creating a gateway.
type Config struct {
	RPCURL       string
	ChainID      int64
	USDTContract string
	APTContract  string
	Treasury     string
}

// Option configures the gateway.
type Option func(*Gateway)

// WithClient sets a custom Ethereum client (useful for testing).
func WithClient(client EthClient) Option {
	return func(g *Gateway) { g.client = client }
}

// WithMineTimeout overrides the inclusion wait bound.
func WithMineTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.mineTimeout = d }
}

// WithPollInterval overrides the receipt poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gateway) { g.pollInterval = d }
}

// Gateway executes token and treasury calls against one chain RPC endpoint.
// Transactions are signed by the injected wallet signer, never by the
// gateway itself.
type Gateway struct {
	client       EthClient
	signer       signer.Signer
	chainID      *big.Int
	tokens       map[token.Kind]common.Address
	treasury     common.Address
	erc20        abi.ABI
	treasuryAPI  abi.ABI
	mineTimeout  time.Duration
	pollInterval time.Duration
}

// New creates a gateway. The RPC connection is dialed unless WithClient
// supplies one.
func New(cfg Config, s signer.Signer, opts ...Option) (*Gateway, error) {
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("chain: chain ID required")
	}
	for name, addr := range map[string]string{
		"USDT contract": cfg.USDTContract,
		"APT contract":  cfg.APTContract,
		"treasury":      cfg.Treasury,
	} {
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("%w: %s %q", ErrInvalidAddress, name, addr)
		}
	}

	parsedERC20, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse ERC20 ABI: %w", err)
	}
	parsedTreasury, err := abi.JSON(strings.NewReader(treasuryABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse treasury ABI: %w", err)
	}

	g := &Gateway{
		signer:  s,
		chainID: big.NewInt(cfg.ChainID),
		tokens: map[token.Kind]common.Address{
			token.USDT: common.HexToAddress(cfg.USDTContract),
			token.APT:  common.HexToAddress(cfg.APTContract),
		},
		treasury:     common.HexToAddress(cfg.Treasury),
		erc20:        parsedERC20,
		treasuryAPI:  parsedTreasury,
		mineTimeout:  DefaultMineTimeout,
		pollInterval: DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(g)
	}

	if g.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		g.client = client
	}
	return g, nil
}

// TreasuryAddress returns the treasury contract address (the spender for
// bridge approvals).
func (g *Gateway) TreasuryAddress() common.Address { return g.treasury }

func (g *Gateway) tokenAddr(kind token.Kind) (common.Address, error) {
	addr, ok := g.tokens[kind]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownToken, kind)
	}
	return addr, nil
}

// BalanceOf returns the smallest-unit token balance of addr.
func (g *Gateway) BalanceOf(ctx context.Context, kind token.Kind, addr common.Address) (*big.Int, error) {
	contract, err := g.tokenAddr(kind)
	if err != nil {
		return nil, err
	}
	return g.readUint(ctx, "balanceOf", contract, addr)
}

// Allowance returns how much of kind the owner has approved spender to move.
func (g *Gateway) Allowance(ctx context.Context, kind token.Kind, owner, spender common.Address) (*big.Int, error) {
	contract, err := g.tokenAddr(kind)
	if err != nil {
		return nil, err
	}
	return g.readUint(ctx, "allowance", contract, owner, spender)
}

// Approve grants spender an allowance of amount and blocks until the approval
// transaction is included. It returns the transaction hash.
func (g *Gateway) Approve(ctx context.Context, kind token.Kind, owner, spender common.Address, amount *big.Int) (string, error) {
	contract, err := g.tokenAddr(kind)
	if err != nil {
		return "", err
	}
	data, err := g.erc20.Pack("approve", spender, amount)
	if err != nil {
		return "", &CallError{Op: "approve", Err: err}
	}
	return g.execute(ctx, "approve", owner, contract, data)
}

// Deposit moves amount of USDT into the treasury, minting APT to recipient.
// Requires a prior sufficient USDT allowance for the treasury.
func (g *Gateway) Deposit(ctx context.Context, from common.Address, amount *big.Int, recipient common.Address) (string, error) {
	data, err := g.treasuryAPI.Pack("deposit", amount, recipient)
	if err != nil {
		return "", &CallError{Op: "deposit", Err: err}
	}
	return g.execute(ctx, "deposit", from, g.treasury, data)
}

// Withdraw burns amount of the caller's APT via the treasury, releasing USDT
// to recipient. Requires a prior sufficient APT allowance for the treasury.
func (g *Gateway) Withdraw(ctx context.Context, from common.Address, amount *big.Int, recipient common.Address) (string, error) {
	data, err := g.treasuryAPI.Pack("withdraw", amount, recipient)
	if err != nil {
		return "", &CallError{Op: "withdraw", Err: err}
	}
	return g.execute(ctx, "withdraw", from, g.treasury, data)
}

func (g *Gateway) readUint(ctx context.Context, method string, contract common.Address, args ...interface{}) (*big.Int, error) {
	data, err := g.erc20.Pack(method, args...)
	if err != nil {
		return nil, &CallError{Op: method, Err: err}
	}
	result, err := g.client.CallContract(ctx, ethereum.CallMsg{
		To:   &contract,
		Data: data,
	}, nil)
	if err != nil {
		return nil, &CallError{Op: method, Err: err}
	}
	return new(big.Int).SetBytes(result), nil
}

// execute builds, signs, sends, and waits for one contract transaction.
func (g *Gateway) execute(ctx context.Context, op string, from, to common.Address, data []byte) (string, error) {
	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", &CallError{Op: op, Err: err}
	}
	gasPrice, err := g.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &CallError{Op: op, Err: err}
	}
	gasLimit, err := g.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &to,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := g.signer.SignTx(ctx, from, tx, g.chainID)
	if err != nil {
		// A declined prompt propagates as-is so callers can classify it.
		return "", err
	}
	if err := g.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &CallError{Op: op, TxHash: signedTx.Hash().Hex(), Err: err}
	}

	txHash := signedTx.Hash().Hex()
	if err := g.waitMined(ctx, op, txHash); err != nil {
		return "", err
	}
	return txHash, nil
}

// waitMined polls for the receipt until inclusion, revert, or timeout.
func (g *Gateway) waitMined(ctx context.Context, op, txHash string) error {
	hash := common.HexToHash(txHash)

	ctx, cancel := context.WithTimeout(ctx, g.mineTimeout)
	defer cancel()

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return &CallError{Op: op, TxHash: txHash, Err: ErrTimedOut}
			}
			return ctx.Err()

		case <-ticker.C:
			receipt, err := g.client.TransactionReceipt(ctx, hash)
			if err != nil {
				// Not yet mined, keep waiting.
				continue
			}
			if receipt.Status == types.ReceiptStatusFailed {
				return &CallError{Op: op, TxHash: txHash, Err: ErrExecutionReverted}
			}
			return nil
		}
	}
}

// Close releases the underlying RPC connection.
func (g *Gateway) Close() error {
	if g.client != nil {
		g.client.Close()
	}
	return nil
}
