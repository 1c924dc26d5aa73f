package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmarket/walletbridge/internal/signer"
	"github.com/agentmarket/walletbridge/internal/token"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var testCfg = Config{
	ChainID:      11155111,
	USDTContract: "0xbac7d7AAE206282201E83b31005fF2651565fc2C",
	APTContract:  "0xdea48b60cc5bCC6170d6CD81964dE443a8015456",
	Treasury:     "0x44b5dd766B90156A08e449CD3049B2267A7bDD65",
}

// fakeEthClient scripts RPC responses and records every transaction sent.
type fakeEthClient struct {
	mu sync.Mutex

	callResults map[string]*big.Int // method name -> returned uint256
	sent        []*types.Transaction
	receiptFail bool // mined but reverted
	neverMine   bool
	estimateErr error
	sendErr     error

	erc20 abi.ABI
}

func newFakeEthClient(t *testing.T) *fakeEthClient {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	require.NoError(t, err)
	return &fakeEthClient{
		callResults: make(map[string]*big.Int),
		erc20:       parsed,
	}
}

func (f *fakeEthClient) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeEthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEthClient) EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 60_000, nil
}

func (f *fakeEthClient) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeEthClient) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.neverMine {
		return nil, ethereum.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if f.receiptFail {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, BlockNumber: big.NewInt(100)}, nil
}

func (f *fakeEthClient) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for name, method := range f.erc20.Methods {
		if len(call.Data) >= 4 && string(call.Data[:4]) == string(method.ID) {
			v, ok := f.callResults[name]
			if !ok {
				v = big.NewInt(0)
			}
			return common.LeftPadBytes(v.Bytes(), 32), nil
		}
	}
	return nil, errors.New("unexpected call")
}

func (f *fakeEthClient) Close() {}

func (f *fakeEthClient) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Transaction, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestGateway(t *testing.T, client *fakeEthClient) (*Gateway, *signer.Local) {
	t.Helper()
	s, err := signer.NewLocal(testKey, testCfg.ChainID)
	require.NoError(t, err)
	g, err := New(testCfg, s,
		WithClient(client),
		WithPollInterval(time.Millisecond),
		WithMineTimeout(200*time.Millisecond),
	)
	require.NoError(t, err)
	return g, s
}

func TestBalanceOf(t *testing.T) {
	client := newFakeEthClient(t)
	client.callResults["balanceOf"] = big.NewInt(60_000_000)
	g, s := newTestGateway(t, client)

	got, err := g.BalanceOf(context.Background(), token.USDT, s.Address())
	require.NoError(t, err)
	assert.Equal(t, 0, big.NewInt(60_000_000).Cmp(got))
}

func TestAllowance(t *testing.T) {
	client := newFakeEthClient(t)
	client.callResults["allowance"] = big.NewInt(25)
	g, s := newTestGateway(t, client)

	got, err := g.Allowance(context.Background(), token.APT, s.Address(), g.TreasuryAddress())
	require.NoError(t, err)
	assert.Equal(t, 0, big.NewInt(25).Cmp(got))
}

func TestApproveSendsToTokenContract(t *testing.T) {
	client := newFakeEthClient(t)
	g, s := newTestGateway(t, client)

	txHash, err := g.Approve(context.Background(), token.USDT, s.Address(), g.TreasuryAddress(), big.NewInt(50_000_000))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(txHash, "0x"))

	sent := client.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, common.HexToAddress(testCfg.USDTContract), *sent[0].To())
	assert.Equal(t, []byte(client.erc20.Methods["approve"].ID), sent[0].Data()[:4])
}

func TestDepositCallsTreasury(t *testing.T) {
	client := newFakeEthClient(t)
	g, s := newTestGateway(t, client)

	txHash, err := g.Deposit(context.Background(), s.Address(), big.NewInt(50_000_000), s.Address())
	require.NoError(t, err)
	assert.NotEmpty(t, txHash)

	sent := client.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, common.HexToAddress(testCfg.Treasury), *sent[0].To())
}

func TestWithdrawCallsTreasury(t *testing.T) {
	client := newFakeEthClient(t)
	g, s := newTestGateway(t, client)

	_, err := g.Withdraw(context.Background(), s.Address(), big.NewInt(1_000_000), s.Address())
	require.NoError(t, err)
	require.Len(t, client.sentTxs(), 1)
}

func TestRevertedTransaction(t *testing.T) {
	client := newFakeEthClient(t)
	client.receiptFail = true
	g, s := newTestGateway(t, client)

	_, err := g.Deposit(context.Background(), s.Address(), big.NewInt(1), s.Address())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecutionReverted)

	var callErr *CallError
	require.ErrorAs(t, err, &callErr)
	assert.Equal(t, "deposit", callErr.Op)
	assert.NotEmpty(t, callErr.TxHash)
}

func TestInclusionTimeout(t *testing.T) {
	client := newFakeEthClient(t)
	client.neverMine = true
	g, s := newTestGateway(t, client)

	_, err := g.Approve(context.Background(), token.APT, s.Address(), g.TreasuryAddress(), big.NewInt(1))
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestGasEstimateFallback(t *testing.T) {
	client := newFakeEthClient(t)
	client.estimateErr = errors.New("estimation unavailable")
	g, s := newTestGateway(t, client)

	_, err := g.Deposit(context.Background(), s.Address(), big.NewInt(1), s.Address())
	require.NoError(t, err)

	sent := client.sentTxs()
	require.Len(t, sent, 1)
	assert.Equal(t, DefaultGasLimit, sent[0].Gas())
}

func TestNewRejectsBadAddresses(t *testing.T) {
	s, err := signer.NewLocal(testKey, 1)
	require.NoError(t, err)

	bad := testCfg
	bad.Treasury = "not-an-address"
	_, err = New(bad, s, WithClient(newFakeEthClient(t)))
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
