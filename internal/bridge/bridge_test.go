package bridge

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmarket/walletbridge/internal/chain"
	"github.com/agentmarket/walletbridge/internal/credstore"
	"github.com/agentmarket/walletbridge/internal/ledgerapi"
	"github.com/agentmarket/walletbridge/internal/session"
	"github.com/agentmarket/walletbridge/internal/signer"
	"github.com/agentmarket/walletbridge/internal/token"
)

const testKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

var sepolia = signer.ChainSpec{ChainID: 11155111, Name: "Sepolia"}

// fakeGateway scripts chain reads and records writes.
type fakeGateway struct {
	mu        sync.Mutex
	balance   *big.Int
	allowance *big.Int

	approveErr error
	execErr    error

	approves  int
	deposits  int
	withdraws int
}

func (f *fakeGateway) BalanceOf(ctx context.Context, kind token.Kind, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeGateway) Allowance(ctx context.Context, kind token.Kind, owner, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.allowance), nil
}

func (f *fakeGateway) Approve(ctx context.Context, kind token.Kind, owner, spender common.Address, amount *big.Int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.approveErr != nil {
		return "", f.approveErr
	}
	f.approves++
	f.allowance = new(big.Int).Set(amount)
	return "0xapprove", nil
}

func (f *fakeGateway) Deposit(ctx context.Context, from common.Address, amount *big.Int, recipient common.Address) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return "", f.execErr
	}
	f.deposits++
	return "0xdeposit", nil
}

func (f *fakeGateway) Withdraw(ctx context.Context, from common.Address, amount *big.Int, recipient common.Address) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.execErr != nil {
		return "", f.execErr
	}
	f.withdraws++
	return "0xwithdraw", nil
}

func (f *fakeGateway) TreasuryAddress() common.Address {
	return common.HexToAddress("0x44b5dd766B90156A08e449CD3049B2267A7bDD65")
}

func (f *fakeGateway) approveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.approves
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		balance:   big.NewInt(1_000_000_000),
		allowance: big.NewInt(0),
	}
}

// flakyLedger fails NotifyDeposit and Withdraw while failing is set, and
// records the amounts of the calls that went through.
type flakyLedger struct {
	*ledgerapi.Memory
	mu      sync.Mutex
	failing bool
	amounts []string
}

func (f *flakyLedger) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyLedger) seenAmounts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.amounts...)
}

func (f *flakyLedger) NotifyDeposit(ctx context.Context, amount, txHash string) (*ledgerapi.Balance, error) {
	f.mu.Lock()
	failing := f.failing
	if !failing {
		f.amounts = append(f.amounts, amount)
	}
	f.mu.Unlock()
	if failing {
		return nil, errors.New("ledger unreachable")
	}
	return f.Memory.NotifyDeposit(ctx, amount, txHash)
}

func (f *flakyLedger) Withdraw(ctx context.Context, amount string) (*ledgerapi.Withdrawal, error) {
	f.mu.Lock()
	failing := f.failing
	if !failing {
		f.amounts = append(f.amounts, amount)
	}
	f.mu.Unlock()
	if failing {
		return nil, errors.New("ledger unreachable")
	}
	return f.Memory.Withdraw(ctx, amount)
}

// newConnectedFixture wires a signer, in-memory ledger, and session manager,
// and connects the session. The ledger seeds an available balance of 100.00.
func newConnectedFixture(t *testing.T) (*session.Manager, *flakyLedger, *fakeGateway) {
	t.Helper()

	sig, err := signer.NewLocal(testKey, sepolia.ChainID)
	require.NoError(t, err)

	creds := credstore.NewMemory()
	ledger := &flakyLedger{Memory: ledgerapi.NewMemory(creds)}
	mgr := session.New(sig, ledger, creds, sepolia)
	require.NoError(t, mgr.Connect(context.Background()))

	return mgr, ledger, newFakeGateway()
}

func TestDepositHappyPath(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	svc := New(gw, ledger, mgr)

	txHash, err := svc.Deposit(context.Background(), "50", common.Address{})
	require.NoError(t, err)
	assert.Equal(t, "0xdeposit", txHash)
	assert.Equal(t, 1, gw.approveCount())
	assert.Equal(t, PhaseInput, svc.Phase())

	// Off-chain balance reflects the notified deposit.
	snap := mgr.Snapshot()
	require.NotNil(t, snap.Available)
	assert.Equal(t, big.NewInt(150_000_000), snap.Available)
}

func TestDepositSkipsApprovalWhenAllowanceSufficient(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	gw.allowance = big.NewInt(60_000_000)
	svc := New(gw, ledger, mgr)

	_, err := svc.Deposit(context.Background(), "50", common.Address{})
	require.NoError(t, err)
	assert.Equal(t, 0, gw.approveCount(), "standing allowance of 60.00 covers a 50.00 deposit")
	assert.Equal(t, 1, gw.deposits)
}

func TestDepositInvalidAmount(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	svc := New(gw, ledger, mgr)

	for _, amount := range []string{"", "abc", "-1", "0"} {
		_, err := svc.Deposit(context.Background(), amount, common.Address{})
		kind, ok := Classify(err)
		require.True(t, ok, "amount %q", amount)
		assert.Equal(t, FailInvalidAmount, kind, "amount %q", amount)
	}
	assert.Equal(t, 0, gw.approveCount())
	assert.Equal(t, 0, gw.deposits)
}

func TestDepositRequiresSession(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	mgr.Disconnect()
	svc := New(gw, ledger, mgr)

	_, err := svc.Deposit(context.Background(), "50", common.Address{})
	kind, ok := Classify(err)
	require.True(t, ok)
	assert.Equal(t, FailNotAuthenticated, kind)
}

func TestDepositInsufficientOnChainBalance(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	gw.balance = big.NewInt(10_000_000)
	svc := New(gw, ledger, mgr)

	_, err := svc.Deposit(context.Background(), "50", common.Address{})
	kind, ok := Classify(err)
	require.True(t, ok)
	assert.Equal(t, FailInsufficientOnChain, kind)
	assert.Equal(t, 0, gw.approveCount())
	assert.Equal(t, 0, gw.deposits)
}

func TestDepositUserRejectedDuringApproval(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	gw.approveErr = signer.ErrRejected
	svc := New(gw, ledger, mgr)

	_, err := svc.Deposit(context.Background(), "50", common.Address{})
	kind, ok := Classify(err)
	require.True(t, ok)
	assert.Equal(t, FailUserRejected, kind)
	assert.Equal(t, PhaseInput, svc.Phase())
	assert.Equal(t, 0, gw.deposits)
}

func TestDepositChainExecutionFailed(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	gw.allowance = big.NewInt(100_000_000)
	gw.execErr = &chain.CallError{Op: "deposit", TxHash: "0xfail", Err: chain.ErrExecutionReverted}
	svc := New(gw, ledger, mgr)

	_, err := svc.Deposit(context.Background(), "50", common.Address{})
	var se *SagaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, FailChainExecution, se.Kind)
	assert.Equal(t, PhaseExecuting, se.Phase)
	assert.Equal(t, "0xfail", se.TxHash)
	assert.Equal(t, PhaseInput, svc.Phase())
}

func TestDepositTimedOut(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	gw.allowance = big.NewInt(100_000_000)
	gw.execErr = &chain.CallError{Op: "deposit", TxHash: "0xslow", Err: chain.ErrTimedOut}
	svc := New(gw, ledger, mgr)

	_, err := svc.Deposit(context.Background(), "50", common.Address{})
	kind, ok := Classify(err)
	require.True(t, ok)
	assert.Equal(t, FailTimedOut, kind)
}

func TestDepositNotifyFailureAndRetry(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	ledger.setFailing(true)
	svc := New(gw, ledger, mgr)

	txHash, err := svc.Deposit(context.Background(), "50", common.Address{})
	var se *SagaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, FailNotify, se.Kind)
	assert.Equal(t, PhaseNotifying, se.Phase)
	assert.Equal(t, "0xdeposit", se.TxHash)
	assert.Equal(t, "0xdeposit", txHash, "hash is returned even when notify fails")
	assert.Equal(t, PhaseInput, svc.Phase())

	pendingTx, ok := svc.PendingNotify()
	require.True(t, ok)
	assert.Equal(t, "0xdeposit", pendingTx)

	// No on-chain transaction is re-sent by the retry path.
	ledger.setFailing(false)
	require.NoError(t, svc.RetryNotify(context.Background()))
	assert.Equal(t, 1, gw.deposits)

	_, ok = svc.PendingNotify()
	assert.False(t, ok)
	assert.Equal(t, big.NewInt(150_000_000), mgr.Snapshot().Available)
}

func TestPendingNotifySurvivesLaterSaga(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	svc := New(gw, ledger, mgr)

	ledger.setFailing(true)
	_, err := svc.Deposit(context.Background(), "50", common.Address{})
	kind, ok := Classify(err)
	require.True(t, ok)
	require.Equal(t, FailNotify, kind)

	// A later, fully successful saga must not discard the divergence
	// record of the earlier one.
	ledger.setFailing(false)
	_, err = svc.Deposit(context.Background(), "30", common.Address{})
	require.NoError(t, err)

	pendingTx, ok := svc.PendingNotify()
	require.True(t, ok, "divergence record must survive unrelated saga success")
	assert.Equal(t, "0xdeposit", pendingTx)

	require.NoError(t, svc.RetryNotify(context.Background()))
	_, ok = svc.PendingNotify()
	assert.False(t, ok)
	assert.Equal(t, big.NewInt(180_000_000), mgr.Snapshot().Available)
}

func TestSagaAmountTruncatedBeforeNotify(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	svc := New(gw, ledger, mgr)

	// The chain leg truncates extra fractional digits; the ledger leg must
	// receive the identical truncated value.
	_, err := svc.Deposit(context.Background(), "50.1234567", common.Address{})
	require.NoError(t, err)

	_, err = svc.Withdraw(context.Background(), "40.0000009", common.Address{})
	require.NoError(t, err)

	assert.Equal(t, []string{"50.123456", "40"}, ledger.seenAmounts())
	assert.Equal(t, big.NewInt(110_123_456), mgr.Snapshot().Available)
}

func TestRetryNotifyWithNothingPending(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	svc := New(gw, ledger, mgr)
	assert.NoError(t, svc.RetryNotify(context.Background()))
}

func TestWithdrawHappyPath(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	svc := New(gw, ledger, mgr)

	txHash, err := svc.Withdraw(context.Background(), "40", common.Address{})
	require.NoError(t, err)
	assert.Equal(t, "0xwithdraw", txHash)
	assert.Equal(t, 1, gw.withdraws)

	ws, err := ledger.Withdrawals(context.Background())
	require.NoError(t, err)
	require.Len(t, ws, 1)
	assert.Equal(t, "40", ws[0].Amount)
	assert.Equal(t, ledgerapi.WithdrawalRequested, ws[0].Status)
}

func TestWithdrawInsufficientLedgerBalance(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	svc := New(gw, ledger, mgr)

	// Available is 100.00; the pre-check fails before any chain call.
	_, err := svc.Withdraw(context.Background(), "150", common.Address{})
	kind, ok := Classify(err)
	require.True(t, ok)
	assert.Equal(t, FailInsufficientLedger, kind)
	assert.Equal(t, 0, gw.approveCount())
	assert.Equal(t, 0, gw.withdraws)
}

func TestWithdrawNotifyFailureAndRetry(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)
	ledger.setFailing(true)
	svc := New(gw, ledger, mgr)

	_, err := svc.Withdraw(context.Background(), "40", common.Address{})
	kind, ok := Classify(err)
	require.True(t, ok)
	assert.Equal(t, FailNotify, kind)

	ledger.setFailing(false)
	require.NoError(t, svc.RetryNotify(context.Background()))
	assert.Equal(t, 1, gw.withdraws)

	ws, err := ledger.Withdrawals(context.Background())
	require.NoError(t, err)
	require.Len(t, ws, 1)
}

func TestPhaseCallbackSequence(t *testing.T) {
	mgr, ledger, gw := newConnectedFixture(t)

	var phases []Phase
	svc := New(gw, ledger, mgr, WithOnPhase(func(p Phase) { phases = append(phases, p) }))

	_, err := svc.Deposit(context.Background(), "50", common.Address{})
	require.NoError(t, err)
	assert.Equal(t, []Phase{PhaseApproving, PhaseExecuting, PhaseNotifying, PhaseInput}, phases)
}

func TestFailKindMessages(t *testing.T) {
	// Every kind has a message, and the notify failure is the only one that
	// tells the user funds already moved on-chain.
	kinds := []FailKind{
		FailInvalidAmount, FailNotAuthenticated, FailUserRejected,
		FailInsufficientOnChain, FailInsufficientLedger, FailAllowance,
		FailChainExecution, FailNotify, FailTimedOut, FailNetworkOrChain,
	}
	for _, k := range kinds {
		assert.NotEmpty(t, k.Message())
	}
	assert.Contains(t, FailNotify.Message(), "on-chain")
	assert.Contains(t, FailNotify.Message(), "out of sync")
}
