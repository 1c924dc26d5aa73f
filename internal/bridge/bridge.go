// Package bridge orchestrates the two treasury sagas: deposit (USDT in, APT
// out) and withdraw (APT burned, USDT released).
//
// Each saga runs three phases in strict order: authorize the on-chain spend,
// execute the treasury transfer, then notify the ledger service so the
// off-chain balance converges. No phase is retried automatically; a failure
// in any phase returns the saga to the input phase with a classified error.
// Idempotency comes from query-before-act: a re-invocation that finds a
// sufficient allowance skips the approval transaction entirely.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentmarket/walletbridge/internal/chain"
	"github.com/agentmarket/walletbridge/internal/ledgerapi"
	"github.com/agentmarket/walletbridge/internal/metrics"
	"github.com/agentmarket/walletbridge/internal/retry"
	"github.com/agentmarket/walletbridge/internal/session"
	"github.com/agentmarket/walletbridge/internal/signer"
	"github.com/agentmarket/walletbridge/internal/token"
	"github.com/agentmarket/walletbridge/internal/traces"
)

// Phase is the saga's current step. Sagas rest at PhaseInput.
type Phase string

const (
	PhaseInput     Phase = "input"
	PhaseApproving Phase = "approving"
	PhaseExecuting Phase = "executing"
	PhaseNotifying Phase = "notifying"
)

// FailKind classifies a saga failure for the caller. Each kind maps to one
// short user-facing message; see Message.
type FailKind string

const (
	FailInvalidAmount       FailKind = "invalid_amount"
	FailNotAuthenticated    FailKind = "not_authenticated"
	FailUserRejected        FailKind = "user_rejected"
	FailInsufficientOnChain FailKind = "insufficient_onchain_balance"
	FailInsufficientLedger  FailKind = "insufficient_ledger_balance"
	FailAllowance           FailKind = "allowance_failed"
	FailChainExecution      FailKind = "chain_execution_failed"
	FailNotify              FailKind = "notify_failed"
	FailTimedOut            FailKind = "timed_out"
	FailNetworkOrChain      FailKind = "network_or_chain_error"
)

// Message returns the short human-readable text for the failure kind. The
// notify failure is deliberately different from every other message: the
// on-chain transfer succeeded and only the platform ledger is behind, which
// changes what the user should do next.
func (k FailKind) Message() string {
	switch k {
	case FailInvalidAmount:
		return "Enter a valid positive amount."
	case FailNotAuthenticated:
		return "Connect your wallet first."
	case FailUserRejected:
		return "Request was rejected in the wallet."
	case FailInsufficientOnChain:
		return "Your on-chain token balance is too low."
	case FailInsufficientLedger:
		return "Your available platform balance is too low."
	case FailAllowance:
		return "Token approval failed. No funds were moved."
	case FailChainExecution:
		return "The on-chain transaction failed. No funds were moved."
	case FailNotify:
		return "Funds moved on-chain, but the platform balance may be out of sync. Retry the sync or contact support with the transaction hash."
	case FailTimedOut:
		return "Timed out waiting for the transaction. Check the explorer before retrying."
	default:
		return "A network or chain error occurred. Try again."
	}
}

// SagaError is a classified saga failure.
type SagaError struct {
	Kind   FailKind
	Phase  Phase // phase the failure occurred in
	TxHash string
	Err    error
}

func (e *SagaError) Error() string {
	if e.TxHash != "" {
		return fmt.Sprintf("bridge: %s during %s (tx: %s): %v", e.Kind, e.Phase, e.TxHash, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("bridge: %s during %s: %v", e.Kind, e.Phase, e.Err)
	}
	return fmt.Sprintf("bridge: %s during %s", e.Kind, e.Phase)
}

func (e *SagaError) Unwrap() error { return e.Err }

// Classify extracts the failure kind from any error returned by the bridge.
func Classify(err error) (FailKind, bool) {
	var se *SagaError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// Gateway is the slice of the chain gateway the sagas use.
type Gateway interface {
	BalanceOf(ctx context.Context, kind token.Kind, addr common.Address) (*big.Int, error)
	Allowance(ctx context.Context, kind token.Kind, owner, spender common.Address) (*big.Int, error)
	Approve(ctx context.Context, kind token.Kind, owner, spender common.Address, amount *big.Int) (string, error)
	Deposit(ctx context.Context, from common.Address, amount *big.Int, recipient common.Address) (string, error)
	Withdraw(ctx context.Context, from common.Address, amount *big.Int, recipient common.Address) (string, error)
	TreasuryAddress() common.Address
}

// pendingNotify records an on-chain success whose ledger sync failed. It is
// the observable handle for the chain/ledger divergence case.
type pendingNotify struct {
	deposit bool // true: deposit notify; false: withdrawal request
	amount  string
	txHash  string
}

// Option configures the service.
type Option func(*Service)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithOnPhase registers a phase-change callback for progress reporting.
func WithOnPhase(fn func(Phase)) Option {
	return func(s *Service) { s.onPhase = fn }
}

// Service runs the deposit and withdraw sagas.
type Service struct {
	gw      Gateway
	ledger  ledgerapi.Client
	session *session.Manager
	logger  *slog.Logger
	onPhase func(Phase)

	mu      sync.Mutex
	phase   Phase
	pending *pendingNotify
}

// New creates a bridge service.
func New(gw Gateway, ledger ledgerapi.Client, sess *session.Manager, opts ...Option) *Service {
	s := &Service{
		gw:      gw,
		ledger:  ledger,
		session: sess,
		logger:  slog.Default(),
		phase:   PhaseInput,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Phase returns the current saga phase.
func (s *Service) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Service) setPhase(p Phase) {
	s.mu.Lock()
	s.phase = p
	fn := s.onPhase
	s.mu.Unlock()
	if fn != nil {
		fn(p)
	}
}

// PendingNotify reports whether an on-chain success is still awaiting ledger
// reconciliation, and its transaction hash.
func (s *Service) PendingNotify() (txHash string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return "", false
	}
	return s.pending.txHash, true
}

// Deposit exchanges amount (decimal USDT) for APT credited to recipient.
// A zero recipient defaults to the caller's own address. Returns the
// treasury transaction hash.
func (s *Service) Deposit(ctx context.Context, amount string, recipient common.Address) (string, error) {
	txHash, err := s.runDeposit(ctx, amount, recipient)
	s.setPhase(PhaseInput)
	s.count("deposit", err)
	return txHash, err
}

func (s *Service) runDeposit(ctx context.Context, amount string, recipient common.Address) (string, error) {
	amt, err := token.Parse(amount)
	if err != nil || amt.Sign() <= 0 {
		return "", &SagaError{Kind: FailInvalidAmount, Phase: PhaseInput, Err: err}
	}
	// Both legs settle on the parsed value; extra fractional digits never
	// reach the ledger.
	amount = token.Format(amt)

	account, ok := s.session.Account()
	if !ok {
		return "", &SagaError{Kind: FailNotAuthenticated, Phase: PhaseInput}
	}
	if recipient == (common.Address{}) {
		recipient = account
	}

	ctx, span := traces.StartSpan(ctx, "bridge.Deposit",
		traces.WalletAddr(account.Hex()), traces.Amount(amount))
	defer span.End()

	// The chain is the authority, but an obviously short balance fails
	// fast before any signer interaction.
	if bal, err := s.gw.BalanceOf(ctx, token.USDT, account); err == nil && bal.Cmp(amt) < 0 {
		return "", &SagaError{Kind: FailInsufficientOnChain, Phase: PhaseInput}
	}

	if err := s.approve(ctx, token.USDT, account, amt); err != nil {
		return "", err
	}

	s.setPhase(PhaseExecuting)
	txHash, err := s.gw.Deposit(ctx, account, amt, recipient)
	if err != nil {
		return "", s.classifyExecute(err)
	}

	s.setPhase(PhaseNotifying)
	if _, err := s.ledger.NotifyDeposit(ctx, amount, txHash); err != nil {
		s.recordPending(&pendingNotify{deposit: true, amount: amount, txHash: txHash})
		s.logger.Error("deposit succeeded on-chain but ledger notify failed",
			"tx", txHash, "amount", amount, "error", err)
		return txHash, &SagaError{Kind: FailNotify, Phase: PhaseNotifying, TxHash: txHash, Err: err}
	}

	s.finish(ctx, txHash, "deposit", amount)
	return txHash, nil
}

// Withdraw burns amount (decimal APT) via the treasury and records the
// withdrawal with the ledger service. Returns the treasury transaction hash.
func (s *Service) Withdraw(ctx context.Context, amount string, recipient common.Address) (string, error) {
	txHash, err := s.runWithdraw(ctx, amount, recipient)
	s.setPhase(PhaseInput)
	s.count("withdraw", err)
	return txHash, err
}

func (s *Service) runWithdraw(ctx context.Context, amount string, recipient common.Address) (string, error) {
	amt, err := token.Parse(amount)
	if err != nil || amt.Sign() <= 0 {
		return "", &SagaError{Kind: FailInvalidAmount, Phase: PhaseInput, Err: err}
	}
	amount = token.Format(amt)

	account, ok := s.session.Account()
	if !ok {
		return "", &SagaError{Kind: FailNotAuthenticated, Phase: PhaseInput}
	}
	if recipient == (common.Address{}) {
		recipient = account
	}

	// Client-side pre-check only; the contract and the backend remain the
	// authorities on what can actually move.
	snap := s.session.Snapshot()
	if snap.Available == nil || snap.Available.Cmp(amt) < 0 {
		return "", &SagaError{Kind: FailInsufficientLedger, Phase: PhaseInput}
	}

	ctx, span := traces.StartSpan(ctx, "bridge.Withdraw",
		traces.WalletAddr(account.Hex()), traces.Amount(amount))
	defer span.End()

	if err := s.approve(ctx, token.APT, account, amt); err != nil {
		return "", err
	}

	s.setPhase(PhaseExecuting)
	txHash, err := s.gw.Withdraw(ctx, account, amt, recipient)
	if err != nil {
		return "", s.classifyExecute(err)
	}

	s.setPhase(PhaseNotifying)
	if _, err := s.ledger.Withdraw(ctx, amount); err != nil {
		s.recordPending(&pendingNotify{deposit: false, amount: amount, txHash: txHash})
		s.logger.Error("withdrawal succeeded on-chain but ledger notify failed",
			"tx", txHash, "amount", amount, "error", err)
		return txHash, &SagaError{Kind: FailNotify, Phase: PhaseNotifying, TxHash: txHash, Err: err}
	}

	s.finish(ctx, txHash, "withdraw", amount)
	return txHash, nil
}

// approve runs the approving phase: skip when the standing allowance already
// covers the amount, otherwise send one approval and wait for inclusion.
func (s *Service) approve(ctx context.Context, kind token.Kind, account common.Address, amt *big.Int) error {
	s.setPhase(PhaseApproving)

	spender := s.gw.TreasuryAddress()
	allowance, err := s.gw.Allowance(ctx, kind, account, spender)
	if err != nil {
		return &SagaError{Kind: FailNetworkOrChain, Phase: PhaseApproving, Err: err}
	}
	if allowance.Cmp(amt) >= 0 {
		s.logger.Debug("allowance already sufficient, skipping approval",
			"token", string(kind), "allowance", token.Format(allowance))
		return nil
	}

	txHash, err := s.gw.Approve(ctx, kind, account, spender, amt)
	if err != nil {
		switch {
		case errors.Is(err, signer.ErrRejected):
			return &SagaError{Kind: FailUserRejected, Phase: PhaseApproving, Err: err}
		case errors.Is(err, chain.ErrTimedOut):
			return &SagaError{Kind: FailTimedOut, Phase: PhaseApproving, Err: err}
		default:
			return &SagaError{Kind: FailAllowance, Phase: PhaseApproving, Err: err}
		}
	}
	s.logger.Info("approval confirmed", "token", string(kind), "tx", txHash)
	return nil
}

func (s *Service) classifyExecute(err error) error {
	kind := FailNetworkOrChain
	switch {
	case errors.Is(err, signer.ErrRejected):
		kind = FailUserRejected
	case errors.Is(err, chain.ErrTimedOut):
		kind = FailTimedOut
	case errors.Is(err, chain.ErrExecutionReverted):
		kind = FailChainExecution
	}
	se := &SagaError{Kind: kind, Phase: PhaseExecuting, Err: err}
	var callErr *chain.CallError
	if errors.As(err, &callErr) {
		se.TxHash = callErr.TxHash
	}
	return se
}

func (s *Service) recordPending(p *pendingNotify) {
	s.mu.Lock()
	s.pending = p
	s.mu.Unlock()
}

func (s *Service) finish(ctx context.Context, txHash, kind, amount string) {
	if err := s.session.RefreshBalance(ctx); err != nil {
		s.logger.Warn("balance refresh after saga failed", "error", err)
	}
	s.logger.Info("saga complete", "kind", kind, "amount", amount, "tx", txHash)
}

func (s *Service) count(kind string, err error) {
	result := "ok"
	if err != nil {
		if k, ok := Classify(err); ok {
			result = string(k)
		} else {
			result = "error"
		}
	}
	metrics.SagasTotal.WithLabelValues(kind, result).Inc()
}

// RetryNotify re-runs only the ledger notify step for the last on-chain
// success whose sync failed. This is the explicit reconciliation path for the
// chain/ledger divergence case; it never re-sends an on-chain transaction.
func (s *Service) RetryNotify(ctx context.Context) error {
	s.mu.Lock()
	p := s.pending
	s.mu.Unlock()
	if p == nil {
		return nil
	}

	metrics.NotifyRetriesTotal.Inc()
	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		if p.deposit {
			_, err := s.ledger.NotifyDeposit(ctx, p.amount, p.txHash)
			return err
		}
		_, err := s.ledger.Withdraw(ctx, p.amount)
		return err
	})
	if err != nil {
		return &SagaError{Kind: FailNotify, Phase: PhaseNotifying, TxHash: p.txHash, Err: err}
	}

	// Only the record being reconciled is cleared; sagas that complete in
	// the meantime never touch it.
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()

	s.finish(ctx, p.txHash, "retry_notify", p.amount)
	return nil
}
