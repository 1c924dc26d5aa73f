// Package ledgerapi is the typed client for the platform ledger service.
//
// The backend is the source of truth for the spendable (off-chain) balance.
// This package carries the request/response contract only; it holds no
// session state of its own. Two implementations exist: HTTP for production
// and Memory, a faithful reference implementation of the contract used by
// tests and the CLI dev mode. The implementation is selected once at
// composition time, never branched per call.
package ledgerapi

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthenticated means the credential is missing, invalid, or
	// expired. Observers of the unauthenticated hook force a disconnect.
	ErrUnauthenticated = errors.New("ledgerapi: unauthenticated")
	// ErrInsufficientBalance means the ledger refused a withdrawal that
	// exceeds the available balance.
	ErrInsufficientBalance = errors.New("ledgerapi: insufficient balance")
	// ErrNonceExpired means the login challenge was consumed too late.
	ErrNonceExpired = errors.New("ledgerapi: nonce expired")
	// ErrVerifyFailed means the signature did not validate for the
	// challenge it was submitted against.
	ErrVerifyFailed = errors.New("ledgerapi: signature verification failed")
)

// NonceTTL is how long a login challenge stays valid.
const NonceTTL = 5 * time.Minute

// LoginMessage is the exact text the wallet signs during login.
func LoginMessage(address, nonce string) string {
	return fmt.Sprintf("Agent Market Web3 Login\nAddress: %s\nNonce: %s", address, nonce)
}

// NonceChallenge is a server-issued, single-use login challenge.
type NonceChallenge struct {
	Address   string    `json:"address"`
	Nonce     string    `json:"nonce"`
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Balance is the dual-ledger platform balance in decimal token units.
type Balance struct {
	Available string `json:"available"`
	Frozen    string `json:"frozen"`
}

// WithdrawalStatus tracks a withdrawal request through the ledger.
type WithdrawalStatus string

const (
	WithdrawalRequested WithdrawalStatus = "requested"
	WithdrawalSent      WithdrawalStatus = "sent"
	WithdrawalConfirmed WithdrawalStatus = "confirmed"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalConfirmed || s == WithdrawalFailed
}

// Withdrawal is one ledger withdrawal record.
type Withdrawal struct {
	ID          string           `json:"id"`
	Amount      string           `json:"amount"`
	Status      WithdrawalStatus `json:"status"`
	TxHash      string           `json:"txHash"`
	RequestedAt time.Time        `json:"requestedAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
}

// TokenSource supplies the current bearer credential. The credential store
// satisfies this.
type TokenSource interface {
	Token() string
}

// Client is the ledger service contract. Nonce and Verify are
// unauthenticated; every other call attaches the bearer credential.
type Client interface {
	// Nonce issues a fresh single-use login challenge for address.
	Nonce(ctx context.Context, address string) (*NonceChallenge, error)

	// Verify exchanges a signed challenge for a bearer credential.
	Verify(ctx context.Context, message, signature string) (string, error)

	// Balance returns the caller's available and frozen balances.
	Balance(ctx context.Context) (*Balance, error)

	// Withdraw records a withdrawal request against the available balance.
	Withdraw(ctx context.Context, amount string) (*Withdrawal, error)

	// Withdrawals lists the caller's withdrawal history, newest first.
	Withdrawals(ctx context.Context) ([]*Withdrawal, error)

	// NotifyDeposit reconciles a completed on-chain deposit into the
	// off-chain ledger and returns the updated balance.
	NotifyDeposit(ctx context.Context, amount, txHash string) (*Balance, error)

	// DevGrant credits the available balance. Development environments only.
	DevGrant(ctx context.Context, amount string) (*Balance, error)
}
