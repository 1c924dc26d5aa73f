package ledgerapi

import (
	"context"
	"encoding/hex"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agentmarket/walletbridge/internal/idgen"
	"github.com/agentmarket/walletbridge/internal/token"
)

// addressPattern extracts the wallet address from a login message.
var addressPattern = regexp.MustCompile(`Address: (0x[a-fA-F0-9]+)`)

// devSeedBalance is credited to every new account so development flows have
// something to spend.
const devSeedBalance = "100.00"

// MemoryOption configures the in-memory backend.
type MemoryOption func(*Memory)

// WithClock overrides the time source (useful for expiry tests).
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithMemOnUnauthenticated registers the session-invalidated hook, mirroring
// the HTTP client's option so composition does not branch per implementation.
func WithMemOnUnauthenticated(fn func()) MemoryOption {
	return func(m *Memory) { m.onUnauthenticated = fn }
}

type nonceEntry struct {
	nonce     string
	expiresAt time.Time
}

// Memory is the in-memory reference implementation of the ledger contract.
// It performs real EIP-191 signature recovery during Verify, so login flows
// exercised against it are cryptographically honest.
type Memory struct {
	mu                sync.Mutex
	tokens            TokenSource
	now               func() time.Time
	onUnauthenticated func()

	nonces      map[string]nonceEntry    // address -> pending challenge
	balances    map[string]*Balance      // address -> balances
	withdrawals map[string][]*Withdrawal // address -> history, newest first
	sessions    map[string]string        // bearer token -> address
}

var _ Client = (*Memory)(nil)

// NewMemory creates an empty in-memory ledger backend.
func NewMemory(tokens TokenSource, opts ...MemoryOption) *Memory {
	m := &Memory{
		tokens:      tokens,
		now:         time.Now,
		nonces:      make(map[string]nonceEntry),
		balances:    make(map[string]*Balance),
		withdrawals: make(map[string][]*Withdrawal),
		sessions:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Nonce(ctx context.Context, address string) (*NonceChallenge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	address = strings.ToLower(address)
	nonce := idgen.Hex(8)
	expires := m.now().Add(NonceTTL)
	m.nonces[address] = nonceEntry{nonce: nonce, expiresAt: expires}

	if _, ok := m.balances[address]; !ok {
		m.balances[address] = &Balance{Available: devSeedBalance, Frozen: "0.00"}
	}

	return &NonceChallenge{
		Address:   address,
		Nonce:     nonce,
		Message:   LoginMessage(address, nonce),
		ExpiresAt: expires,
	}, nil
}

func (m *Memory) Verify(ctx context.Context, message, signature string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	match := addressPattern.FindStringSubmatch(message)
	if match == nil {
		return "", ErrVerifyFailed
	}
	address := strings.ToLower(match[1])

	entry, ok := m.nonces[address]
	if !ok || message != LoginMessage(address, entry.nonce) {
		return "", ErrVerifyFailed
	}
	// Single use: the challenge is consumed whether or not it validates.
	delete(m.nonces, address)

	if m.now().After(entry.expiresAt) {
		return "", ErrNonceExpired
	}
	if !recoverMatches(message, signature, address) {
		return "", ErrVerifyFailed
	}

	tok := "tok_" + idgen.Hex(16)
	m.sessions[tok] = address
	return tok, nil
}

// recoverMatches checks that signature is an EIP-191 personal-sign over
// message by address.
func recoverMatches(message, signature, address string) bool {
	sig := common0x(signature)
	if len(sig) != 65 {
		return false
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return false
	}
	return strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), address)
}

func common0x(hexSig string) []byte {
	b, err := hex.DecodeString(strings.TrimPrefix(hexSig, "0x"))
	if err != nil {
		return nil
	}
	return b
}

func (m *Memory) Balance(ctx context.Context) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	address, err := m.currentAddress()
	if err != nil {
		return nil, err
	}
	bal := m.balances[address]
	return &Balance{Available: bal.Available, Frozen: bal.Frozen}, nil
}

func (m *Memory) Withdraw(ctx context.Context, amount string) (*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	address, err := m.currentAddress()
	if err != nil {
		return nil, err
	}

	amt, err := token.Parse(amount)
	if err != nil || amt.Sign() <= 0 {
		return nil, token.ErrInvalidAmount
	}

	bal := m.balances[address]
	available := token.MustParse(bal.Available)
	if available.Cmp(amt) < 0 {
		return nil, ErrInsufficientBalance
	}
	bal.Available = token.Format(new(big.Int).Sub(available, amt))

	now := m.now()
	wd := &Withdrawal{
		ID:          idgen.WithPrefix("wd_"),
		Amount:      amount,
		Status:      WithdrawalRequested,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	m.withdrawals[address] = append([]*Withdrawal{wd}, m.withdrawals[address]...)

	out := *wd
	return &out, nil
}

func (m *Memory) Withdrawals(ctx context.Context) ([]*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	address, err := m.currentAddress()
	if err != nil {
		return nil, err
	}
	out := make([]*Withdrawal, 0, len(m.withdrawals[address]))
	for _, wd := range m.withdrawals[address] {
		cp := *wd
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) NotifyDeposit(ctx context.Context, amount, txHash string) (*Balance, error) {
	return m.credit(amount)
}

func (m *Memory) DevGrant(ctx context.Context, amount string) (*Balance, error) {
	return m.credit(amount)
}

func (m *Memory) credit(amount string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	address, err := m.currentAddress()
	if err != nil {
		return nil, err
	}
	amt, err := token.Parse(amount)
	if err != nil || amt.Sign() <= 0 {
		return nil, token.ErrInvalidAmount
	}

	bal := m.balances[address]
	available := token.MustParse(bal.Available)
	bal.Available = token.Format(new(big.Int).Add(available, amt))
	return &Balance{Available: bal.Available, Frozen: bal.Frozen}, nil
}

// AdvanceWithdrawal moves a withdrawal record to a new status, recording the
// transaction hash once the payout is sent. Used by the dev-mode payout
// simulation and tests.
func (m *Memory) AdvanceWithdrawal(id string, status WithdrawalStatus, txHash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, records := range m.withdrawals {
		for _, wd := range records {
			if wd.ID != id || wd.Status.Terminal() {
				continue
			}
			wd.Status = status
			if txHash != "" {
				wd.TxHash = txHash
			}
			wd.UpdatedAt = m.now()
			return true
		}
	}
	return false
}

// RevokeAll invalidates every issued credential, simulating server-side
// session expiry.
func (m *Memory) RevokeAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]string)
}

// currentAddress resolves the caller from the bearer credential. Callers
// must hold m.mu.
func (m *Memory) currentAddress() (string, error) {
	tok := m.tokens.Token()
	address, ok := m.sessions[tok]
	if tok == "" || !ok {
		if m.onUnauthenticated != nil {
			m.onUnauthenticated()
		}
		return "", ErrUnauthenticated
	}
	return address, nil
}
