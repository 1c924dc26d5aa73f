// Package session owns the authoritative wallet session state.
//
// The manager drives the login protocol (nonce, personal-sign, verify),
// persists the minimal session subset through the credential store, reacts to
// wallet account changes, and republishes immutable state snapshots to
// subscribers. Balances are held in smallest units and are always re-fetched
// from the ledger service, never trusted from storage.
package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/agentmarket/walletbridge/internal/credstore"
	"github.com/agentmarket/walletbridge/internal/ledgerapi"
	"github.com/agentmarket/walletbridge/internal/metrics"
	"github.com/agentmarket/walletbridge/internal/signer"
	"github.com/agentmarket/walletbridge/internal/token"
	"github.com/agentmarket/walletbridge/internal/traces"
)

var (
	// ErrWalletUnavailable means no wallet signer capability was injected.
	ErrWalletUnavailable = errors.New("session: wallet unavailable")
	// ErrNoAccount means the signer granted access but returned no address.
	ErrNoAccount = errors.New("session: no account returned")
	// ErrUserRejected means the user declined the login signature prompt.
	ErrUserRejected = errors.New("session: signature request rejected")
	// ErrVerificationFailed means the ledger service rejected the signed
	// challenge.
	ErrVerificationFailed = errors.New("session: login verification failed")
)

// Snapshot is an immutable view of the session state. Balance fields are
// replaced wholesale on refresh and never mutated in place, so sharing the
// big.Int pointers across subscribers is safe.
type Snapshot struct {
	Connected bool
	Address   string // lowercase hex, empty when disconnected
	Available *big.Int
	Frozen    *big.Int
	Loading   bool
	Err       string // last user-facing failure reason
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager is the session state machine:
// disconnected -> connecting -> connected -> disconnected.
//
// Connect is re-entrancy guarded: a second call while loading is a no-op.
// Every state change is a whole-snapshot overwrite under the mutex, so
// concurrent refreshes degrade to last-completed-wins on balance fields and
// can never corrupt the state.
type Manager struct {
	sig    signer.Signer
	ledger ledgerapi.Client
	creds  credstore.Store
	chain  signer.ChainSpec
	logger *slog.Logger

	mu            sync.Mutex
	snap          Snapshot
	loading       bool
	account       common.Address
	unsubAccounts func()

	nextSub int
	subs    map[int]func(Snapshot)
}

// New creates a manager. sig may be nil when no wallet capability is present;
// Connect then fails with ErrWalletUnavailable.
func New(sig signer.Signer, ledger ledgerapi.Client, creds credstore.Store, chain signer.ChainSpec, opts ...Option) *Manager {
	m := &Manager{
		sig:    sig,
		ledger: ledger,
		creds:  creds,
		chain:  chain,
		logger: slog.Default(),
		subs:   make(map[int]func(Snapshot)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Snapshot returns the current session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Subscribe registers fn to receive every subsequent snapshot. The returned
// cancel deregisters it.
func (m *Manager) Subscribe(fn func(Snapshot)) (cancel func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

func (m *Manager) notify() {
	m.mu.Lock()
	snap := m.snap
	fns := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// Connect runs the login protocol. At most one connect sequence is in flight
// at a time; concurrent callers while loading observe a no-op and nil error.
func (m *Manager) Connect(ctx context.Context) error {
	if m.sig == nil {
		return ErrWalletUnavailable
	}

	m.mu.Lock()
	if m.loading {
		m.mu.Unlock()
		return nil
	}
	m.loading = true
	m.snap.Loading = true
	m.snap.Err = ""
	m.mu.Unlock()
	m.notify()

	ctx, span := traces.StartSpan(ctx, "session.Connect")
	defer span.End()

	err := m.connect(ctx)

	m.mu.Lock()
	m.loading = false
	m.snap.Loading = false
	if err != nil {
		m.snap.Err = err.Error()
	}
	m.mu.Unlock()
	m.notify()

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ConnectsTotal.WithLabelValues(result).Inc()
	return err
}

func (m *Manager) connect(ctx context.Context) error {
	// Best-effort network check. A declined switch is logged, not fatal:
	// a mismatched network surfaces later through balance and transaction
	// errors instead of blocking login.
	if id, err := m.sig.ChainID(ctx); err == nil && id.Int64() != m.chain.ChainID {
		if err := m.sig.SwitchChain(ctx, m.chain); err != nil {
			m.logger.Warn("network switch declined, continuing",
				"want_chain", m.chain.ChainID, "have_chain", id.Int64(), "error", err)
		}
	}

	accounts, err := m.sig.RequestAccounts(ctx)
	if err != nil {
		if errors.Is(err, signer.ErrRejected) {
			return ErrUserRejected
		}
		return fmt.Errorf("%w: %v", ErrNoAccount, err)
	}
	if len(accounts) == 0 {
		return ErrNoAccount
	}
	account := accounts[0]
	address := strings.ToLower(account.Hex())

	challenge, err := m.ledger.Nonce(ctx, address)
	if err != nil {
		return fmt.Errorf("session: nonce request: %w", err)
	}

	sig, err := m.sig.SignText(ctx, account, []byte(challenge.Message))
	if err != nil {
		if errors.Is(err, signer.ErrRejected) {
			return ErrUserRejected
		}
		return fmt.Errorf("session: sign challenge: %w", err)
	}

	tok, err := m.ledger.Verify(ctx, challenge.Message, "0x"+hex.EncodeToString(sig))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	if err := m.creds.SetSession(credstore.Record{
		Connected: true,
		Address:   address,
		Token:     tok,
	}); err != nil {
		return fmt.Errorf("session: persist credential: %w", err)
	}

	m.mu.Lock()
	m.snap = Snapshot{
		Connected: true,
		Address:   address,
		Available: m.snap.Available,
		Frozen:    m.snap.Frozen,
		Loading:   true, // cleared by Connect's epilogue
	}
	m.account = account
	m.mu.Unlock()
	metrics.SessionConnected.Set(1)

	m.watchAccounts()

	// Best-effort: a balance failure does not roll back the connected
	// state; the balance stays at its prior value and can be refreshed.
	if err := m.RefreshBalance(ctx); err != nil {
		m.logger.Warn("initial balance fetch failed", "address", address, "error", err)
	}

	m.logger.Info("wallet connected", "address", address)
	return nil
}

// watchAccounts registers the account-change listener, replacing any
// existing registration so repeated connects never stack listeners.
func (m *Manager) watchAccounts() {
	m.mu.Lock()
	if m.unsubAccounts != nil {
		m.unsubAccounts()
	}
	m.unsubAccounts = m.sig.SubscribeAccounts(m.onAccountsChanged)
	m.mu.Unlock()
}

// onAccountsChanged forces a disconnect whenever the active account changes
// or disappears. The credential was issued for the original address only;
// the session never silently re-binds.
func (m *Manager) onAccountsChanged(accounts []common.Address) {
	m.mu.Lock()
	current := m.snap.Address
	connected := m.snap.Connected
	m.mu.Unlock()
	if !connected {
		return
	}
	if len(accounts) > 0 && strings.ToLower(accounts[0].Hex()) == current {
		return
	}
	m.logger.Info("active account changed, disconnecting", "address", current)
	m.Disconnect()
}

// Disconnect clears the credential and resets the session to its zero value.
// Idempotent: safe to call when already disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.unsubAccounts != nil {
		m.unsubAccounts()
		m.unsubAccounts = nil
	}
	m.snap = Snapshot{}
	m.account = common.Address{}
	m.mu.Unlock()

	if err := m.creds.Clear(); err != nil {
		m.logger.Warn("clearing credential failed", "error", err)
	}
	metrics.SessionConnected.Set(0)
	m.notify()
}

// HandleUnauthenticated is the process-wide session-invalidated hook. Wire it
// as the ledger client's OnUnauthenticated callback at composition time.
func (m *Manager) HandleUnauthenticated() {
	m.mu.Lock()
	connected := m.snap.Connected
	m.mu.Unlock()
	if !connected {
		return
	}
	m.logger.Warn("credential rejected by ledger service, disconnecting")
	m.Disconnect()
}

// RefreshBalance overwrites the balance fields from the ledger service.
// A no-op when disconnected. Failures leave the previous values in place;
// an unauthenticated response additionally forces a disconnect.
func (m *Manager) RefreshBalance(ctx context.Context) error {
	m.mu.Lock()
	connected := m.snap.Connected
	address := m.snap.Address
	m.mu.Unlock()
	if !connected {
		return nil
	}

	ctx, span := traces.StartSpan(ctx, "session.RefreshBalance", traces.WalletAddr(address))
	defer span.End()

	bal, err := m.ledger.Balance(ctx)
	if err != nil {
		if errors.Is(err, ledgerapi.ErrUnauthenticated) {
			m.HandleUnauthenticated()
		} else {
			m.logger.Warn("balance refresh failed", "address", address, "error", err)
		}
		return err
	}

	available, err := parseBalance(bal.Available)
	if err != nil {
		m.logger.Warn("malformed available balance", "value", bal.Available, "error", err)
		return err
	}
	frozen, err := parseBalance(bal.Frozen)
	if err != nil {
		m.logger.Warn("malformed frozen balance", "value", bal.Frozen, "error", err)
		return err
	}

	m.mu.Lock()
	// Last completed refresh wins; balances only mean anything while the
	// session is still connected to the same address.
	if m.snap.Connected && m.snap.Address == address {
		m.snap.Available = available
		m.snap.Frozen = frozen
	}
	m.mu.Unlock()
	m.notify()
	return nil
}

// Rehydrate restores a persisted session on process start. The session is
// optimistically marked connected, then the balance is refreshed; a rejected
// credential during that refresh forces the session back to disconnected.
func (m *Manager) Rehydrate(ctx context.Context) {
	rec, ok := m.creds.Session()
	if !ok || !rec.Connected || rec.Address == "" || rec.Token == "" {
		return
	}

	m.mu.Lock()
	m.snap = Snapshot{
		Connected: true,
		Address:   strings.ToLower(rec.Address),
	}
	m.account = common.HexToAddress(rec.Address)
	m.mu.Unlock()
	metrics.SessionConnected.Set(1)
	m.notify()

	if m.sig != nil {
		m.watchAccounts()
	}

	if err := m.RefreshBalance(ctx); err != nil {
		m.logger.Warn("rehydration balance refresh failed", "address", rec.Address, "error", err)
	}
}

// Account returns the connected account for transaction building, or false
// when disconnected.
func (m *Manager) Account() (common.Address, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account, m.snap.Connected
}

func parseBalance(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	return token.Parse(s)
}
