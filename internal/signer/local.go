package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrInvalidPrivateKey means the configured key material could not be parsed.
var ErrInvalidPrivateKey = errors.New("signer: invalid private key")

// Local is a Signer backed by an in-process ECDSA key. It never prompts, so
// it never returns ErrRejected; rejection paths are exercised through test
// doubles and real browser-wallet bindings.
type Local struct {
	mu      sync.Mutex
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int

	nextSub int
	subs    map[int]func([]common.Address)
}

var _ Signer = (*Local)(nil)

// NewLocal creates a Local signer from a hex private key (0x prefix optional)
// targeting the given chain.
func NewLocal(privateKeyHex string, chainID int64) (*Local, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return &Local{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
		subs:    make(map[int]func([]common.Address)),
	}, nil
}

// Address returns the signer's active account.
func (l *Local) Address() common.Address {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.address
}

func (l *Local) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return []common.Address{l.address}, nil
}

// SignText produces an EIP-191 personal-sign signature with the legacy
// 27/28 recovery id expected by signature verifiers.
func (l *Local) SignText(ctx context.Context, addr common.Address, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if addr != l.address {
		return nil, ErrNoAccount
	}
	sig, err := crypto.Sign(accounts.TextHash(msg), l.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (l *Local) SignTx(ctx context.Context, addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if addr != l.address {
		return nil, ErrNoAccount
	}
	return types.SignTx(tx, types.LatestSignerForChainID(chainID), l.key)
}

func (l *Local) ChainID(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.chainID), nil
}

// SwitchChain retargets the local signer. There is no user to decline.
func (l *Local) SwitchChain(ctx context.Context, spec ChainSpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.chainID = big.NewInt(spec.ChainID)
	return nil
}

func (l *Local) SubscribeAccounts(fn func([]common.Address)) (cancel func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.subs, id)
	}
}

// Activate swaps the active key, modelling a keystore account switch, and
// notifies account subscribers.
func (l *Local) Activate(privateKeyHex string) error {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}

	l.mu.Lock()
	l.key = key
	l.address = crypto.PubkeyToAddress(key.PublicKey)
	accts := []common.Address{l.address}
	subs := make([]func([]common.Address), 0, len(l.subs))
	for _, fn := range l.subs {
		subs = append(subs, fn)
	}
	l.mu.Unlock()

	for _, fn := range subs {
		fn(accts)
	}
	return nil
}
