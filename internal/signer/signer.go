// Package signer defines the external wallet signer capability.
//
// The session and bridge layers never talk to a key directly; they are handed
// a Signer at composition time. Production wiring uses the Local keystore
// signer below, tests use a scriptable double.
package signer

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrUnavailable means no signer capability is present at all.
	ErrUnavailable = errors.New("signer: wallet unavailable")
	// ErrRejected means the holder of the key declined a signature or
	// transaction prompt.
	ErrRejected = errors.New("signer: request rejected")
	// ErrNoAccount means the signer granted access but exposed no accounts.
	ErrNoAccount = errors.New("signer: no account available")
)

// ChainSpec describes the network the platform expects the signer to be on.
type ChainSpec struct {
	ChainID  int64
	Name     string
	RPCURL   string
	Explorer string
}

// TxURL returns the block-explorer page for a transaction hash, or "" when
// no explorer is configured or the hash is empty.
func (c ChainSpec) TxURL(txHash string) string {
	if c.Explorer == "" || txHash == "" {
		return ""
	}
	return strings.TrimRight(c.Explorer, "/") + "/tx/" + txHash
}

// Signer is the wallet capability the core depends on. All blocking calls
// take a context; an interactive wallet may hold them open while prompting.
type Signer interface {
	// RequestAccounts asks for account access and returns the accounts the
	// wallet exposes, active account first.
	RequestAccounts(ctx context.Context) ([]common.Address, error)

	// SignText signs msg for addr under the EIP-191 personal-sign scheme.
	SignText(ctx context.Context, addr common.Address, msg []byte) ([]byte, error)

	// SignTx signs a transaction for addr bound to chainID.
	SignTx(ctx context.Context, addr common.Address, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)

	// ChainID reports the chain the signer currently targets.
	ChainID(ctx context.Context) (*big.Int, error)

	// SwitchChain asks the signer to move to the given network, adding it
	// if unknown. A decline surfaces as ErrRejected.
	SwitchChain(ctx context.Context, spec ChainSpec) error

	// SubscribeAccounts registers fn to be called whenever the active
	// account set changes. The returned cancel deregisters it.
	SubscribeAccounts(fn func(accounts []common.Address)) (cancel func())
}
