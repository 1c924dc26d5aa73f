// Walletbridge - wallet session and treasury bridge CLI
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/agentmarket/walletbridge/internal/bridge"
	"github.com/agentmarket/walletbridge/internal/chain"
	"github.com/agentmarket/walletbridge/internal/config"
	"github.com/agentmarket/walletbridge/internal/credstore"
	"github.com/agentmarket/walletbridge/internal/ledgerapi"
	"github.com/agentmarket/walletbridge/internal/logging"
	"github.com/agentmarket/walletbridge/internal/session"
	"github.com/agentmarket/walletbridge/internal/signer"
	"github.com/agentmarket/walletbridge/internal/token"
	"github.com/agentmarket/walletbridge/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "walletbridge: %v\n", err)
		os.Exit(1)
	}
}

// app is the composed service graph shared by all subcommands.
type app struct {
	cfg    *config.Config
	mgr    *session.Manager
	ledger ledgerapi.Client
	creds  credstore.Store
	spec   signer.ChainSpec

	shutdownTraces func(context.Context) error
}

func newApp(ctx context.Context, fakeBackend bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if fakeBackend {
		cfg.FakeBackend = true
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	sig, err := signer.NewLocal(cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		return nil, err
	}

	path := cfg.SessionFile
	if path == "" {
		if path, err = credstore.DefaultPath(); err != nil {
			return nil, err
		}
	}
	creds, err := credstore.NewFile(path)
	if err != nil {
		return nil, err
	}

	// The unauthenticated hook closes over the manager, which is built
	// after the ledger client it feeds.
	var mgr *session.Manager
	hook := func() {
		if mgr != nil {
			mgr.HandleUnauthenticated()
		}
	}

	var ledger ledgerapi.Client
	if cfg.FakeBackend {
		ledger = ledgerapi.NewMemory(creds, ledgerapi.WithMemOnUnauthenticated(hook))
	} else {
		ledger = ledgerapi.NewHTTP(cfg.LedgerURL, creds, ledgerapi.WithOnUnauthenticated(hook))
	}

	spec := signer.ChainSpec{
		ChainID:  cfg.ChainID,
		Name:     "Sepolia",
		RPCURL:   cfg.RPCURL,
		Explorer: config.DefaultExplorerURL,
	}
	mgr = session.New(sig, ledger, creds, spec, session.WithLogger(logger))

	return &app{
		cfg:            cfg,
		mgr:            mgr,
		ledger:         ledger,
		creds:          creds,
		spec:           spec,
		shutdownTraces: shutdown,
	}, nil
}

func (a *app) close(ctx context.Context) {
	if a.shutdownTraces != nil {
		_ = a.shutdownTraces(ctx)
	}
}

// gateway dials the chain RPC. Only the commands that touch the chain
// pay the connection cost.
func (a *app) gateway() (*chain.Gateway, error) {
	sig, err := signer.NewLocal(a.cfg.PrivateKey, a.cfg.ChainID)
	if err != nil {
		return nil, err
	}
	return chain.New(chain.Config{
		RPCURL:       a.cfg.RPCURL,
		ChainID:      a.cfg.ChainID,
		USDTContract: a.cfg.USDTContract,
		APTContract:  a.cfg.APTContract,
		Treasury:     a.cfg.TreasuryContract,
	}, sig)
}

func newRootCommand() *cobra.Command {
	var (
		a           *app
		fakeBackend bool
	)

	cmd := &cobra.Command{
		Use:           "walletbridge",
		Short:         "Wallet login and USDT/APT treasury bridge for the agent market",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			a, err = newApp(cmd.Context(), fakeBackend)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a != nil {
				a.close(cmd.Context())
			}
		},
	}

	cmd.PersistentFlags().BoolVar(&fakeBackend, "fake-backend", false,
		"use the in-memory ledger backend instead of the HTTP service")

	cmd.AddCommand(
		newConnectCommand(&a),
		newDisconnectCommand(&a),
		newStatusCommand(&a),
		newBalanceCommand(&a),
		newDepositCommand(&a),
		newWithdrawCommand(&a),
		newWithdrawalsCommand(&a),
		newGrantCommand(&a),
	)
	return cmd
}

func newConnectCommand(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Sign the login challenge and open a platform session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := (*a).mgr.Connect(cmd.Context()); err != nil {
				return loginError(err)
			}
			snap := (*a).mgr.Snapshot()
			fmt.Printf("Connected as %s\n", snap.Address)
			printBalance(snap)
			return nil
		},
	}
}

func newDisconnectCommand(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect",
		Short: "Clear the persisted session credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			(*a).mgr.Disconnect()
			fmt.Println("Disconnected.")
			return nil
		},
	}
}

func newStatusCommand(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			(*a).mgr.Rehydrate(cmd.Context())
			snap := (*a).mgr.Snapshot()
			if !snap.Connected {
				fmt.Println("Not connected.")
				return nil
			}
			fmt.Printf("Connected as %s\n", snap.Address)
			printBalance(snap)
			return nil
		},
	}
}

func newBalanceCommand(a **app) *cobra.Command {
	var onchain bool
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show platform balances, optionally with on-chain token balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := (*a).mgr
			mgr.Rehydrate(cmd.Context())
			if err := mgr.RefreshBalance(cmd.Context()); err != nil {
				return err
			}
			snap := mgr.Snapshot()
			if !snap.Connected {
				return errors.New("not connected; run `walletbridge connect` first")
			}
			printBalance(snap)

			if !onchain {
				return nil
			}
			gw, err := (*a).gateway()
			if err != nil {
				return err
			}
			account, _ := mgr.Account()
			for _, kind := range []token.Kind{token.USDT, token.APT} {
				bal, err := gw.BalanceOf(cmd.Context(), kind, account)
				if err != nil {
					return err
				}
				fmt.Printf("On-chain %s: %s\n", kind, token.Format(bal))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&onchain, "onchain", false, "also query on-chain token balances")
	return cmd
}

func newDepositCommand(a **app) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "deposit <amount>",
		Short: "Deposit USDT into the treasury and credit the platform balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSaga(cmd.Context(), *a, to, func(svc *bridge.Service, recipient common.Address) (string, error) {
				return svc.Deposit(cmd.Context(), args[0], recipient)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "credit recipient address (defaults to your own)")
	return cmd
}

func newWithdrawCommand(a **app) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "withdraw <amount>",
		Short: "Burn APT via the treasury and record the withdrawal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSaga(cmd.Context(), *a, to, func(svc *bridge.Service, recipient common.Address) (string, error) {
				return svc.Withdraw(cmd.Context(), args[0], recipient)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "payout recipient address (defaults to your own)")
	return cmd
}

func runSaga(ctx context.Context, a *app, to string, run func(*bridge.Service, common.Address) (string, error)) error {
	var recipient common.Address
	if to != "" {
		if !common.IsHexAddress(to) {
			return fmt.Errorf("invalid recipient address %q", to)
		}
		recipient = common.HexToAddress(to)
	}

	a.mgr.Rehydrate(ctx)
	gw, err := a.gateway()
	if err != nil {
		return err
	}
	svc := bridge.New(gw, a.ledger, a.mgr, bridge.WithOnPhase(func(p bridge.Phase) {
		if p != bridge.PhaseInput {
			fmt.Printf("... %s\n", p)
		}
	}))

	txHash, err := run(svc, recipient)
	if kind, ok := bridge.Classify(err); ok && kind == bridge.FailNotify {
		// Funds already moved on-chain. Try the sync once more before
		// handing the problem to the user.
		fmt.Printf("Transaction %s confirmed on-chain; retrying platform sync...\n", txHash)
		if retryErr := svc.RetryNotify(ctx); retryErr == nil {
			fmt.Println("Platform balance synced.")
			printBalance(a.mgr.Snapshot())
			return nil
		}
		printExplorer(a, txHash)
		return fmt.Errorf("%s (tx: %s)", kind.Message(), txHash)
	}
	if err != nil {
		var se *bridge.SagaError
		if errors.As(err, &se) {
			printExplorer(a, se.TxHash)
			return errors.New(se.Kind.Message())
		}
		return err
	}

	fmt.Printf("Done. Transaction: %s\n", txHash)
	printExplorer(a, txHash)
	printBalance(a.mgr.Snapshot())
	return nil
}

// printExplorer shows the block-explorer page for a transaction, when both
// the hash and an explorer are known.
func printExplorer(a *app, txHash string) {
	if url := a.spec.TxURL(txHash); url != "" {
		fmt.Printf("Explorer: %s\n", url)
	}
}

func newWithdrawalsCommand(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "withdrawals",
		Short: "List withdrawal history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			(*a).mgr.Rehydrate(cmd.Context())
			ws, err := (*a).ledger.Withdrawals(cmd.Context())
			if err != nil {
				return err
			}
			if len(ws) == 0 {
				fmt.Println("No withdrawals.")
				return nil
			}
			for _, wd := range ws {
				line := fmt.Sprintf("%s  %-9s  %s", wd.ID, wd.Status, wd.Amount)
				if wd.TxHash != "" {
					line += "  " + wd.TxHash
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}

func newGrantCommand(a **app) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <amount>",
		Short: "Credit the platform balance (development only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !(*a).cfg.IsDevelopment() {
				return errors.New("grant is only available in development")
			}
			(*a).mgr.Rehydrate(cmd.Context())
			bal, err := (*a).ledger.DevGrant(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Available: %s\nFrozen:    %s\n", bal.Available, bal.Frozen)
			return nil
		},
	}
}

func printBalance(snap session.Snapshot) {
	if snap.Available == nil || snap.Frozen == nil {
		return
	}
	fmt.Printf("Available: %s\nFrozen:    %s\n", token.Format(snap.Available), token.Format(snap.Frozen))
}

// loginError maps session failures to actionable messages.
func loginError(err error) error {
	switch {
	case errors.Is(err, session.ErrWalletUnavailable):
		return errors.New("no wallet available; set PRIVATE_KEY")
	case errors.Is(err, session.ErrUserRejected):
		return errors.New("login signature was rejected")
	case errors.Is(err, session.ErrVerificationFailed):
		return errors.New("the platform rejected the login signature; try again")
	default:
		return err
	}
}
