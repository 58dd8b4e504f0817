package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ggonzalez94/drain-cli/internal/destination"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/execution"
	execsigner "github.com/ggonzalez94/drain-cli/internal/execution/signer"
	"github.com/ggonzalez94/drain-cli/internal/metrics"
	"github.com/ggonzalez94/drain-cli/internal/registry"
	"github.com/ggonzalez94/drain-cli/internal/schema"
	"github.com/ggonzalez94/drain-cli/internal/selection"
	"github.com/ggonzalez94/drain-cli/internal/sweep"
	"github.com/ggonzalez94/drain-cli/internal/tracker"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type sweepEntryView struct {
	Token           string `json:"token"`
	Symbol          string `json:"symbol,omitempty"`
	Outcome         string `json:"outcome"`
	Reason          string `json:"reason,omitempty"`
	Message         string `json:"message,omitempty"`
	Untracked       bool   `json:"untracked,omitempty"`
	TxHash          string `json:"tx_hash,omitempty"`
	ExplorerURL     string `json:"explorer_url,omitempty"`
	EstimatedFeeWei string `json:"estimated_fee_wei,omitempty"`
	Status          string `json:"status,omitempty"`
	BlockNumber     uint64 `json:"block_number,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

type sweepRunResult struct {
	RunID        string           `json:"run_id"`
	Account      string           `json:"account"`
	ChainID      int64            `json:"chain_id"`
	Network      string           `json:"network"`
	Destination  string           `json:"destination,omitempty"`
	USDThreshold string           `json:"usd_threshold"`
	StartedAt    time.Time        `json:"started_at"`
	FinishedAt   time.Time        `json:"finished_at"`
	Submitted    int              `json:"submitted"`
	Skipped      int              `json:"skipped"`
	Entries      []sweepEntryView `json:"entries"`
}

type watchResult struct {
	tracker.Snapshot
	Network     string `json:"network"`
	ExplorerURL string `json:"explorer_url"`
}

func (s *runtimeState) newSweepCommand() *cobra.Command {
	root := &cobra.Command{Use: "sweep", Short: "Sweep selected tokens to the network destination"}
	root.AddCommand(s.newSweepRunCommand())
	root.AddCommand(s.newSweepWatchCommand())
	return root
}

func (s *runtimeState) newSweepRunCommand() *cobra.Command {
	var (
		chainArg       string
		rpcURL         string
		keySource      string
		privateKey     string
		confirmAddress string
		watchTimeout   string
		watch          bool
		threshold      decimalFlag
		only           addressListFlag
		exclude        addressListFlag
	)
	cmd := &cobra.Command{
		Use:         "run",
		Short:       "Discover, select, simulate and submit one transfer per selected token",
		Annotations: map[string]string{schema.AnnotationMutates: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := trimRootPath(cmd.CommandPath())
			network, err := s.lookupNetwork(chainArg)
			if err != nil {
				return err
			}
			dest, err := s.destinations()
			if err != nil {
				return err
			}
			limit := s.thresholdFor(cmd, threshold)
			timeout, err := s.watchTimeout(watchTimeout)
			if err != nil {
				return err
			}
			if strings.TrimSpace(keySource) == "" {
				keySource = s.settings.KeySource
			}
			txSigner, err := execsigner.NewLocalSignerFromInputs(keySource, privateKey)
			if err != nil {
				return clierr.Wrap(clierr.CodeSigner, "initialize signer", err)
			}
			account := txSigner.Address()
			s.log.WithFields(logrus.Fields{"account": account.Hex(), "key_origin": txSigner.Origin()}).Info("signer loaded")
			if confirmAddress != "" && !strings.EqualFold(strings.TrimSpace(confirmAddress), account.Hex()) {
				return clierr.New(clierr.CodeSigner, "signer address does not match --confirm-address")
			}
			endpoint, err := execution.ResolveRPCURL(rpcURL, network)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := s.dialWithTimeout(ctx, endpoint, network.ChainID)
			if err != nil {
				return err
			}
			defer client.Close()

			setupCtx, cancelSetup := context.WithTimeout(ctx, s.settings.Timeout)
			wallet, err := execution.NewRPCWallet(setupCtx, client, txSigner, execution.WalletOptions{
				GasMultiplier:      s.settings.GasMultiplier,
				MaxFeeGwei:         s.settings.MaxFeeGwei,
				MaxPriorityFeeGwei: s.settings.MaxPriorityFeeGwei,
			})
			if err != nil {
				cancelSetup()
				return err
			}
			balances, providerStatus, err := s.discover(setupCtx, network, account)
			cancelSetup()
			s.captureCommandDiagnostics(nil, providerStatus)
			if err != nil {
				return err
			}

			store := newBoundStore(account, network.ChainID, balances, limit)
			store.OnChange(s.logSelectionEvent)
			if err := applySelectionOverrides(store, only.Values(), exclude.Values()); err != nil {
				return err
			}

			batch := sweep.NewBatch(store.SelectedAddresses()...)
			orchestrator := sweep.New(store, wallet, dest, sweep.Options{Logger: s.log, Metrics: s.metrics})
			report, err := orchestrator.Run(ctx, batch)
			if err != nil {
				return err
			}

			var snapshots []tracker.Snapshot
			if pending := store.PendingHandles(); watch && len(pending) > 0 {
				watchCtx, cancelWatch := context.WithTimeout(ctx, timeout)
				tr := tracker.New(client, store, tracker.Options{PollInterval: s.settings.PollInterval, Logger: s.log, Metrics: s.metrics})
				snapshots = tr.WatchAll(watchCtx, pending)
				cancelWatch()
			}

			if submitted, _ := report.Counts(); submitted > 0 && s.cache != nil {
				if _, err := s.cache.Invalidate(tokensCacheNamespace(network.ChainID, account)); err != nil {
					s.log.WithError(err).Warn("cached token listing not invalidated")
				}
			}

			warnings := sweepWarnings(batch, report, snapshots, append(txSigner.Warnings(), unpricedWarnings(balances)...))
			warnings = append(warnings, s.flushMetrics()...)
			result := newSweepRunResult(network, dest, limit, report, snapshots)
			s.captureCommandDiagnostics(warnings, providerStatus)
			return s.emitSuccess(path, result, warnings, cacheMetaBypass(), providerStatus)
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain id, CAIP-2 id or slug")
	cmd.Flags().Var(&threshold, "threshold", "USD value at or above which a token is auto-selected (default from config)")
	cmd.Flags().Var(&only, "only", "Sweep exactly these token addresses (comma-separated, repeatable)")
	cmd.Flags().Var(&exclude, "exclude", "Never sweep these token addresses (comma-separated, repeatable)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Wait for every submitted transfer to be mined")
	cmd.Flags().StringVar(&watchTimeout, "watch-timeout", "", "Maximum time to wait with --watch (default from config)")
	cmd.Flags().StringVar(&rpcURL, "rpc-url", "", "RPC URL override for the selected chain")
	cmd.Flags().StringVar(&keySource, "key-source", "", "Key source (auto|env|file|keystore)")
	cmd.Flags().StringVar(&privateKey, "private-key", "", "Private key hex override (prefer env or key file)")
	cmd.Flags().StringVar(&confirmAddress, "confirm-address", "", "Abort unless the signer address equals this value")
	_ = cmd.MarkFlagRequired("chain")
	return cmd
}

func (s *runtimeState) newSweepWatchCommand() *cobra.Command {
	var chainArg, txHashArg, tokenArg, rpcURL, watchTimeout string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow a submitted transfer until it is mined (safe to restart)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := trimRootPath(cmd.CommandPath())
			network, err := s.lookupNetwork(chainArg)
			if err != nil {
				return err
			}
			hash, err := parseTxHash(txHashArg)
			if err != nil {
				return err
			}
			var token common.Address
			if strings.TrimSpace(tokenArg) != "" {
				if token, err = parseAccount(tokenArg); err != nil {
					return err
				}
			}
			timeout, err := s.watchTimeout(watchTimeout)
			if err != nil {
				return err
			}
			endpoint, err := execution.ResolveRPCURL(rpcURL, network)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			client, err := s.dialWithTimeout(ctx, endpoint, network.ChainID)
			if err != nil {
				return err
			}
			defer client.Close()

			watchCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			tr := tracker.New(client, nil, tracker.Options{PollInterval: s.settings.PollInterval, Logger: s.log, Metrics: s.metrics})
			handle := selection.TransactionHandle{Token: token, Hash: hash, SubmittedAt: s.runner.now().UTC(), Status: selection.StatusPending}
			var last tracker.Snapshot
			for snap := range tr.Watch(watchCtx, handle) {
				last = snap
			}
			warnings := s.flushMetrics()
			if !last.Terminal() {
				s.captureCommandDiagnostics(warnings, nil)
				if errors.Is(watchCtx.Err(), context.DeadlineExceeded) {
					return clierr.New(clierr.CodeTimeout, fmt.Sprintf("transaction %s still pending after %s; rerun sweep watch to resume", hash.Hex(), timeout))
				}
				return clierr.New(clierr.CodeCancelled, "watch cancelled; rerun sweep watch to resume")
			}
			result := watchResult{Snapshot: last, Network: network.Slug, ExplorerURL: network.TxURL(hash)}
			return s.emitSuccess(path, result, warnings, cacheMetaBypass(), nil)
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain id, CAIP-2 id or slug")
	cmd.Flags().StringVar(&txHashArg, "tx-hash", "", "Transaction hash to follow")
	cmd.Flags().StringVar(&tokenArg, "token", "", "Token contract the transaction transfers (informational)")
	cmd.Flags().StringVar(&rpcURL, "rpc-url", "", "RPC URL override for the selected chain")
	cmd.Flags().StringVar(&watchTimeout, "watch-timeout", "", "Maximum time to wait (default from config)")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("tx-hash")
	return cmd
}

func (s *runtimeState) dialWithTimeout(ctx context.Context, rpcURL string, chainID int64) (chainClient, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
	defer cancel()
	return s.runner.dial(dialCtx, rpcURL, chainID)
}

func (s *runtimeState) watchTimeout(raw string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return s.settings.WatchTimeout, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || d <= 0 {
		return 0, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid --watch-timeout %q", raw))
	}
	return d, nil
}

func (s *runtimeState) logSelectionEvent(ev selection.Event) {
	fields := logrus.Fields{"event": ev.Kind, "checked": ev.Record.Checked}
	if ev.Token != (common.Address{}) {
		fields["token"] = ev.Token.Hex()
	}
	if ev.Record.Pending != nil {
		fields["tx_hash"] = ev.Record.Pending.Hash.Hex()
		fields["status"] = ev.Record.Pending.Status
	}
	s.log.WithFields(fields).Debug("selection changed")
}

// flushMetrics writes the metrics textfile when one is configured and
// reports a failure as a warning.
func (s *runtimeState) flushMetrics() []string {
	if s.settings.MetricsTextfile == "" || s.promRegistry == nil {
		return nil
	}
	if err := metrics.WriteTextfile(s.settings.MetricsTextfile, s.promRegistry); err != nil {
		s.log.WithError(err).Warn("metrics textfile not written")
		return []string{fmt.Sprintf("metrics textfile not written: %v", err)}
	}
	return nil
}

// applySelectionOverrides narrows the auto-selection: with only set, exactly
// those tokens are selected; excluded tokens are always unselected.
func applySelectionOverrides(store *selection.Store, only, exclude []common.Address) error {
	if len(only) > 0 {
		for _, addr := range store.SelectedAddresses() {
			if err := store.Toggle(addr, false); err != nil {
				return err
			}
		}
		for _, addr := range only {
			if err := store.Toggle(addr, true); err != nil {
				return err
			}
		}
	}
	for _, addr := range exclude {
		if err := store.Toggle(addr, false); err != nil {
			return err
		}
	}
	return nil
}

func newSweepRunResult(network registry.Network, dest *destination.Resolver, threshold decimal.Decimal, report sweep.Report, snapshots []tracker.Snapshot) sweepRunResult {
	submitted, skipped := report.Counts()
	result := sweepRunResult{
		RunID:        report.RunID,
		Account:      report.Account.Hex(),
		ChainID:      report.ChainID,
		Network:      network.Slug,
		USDThreshold: threshold.String(),
		StartedAt:    report.StartedAt,
		FinishedAt:   report.FinishedAt,
		Submitted:    submitted,
		Skipped:      skipped,
		Entries:      make([]sweepEntryView, 0, len(report.Entries)),
	}
	if addr, err := dest.Resolve(network.ChainID); err == nil {
		result.Destination = addr.Hex()
	}
	byHash := make(map[common.Hash]tracker.Snapshot, len(snapshots))
	for _, snap := range snapshots {
		byHash[snap.Hash] = snap
	}
	for _, e := range report.Entries {
		view := sweepEntryView{
			Token:           e.Token.Hex(),
			Symbol:          e.Symbol,
			Outcome:         string(e.Outcome.Kind),
			Reason:          e.Outcome.Reason,
			Message:         e.Outcome.Message,
			Untracked:       e.Outcome.Untracked,
			EstimatedFeeWei: e.EstimatedFeeWei,
		}
		if e.Outcome.TxHash != nil {
			view.TxHash = e.Outcome.TxHash.Hex()
			view.ExplorerURL = network.TxURL(*e.Outcome.TxHash)
			view.Status = string(selection.StatusPending)
			if snap, ok := byHash[*e.Outcome.TxHash]; ok {
				view.Status = string(snap.Status)
				view.BlockNumber = snap.BlockNumber
				view.FailureReason = snap.FailureReason
			}
		}
		result.Entries = append(result.Entries, view)
	}
	return result
}

func sweepWarnings(batch sweep.Batch, report sweep.Report, snapshots []tracker.Snapshot, extra []string) []string {
	var warnings []string
	_, skipped := report.Counts()
	if batch.Len() == 0 {
		warnings = append(warnings, "no tokens selected; nothing was swept")
	}
	if skipped > 0 {
		warnings = append(warnings, fmt.Sprintf("%d of %d token(s) skipped; see entries for reasons", skipped, batch.Len()))
	}
	stillPending := 0
	for _, snap := range snapshots {
		if !snap.Terminal() {
			stillPending++
		}
	}
	if stillPending > 0 {
		warnings = append(warnings, fmt.Sprintf("%d transfer(s) still pending; follow them with sweep watch", stillPending))
	}
	for _, e := range report.Entries {
		if e.Outcome.Untracked && e.Outcome.TxHash != nil {
			warnings = append(warnings, fmt.Sprintf("transfer %s for %s was broadcast but is not tracked; follow it with sweep watch", e.Outcome.TxHash.Hex(), e.Token.Hex()))
		}
	}
	return append(warnings, extra...)
}

func parseTxHash(raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) != 66 || !strings.HasPrefix(raw, "0x") {
		return common.Hash{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid transaction hash %q", raw))
	}
	if _, err := hexutil.Decode(raw); err != nil {
		return common.Hash{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid transaction hash %q", raw))
	}
	return common.HexToHash(raw), nil
}
