// Package sweep moves every selected token of the connected account to its
// network's destination, one token at a time.
package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/execution"
	"github.com/ggonzalez94/drain-cli/internal/logging"
	"github.com/ggonzalez94/drain-cli/internal/metrics"
	"github.com/ggonzalez94/drain-cli/internal/selection"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Wallet simulates and submits transfers for one account on one network.
type Wallet interface {
	Account() common.Address
	ChainID() int64
	Simulate(ctx context.Context, call execution.TransferCall) (execution.PreparedTransfer, error)
	Submit(ctx context.Context, prepared execution.PreparedTransfer) (execution.Submission, error)
}

type Resolver interface {
	Resolve(chainID int64) (common.Address, error)
}

// Batch is the ordered, immutable list of tokens one run processes.
type Batch struct {
	tokens []common.Address
}

func NewBatch(tokens ...common.Address) Batch {
	return Batch{tokens: append([]common.Address(nil), tokens...)}
}

func (b Batch) Tokens() []common.Address {
	return append([]common.Address(nil), b.tokens...)
}

func (b Batch) Len() int { return len(b.tokens) }

// Filter keeps the tokens accepted by keep, preserving order.
func (b Batch) Filter(keep func(common.Address) bool) Batch {
	out := make([]common.Address, 0, len(b.tokens))
	for _, t := range b.tokens {
		if keep(t) {
			out = append(out, t)
		}
	}
	return Batch{tokens: out}
}

type OutcomeKind string

const (
	OutcomeSubmitted OutcomeKind = "submitted"
	OutcomeSkipped   OutcomeKind = "skipped"
)

type Outcome struct {
	Kind    OutcomeKind  `json:"kind"`
	TxHash  *common.Hash `json:"tx_hash,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Message string       `json:"message,omitempty"`
	// Untracked marks a broadcast transfer whose handle could not be
	// attached to the token, so no watch will follow it.
	Untracked bool  `json:"untracked,omitempty"`
	Err       error `json:"-"`
}

type Entry struct {
	Token           common.Address `json:"token"`
	Symbol          string         `json:"symbol,omitempty"`
	Outcome         Outcome        `json:"outcome"`
	EstimatedFeeWei string         `json:"estimated_fee_wei,omitempty"`
}

type Report struct {
	RunID      string         `json:"run_id"`
	Account    common.Address `json:"account"`
	ChainID    int64          `json:"chain_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Entries    []Entry        `json:"entries"`
}

// Counts returns the number of submitted and skipped entries.
func (r Report) Counts() (submitted, skipped int) {
	for _, e := range r.Entries {
		if e.Outcome.Kind == OutcomeSubmitted {
			submitted++
		} else {
			skipped++
		}
	}
	return submitted, skipped
}

type Options struct {
	Logger   logrus.FieldLogger
	Metrics  *metrics.Sweep
	Now      func() time.Time
	NewRunID func() string
}

// Orchestrator runs sweeps for the account and network the store is bound
// to. At most one run is active per store, across every orchestrator built
// on it.
type Orchestrator struct {
	store   *selection.Store
	wallet  Wallet
	dest    Resolver
	log     logrus.FieldLogger
	metrics *metrics.Sweep
	now     func() time.Time
	newID   func() string
}

func New(store *selection.Store, wallet Wallet, dest Resolver, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:   store,
		wallet:  wallet,
		dest:    dest,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     opts.Now,
		newID:   opts.NewRunID,
	}
	if o.log == nil {
		o.log = logging.Discard()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.newID == nil {
		o.newID = func() string { return uuid.NewString() }
	}
	return o
}

// Run processes batch in order and reports one entry per token. Per-token
// failures are recorded in the report; the only returned error is a run
// already in progress. Cancelling ctx stops the run between tokens.
func (o *Orchestrator) Run(ctx context.Context, batch Batch) (Report, error) {
	release, err := o.store.BeginRun()
	if err != nil {
		return Report{}, err
	}
	defer release()

	report := Report{
		RunID:     o.newID(),
		Account:   o.wallet.Account(),
		ChainID:   o.wallet.ChainID(),
		StartedAt: o.now(),
		Entries:   make([]Entry, 0, batch.Len()),
	}
	log := o.log.WithFields(logrus.Fields{
		"run_id":   report.RunID,
		"account":  report.Account.Hex(),
		"chain_id": report.ChainID,
	})
	o.metrics.RunStarted()
	log.WithField("tokens", batch.Len()).Info("sweep started")

	for i, token := range batch.tokens {
		if err := ctx.Err(); err != nil {
			log.WithField("remaining", batch.Len()-i).Warn("sweep cancelled")
			for _, rest := range batch.tokens[i:] {
				entry := Entry{Token: rest, Outcome: skipped(clierr.Wrap(clierr.CodeCancelled, "sweep cancelled before this token was processed", err), clierr.CodeCancelled)}
				if tb, ok := o.store.Token(rest); ok {
					entry.Symbol = tb.Symbol
				}
				o.record(log, &report, entry)
			}
			break
		}
		o.record(log, &report, o.sweepToken(ctx, token))
	}

	report.FinishedAt = o.now()
	o.metrics.RunFinished(report.FinishedAt.Sub(report.StartedAt))
	submitted, skippedCount := report.Counts()
	log.WithFields(logrus.Fields{"submitted": submitted, "skipped": skippedCount}).Info("sweep finished")
	return report, nil
}

func (o *Orchestrator) sweepToken(ctx context.Context, token common.Address) Entry {
	entry := Entry{Token: token}
	tb, ok := o.store.Token(token)
	if !ok {
		entry.Outcome = skipped(clierr.New(clierr.CodeTokenNotFound, fmt.Sprintf("token %s is not in the discovered balances", token.Hex())), clierr.CodeTokenNotFound)
		return entry
	}
	entry.Symbol = tb.Symbol
	if rec, _ := o.store.Record(token); rec.Pending != nil {
		entry.Outcome = skipped(clierr.New(clierr.CodeInvalidState, fmt.Sprintf("token %s already has a pending transaction %s", token.Hex(), rec.Pending.Hash.Hex())), clierr.CodeInvalidState)
		return entry
	}

	dest, err := o.dest.Resolve(tb.ChainID)
	if err != nil {
		entry.Outcome = skipped(err, clierr.CodeUnconfiguredDestination)
		return entry
	}

	if walletChain := o.wallet.ChainID(); tb.ChainID != walletChain {
		entry.Outcome = skipped(clierr.New(clierr.CodeSimulationFailed, fmt.Sprintf("token is on chain %d but the wallet is on chain %d", tb.ChainID, walletChain)), clierr.CodeSimulationFailed)
		return entry
	}
	if tb.RawBalance == nil || tb.RawBalance.Sign() <= 0 {
		entry.Outcome = skipped(clierr.New(clierr.CodeSimulationFailed, "nothing to transfer: zero balance"), clierr.CodeSimulationFailed)
		return entry
	}

	// once simulation starts the token is finished even if ctx is cancelled
	stepCtx := context.WithoutCancel(ctx)
	prepared, err := o.wallet.Simulate(stepCtx, execution.TransferCall{Token: token, To: dest, Amount: tb.RawBalance})
	if err != nil {
		entry.Outcome = skipped(err, clierr.CodeSimulationFailed)
		return entry
	}
	if fee := prepared.LikelyFeeWei(); fee.Sign() > 0 {
		entry.EstimatedFeeWei = fee.String()
	}

	sub, err := o.wallet.Submit(stepCtx, prepared)
	if err != nil {
		entry.Outcome = skipped(err, clierr.CodeSubmissionRejected)
		return entry
	}
	hash, nonce := sub.Hash, sub.Nonce
	entry.Outcome = Outcome{Kind: OutcomeSubmitted, TxHash: &hash}
	handle := selection.TransactionHandle{Token: token, Hash: hash, From: sub.From, Nonce: &nonce, SubmittedAt: o.now(), Status: selection.StatusPending}
	if err := o.store.AttachPending(handle); err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{"token": token.Hex(), "tx_hash": hash.Hex()}).Error("submitted transfer could not be attached to its token")
		entry.Outcome.Untracked = true
		entry.Outcome.Message = fmt.Sprintf("transfer broadcast but not tracked; check %s before sweeping this token again: %v", hash.Hex(), err)
	}
	return entry
}

func (o *Orchestrator) record(log logrus.FieldLogger, report *Report, entry Entry) {
	report.Entries = append(report.Entries, entry)
	o.metrics.TokenOutcome(string(entry.Outcome.Kind), entry.Outcome.Reason)
	fields := logrus.Fields{"token": entry.Token.Hex(), "symbol": entry.Symbol, "outcome": entry.Outcome.Kind}
	if entry.Outcome.TxHash != nil {
		log.WithFields(fields).WithField("tx_hash", entry.Outcome.TxHash.Hex()).Info("transfer submitted")
		return
	}
	log.WithFields(fields).WithField("reason", entry.Outcome.Reason).Warn(entry.Outcome.Message)
}

// skipped builds a skipped outcome whose error carries code. Errors typed
// with another code are wrapped.
func skipped(err error, code clierr.Code) Outcome {
	typed, ok := clierr.As(err)
	if !ok || typed.Code != code {
		typed = clierr.Wrap(code, clierr.TypeName(code), err)
	}
	return Outcome{
		Kind:    OutcomeSkipped,
		Reason:  clierr.TypeName(code),
		Message: typed.Error(),
		Err:     typed,
	}
}
