// Package tracker follows submitted transfers until they are mined and
// writes the result back to the selection store.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ggonzalez94/drain-cli/internal/logging"
	"github.com/ggonzalez94/drain-cli/internal/metrics"
	"github.com/ggonzalez94/drain-cli/internal/selection"
	"github.com/sirupsen/logrus"
)

const DefaultPollInterval = 2 * time.Second

// ReceiptSource is satisfied by *ethclient.Client.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// NonceSource is an optional capability of a ReceiptSource, also satisfied
// by *ethclient.Client. With it, a handle that carries its sender and nonce
// ends as failed once another transaction has been mined at that nonce.
type NonceSource interface {
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
}

type Snapshot struct {
	Token         common.Address   `json:"token"`
	Hash          common.Hash      `json:"tx_hash"`
	Status        selection.Status `json:"status"`
	BlockNumber   uint64           `json:"block_number,omitempty"`
	GasUsed       uint64           `json:"gas_used,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	ObservedAt    time.Time        `json:"observed_at"`
}

func (s Snapshot) Terminal() bool { return s.Status.Terminal() }

type Options struct {
	PollInterval time.Duration
	Logger       logrus.FieldLogger
	Metrics      *metrics.Sweep
	Now          func() time.Time
}

type Tracker struct {
	source       ReceiptSource
	store        *selection.Store
	pollInterval time.Duration
	log          logrus.FieldLogger
	metrics      *metrics.Sweep
	now          func() time.Time
}

func New(source ReceiptSource, store *selection.Store, opts Options) *Tracker {
	t := &Tracker{
		source:       source,
		store:        store,
		pollInterval: opts.PollInterval,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Now,
	}
	if t.pollInterval <= 0 {
		t.pollInterval = DefaultPollInterval
	}
	if t.log == nil {
		t.log = logging.Discard()
	}
	if t.now == nil {
		t.now = func() time.Time { return time.Now().UTC() }
	}
	return t
}

// Watch streams the status of handle: a pending snapshot, then exactly one
// terminal snapshot, then the channel closes. Nothing is polled until the
// first snapshot is received. The terminal status is written to the store
// before it is sent. Cancelling ctx closes the channel without touching the
// store, so the same handle can be watched again later. Callers must drain
// the channel or cancel ctx.
func (t *Tracker) Watch(ctx context.Context, handle selection.TransactionHandle) <-chan Snapshot {
	out := make(chan Snapshot)
	go func() {
		defer close(out)
		log := t.log.WithFields(logrus.Fields{"token": handle.Token.Hex(), "tx_hash": handle.Hash.Hex()})
		pending := Snapshot{Token: handle.Token, Hash: handle.Hash, Status: selection.StatusPending, ObservedAt: t.now()}
		if !send(ctx, out, pending) {
			return
		}

		ticker := time.NewTicker(t.pollInterval)
		defer ticker.Stop()
		for {
			receipt, err := t.source.TransactionReceipt(ctx, handle.Hash)
			if err == nil && receipt != nil {
				send(ctx, out, t.complete(log, handle, receipt))
				return
			}
			if ctx.Err() != nil {
				log.Debug("watch cancelled")
				return
			}
			switch {
			case errors.Is(err, ethereum.NotFound):
				if snap, done := t.checkReplaced(ctx, log, handle); done {
					send(ctx, out, snap)
					return
				}
			case err != nil:
				log.WithError(err).Warn("receipt poll failed, retrying")
			}
			select {
			case <-ctx.Done():
				log.Debug("watch cancelled")
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// checkReplaced reports a terminal snapshot when the sender's mined nonce
// has moved past the handle's nonce. The receipt is read once more first,
// since the transaction may have been mined between the two calls.
func (t *Tracker) checkReplaced(ctx context.Context, log logrus.FieldLogger, handle selection.TransactionHandle) (Snapshot, bool) {
	nonces, ok := t.source.(NonceSource)
	if !ok || handle.Nonce == nil || handle.From == (common.Address{}) {
		return Snapshot{}, false
	}
	mined, err := nonces.NonceAt(ctx, handle.From, nil)
	if err != nil {
		log.WithError(err).Debug("nonce check failed")
		return Snapshot{}, false
	}
	if mined <= *handle.Nonce {
		return Snapshot{}, false
	}
	receipt, err := t.source.TransactionReceipt(ctx, handle.Hash)
	switch {
	case err == nil && receipt != nil:
		return t.complete(log, handle, receipt), true
	case errors.Is(err, ethereum.NotFound):
		return t.finish(log, handle, Snapshot{
			Token:         handle.Token,
			Hash:          handle.Hash,
			Status:        selection.StatusFailed,
			FailureReason: fmt.Sprintf("transaction dropped or replaced: nonce %d was used by another transaction", *handle.Nonce),
			ObservedAt:    t.now(),
		}), true
	default:
		return Snapshot{}, false
	}
}

func (t *Tracker) complete(log logrus.FieldLogger, handle selection.TransactionHandle, receipt *types.Receipt) Snapshot {
	snap := Snapshot{
		Token:      handle.Token,
		Hash:       handle.Hash,
		Status:     selection.StatusConfirmed,
		GasUsed:    receipt.GasUsed,
		ObservedAt: t.now(),
	}
	if receipt.BlockNumber != nil {
		snap.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		snap.Status = selection.StatusFailed
		snap.FailureReason = "transaction reverted on-chain"
	}
	return t.finish(log, handle, snap)
}

// finish writes a terminal snapshot back to the store and records it.
func (t *Tracker) finish(log logrus.FieldLogger, handle selection.TransactionHandle, snap Snapshot) Snapshot {
	if t.store != nil {
		if _, err := t.store.CompletePending(handle.Token, handle.Hash, snap.Status, snap.FailureReason); err != nil {
			log.WithError(err).Warn("terminal status not written back")
		}
	}
	t.metrics.TrackerTerminal(string(snap.Status))
	log.WithFields(logrus.Fields{"status": snap.Status, "block": snap.BlockNumber, "reason": snap.FailureReason}).Info("transaction finalized")
	return snap
}

// WatchAll watches every handle concurrently and returns the last snapshot
// seen for each, in input order. Handles whose watch was cancelled report
// pending.
func (t *Tracker) WatchAll(ctx context.Context, handles []selection.TransactionHandle) []Snapshot {
	results := make([]Snapshot, len(handles))
	var wg sync.WaitGroup
	for i, h := range handles {
		results[i] = Snapshot{Token: h.Token, Hash: h.Hash, Status: selection.StatusPending, ObservedAt: t.now()}
		wg.Add(1)
		go func(i int, h selection.TransactionHandle) {
			defer wg.Done()
			for snap := range t.Watch(ctx, h) {
				results[i] = snap
			}
		}(i, h)
	}
	wg.Wait()
	return results
}

func send(ctx context.Context, out chan<- Snapshot, snap Snapshot) bool {
	select {
	case out <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}
