package execution

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/execution/signer"
)

const walletTestKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

type fakeBackend struct {
	mu         sync.Mutex
	chainID    int64
	callResult []byte
	callErr    error
	gas        uint64
	sendErr    error
	nonce      uint64
	sent       []*types.Transaction
	calls      []ethereum.CallMsg
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) {
	return big.NewInt(f.chainID), nil
}

func (f *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msg)
	return f.callResult, f.callErr
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gas, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(5_000_000_000)}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func newTestWallet(t *testing.T, backend *fakeBackend, opts WalletOptions) *RPCWallet {
	t.Helper()
	s, err := signer.Load(signer.Inputs{PrivateKey: walletTestKey})
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	w, err := NewRPCWallet(context.Background(), backend, s, opts)
	if err != nil {
		t.Fatalf("new wallet: %v", err)
	}
	return w
}

func trueResult() []byte {
	out := make([]byte, 32)
	out[31] = 1
	return out
}

func TestSimulateAndSubmitTransfer(t *testing.T) {
	backend := &fakeBackend{chainID: 137, callResult: trueResult(), gas: 50_000, nonce: 7}
	w := newTestWallet(t, backend, DefaultWalletOptions())
	if w.ChainID() != 137 {
		t.Fatalf("unexpected chain id %d", w.ChainID())
	}
	call := TransferCall{Token: policyToken, To: policyDest, Amount: big.NewInt(5_000_000)}

	prepared, err := w.Simulate(context.Background(), call)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if prepared.GasLimit != 60_000 {
		t.Fatalf("expected gas limit with multiplier, got %d", prepared.GasLimit)
	}
	if prepared.GasFeeCap.Cmp(big.NewInt(11_000_000_000)) != 0 {
		t.Fatalf("unexpected fee cap %s", prepared.GasFeeCap)
	}
	if len(backend.calls) != 1 || *backend.calls[0].To != policyToken || backend.calls[0].From != w.Account() {
		t.Fatalf("unexpected eth_call %+v", backend.calls)
	}

	sub, err := w.Submit(context.Background(), prepared)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.Nonce != 7 || sub.From != w.Account() {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if len(backend.sent) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Hash() != sub.Hash || tx.Nonce() != 7 || *tx.To() != policyToken || tx.Value().Sign() != 0 {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), tx)
	if err != nil || sender != w.Account() {
		t.Fatalf("unexpected sender %s err=%v", sender.Hex(), err)
	}
}

func TestSimulateRejectsZeroBalanceWithoutRPC(t *testing.T) {
	backend := &fakeBackend{chainID: 1, callResult: trueResult(), gas: 50_000}
	w := newTestWallet(t, backend, DefaultWalletOptions())
	_, err := w.Simulate(context.Background(), TransferCall{Token: policyToken, To: policyDest, Amount: big.NewInt(0)})
	if !clierr.Is(err, clierr.CodeSimulationFailed) {
		t.Fatalf("expected simulation failure, got %v", err)
	}
	if len(backend.calls) != 0 {
		t.Fatal("expected no eth_call for zero balance")
	}
}

func TestSimulateDecodesRevert(t *testing.T) {
	backend := &fakeBackend{chainID: 1, gas: 50_000, callErr: testRPCDataError{
		msg:  "execution reverted",
		data: "0x" + common.Bytes2Hex(encodeErrorString(t, "ERC20: transfer amount exceeds balance")),
	}}
	w := newTestWallet(t, backend, DefaultWalletOptions())
	_, err := w.Simulate(context.Background(), TransferCall{Token: policyToken, To: policyDest, Amount: big.NewInt(1)})
	if !clierr.Is(err, clierr.CodeSimulationFailed) {
		t.Fatalf("expected simulation failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "exceeds balance") {
		t.Fatalf("expected decoded reason, got %v", err)
	}
}

func TestSimulateTreatsFalseReturnAsFailure(t *testing.T) {
	backend := &fakeBackend{chainID: 1, callResult: make([]byte, 32), gas: 50_000}
	w := newTestWallet(t, backend, DefaultWalletOptions())
	_, err := w.Simulate(context.Background(), TransferCall{Token: policyToken, To: policyDest, Amount: big.NewInt(1)})
	if !clierr.Is(err, clierr.CodeSimulationFailed) {
		t.Fatalf("expected simulation failure, got %v", err)
	}

	backend.callResult = nil
	if _, err := w.Simulate(context.Background(), TransferCall{Token: policyToken, To: policyDest, Amount: big.NewInt(1)}); err != nil {
		t.Fatalf("expected empty return data to be accepted, got %v", err)
	}
}

func TestSubmitBroadcastFailureIsRejection(t *testing.T) {
	backend := &fakeBackend{chainID: 1, callResult: trueResult(), gas: 50_000, sendErr: errors.New("nonce too low")}
	w := newTestWallet(t, backend, DefaultWalletOptions())
	prepared, err := w.Simulate(context.Background(), TransferCall{Token: policyToken, To: policyDest, Amount: big.NewInt(1)})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	_, err = w.Submit(context.Background(), prepared)
	if !clierr.Is(err, clierr.CodeSubmissionRejected) {
		t.Fatalf("expected submission rejected, got %v", err)
	}
}

func TestFeeOverrides(t *testing.T) {
	backend := &fakeBackend{chainID: 1, callResult: trueResult(), gas: 50_000}
	w := newTestWallet(t, backend, WalletOptions{GasMultiplier: 1.5, MaxFeeGwei: "30", MaxPriorityFeeGwei: "1.5"})
	prepared, err := w.Simulate(context.Background(), TransferCall{Token: policyToken, To: policyDest, Amount: big.NewInt(1)})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if prepared.GasTipCap.Cmp(big.NewInt(1_500_000_000)) != 0 || prepared.GasFeeCap.Cmp(big.NewInt(30_000_000_000)) != 0 {
		t.Fatalf("unexpected fee overrides tip=%s cap=%s", prepared.GasTipCap, prepared.GasFeeCap)
	}
	if prepared.GasLimit != 75_000 {
		t.Fatalf("unexpected gas limit %d", prepared.GasLimit)
	}

	bad := newTestWallet(t, backend, WalletOptions{MaxFeeGwei: "1", MaxPriorityFeeGwei: "2"})
	if _, err := bad.Simulate(context.Background(), TransferCall{Token: policyToken, To: policyDest, Amount: big.NewInt(1)}); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for fee cap below tip, got %v", err)
	}
}

func TestParseGwei(t *testing.T) {
	v, err := parseGwei("0.5")
	if err != nil || v.Cmp(big.NewInt(500_000_000)) != 0 {
		t.Fatalf("unexpected parse result %v err=%v", v, err)
	}
	if _, err := parseGwei("0.0000000001"); err == nil {
		t.Fatal("expected sub-wei value to fail")
	}
	if _, err := parseGwei("-1"); err == nil {
		t.Fatal("expected negative value to fail")
	}
}

func TestAcquireSignerNonceLockSerializesSameSignerChain(t *testing.T) {
	unlock := acquireSignerNonceLock(big.NewInt(1), policySigner)
	secondAcquired := make(chan struct{})
	go func() {
		unlockSecond := acquireSignerNonceLock(big.NewInt(1), policySigner)
		close(secondAcquired)
		unlockSecond()
	}()

	select {
	case <-secondAcquired:
		t.Fatal("expected second lock attempt to block while first lock is held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-secondAcquired:
	case <-time.After(250 * time.Millisecond):
		t.Fatal("expected second lock attempt to acquire after unlock")
	}
}
