package execution

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/execution/signer"
	"github.com/ggonzalez94/drain-cli/internal/registry"
)

// Backend is the subset of ethclient.Client the wallet needs.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

type WalletOptions struct {
	GasMultiplier      float64
	MaxFeeGwei         string
	MaxPriorityFeeGwei string
}

func DefaultWalletOptions() WalletOptions {
	return WalletOptions{GasMultiplier: 1.2}
}

// RPCWallet simulates and submits ERC20 transfers for one signer on the
// network its backend is connected to.
type RPCWallet struct {
	backend Backend
	signer  signer.Signer
	chainID *big.Int
	opts    WalletOptions
}

func NewRPCWallet(ctx context.Context, backend Backend, txSigner signer.Signer, opts WalletOptions) (*RPCWallet, error) {
	if backend == nil {
		return nil, clierr.New(clierr.CodeInternal, "missing rpc backend")
	}
	if txSigner == nil {
		return nil, clierr.New(clierr.CodeSigner, "missing signer")
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = DefaultWalletOptions().GasMultiplier
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	return &RPCWallet{backend: backend, signer: txSigner, chainID: chainID, opts: opts}, nil
}

func (w *RPCWallet) Account() common.Address { return w.signer.Address() }

func (w *RPCWallet) ChainID() int64 { return w.chainID.Int64() }

// Simulate runs the transfer through eth_call and prices it. A token that
// returns false from transfer is treated as a revert.
func (w *RPCWallet) Simulate(ctx context.Context, call TransferCall) (PreparedTransfer, error) {
	if call.Amount == nil || call.Amount.Sign() <= 0 {
		return PreparedTransfer{}, clierr.New(clierr.CodeSimulationFailed, "nothing to transfer: zero balance")
	}
	if call.To == (common.Address{}) {
		return PreparedTransfer{}, clierr.New(clierr.CodeSimulationFailed, "transfer recipient is the zero address")
	}
	data, err := registry.ERC20().Pack("transfer", call.To, call.Amount)
	if err != nil {
		return PreparedTransfer{}, clierr.Wrap(clierr.CodeInternal, "pack transfer calldata", err)
	}
	from := w.signer.Address()
	token := call.Token
	msg := ethereum.CallMsg{From: from, To: &token, Data: data}

	ret, err := w.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return PreparedTransfer{}, wrapEVMExecutionError(clierr.CodeSimulationFailed, "simulate transfer (eth_call)", err)
	}
	if ok, decoded := decodeTransferResult(ret); decoded && !ok {
		return PreparedTransfer{}, clierr.New(clierr.CodeSimulationFailed, "simulate transfer (eth_call): token returned false")
	}

	gasLimit, err := w.backend.EstimateGas(ctx, msg)
	if err != nil {
		return PreparedTransfer{}, wrapEVMExecutionError(clierr.CodeSimulationFailed, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * w.opts.GasMultiplier)

	tipCap, err := resolveTipCap(ctx, w.backend, w.opts.MaxPriorityFeeGwei)
	if err != nil {
		return PreparedTransfer{}, err
	}
	header, err := w.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return PreparedTransfer{}, clierr.Wrap(clierr.CodeSimulationFailed, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap, err := resolveFeeCap(baseFee, tipCap, w.opts.MaxFeeGwei)
	if err != nil {
		return PreparedTransfer{}, err
	}

	return PreparedTransfer{
		Call:      TransferCall{Token: call.Token, To: call.To, Amount: new(big.Int).Set(call.Amount)},
		ChainID:   new(big.Int).Set(w.chainID),
		From:      from,
		Data:      data,
		GasLimit:  gasLimit,
		BaseFee:   new(big.Int).Set(baseFee),
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
	}, nil
}

// Submit signs and broadcasts a prepared transfer.
// Nothing is retried.
func (w *RPCWallet) Submit(ctx context.Context, p PreparedTransfer) (Submission, error) {
	if err := validateTransferPolicy(p, w.signer.Address(), w.chainID); err != nil {
		return Submission{}, err
	}
	unlock := acquireSignerNonceLock(w.chainID, p.From)
	defer unlock()

	nonce, err := w.backend.PendingNonceAt(ctx, p.From)
	if err != nil {
		return Submission{}, clierr.Wrap(clierr.CodeSubmissionRejected, "fetch nonce", err)
	}
	token := p.Call.Token
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   new(big.Int).Set(w.chainID),
		Nonce:     nonce,
		GasTipCap: p.GasTipCap,
		GasFeeCap: p.GasFeeCap,
		Gas:       p.GasLimit,
		To:        &token,
		Value:     big.NewInt(0),
		Data:      p.Data,
	})
	signed, err := w.signer.SignTx(w.chainID, tx)
	if err != nil {
		return Submission{}, clierr.Wrap(clierr.CodeSubmissionRejected, "sign transaction", err)
	}
	if err := w.backend.SendTransaction(ctx, signed); err != nil {
		return Submission{}, wrapEVMExecutionError(clierr.CodeSubmissionRejected, "broadcast transaction", err)
	}
	return Submission{Hash: signed.Hash(), From: p.From, Nonce: nonce}, nil
}

var signerNonceLocks sync.Map

// acquireSignerNonceLock serializes nonce assignment and broadcast for one
// signer on one chain within the process.
func acquireSignerNonceLock(chainID *big.Int, addr common.Address) func() {
	key := fmt.Sprintf("%s:%s", chainID.String(), strings.ToLower(addr.Hex()))
	v, _ := signerNonceLocks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func decodeTransferResult(ret []byte) (ok bool, decoded bool) {
	if len(ret) == 0 {
		// tokens like USDT return nothing from transfer
		return true, false
	}
	values, err := registry.ERC20().Unpack("transfer", ret)
	if err != nil || len(values) != 1 {
		return true, false
	}
	b, isBool := values[0].(bool)
	if !isBool {
		return true, false
	}
	return b, true
}

func resolveTipCap(ctx context.Context, backend Backend, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-priority-fee-gwei", err)
		}
		return v, nil
	}
	tipCap, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return big.NewInt(2_000_000_000), nil // 2 gwei fallback
	}
	return tipCap, nil
}

func resolveFeeCap(baseFee, tipCap *big.Int, overrideGwei string) (*big.Int, error) {
	if strings.TrimSpace(overrideGwei) != "" {
		v, err := parseGwei(overrideGwei)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "parse --max-fee-gwei", err)
		}
		if v.Cmp(tipCap) < 0 {
			return nil, clierr.New(clierr.CodeUsage, "--max-fee-gwei must be >= --max-priority-fee-gwei")
		}
		return v, nil
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)
	return feeCap, nil
}

func parseGwei(v string) (*big.Int, error) {
	clean := strings.TrimSpace(v)
	if clean == "" {
		return nil, fmt.Errorf("empty gwei value")
	}
	rat, ok := new(big.Rat).SetString(clean)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", v)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("value must be non-negative")
	}
	rat.Mul(rat, big.NewRat(1_000_000_000, 1))
	if !rat.IsInt() {
		return nil, fmt.Errorf("value must resolve to an integer wei amount")
	}
	return new(big.Int).Set(rat.Num()), nil
}
