package execution

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// TransferCall is an ERC20 transfer of Amount smallest units of Token to To.
type TransferCall struct {
	Token  common.Address `json:"token"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount"`
}

// PreparedTransfer is a transfer that passed simulation, together with the
// gas parameters it will be submitted with. The nonce is assigned at submit
// time.
type PreparedTransfer struct {
	Call      TransferCall   `json:"call"`
	ChainID   *big.Int       `json:"chain_id"`
	From      common.Address `json:"from"`
	Data      []byte         `json:"data"`
	GasLimit  uint64         `json:"gas_limit"`
	BaseFee   *big.Int       `json:"base_fee_per_gas_wei"`
	GasTipCap *big.Int       `json:"max_priority_fee_per_gas_wei"`
	GasFeeCap *big.Int       `json:"max_fee_per_gas_wei"`
}

// Submission is a broadcast transfer. Nonce lets a watcher tell a dropped
// or replaced transaction from one that is still queued.
type Submission struct {
	Hash  common.Hash    `json:"tx_hash"`
	From  common.Address `json:"from"`
	Nonce uint64         `json:"nonce"`
}

// LikelyFeeWei is the fee at the current base fee plus tip, capped by the
// fee cap.
func (p PreparedTransfer) LikelyFeeWei() *big.Int {
	if p.BaseFee == nil || p.GasTipCap == nil || p.GasFeeCap == nil {
		return big.NewInt(0)
	}
	price := new(big.Int).Add(p.BaseFee, p.GasTipCap)
	if price.Cmp(p.GasFeeCap) > 0 {
		price = new(big.Int).Set(p.GasFeeCap)
	}
	return price.Mul(price, new(big.Int).SetUint64(p.GasLimit))
}

func (p PreparedTransfer) WorstCaseFeeWei() *big.Int {
	if p.GasFeeCap == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Mul(p.GasFeeCap, new(big.Int).SetUint64(p.GasLimit))
}
