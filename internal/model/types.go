package model

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

type ProviderInfo struct {
	Name          string   `json:"name"`
	Type          string   `json:"type"`
	RequiresKey   bool     `json:"requires_key"`
	Capabilities  []string `json:"capabilities"`
	KeyEnvVarName string   `json:"key_env_var,omitempty"`
}

// TokenBalance is one ERC20 holding reported by balance discovery.
// PriceUSDPerUnit is the USD price of one smallest unit (wei-like), so the
// holding value is RawBalance * PriceUSDPerUnit. A nil price means unknown.
type TokenBalance struct {
	Contract        common.Address   `json:"contract_address"`
	Symbol          string           `json:"symbol"`
	Name            string           `json:"name,omitempty"`
	Decimals        int32            `json:"decimals"`
	RawBalance      *big.Int         `json:"raw_balance"`
	PriceUSDPerUnit *decimal.Decimal `json:"price_usd_per_unit,omitempty"`
	ChainID         int64            `json:"chain_id"`
}

// USDValue returns the holding value, or false when the price is unknown.
func (t TokenBalance) USDValue() (decimal.Decimal, bool) {
	if t.PriceUSDPerUnit == nil || t.RawBalance == nil {
		return decimal.Zero, false
	}
	return decimal.NewFromBigInt(t.RawBalance, 0).Mul(*t.PriceUSDPerUnit), true
}

// Amount returns the balance in whole tokens.
func (t TokenBalance) Amount() decimal.Decimal {
	if t.RawBalance == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(t.RawBalance, -t.Decimals)
}

// DisplayAmount rounds dust to 10 places, large balances to 2 and the rest to 5.
func (t TokenBalance) DisplayAmount() string {
	amount := t.Amount()
	switch {
	case amount.LessThan(decimal.RequireFromString("0.001")):
		return amount.Round(10).String()
	case amount.GreaterThan(decimal.NewFromInt(1000)):
		return amount.Round(2).String()
	default:
		return amount.Round(5).String()
	}
}

// PricePerUnitFromTokenPrice converts a whole-token USD price into a
// per-smallest-unit price.
func PricePerUnitFromTokenPrice(tokenPrice decimal.Decimal, decimals int32) decimal.Decimal {
	return tokenPrice.Shift(-decimals)
}

// TokenView is the rendered form of a discovered token plus its selection.
type TokenView struct {
	Contract    string `json:"contract_address"`
	Symbol      string `json:"symbol"`
	Amount      string `json:"amount"`
	RawBalance  string `json:"raw_balance"`
	ValueUSD    string `json:"value_usd,omitempty"`
	Checked     bool   `json:"checked"`
	PendingTx   string `json:"pending_tx,omitempty"`
	ExplorerURL string `json:"explorer_url,omitempty"`
}
