package providers

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/drain-cli/internal/model"
)

type Provider interface {
	Info() model.ProviderInfo
}

// BalanceProvider lists the ERC20 holdings of an account on one chain.
// Native balances and NFTs are excluded; prices are per smallest unit.
type BalanceProvider interface {
	Provider
	Balances(ctx context.Context, chainID int64, account common.Address) ([]model.TokenBalance, error)
}
