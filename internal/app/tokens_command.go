package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/drain-cli/internal/cache"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/model"
	"github.com/ggonzalez94/drain-cli/internal/registry"
	"github.com/ggonzalez94/drain-cli/internal/selection"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

type tokenListing struct {
	Account          string            `json:"account"`
	ChainID          int64             `json:"chain_id"`
	Network          string            `json:"network"`
	USDThreshold     string            `json:"usd_threshold"`
	Selected         int               `json:"selected"`
	SelectedValueUSD string            `json:"selected_value_usd"`
	Tokens           []model.TokenView `json:"tokens"`
}

func (s *runtimeState) newTokensCommand() *cobra.Command {
	var chainArg, addressArg string
	var threshold decimalFlag
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Discover ERC20 balances and preview which ones a sweep would select",
		RunE: func(cmd *cobra.Command, args []string) error {
			network, err := s.lookupNetwork(chainArg)
			if err != nil {
				return err
			}
			account, err := parseAccount(addressArg)
			if err != nil {
				return err
			}
			limit := s.thresholdFor(cmd, threshold)

			path := trimRootPath(cmd.CommandPath())
			key := cache.Key(tokensCacheNamespace(network.ChainID, account), limit.String())
			return s.runCachedCommand(path, key, s.settings.CacheTTL, func(ctx context.Context) (any, []model.ProviderStatus, []string, error) {
				balances, status, err := s.discover(ctx, network, account)
				if err != nil {
					return nil, status, nil, err
				}
				store := newBoundStore(account, network.ChainID, balances, limit)
				return newTokenListing(network, account, limit, store), status, unpricedWarnings(balances), nil
			})
		},
	}
	cmd.Flags().StringVar(&chainArg, "chain", "", "Chain id, CAIP-2 id or slug")
	cmd.Flags().StringVar(&addressArg, "address", "", "Account address to inspect")
	cmd.Flags().Var(&threshold, "threshold", "USD value at or above which a token is auto-selected (default from config)")
	_ = cmd.MarkFlagRequired("chain")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func (s *runtimeState) thresholdFor(cmd *cobra.Command, flag decimalFlag) decimal.Decimal {
	if cmd.Flags().Changed("threshold") {
		return flag.value
	}
	return s.settings.USDThreshold
}

func (s *runtimeState) discover(ctx context.Context, network registry.Network, account common.Address) ([]model.TokenBalance, []model.ProviderStatus, error) {
	start := time.Now()
	balances, err := s.balances.Balances(ctx, network.ChainID, account)
	status := []model.ProviderStatus{{Name: s.balances.Info().Name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}}
	return balances, status, err
}

// newBoundStore returns a store scoped to account on chainID holding
// balances with the threshold auto-selection applied.
func newBoundStore(account common.Address, chainID int64, balances []model.TokenBalance, threshold decimal.Decimal) *selection.Store {
	store := selection.New()
	store.Bind(selection.Scope{Account: account, ChainID: chainID})
	store.Load(balances)
	store.SetAutoSelected(balances, threshold)
	return store
}

func newTokenListing(network registry.Network, account common.Address, threshold decimal.Decimal, store *selection.Store) tokenListing {
	listing := tokenListing{
		Account:      account.Hex(),
		ChainID:      network.ChainID,
		Network:      network.Slug,
		USDThreshold: threshold.String(),
		Tokens:       []model.TokenView{},
	}
	total := decimal.Zero
	for _, e := range store.Snapshot() {
		view := newTokenView(network, account, e)
		if e.Record.Checked && e.Record.Pending == nil {
			listing.Selected++
			if v, ok := e.Token.USDValue(); ok {
				total = total.Add(v)
			}
		}
		listing.Tokens = append(listing.Tokens, view)
	}
	listing.SelectedValueUSD = total.StringFixed(2)
	return listing
}

func newTokenView(network registry.Network, account common.Address, e selection.Entry) model.TokenView {
	view := model.TokenView{
		Contract:    e.Token.Contract.Hex(),
		Symbol:      e.Token.Symbol,
		Amount:      e.Token.DisplayAmount(),
		RawBalance:  "0",
		Checked:     e.Record.Checked,
		ExplorerURL: network.TokenURL(e.Token.Contract, account),
	}
	if e.Token.RawBalance != nil {
		view.RawBalance = e.Token.RawBalance.String()
	}
	if v, ok := e.Token.USDValue(); ok {
		view.ValueUSD = v.StringFixed(2)
	}
	if e.Record.Pending != nil {
		view.PendingTx = e.Record.Pending.Hash.Hex()
	}
	return view
}

func unpricedWarnings(balances []model.TokenBalance) []string {
	unpriced := 0
	for _, b := range balances {
		if b.PriceUSDPerUnit == nil {
			unpriced++
		}
	}
	if unpriced == 0 {
		return nil
	}
	return []string{fmt.Sprintf("%d token(s) have no USD price and are never auto-selected", unpriced)}
}

func tokensCacheNamespace(chainID int64, account common.Address) string {
	return fmt.Sprintf("tokens:%d:%s", chainID, strings.ToLower(account.Hex()))
}

func parseAccount(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, clierr.New(clierr.CodeUsage, "--address is required")
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid address %q", raw))
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, clierr.New(clierr.CodeUsage, "address must not be the zero address")
	}
	return addr, nil
}
