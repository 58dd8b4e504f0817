package covalent

import (
	"context"
	"fmt"
	"math/big"
	"net/url"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/httpx"
	"github.com/ggonzalez94/drain-cli/internal/model"
	"github.com/shopspring/decimal"
)

const (
	Name           = "covalent"
	defaultBaseURL = "https://api.covalenthq.com/v1"
	KeyEnvVar      = "DRAIN_COVALENT_API_KEY"
)

type Client struct {
	http    *httpx.Client
	baseURL string
	apiKey  string
}

func New(httpClient *httpx.Client, apiKey string) *Client {
	return &Client{
		http:    httpClient,
		baseURL: defaultBaseURL,
		apiKey:  strings.TrimSpace(apiKey),
	}
}

// WithBaseURL points the client at another deployment of the balances API.
func (c *Client) WithBaseURL(base string) *Client {
	if strings.TrimSpace(base) != "" {
		c.baseURL = strings.TrimRight(strings.TrimSpace(base), "/")
	}
	return c
}

func (c *Client) Info() model.ProviderInfo {
	return model.ProviderInfo{
		Name:          Name,
		Type:          "balances",
		RequiresKey:   true,
		Capabilities:  []string{"tokens.balances"},
		KeyEnvVarName: KeyEnvVar,
	}
}

type balancesResp struct {
	Data struct {
		Address string        `json:"address"`
		ChainID int64         `json:"chain_id"`
		Items   []balanceItem `json:"items"`
	} `json:"data"`
	Error        bool   `json:"error"`
	ErrorMessage string `json:"error_message"`
	ErrorCode    *int   `json:"error_code"`
}

type balanceItem struct {
	ContractDecimals     *int32   `json:"contract_decimals"`
	ContractName         string   `json:"contract_name"`
	ContractTickerSymbol string   `json:"contract_ticker_symbol"`
	ContractAddress      string   `json:"contract_address"`
	Type                 string   `json:"type"`
	Balance              string   `json:"balance"`
	QuoteRate            *float64 `json:"quote_rate"`
	NativeToken          bool     `json:"native_token"`
	NFTData              any      `json:"nft_data"`
}

func (c *Client) Balances(ctx context.Context, chainID int64, account common.Address) ([]model.TokenBalance, error) {
	if c.apiKey == "" {
		return nil, clierr.New(clierr.CodeAuth, fmt.Sprintf("missing covalent api key (set %s)", KeyEnvVar))
	}
	if chainID <= 0 {
		return nil, clierr.New(clierr.CodeUsage, "chain id must be positive")
	}

	endpoint := fmt.Sprintf("%s/%d/address/%s/balances_v2/?%s", c.baseURL, chainID, account.Hex(), url.Values{
		"no-nft-fetch":   {"true"},
		"quote-currency": {"USD"},
	}.Encode())

	var resp balancesResp
	if err := c.http.GetJSON(ctx, endpoint, map[string]string{"Authorization": "Bearer " + c.apiKey}, &resp); err != nil {
		if clierr.Is(err, clierr.CodeUnsupported) {
			return nil, clierr.Wrap(clierr.CodeUnsupported, fmt.Sprintf("chain %d not supported", chainID), err)
		}
		return nil, err
	}
	if resp.Error {
		return nil, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("covalent error: %s", resp.ErrorMessage))
	}

	out := make([]model.TokenBalance, 0, len(resp.Data.Items))
	for _, item := range resp.Data.Items {
		tb, ok := toTokenBalance(item, chainID)
		if !ok {
			continue
		}
		out = append(out, tb)
	}
	sortByValue(out)
	return out, nil
}

func toTokenBalance(item balanceItem, chainID int64) (model.TokenBalance, bool) {
	if item.NativeToken || item.NFTData != nil || strings.EqualFold(item.Type, "nft") {
		return model.TokenBalance{}, false
	}
	if !common.IsHexAddress(item.ContractAddress) || item.ContractDecimals == nil {
		return model.TokenBalance{}, false
	}
	contract := common.HexToAddress(item.ContractAddress)
	if contract == (common.Address{}) {
		return model.TokenBalance{}, false
	}
	raw, ok := new(big.Int).SetString(strings.TrimSpace(item.Balance), 10)
	if !ok || raw.Sign() <= 0 {
		return model.TokenBalance{}, false
	}

	tb := model.TokenBalance{
		Contract:   contract,
		Symbol:     item.ContractTickerSymbol,
		Name:       item.ContractName,
		Decimals:   *item.ContractDecimals,
		RawBalance: raw,
		ChainID:    chainID,
	}
	// a negative quote is bad provider data; treat it as unpriced
	if item.QuoteRate != nil && *item.QuoteRate >= 0 {
		price := model.PricePerUnitFromTokenPrice(decimal.NewFromFloat(*item.QuoteRate), tb.Decimals)
		tb.PriceUSDPerUnit = &price
	}
	return tb, true
}

// sortByValue orders priced holdings by descending USD value, then unpriced
// holdings by symbol and address.
func sortByValue(items []model.TokenBalance) {
	sort.SliceStable(items, func(i, j int) bool {
		vi, okI := items[i].USDValue()
		vj, okJ := items[j].USDValue()
		if okI != okJ {
			return okI
		}
		if okI && !vi.Equal(vj) {
			return vi.GreaterThan(vj)
		}
		if items[i].Symbol != items[j].Symbol {
			return items[i].Symbol < items[j].Symbol
		}
		return strings.ToLower(items[i].Contract.Hex()) < strings.ToLower(items[j].Contract.Hex())
	})
}
