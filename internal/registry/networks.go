package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Well-known contract names carried by network descriptors.
const (
	ContractENSRegistry          = "ensRegistry"
	ContractENSUniversalResolver = "ensUniversalResolver"
	ContractMulticall3           = "multicall3"
)

const multicall3Canonical = "0xcA11bde05977b3631167028862bE2a173976CA11"

type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

type Contract struct {
	Address         common.Address `json:"address"`
	DeploymentBlock uint64         `json:"deployment_block,omitempty"`
}

// Network is the immutable descriptor of one EVM chain.
type Network struct {
	ChainID     int64               `json:"chain_id"`
	Name        string              `json:"name"`
	Slug        string              `json:"slug"`
	Aliases     []string            `json:"aliases,omitempty"`
	Native      NativeCurrency      `json:"native_currency"`
	RPCURLs     []string            `json:"rpc_urls"`
	ExplorerURL string              `json:"explorer_url"`
	Contracts   map[string]Contract `json:"contracts,omitempty"`
}

func (n Network) CAIP2() string {
	return fmt.Sprintf("eip155:%d", n.ChainID)
}

// DefaultRPCURL is the first configured endpoint.
func (n Network) DefaultRPCURL() string {
	if len(n.RPCURLs) == 0 {
		return ""
	}
	return n.RPCURLs[0]
}

func (n Network) TokenURL(token, holder common.Address) string {
	base := strings.TrimSuffix(n.ExplorerURL, "/")
	if holder == (common.Address{}) {
		return fmt.Sprintf("%s/token/%s", base, token.Hex())
	}
	return fmt.Sprintf("%s/token/%s?a=%s", base, token.Hex(), holder.Hex())
}

func (n Network) TxURL(hash common.Hash) string {
	return fmt.Sprintf("%s/tx/%s", strings.TrimSuffix(n.ExplorerURL, "/"), hash.Hex())
}

func (n Network) Contract(name string) (Contract, bool) {
	c, ok := n.Contracts[name]
	return c, ok
}

func (n Network) clone() Network {
	out := n
	out.Aliases = append([]string(nil), n.Aliases...)
	out.RPCURLs = append([]string(nil), n.RPCURLs...)
	if n.Contracts != nil {
		out.Contracts = make(map[string]Contract, len(n.Contracts))
		for k, v := range n.Contracts {
			out.Contracts[k] = v
		}
	}
	return out
}

func multicall3(block uint64) Contract {
	return Contract{Address: common.HexToAddress(multicall3Canonical), DeploymentBlock: block}
}

var builtinNetworks = []Network{
	{
		ChainID:     1,
		Name:        "Ethereum",
		Slug:        "ethereum",
		Aliases:     []string{"mainnet", "eth"},
		Native:      NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:     []string{"https://cloudflare-eth.com", "https://eth.llamarpc.com"},
		ExplorerURL: "https://etherscan.io",
		Contracts: map[string]Contract{
			ContractENSRegistry:          {Address: common.HexToAddress("0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e")},
			ContractENSUniversalResolver: {Address: common.HexToAddress("0xE4Acdd618deED4e6d2f03b9bf62dc6118FC9A4da"), DeploymentBlock: 16773775},
			ContractMulticall3:           multicall3(14353601),
		},
	},
	{
		ChainID:     10,
		Name:        "Optimism",
		Slug:        "optimism",
		Aliases:     []string{"op"},
		Native:      NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:     []string{"https://mainnet.optimism.io"},
		ExplorerURL: "https://optimistic.etherscan.io",
		Contracts:   map[string]Contract{ContractMulticall3: multicall3(4286263)},
	},
	{
		ChainID:     56,
		Name:        "Binance Smart Chain",
		Slug:        "bsc",
		Aliases:     []string{"bnb"},
		Native:      NativeCurrency{Name: "Binance Coin", Symbol: "BNB", Decimals: 18},
		RPCURLs:     []string{"https://bsc-dataseed.binance.org", "https://bsc-dataseed2.binance.org"},
		ExplorerURL: "https://bscscan.com",
		Contracts:   map[string]Contract{ContractMulticall3: multicall3(15921452)},
	},
	{
		ChainID:     61,
		Name:        "Ethereum Classic",
		Slug:        "classic",
		Aliases:     []string{"etc"},
		Native:      NativeCurrency{Name: "Ether", Symbol: "ETC", Decimals: 18},
		RPCURLs:     []string{"https://www.ethercluster.com/etc"},
		ExplorerURL: "https://blockscout.com/etc/mainnet",
		Contracts:   map[string]Contract{ContractMulticall3: multicall3(16146628)},
	},
	{
		ChainID:     100,
		Name:        "Gnosis",
		Slug:        "gnosis",
		Aliases:     []string{"xdai"},
		Native:      NativeCurrency{Name: "xDAI", Symbol: "xDAI", Decimals: 18},
		RPCURLs:     []string{"https://rpc.gnosis.gateway.fm", "https://rpc.gnosischain.com"},
		ExplorerURL: "https://gnosisscan.io",
		Contracts:   map[string]Contract{ContractMulticall3: multicall3(21022491)},
	},
	{
		ChainID:     137,
		Name:        "Polygon",
		Slug:        "polygon",
		Aliases:     []string{"matic"},
		Native:      NativeCurrency{Name: "MATIC", Symbol: "MATIC", Decimals: 18},
		RPCURLs:     []string{"https://polygon-rpc.com", "https://rpc.ankr.com/polygon"},
		ExplorerURL: "https://polygonscan.com",
		Contracts:   map[string]Contract{ContractMulticall3: multicall3(25770160)},
	},
	{
		ChainID:     324,
		Name:        "zkSync",
		Slug:        "zksync",
		Aliases:     []string{"zksync-era"},
		Native:      NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:     []string{"https://mainnet.era.zksync.io"},
		ExplorerURL: "https://explorer.zksync.io",
		Contracts: map[string]Contract{
			ContractMulticall3: {Address: common.HexToAddress("0xF9cda624FBC7e059355ce98a31693d299FACd963"), DeploymentBlock: 3908235},
		},
	},
	{
		ChainID:     8453,
		Name:        "Base",
		Slug:        "base",
		Native:      NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:     []string{"https://mainnet.base.org", "https://base.llamarpc.com"},
		ExplorerURL: "https://basescan.org",
		Contracts:   map[string]Contract{ContractMulticall3: multicall3(5022)},
	},
	{
		ChainID:     42161,
		Name:        "Arbitrum",
		Slug:        "arbitrum",
		Aliases:     []string{"arb"},
		Native:      NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18},
		RPCURLs:     []string{"https://arb1.arbitrum.io/rpc", "https://rpc.ankr.com/arbitrum"},
		ExplorerURL: "https://arbiscan.io",
		Contracts:   map[string]Contract{ContractMulticall3: multicall3(7654707)},
	},
}

// Registry indexes network descriptors by chain id and slug.
type Registry struct {
	byID  map[int64]Network
	byKey map[string]int64
	order []int64
}

// New validates networks and builds a registry. Chain ids, slugs and
// aliases must be unique.
func New(networks []Network) (*Registry, error) {
	r := &Registry{
		byID:  make(map[int64]Network, len(networks)),
		byKey: make(map[string]int64, len(networks)*2),
	}
	for _, n := range networks {
		if err := validateNetwork(n); err != nil {
			return nil, err
		}
		if _, exists := r.byID[n.ChainID]; exists {
			return nil, fmt.Errorf("duplicate chain id %d", n.ChainID)
		}
		keys := append([]string{n.Slug}, n.Aliases...)
		for _, key := range keys {
			norm := normalizeKey(key)
			if norm == "" {
				continue
			}
			if other, exists := r.byKey[norm]; exists {
				return nil, fmt.Errorf("network key %q used by chain %d and %d", norm, other, n.ChainID)
			}
			r.byKey[norm] = n.ChainID
		}
		r.byID[n.ChainID] = n.clone()
		r.order = append(r.order, n.ChainID)
	}
	sort.Slice(r.order, func(i, j int) bool { return r.order[i] < r.order[j] })
	return r, nil
}

// Default returns the built-in network table.
func Default() *Registry {
	r, err := New(builtinNetworks)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Get(chainID int64) (Network, bool) {
	n, ok := r.byID[chainID]
	if !ok {
		return Network{}, false
	}
	return n.clone(), true
}

// Lookup resolves a chain id, an eip155 CAIP-2 id, a slug or an alias.
func (r *Registry) Lookup(input string) (Network, error) {
	norm := normalizeKey(input)
	if norm == "" {
		return Network{}, fmt.Errorf("empty network identifier")
	}
	norm = strings.TrimPrefix(norm, "eip155:")
	if id, err := strconv.ParseInt(norm, 10, 64); err == nil {
		if n, ok := r.Get(id); ok {
			return n, nil
		}
		return Network{}, fmt.Errorf("unsupported chain id %d", id)
	}
	if id, ok := r.byKey[norm]; ok {
		return r.byID[id].clone(), nil
	}
	return Network{}, fmt.Errorf("unsupported network %q", input)
}

func (r *Registry) List() []Network {
	out := make([]Network, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id].clone())
	}
	return out
}

// WithRPCOverrides returns a copy of the registry where the listed chains use
// the given endpoints ahead of the built-in ones.
func (r *Registry) WithRPCOverrides(overrides map[int64][]string) (*Registry, error) {
	networks := r.List()
	for i := range networks {
		urls, ok := overrides[networks[i].ChainID]
		if !ok || len(urls) == 0 {
			continue
		}
		merged := append([]string(nil), urls...)
		for _, existing := range networks[i].RPCURLs {
			if !containsString(merged, existing) {
				merged = append(merged, existing)
			}
		}
		networks[i].RPCURLs = merged
	}
	for chainID := range overrides {
		if _, ok := r.byID[chainID]; !ok {
			return nil, fmt.Errorf("rpc override for unknown chain id %d", chainID)
		}
	}
	return New(networks)
}

func validateNetwork(n Network) error {
	if n.ChainID <= 0 {
		return fmt.Errorf("network %q: chain id must be positive", n.Name)
	}
	if strings.TrimSpace(n.Slug) == "" {
		return fmt.Errorf("chain %d: missing slug", n.ChainID)
	}
	if strings.TrimSpace(n.Native.Symbol) == "" {
		return fmt.Errorf("chain %d: missing native currency symbol", n.ChainID)
	}
	if len(n.RPCURLs) == 0 {
		return fmt.Errorf("chain %d: at least one rpc url is required", n.ChainID)
	}
	for _, raw := range append(append([]string(nil), n.RPCURLs...), n.ExplorerURL) {
		if err := validateURL(raw); err != nil {
			return fmt.Errorf("chain %d: %w", n.ChainID, err)
		}
	}
	for name, c := range n.Contracts {
		if c.Address == (common.Address{}) {
			return fmt.Errorf("chain %d: contract %s has zero address", n.ChainID, name)
		}
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url %q: %w", raw, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" && scheme != "ws" && scheme != "wss" {
		return fmt.Errorf("invalid url %q: unsupported scheme", raw)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("invalid url %q: missing host", raw)
	}
	return nil
}

func normalizeKey(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

func containsString(items []string, target string) bool {
	for _, item := range items {
		if item == target {
			return true
		}
	}
	return false
}
