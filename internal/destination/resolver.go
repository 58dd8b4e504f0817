// Package destination resolves where swept tokens are sent on each network.
package destination

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/registry"
)

type Entry struct {
	ChainID int64          `json:"chain_id"`
	Network string         `json:"network"`
	Address common.Address `json:"address"`
}

type Resolver struct {
	byChain map[int64]Entry
}

// New builds a resolver from network key → address pairs. Keys may be a
// chain id, a CAIP-2 id or a registry slug. Any malformed, zero or
// duplicate entry rejects the whole configuration.
func New(reg *registry.Registry, configured map[string]string) (*Resolver, error) {
	r := &Resolver{byChain: make(map[int64]Entry, len(configured))}
	keys := make([]string, 0, len(configured))
	for k := range configured {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		network, err := reg.Lookup(key)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("invalid destination network %q", key), err)
		}
		addr, err := parseAddress(configured[key])
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, fmt.Sprintf("invalid destination for %s", network.Slug), err)
		}
		if prev, dup := r.byChain[network.ChainID]; dup {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("destination for chain %d configured twice (%s and %s)", network.ChainID, prev.Address.Hex(), addr.Hex()))
		}
		r.byChain[network.ChainID] = Entry{ChainID: network.ChainID, Network: network.Slug, Address: addr}
	}
	return r, nil
}

// Resolve returns the destination for chainID. It never returns the zero
// address.
func (r *Resolver) Resolve(chainID int64) (common.Address, error) {
	if r != nil {
		if e, ok := r.byChain[chainID]; ok {
			return e.Address, nil
		}
	}
	return common.Address{}, clierr.New(clierr.CodeUnconfiguredDestination, fmt.Sprintf("no destination configured for chain %d", chainID))
}

func (r *Resolver) Entries() []Entry {
	if r == nil {
		return nil
	}
	out := make([]Entry, 0, len(r.byChain))
	for _, e := range r.byChain {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainID < out[j].ChainID })
	return out
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%q is not a hex address", raw)
	}
	addr := common.HexToAddress(raw)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("zero address is not a valid destination")
	}
	return addr, nil
}
