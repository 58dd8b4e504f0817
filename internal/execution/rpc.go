package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/registry"
)

// ResolveRPCURL prefers an explicit override over the network's first
// configured endpoint.
func ResolveRPCURL(override string, network registry.Network) (string, error) {
	if v := strings.TrimSpace(override); v != "" {
		return v, nil
	}
	if v := network.DefaultRPCURL(); v != "" {
		return v, nil
	}
	return "", clierr.New(clierr.CodeUsage, fmt.Sprintf("no rpc configured for chain id %d; provide --rpc-url", network.ChainID))
}

// Dial connects to rpcURL and checks that it serves the expected chain.
func Dial(ctx context.Context, rpcURL string, expectedChainID int64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err)
	}
	if chainID.Int64() != expectedChainID {
		client.Close()
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("rpc %s serves chain %d, expected %d", rpcURL, chainID.Int64(), expectedChainID))
	}
	return client, nil
}
