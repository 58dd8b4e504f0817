package app

import (
	"context"

	"github.com/ggonzalez94/drain-cli/internal/execution"
	"github.com/ggonzalez94/drain-cli/internal/tracker"
)

// chainClient is what a sweep needs from one RPC connection.
// *ethclient.Client satisfies it.
type chainClient interface {
	execution.Backend
	tracker.ReceiptSource
	Close()
}

type dialFunc func(ctx context.Context, rpcURL string, expectedChainID int64) (chainClient, error)

func dialRPC(ctx context.Context, rpcURL string, expectedChainID int64) (chainClient, error) {
	client, err := execution.Dial(ctx, rpcURL, expectedChainID)
	if err != nil {
		return nil, err
	}
	return client, nil
}
