// Package signer loads the key that signs sweep transfers.
package signer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// Origin names where a key was loaded from. It never contains key material.
type Origin string

const (
	OriginFlag        Origin = "flag"
	OriginEnv         Origin = "env"
	OriginFile        Origin = "file"
	OriginDefaultFile Origin = "default_file"
	OriginKeystore    Origin = "keystore"
)
