package execution

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/registry"
)

var policyTransferSelector = registry.ERC20().Methods["transfer"].ID

// validateTransferPolicy checks that a prepared transfer still says what
// its call says before it is signed: calldata is transfer(to, amount) with
// the same recipient and amount, from the wallet's signer, on its chain.
func validateTransferPolicy(p PreparedTransfer, signerAddr common.Address, chainID *big.Int) error {
	if p.From != signerAddr {
		return clierr.New(clierr.CodeSubmissionRejected, fmt.Sprintf("prepared transfer is from %s, signer is %s", p.From.Hex(), signerAddr.Hex()))
	}
	if p.ChainID == nil || p.ChainID.Cmp(chainID) != 0 {
		return clierr.New(clierr.CodeSubmissionRejected, fmt.Sprintf("prepared transfer chain %v does not match wallet chain %s", p.ChainID, chainID))
	}
	if p.Call.Token == (common.Address{}) {
		return clierr.New(clierr.CodeSubmissionRejected, "prepared transfer has no token contract")
	}
	if p.GasLimit == 0 || p.GasFeeCap == nil || p.GasTipCap == nil {
		return clierr.New(clierr.CodeSubmissionRejected, "prepared transfer is missing gas parameters")
	}
	data := p.Data
	if len(data) < 4 || !bytes.Equal(data[:4], policyTransferSelector) {
		return clierr.New(clierr.CodeSubmissionRejected, "prepared transfer calldata must be ERC20 transfer(to,amount)")
	}
	args, err := registry.ERC20().Methods["transfer"].Inputs.Unpack(data[4:])
	if err != nil || len(args) != 2 {
		return clierr.New(clierr.CodeSubmissionRejected, "prepared transfer calldata is invalid")
	}
	to, ok := toAddress(args[0])
	if !ok || to == (common.Address{}) || to != p.Call.To {
		return clierr.New(clierr.CodeSubmissionRejected, "prepared transfer recipient does not match calldata")
	}
	amount, ok := toBigInt(args[1])
	if !ok || amount.Sign() <= 0 || p.Call.Amount == nil || amount.Cmp(p.Call.Amount) != 0 {
		return clierr.New(clierr.CodeSubmissionRejected, "prepared transfer amount does not match calldata")
	}
	return nil
}

func toAddress(v any) (common.Address, bool) {
	switch value := v.(type) {
	case common.Address:
		return value, true
	case *common.Address:
		if value == nil {
			return common.Address{}, false
		}
		return *value, true
	default:
		return common.Address{}, false
	}
}

func toBigInt(v any) (*big.Int, bool) {
	switch value := v.(type) {
	case *big.Int:
		if value == nil {
			return nil, false
		}
		return value, true
	case big.Int:
		cpy := value
		return &cpy, true
	default:
		return nil, false
	}
}
