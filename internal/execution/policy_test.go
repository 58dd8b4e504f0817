package execution

import (
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/registry"
)

var (
	policySigner = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	policyToken  = common.HexToAddress("0x00000000000000000000000000000000000000cd")
	policyDest   = common.HexToAddress("0x00000000000000000000000000000000000000ab")
)

func preparedFixture(t *testing.T, to common.Address, amount *big.Int) PreparedTransfer {
	t.Helper()
	data, err := registry.ERC20().Pack("transfer", to, amount)
	if err != nil {
		t.Fatalf("pack transfer calldata: %v", err)
	}
	return PreparedTransfer{
		Call:      TransferCall{Token: policyToken, To: policyDest, Amount: big.NewInt(100)},
		ChainID:   big.NewInt(1),
		From:      policySigner,
		Data:      data,
		GasLimit:  60_000,
		BaseFee:   big.NewInt(10),
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(21),
	}
}

func TestValidateTransferPolicyAccepts(t *testing.T) {
	p := preparedFixture(t, policyDest, big.NewInt(100))
	if err := validateTransferPolicy(p, policySigner, big.NewInt(1)); err != nil {
		t.Fatalf("expected matching transfer to pass, got err=%v", err)
	}
}

func TestValidateTransferPolicyRejectsMismatches(t *testing.T) {
	cases := map[string]struct {
		mutate func(*PreparedTransfer)
		want   string
	}{
		"recipient": {
			mutate: func(p *PreparedTransfer) { p.Data = preparedFixture(t, policySigner, big.NewInt(100)).Data },
			want:   "recipient",
		},
		"amount": {
			mutate: func(p *PreparedTransfer) { p.Data = preparedFixture(t, policyDest, big.NewInt(101)).Data },
			want:   "amount",
		},
		"selector": {
			mutate: func(p *PreparedTransfer) { p.Data = common.FromHex("0x095ea7b3") },
			want:   "transfer(to,amount)",
		},
		"signer": {
			mutate: func(p *PreparedTransfer) { p.From = policyDest },
			want:   "signer",
		},
		"chain": {
			mutate: func(p *PreparedTransfer) { p.ChainID = big.NewInt(137) },
			want:   "chain",
		},
		"gas": {
			mutate: func(p *PreparedTransfer) { p.GasLimit = 0 },
			want:   "gas",
		},
	}
	for name, tc := range cases {
		p := preparedFixture(t, policyDest, big.NewInt(100))
		tc.mutate(&p)
		err := validateTransferPolicy(p, policySigner, big.NewInt(1))
		if !clierr.Is(err, clierr.CodeSubmissionRejected) {
			t.Fatalf("%s: expected submission rejected, got %v", name, err)
		}
		if !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s: expected %q in error, got %v", name, tc.want, err)
		}
	}
}

func TestPreparedTransferFees(t *testing.T) {
	p := preparedFixture(t, policyDest, big.NewInt(100))
	if got := p.LikelyFeeWei(); got.Cmp(big.NewInt(11*60_000)) != 0 {
		t.Fatalf("unexpected likely fee %s", got)
	}
	if got := p.WorstCaseFeeWei(); got.Cmp(big.NewInt(21*60_000)) != 0 {
		t.Fatalf("unexpected worst-case fee %s", got)
	}
}
