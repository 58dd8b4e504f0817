package app

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
)

var (
	_ pflag.Value = (*decimalFlag)(nil)
	_ pflag.Value = (*addressListFlag)(nil)
)

// decimalFlag holds a non-negative USD amount parsed without float rounding.
type decimalFlag struct {
	value decimal.Decimal
}

func (f *decimalFlag) String() string { return f.value.String() }

func (f *decimalFlag) Set(raw string) error {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid decimal %q", raw)
	}
	if d.IsNegative() {
		return fmt.Errorf("value must not be negative")
	}
	f.value = d
	return nil
}

func (f *decimalFlag) Type() string { return "decimal" }

// addressListFlag accepts comma-separated contract addresses and may be
// repeated. Duplicates are dropped, first occurrence wins.
type addressListFlag struct {
	values []common.Address
}

func (f *addressListFlag) String() string {
	parts := make([]string, 0, len(f.values))
	for _, v := range f.values {
		parts = append(parts, v.Hex())
	}
	return strings.Join(parts, ",")
}

func (f *addressListFlag) Set(raw string) error {
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			return fmt.Errorf("invalid address %q", part)
		}
		addr := common.HexToAddress(part)
		if addr == (common.Address{}) {
			return fmt.Errorf("zero address is not a token")
		}
		if !f.contains(addr) {
			f.values = append(f.values, addr)
		}
	}
	return nil
}

func (f *addressListFlag) Type() string { return "addresses" }

func (f *addressListFlag) contains(addr common.Address) bool {
	for _, v := range f.values {
		if v == addr {
			return true
		}
	}
	return false
}

func (f *addressListFlag) Values() []common.Address {
	return append([]common.Address(nil), f.values...)
}
