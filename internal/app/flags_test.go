package app

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

func TestDecimalFlag(t *testing.T) {
	var f decimalFlag
	if err := f.Set(" 10.50 "); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if !f.value.Equal(decimal.RequireFromString("10.5")) || f.Type() != "decimal" {
		t.Fatalf("unexpected value %s", f.String())
	}
	if err := f.Set("-1"); err == nil {
		t.Fatal("expected negative threshold rejection")
	}
	if err := f.Set("ten"); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestAddressListFlag(t *testing.T) {
	var f addressListFlag
	a := "0x000000000000000000000000000000000000000a"
	b := "0x000000000000000000000000000000000000000B"
	if err := f.Set(a + ", " + b); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if err := f.Set(a); err != nil {
		t.Fatalf("repeat Set failed: %v", err)
	}
	got := f.Values()
	if len(got) != 2 || got[0] != common.HexToAddress(a) || got[1] != common.HexToAddress(b) {
		t.Fatalf("unexpected values %v", got)
	}
	if err := f.Set("0x1234"); err == nil {
		t.Fatal("expected invalid address error")
	}
	if err := f.Set("0x0000000000000000000000000000000000000000"); err == nil {
		t.Fatal("expected zero address error")
	}
}
