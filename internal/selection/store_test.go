package selection

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
	"github.com/ggonzalez94/drain-cli/internal/model"
	"github.com/shopspring/decimal"
)

var (
	tokenA  = common.HexToAddress("0x000000000000000000000000000000000000000a")
	tokenB  = common.HexToAddress("0x000000000000000000000000000000000000000b")
	tokenC  = common.HexToAddress("0x000000000000000000000000000000000000000c")
	account = common.HexToAddress("0x00000000000000000000000000000000000000aa")
)

func balance(addr common.Address, raw int64, perUnit string) model.TokenBalance {
	tb := model.TokenBalance{Contract: addr, Symbol: "TKN", Decimals: 6, RawBalance: big.NewInt(raw), ChainID: 1}
	if perUnit != "" {
		p := decimal.RequireFromString(perUnit)
		tb.PriceUSDPerUnit = &p
	}
	return tb
}

func TestSetAutoSelectedUsesInclusiveThreshold(t *testing.T) {
	s := New()
	s.Bind(Scope{Account: account, ChainID: 1})
	tokens := []model.TokenBalance{
		balance(tokenA, 5_000_000, "0.000003"), // $15
		balance(tokenB, 1_000_000, "0.000002"), // $2
		balance(tokenC, 1_000_000, "0.00001"),  // exactly $10
	}
	s.Load(tokens)
	s.SetAutoSelected(tokens, decimal.NewFromInt(10))

	got := s.SelectedAddresses()
	if len(got) != 2 || got[0] != tokenA || got[1] != tokenC {
		t.Fatalf("unexpected selection %v", got)
	}
	if r, _ := s.Record(tokenB); r.Checked {
		t.Fatal("token below threshold should stay unchecked")
	}
}

func TestSetAutoSelectedSkipsUnknownPriceAndPending(t *testing.T) {
	s := New()
	tokens := []model.TokenBalance{
		balance(tokenA, 5_000_000, "0.000003"),
		balance(tokenB, 5_000_000, ""),
	}
	s.Load(tokens)
	if err := s.AttachPending(TransactionHandle{Token: tokenA, Hash: common.HexToHash("0x01"), SubmittedAt: time.Now()}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	s.SetAutoSelected(tokens, decimal.NewFromInt(10))

	rA, _ := s.Record(tokenA)
	if rA.Checked || rA.Pending == nil {
		t.Fatalf("pending record must be left untouched, got %+v", rA)
	}
	if rB, _ := s.Record(tokenB); rB.Checked {
		t.Fatal("token without price should not be auto-selected")
	}
}

func TestToggleRejectedWhilePending(t *testing.T) {
	s := New()
	s.Load([]model.TokenBalance{balance(tokenA, 1, "")})
	if err := s.Toggle(tokenA, true); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	hash := common.HexToHash("0x02")
	if err := s.AttachPending(TransactionHandle{Token: tokenA, Hash: hash}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	err := s.Toggle(tokenA, false)
	if !clierr.Is(err, clierr.CodeInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if r, _ := s.Record(tokenA); !r.Checked || r.Pending == nil || r.Pending.Hash != hash {
		t.Fatalf("record changed by rejected toggle: %+v", r)
	}
	if got := s.SelectedAddresses(); len(got) != 0 {
		t.Fatalf("pending tokens must not be selectable, got %v", got)
	}
}

func TestAttachPendingRejectsSecondHandle(t *testing.T) {
	s := New()
	if err := s.AttachPending(TransactionHandle{Token: tokenA, Hash: common.HexToHash("0x01")}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	err := s.AttachPending(TransactionHandle{Token: tokenA, Hash: common.HexToHash("0x02")})
	if !clierr.Is(err, clierr.CodeInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if err := s.AttachPending(TransactionHandle{Token: tokenB, Status: StatusConfirmed}); !clierr.Is(err, clierr.CodeInvalidState) {
		t.Fatalf("expected terminal handle to be rejected, got %v", err)
	}
}

func TestCompletePending(t *testing.T) {
	s := New()
	s.Load([]model.TokenBalance{balance(tokenA, 1, ""), balance(tokenB, 1, "")})
	hashA := common.HexToHash("0xa1")
	hashB := common.HexToHash("0xb1")
	for _, tok := range []common.Address{tokenA, tokenB} {
		if err := s.Toggle(tok, true); err != nil {
			t.Fatalf("toggle: %v", err)
		}
	}
	_ = s.AttachPending(TransactionHandle{Token: tokenA, Hash: hashA})
	_ = s.AttachPending(TransactionHandle{Token: tokenB, Hash: hashB})

	if _, err := s.CompletePending(tokenA, common.HexToHash("0xff"), StatusConfirmed, ""); !clierr.Is(err, clierr.CodeInvalidState) {
		t.Fatalf("expected hash mismatch to be rejected, got %v", err)
	}
	if _, err := s.CompletePending(tokenA, hashA, StatusPending, ""); !clierr.Is(err, clierr.CodeInvalidState) {
		t.Fatalf("expected non-terminal status to be rejected, got %v", err)
	}

	final, err := s.CompletePending(tokenA, hashA, StatusConfirmed, "")
	if err != nil {
		t.Fatalf("complete confirmed: %v", err)
	}
	if final.Status != StatusConfirmed || final.Hash != hashA {
		t.Fatalf("unexpected final handle %+v", final)
	}
	if r, _ := s.Record(tokenA); r.Checked || r.Pending != nil {
		t.Fatalf("confirmed token should be unchecked and idle, got %+v", r)
	}

	final, err = s.CompletePending(tokenB, hashB, StatusFailed, "execution reverted")
	if err != nil {
		t.Fatalf("complete failed: %v", err)
	}
	if final.FailureReason != "execution reverted" {
		t.Fatalf("expected failure reason, got %+v", final)
	}
	if r, _ := s.Record(tokenB); !r.Checked || r.Pending != nil {
		t.Fatalf("failed token should stay checked and idle, got %+v", r)
	}
	if got := s.SelectedAddresses(); len(got) != 1 || got[0] != tokenB {
		t.Fatalf("failed token should be selectable again, got %v", got)
	}
}

func TestSelectedAddressesOrder(t *testing.T) {
	s := New()
	s.Load([]model.TokenBalance{balance(tokenB, 1, ""), balance(tokenA, 1, "")})
	offList := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	_ = s.Toggle(offList, true)
	_ = s.Toggle(tokenA, true)
	_ = s.Toggle(tokenB, true)

	got := s.SelectedAddresses()
	want := []common.Address{tokenB, tokenA, offList}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestBindResetsOnScopeChange(t *testing.T) {
	s := New()
	scope := Scope{Account: account, ChainID: 1}
	s.Bind(scope)
	s.Load([]model.TokenBalance{balance(tokenA, 1, "")})
	_ = s.Toggle(tokenA, true)

	if s.Bind(scope) {
		t.Fatal("rebinding the same scope must not reset")
	}
	if got := s.SelectedAddresses(); len(got) != 1 {
		t.Fatalf("selection lost on same-scope bind: %v", got)
	}

	var events []Event
	s.OnChange(func(ev Event) { events = append(events, ev) })
	if !s.Bind(Scope{Account: account, ChainID: 137}) {
		t.Fatal("network change must reset")
	}
	if got := s.SelectedAddresses(); len(got) != 0 {
		t.Fatalf("expected empty selection after reset, got %v", got)
	}
	if len(s.Tokens()) != 0 {
		t.Fatal("expected discovery list cleared after reset")
	}
	if len(events) != 1 || events[0].Kind != EventReset {
		t.Fatalf("expected one reset event, got %+v", events)
	}
}

func TestDisconnectClearsScope(t *testing.T) {
	s := New()
	s.Bind(Scope{Account: account, ChainID: 1})
	_ = s.AttachPending(TransactionHandle{Token: tokenA, Hash: common.HexToHash("0x01")})
	s.Disconnect()
	if _, bound := s.Scope(); bound {
		t.Fatal("expected unbound store after disconnect")
	}
	if len(s.PendingHandles()) != 0 {
		t.Fatal("expected pending handles cleared after disconnect")
	}
}

func TestLoadKeepsExistingRecords(t *testing.T) {
	s := New()
	s.Load([]model.TokenBalance{balance(tokenA, 1, "")})
	_ = s.Toggle(tokenA, true)
	s.Load([]model.TokenBalance{balance(tokenB, 1, ""), balance(tokenA, 2, "")})

	if r, _ := s.Record(tokenA); !r.Checked {
		t.Fatal("reload must keep existing selection")
	}
	entries := s.Snapshot()
	if len(entries) != 2 || entries[0].Token.Contract != tokenB || entries[1].Token.RawBalance.Int64() != 2 {
		t.Fatalf("unexpected snapshot %+v", entries)
	}
}

func TestRecordReturnsCopy(t *testing.T) {
	s := New()
	_ = s.AttachPending(TransactionHandle{Token: tokenA, Hash: common.HexToHash("0x01")})
	r, _ := s.Record(tokenA)
	r.Pending.Hash = common.HexToHash("0x02")
	again, _ := s.Record(tokenA)
	if again.Pending.Hash != common.HexToHash("0x01") {
		t.Fatal("record mutated through returned copy")
	}
}

func TestBeginRunIsExclusive(t *testing.T) {
	s := New()
	release, err := s.BeginRun()
	if err != nil {
		t.Fatalf("first claim failed: %v", err)
	}
	if _, err := s.BeginRun(); !clierr.Is(err, clierr.CodeSweepRunning) {
		t.Fatalf("expected sweep running, got %v", err)
	}
	release()
	release()
	again, err := s.BeginRun()
	if err != nil {
		t.Fatalf("claim after release failed: %v", err)
	}
	again()
}

func TestRecordCopiesHandleNonce(t *testing.T) {
	s := New()
	nonce := uint64(5)
	if err := s.AttachPending(TransactionHandle{Token: tokenA, Hash: common.HexToHash("0x01"), Nonce: &nonce}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	nonce = 9
	rec, _ := s.Record(tokenA)
	*rec.Pending.Nonce = 11
	if again, _ := s.Record(tokenA); *again.Pending.Nonce != 5 {
		t.Fatalf("stored nonce leaked, got %d", *again.Pending.Nonce)
	}
}
