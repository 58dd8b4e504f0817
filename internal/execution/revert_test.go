package execution

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
)

type testRPCDataError struct {
	msg  string
	data any
}

func (e testRPCDataError) Error() string { return e.msg }

func (e testRPCDataError) ErrorData() interface{} { return e.data }

func TestDecodeRevertDataReasonString(t *testing.T) {
	revertData := encodeErrorString(t, "ERC20: transfer amount exceeds balance")
	reason := decodeRevertData(revertData)
	if reason != "ERC20: transfer amount exceeds balance" {
		t.Fatalf("expected decoded revert reason, got %q", reason)
	}
}

func TestDecodeRevertDataCustomErrorSelector(t *testing.T) {
	revertData := common.FromHex("0x12345678")
	reason := decodeRevertData(revertData)
	if !strings.Contains(reason, "0x12345678") {
		t.Fatalf("expected custom error selector in reason, got %q", reason)
	}
	if got := decodeRevertData([]byte{0x01}); got != "" {
		t.Fatalf("expected short data to decode to nothing, got %q", got)
	}
}

func TestDecodeRevertFromErrorWithDataError(t *testing.T) {
	revertData := encodeErrorString(t, "blacklisted")
	err := testRPCDataError{
		msg:  "execution reverted",
		data: "0x" + common.Bytes2Hex(revertData),
	}
	if reason := decodeRevertFromError(err); reason != "blacklisted" {
		t.Fatalf("unexpected decoded reason: %q", reason)
	}
	wrapped := fmt.Errorf("call: %w", err)
	if reason := RevertReason(wrapped); reason != "blacklisted" {
		t.Fatalf("expected reason through wrapped error, got %q", reason)
	}
	if reason := RevertReason(errors.New("connection refused")); reason != "" {
		t.Fatalf("expected no reason for plain error, got %q", reason)
	}
}

func TestWrapEVMExecutionErrorIncludesDecodedRevert(t *testing.T) {
	revertData := encodeErrorString(t, "paused")
	rootErr := testRPCDataError{
		msg:  "execution reverted",
		data: "0x" + common.Bytes2Hex(revertData),
	}
	wrapped := wrapEVMExecutionError(clierr.CodeSimulationFailed, "simulate transfer (eth_call)", rootErr)
	if wrapped.Code != clierr.CodeSimulationFailed {
		t.Fatalf("unexpected code %d", wrapped.Code)
	}
	if !strings.Contains(wrapped.Error(), "execution reverted: paused") {
		t.Fatalf("expected decoded reason in wrapped error, got: %v", wrapped)
	}
	if !errors.Is(wrapped, rootErr) {
		t.Fatal("expected root error to stay in the chain")
	}
}

func encodeErrorString(t *testing.T, reason string) []byte {
	t.Helper()
	stringTy, err := abi.NewType("string", "", nil)
	if err != nil {
		t.Fatalf("create abi string type: %v", err)
	}
	args := abi.Arguments{{Type: stringTy}}
	encoded, err := args.Pack(reason)
	if err != nil {
		t.Fatalf("pack revert reason: %v", err)
	}
	return append(common.FromHex("0x08c379a0"), encoded...)
}
