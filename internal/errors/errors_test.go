package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeThroughFmtWrapping(t *testing.T) {
	root := errors.New("execution reverted")
	err := fmt.Errorf("token 0x01: %w", Wrap(CodeSimulationFailed, "simulate transfer", root))
	if !Is(err, CodeSimulationFailed) {
		t.Fatalf("expected simulation code, got %v", err)
	}
	if !errors.Is(err, root) {
		t.Fatal("expected root cause to remain reachable")
	}
	if ExitCode(err) != int(CodeSimulationFailed) {
		t.Fatalf("unexpected exit code %d", ExitCode(err))
	}
}

func TestExitCodeDefaults(t *testing.T) {
	if ExitCode(nil) != 0 {
		t.Fatal("expected zero exit code for nil error")
	}
	if ExitCode(errors.New("boom")) != int(CodeInternal) {
		t.Fatal("expected internal exit code for untyped errors")
	}
}

func TestTypeName(t *testing.T) {
	cases := map[Code]string{
		CodeInvalidState:            "invalid_state",
		CodeUnconfiguredDestination: "unconfigured_destination",
		CodeSweepRunning:            "sweep_already_running",
		Code(999):                   "internal_error",
	}
	for code, want := range cases {
		if got := TypeName(code); got != want {
			t.Fatalf("TypeName(%d): expected %q, got %q", code, want, got)
		}
	}
}
