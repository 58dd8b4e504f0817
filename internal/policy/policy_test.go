package policy

import (
	"testing"

	clierr "github.com/ggonzalez94/drain-cli/internal/errors"
)

func TestCheckCommandAllowed(t *testing.T) {
	if err := CheckCommandAllowed(nil, "sweep run"); err != nil {
		t.Fatalf("unexpected error with empty allowlist: %v", err)
	}
	if err := CheckCommandAllowed([]string{"tokens"}, "tokens"); err != nil {
		t.Fatalf("expected command to be allowed: %v", err)
	}
	if err := CheckCommandAllowed([]string{"Sweep  Watch"}, "sweep watch"); err != nil {
		t.Fatalf("expected normalized match: %v", err)
	}
	err := CheckCommandAllowed([]string{"chains list", "tokens"}, "sweep run")
	if !clierr.Is(err, clierr.CodeBlocked) {
		t.Fatalf("expected blocked error, got %v", err)
	}
}

func TestCheckCommandAllowedGroups(t *testing.T) {
	if err := CheckCommandAllowed([]string{"sweep"}, "sweep run"); err != nil {
		t.Fatalf("expected group to allow subcommand: %v", err)
	}
	if err := CheckCommandAllowed([]string{"sweep"}, "sweeper"); err == nil {
		t.Fatal("group match must respect word boundaries")
	}
	if err := CheckCommandAllowed([]string{"sweep run"}, "sweep watch"); err == nil {
		t.Fatal("sibling commands must stay blocked")
	}
}
