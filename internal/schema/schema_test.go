package schema

import (
	"testing"

	"github.com/spf13/cobra"
)

func TestBuildSchema(t *testing.T) {
	root := &cobra.Command{Use: "drain"}
	child := &cobra.Command{Use: "chains", Short: "chain cmds"}
	leaf := &cobra.Command{Use: "get", Short: "show one chain"}
	leaf.Flags().String("chain", "", "chain id or slug")
	_ = leaf.MarkFlagRequired("chain")
	child.AddCommand(leaf)
	root.AddCommand(child)

	s, err := Build(root, "chains get")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Path != "drain chains get" {
		t.Fatalf("unexpected path: %s", s.Path)
	}
	if len(s.Flags) != 1 || s.Flags[0].Name != "chain" || !s.Flags[0].Required {
		t.Fatalf("unexpected flags: %+v", s.Flags)
	}
	if s.Mutates {
		t.Fatal("read-only command reported as mutating")
	}
}

func TestBuildSchemaMutatingInherited(t *testing.T) {
	root := &cobra.Command{Use: "drain"}
	group := &cobra.Command{Use: "sweep", Annotations: map[string]string{AnnotationMutates: "true"}}
	run := &cobra.Command{Use: "run"}
	group.AddCommand(run)
	root.AddCommand(group)

	s, err := Build(root, "sweep")
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !s.Mutates || len(s.Subcommands) != 1 || !s.Subcommands[0].Mutates {
		t.Fatalf("expected mutating group and child, got %+v", s)
	}
	if _, err := Build(root, "sweep nope"); err == nil {
		t.Fatal("expected unknown command error")
	}
}
