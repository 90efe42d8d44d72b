package main

import (
	"bytes"
	"strings"
	"testing"
)

func runRootCommandForTest(args ...string) (string, error) {
	root := buildRootCommand()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestRootHelpListsSubcommands(t *testing.T) {
	t.Parallel()

	output, err := runRootCommandForTest("--help")
	if err != nil {
		t.Fatalf("execute --help: %v\nOutput:\n%s", err, output)
	}
	for _, want := range []string{"add", "query", "due", "review", "selftest", "snapshot", "stats", "console", "serve"} {
		if !strings.Contains(output, want) {
			t.Fatalf("help output missing %q:\n%s", want, output)
		}
	}
}

func TestSnapshotHelpListsSubcommands(t *testing.T) {
	t.Parallel()

	output, err := runRootCommandForTest("snapshot", "--help")
	if err != nil {
		t.Fatalf("execute snapshot --help: %v\nOutput:\n%s", err, output)
	}
	for _, want := range []string{"create", "list", "diff", "apply", "delete"} {
		if !strings.Contains(output, want) {
			t.Fatalf("snapshot help missing %q:\n%s", want, output)
		}
	}
}

func TestUnknownSubcommandFails(t *testing.T) {
	t.Parallel()

	if _, err := runRootCommandForTest("frobnicate"); err == nil {
		t.Fatal("unknown subcommand should error")
	}
}
