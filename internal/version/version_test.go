package version

import (
	"strings"
	"testing"
)

func TestLongUsesLinkedValues(t *testing.T) {
	prevCommit, prevDate := Commit, BuildDate
	t.Cleanup(func() { Commit, BuildDate = prevCommit, prevDate })
	Commit, BuildDate = "abc123", "2026-01-02"

	got := Long()
	if !strings.Contains(got, "commit: abc123") || !strings.Contains(got, "built: 2026-01-02") {
		t.Fatalf("unexpected version string: %s", got)
	}
	if !strings.HasPrefix(got, CLIName+" "+CLIVersion) {
		t.Fatalf("expected name and version prefix, got %s", got)
	}
}

func TestUserAgent(t *testing.T) {
	if UserAgent() != "defi-agent/0.1.0" {
		t.Fatalf("unexpected user agent: %s", UserAgent())
	}
}
