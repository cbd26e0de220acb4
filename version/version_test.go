package version

import (
	"strings"
	"testing"
)

func TestInfo(t *testing.T) {
	defer func(c, v string) { CommitHash, Version = c, v }(CommitHash, Version)
	CommitHash = "0123456789abcdef"
	Version = "v0.3.0"

	info := Get()
	if info.Short() != "0123456" {
		t.Errorf("Short() = %q", info.Short())
	}
	if !strings.Contains(info.String(), "v0.3.0") || !strings.Contains(info.String(), "protocol 1") {
		t.Errorf("String() = %q", info.String())
	}
	if info.UserAgent() != "roster/v0.3.0 (0123456)" {
		t.Errorf("UserAgent() = %q", info.UserAgent())
	}

	CommitHash = "dev"
	if Get().Short() != "dev" {
		t.Errorf("short hash of dev build = %q", Get().Short())
	}
}
