package version

import "testing"

func TestString(t *testing.T) {
	origVersion, origSHA, origTime := Version, GitSHA, BuildTime
	defer func() { Version, GitSHA, BuildTime = origVersion, origSHA, origTime }()

	Version, GitSHA, BuildTime = "1.2.3", "abc1234", "2026-10-17T00:00:00Z"
	want := "autopilot 1.2.3 (commit abc1234, built 2026-10-17T00:00:00Z)"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
