package version

import (
	"runtime/debug"
	"testing"
)

func TestPseudoVersionFromSettings(t *testing.T) {
	got := pseudo([]debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef"},
		{Key: "vcs.time", Value: "2024-05-06T07:08:09Z"},
		{Key: "vcs.modified", Value: "true"},
	})
	want := "v0.0.0-20240506070809-0123456789ab+dirty"
	if got != want {
		t.Fatalf("pseudo = %q, want %q", got, want)
	}
}

func TestPseudoVersionRequiresRevision(t *testing.T) {
	if got := pseudo([]debug.BuildSetting{{Key: "vcs.time", Value: "2024-05-06T07:08:09Z"}}); got != "" {
		t.Fatalf("expected empty pseudo version, got %q", got)
	}
	if Current() == "" {
		t.Fatal("Current returned empty string")
	}
}
