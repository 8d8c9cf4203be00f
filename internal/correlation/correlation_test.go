package correlation

import (
	"context"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	if _, ok := Normalize("   "); ok {
		t.Fatal("blank id accepted")
	}
	if _, ok := Normalize(strings.Repeat("a", MaxIDLength+1)); ok {
		t.Fatal("oversized id accepted")
	}
	if _, ok := Normalize("bad\nid"); ok {
		t.Fatal("control character accepted")
	}
	got, ok := Normalize("  req-42 ")
	if !ok || got != "req-42" {
		t.Fatalf("Normalize = %q, %v", got, ok)
	}
}

func TestEnsureKeepsExisting(t *testing.T) {
	ctx := With(context.Background(), "req-1")
	ctx2, id := Ensure(ctx)
	if id != "req-1" || ID(ctx2) != "req-1" {
		t.Fatalf("Ensure replaced id: %q", id)
	}
}

func TestEnsureGenerates(t *testing.T) {
	ctx, id := Ensure(context.Background())
	if id == "" || ID(ctx) != id {
		t.Fatalf("generated id not attached: %q", id)
	}
	_, other := Ensure(context.Background())
	if other == id {
		t.Fatal("expected distinct ids")
	}
}

func TestWithRejectsInvalid(t *testing.T) {
	ctx := With(context.Background(), "")
	if ID(ctx) != "" {
		t.Fatal("invalid id stored")
	}
}
