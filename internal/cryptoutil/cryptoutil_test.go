package cryptoutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureKeyFileIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "tccstore.pem")
	first, err := EnsureKeyFile(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode = %v", info.Mode().Perm())
	}
	second, err := EnsureKeyFile(path)
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if first != second {
		t.Fatal("root key changed on second ensure")
	}
	loaded, err := LoadRootKey(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded != first {
		t.Fatal("loaded root key differs")
	}
}

func TestLoadRootKeyMissingFile(t *testing.T) {
	if _, err := LoadRootKey(filepath.Join(t.TempDir(), "nope.pem")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}
