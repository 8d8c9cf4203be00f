// Package cryptoutil manages the kryptograf key file that record
// encryption reads its root key from.
package cryptoutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pkt.systems/kryptograf/keymgmt"
)

// ErrNoRootKey reports a key file without a kryptograf root key.
var ErrNoRootKey = errors.New("cryptoutil: key file missing root key")

// EnsureKeyFile loads path, adds a root key when it has none, and writes
// the result back with mode 0600. A missing file is created.
func EnsureKeyFile(path string) (keymgmt.RootKey, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return keymgmt.RootKey{}, fmt.Errorf("read key file: %w", err)
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("load key file: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("ensure root key: %w", err)
	}
	if err := store.Commit(); err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("commit key material: %w", err)
	}
	if len(out) == 0 {
		out = existing
	}
	if len(out) == 0 {
		raw, err := store.Bytes()
		if err != nil {
			return keymgmt.RootKey{}, fmt.Errorf("serialize key material: %w", err)
		}
		out = raw
	}
	if err := writeAtomic(path, out, 0o600); err != nil {
		return keymgmt.RootKey{}, err
	}
	return root, nil
}

// LoadRootKey reads the root key from an existing key file.
func LoadRootKey(path string) (keymgmt.RootKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("read key file: %w", err)
	}
	store, err := keymgmt.LoadPEM(data)
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("load key file: %w", err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return keymgmt.RootKey{}, fmt.Errorf("read root key: %w", err)
	}
	if !ok {
		return keymgmt.RootKey{}, ErrNoRootKey
	}
	return root, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".keyfile-*")
	if err != nil {
		return fmt.Errorf("create temp key file: %w", err)
	}
	name := tmp.Name()
	defer os.Remove(name)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync key file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close key file: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("install key file: %w", err)
	}
	return nil
}
