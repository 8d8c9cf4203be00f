// Package hashkv describes the hash-shaped key-value store the transaction
// repository persists into: a key holds named fields, fields are written
// only when absent, and keys can be enumerated by prefix.
package hashkv

import (
	"bytes"
	"context"
	"sort"
)

// Field is one hash field and its value.
type Field struct {
	Name  []byte
	Value []byte
}

// Store is the backing-store contract.
//
// SetIfAbsent must be atomic per (key, field): when two callers race on the
// same absent field exactly one observes 1 and the other 0. Implementations
// must not retry internally.
type Store interface {
	// SetIfAbsent writes field=value under key only if field is absent and
	// returns the number of fields written (0 or 1).
	SetIfAbsent(ctx context.Context, key string, field, value []byte) (int64, error)
	// Fields returns every field stored under key. A missing key yields an
	// empty slice and no error.
	Fields(ctx context.Context, key string) ([]Field, error)
	// Delete removes key with all of its fields and returns the number of
	// keys removed (0 or 1).
	Delete(ctx context.Context, key string) (int64, error)
	// Keys returns every key starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Close releases client resources.
	Close() error
}

// SortFields orders fields by name, byte-wise ascending.
func SortFields(fields []Field) {
	sort.Slice(fields, func(i, j int) bool {
		return bytes.Compare(fields[i].Name, fields[j].Name) < 0
	})
}
