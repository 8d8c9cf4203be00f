// Package objectkv emulates hashkv.Store on an object store. Every hash
// field becomes one object named "<escaped key>/<hex field>", written with a
// create-only put so set-if-absent is as atomic as the backend's
// conditional create.
package objectkv

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/tccstore/hashkv"
	"pkt.systems/tccstore/internal/storage"
	"pkt.systems/tccstore/internal/svcfields"
)

// DefaultPageSize bounds each ListObjects call.
const DefaultPageSize = 1000

// maxDeletePasses bounds how often Delete relists a key that keeps gaining
// fields.
const maxDeletePasses = 16

// Store adapts a storage.Backend to hashkv.Store.
type Store struct {
	backend  storage.Backend
	pageSize int
	logger   pslog.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithPageSize overrides the listing page size.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps backend. Closing the Store closes backend.
func New(backend storage.Backend, opts ...Option) *Store {
	s := &Store{backend: backend, pageSize: DefaultPageSize}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = svcfields.WithSubsystem(svcfields.Ensure(s.logger), "hashkv.object")
	return s
}

// Backend returns the wrapped object store.
func (s *Store) Backend() storage.Backend { return s.backend }

func keyDir(key string) string {
	return url.PathEscape(key) + "/"
}

func objectName(key string, field []byte) string {
	return keyDir(key) + hex.EncodeToString(field)
}

// SetIfAbsent puts the field object with IfNotExists.
func (s *Store) SetIfAbsent(ctx context.Context, key string, field, value []byte) (int64, error) {
	name := objectName(key, field)
	_, err := s.backend.PutObject(ctx, name, bytes.NewReader(value), storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeRecord,
	})
	if err != nil {
		if errors.Is(err, storage.ErrCASMismatch) {
			s.logger.Trace("objectkv.set.exists", "key", key, "object", name)
			return 0, nil
		}
		return 0, fmt.Errorf("objectkv: put %s: %w", name, err)
	}
	return 1, nil
}

// Fields lists the key's directory and reads every field object. Objects
// removed between listing and reading are skipped.
func (s *Store) Fields(ctx context.Context, key string) ([]hashkv.Field, error) {
	dir := keyDir(key)
	var fields []hashkv.Field
	err := storage.ListAll(ctx, s.backend, dir, s.pageSize, func(obj storage.ObjectInfo) error {
		suffix := strings.TrimPrefix(obj.Key, dir)
		if suffix == "" || strings.Contains(suffix, "/") {
			return nil
		}
		name, err := hex.DecodeString(suffix)
		if err != nil {
			s.logger.Warn("objectkv.fields.foreign_object", "key", key, "object", obj.Key)
			return nil
		}
		data, _, err := storage.ReadObject(ctx, s.backend, obj.Key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("objectkv: read %s: %w", obj.Key, err)
		}
		fields = append(fields, hashkv.Field{Name: name, Value: data})
		return nil
	})
	if err != nil {
		return nil, err
	}
	hashkv.SortFields(fields)
	return fields, nil
}

// Delete removes every field object under key and relists until the key's
// directory is empty, so a field created while the delete runs is removed
// too. It reports 1 only when this call removed at least one object;
// objects already gone (ErrNotFound) belong to a concurrent delete.
func (s *Store) Delete(ctx context.Context, key string) (int64, error) {
	dir := keyDir(key)
	removed := 0
	for pass := 0; ; pass++ {
		if pass == maxDeletePasses {
			return 0, fmt.Errorf("objectkv: delete %s: objects still present after %d passes", dir, maxDeletePasses)
		}
		var names []string
		if err := storage.ListAll(ctx, s.backend, dir, s.pageSize, func(obj storage.ObjectInfo) error {
			names = append(names, obj.Key)
			return nil
		}); err != nil {
			return 0, fmt.Errorf("objectkv: list %s: %w", dir, err)
		}
		if len(names) == 0 {
			break
		}
		for _, name := range names {
			err := s.backend.DeleteObject(ctx, name, storage.DeleteObjectOptions{})
			switch {
			case err == nil:
				removed++
			case errors.Is(err, storage.ErrNotFound):
			default:
				return 0, fmt.Errorf("objectkv: delete %s: %w", name, err)
			}
		}
		if pass > 0 {
			s.logger.Debug("objectkv.delete.relist", "key", key, "pass", pass, "objects", len(names))
		}
	}
	if removed == 0 {
		return 0, nil
	}
	s.logger.Trace("objectkv.delete.done", "key", key, "objects", removed)
	return 1, nil
}

// Keys lists objects under the escaped prefix and folds them back to hash
// keys.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	seen := make(map[string]struct{})
	var keys []string
	err := storage.ListAll(ctx, s.backend, url.PathEscape(prefix), s.pageSize, func(obj storage.ObjectInfo) error {
		idx := strings.LastIndexByte(obj.Key, '/')
		if idx <= 0 {
			return nil
		}
		key, err := url.PathUnescape(obj.Key[:idx])
		if err != nil || !strings.HasPrefix(key, prefix) {
			return nil
		}
		if _, dup := seen[key]; dup {
			return nil
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("objectkv: list %s: %w", prefix, err)
	}
	return keys, nil
}

// Close closes the backend.
func (s *Store) Close() error {
	return s.backend.Close()
}
