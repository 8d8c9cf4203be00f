// Package memory provides an in-process storage.Backend for tests and
// single-process development runs. Nothing survives a restart.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/tccstore/internal/storage"
)

// Store implements storage.Backend over a map guarded by a mutex.
type Store struct {
	mu         sync.RWMutex
	objs       map[string]*objectEntry
	sortedKeys []string
	closed     bool
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{objs: make(map[string]*objectEntry)}
}

// Close marks the store closed. Later calls still succeed; the map is kept
// so tests can inspect it after shutdown.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objs)
}

// ListObjects returns objects sorted lexicographically.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.sortedKeys
	start := 0
	if opts.StartAfter != "" {
		start = sort.SearchStrings(keys, opts.StartAfter)
		for start < len(keys) && keys[start] <= opts.StartAfter {
			start++
		}
	}
	if opts.Prefix != "" {
		if idx := sort.SearchStrings(keys, opts.Prefix); idx > start {
			start = idx
		}
	}
	result := &storage.ListResult{}
	for idx := start; idx < len(keys); idx++ {
		key := keys[idx]
		if !strings.HasPrefix(key, opts.Prefix) {
			break
		}
		if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		entry := s.objs[key]
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         entry.etag,
			Size:         int64(len(entry.payload)),
			LastModified: entry.updated,
			ContentType:  entry.contentType,
		})
	}
	return result, nil
}

// GetObject returns the payload for key if present.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.GetObjectResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(entry.payload)),
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         entry.etag,
			Size:         int64(len(entry.payload)),
			LastModified: entry.updated,
			ContentType:  entry.contentType,
		},
	}, nil
}

// PutObject stores the object for key. The IfNotExists check and the insert
// happen under one lock, which makes create-only writes atomic.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.objs[key]
	if opts.IfNotExists && exists {
		return nil, storage.ErrCASMismatch
	}
	entry := &objectEntry{
		payload:     payload,
		etag:        uuid.Must(uuid.NewV7()).String(),
		contentType: opts.ContentType,
		updated:     time.Now().UTC(),
	}
	s.objs[key] = entry
	if !exists {
		s.insertKeyLocked(key)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         entry.etag,
		Size:         int64(len(payload)),
		LastModified: entry.updated,
		ContentType:  entry.contentType,
	}, nil
}

// DeleteObject removes the object for key.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.objs[key]; !exists {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	delete(s.objs, key)
	s.removeKeyLocked(key)
	return nil
}

func (s *Store) insertKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		return
	}
	s.sortedKeys = append(s.sortedKeys, "")
	copy(s.sortedKeys[idx+1:], s.sortedKeys[idx:])
	s.sortedKeys[idx] = key
}

func (s *Store) removeKeyLocked(key string) {
	idx := sort.SearchStrings(s.sortedKeys, key)
	if idx < len(s.sortedKeys) && s.sortedKeys[idx] == key {
		s.sortedKeys = append(s.sortedKeys[:idx], s.sortedKeys[idx+1:]...)
	}
}
