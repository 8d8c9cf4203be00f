// Package disk stores objects as files under a root directory. Every write
// is fsynced together with its parent directory before it is acknowledged.
package disk

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tccstore/internal/storage"
	"pkt.systems/tccstore/internal/svcfields"
)

// DefaultLockStripes is the number of lock files guarding create-only writes.
const DefaultLockStripes = 64

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	// LockStripes bounds the number of lock files. Keys hash onto a stripe.
	LockStripes int
	// NoSync skips fsync calls. Only for tests on tmpfs.
	NoSync bool
}

// Store implements storage.Backend on the local filesystem. Create-only
// writes hold a process-wide mutex and an fcntl lock on the key's stripe
// lock file so several processes may share one root.
type Store struct {
	objectDir string
	tmpDir    string
	lockDir   string
	noSync    bool
	stripes   int
}

// fcntl locks do not exclude within one process, so every Store sharing a
// lock file also shares this mutex.
var processLocks sync.Map

func processMutex(lockPath string) *sync.Mutex {
	mu, _ := processLocks.LoadOrStore(lockPath, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// New prepares the directory layout under cfg.Root.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = DefaultLockStripes
	}
	root := filepath.Clean(cfg.Root)
	s := &Store{
		objectDir: filepath.Join(root, "objects"),
		tmpDir:    filepath.Join(root, "tmp"),
		lockDir:   filepath.Join(root, "locks"),
		noSync:    cfg.NoSync,
		stripes:   cfg.LockStripes,
	}
	for _, dir := range []string{s.objectDir, s.tmpDir, s.lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return s, nil
}

// Close satisfies storage.Backend.
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := svcfields.Ensure(pslog.LoggerFromContext(ctx)).With("storage_backend", "disk")
	return logger, logger
}

func (s *Store) objectPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := path.Clean("/" + key)
	clean = strings.TrimPrefix(clean, "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "../") || clean != key {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(clean)), nil
}

func (s *Store) keyFromPath(p string) (string, error) {
	rel, err := filepath.Rel(s.objectDir, p)
	if err != nil {
		return "", fmt.Errorf("disk: compute relative path: %w", err)
	}
	if rel == "" || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("disk: object path outside root: %q", p)
	}
	return filepath.ToSlash(rel), nil
}

// ListObjects walks the object tree and returns keys in lexical order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	verbose.Trace("disk.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)

	type entry struct {
		key  string
		info fs.FileInfo
	}
	var entries []entry
	err := filepath.WalkDir(s.objectDir, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		key, err := s.keyFromPath(p)
		if err != nil {
			return err
		}
		if !strings.HasPrefix(key, opts.Prefix) {
			return nil
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		entries = append(entries, entry{key: key, info: info})
		return nil
	})
	if err != nil {
		logger.Debug("disk.list_objects.walk_error", "error", err)
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].key < entries[j].key })
	limit := len(entries)
	if opts.Limit > 0 && opts.Limit < limit {
		limit = opts.Limit
	}
	result := &storage.ListResult{Objects: make([]storage.ObjectInfo, 0, limit)}
	for _, e := range entries[:limit] {
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          e.key,
			Size:         e.info.Size(),
			LastModified: e.info.ModTime(),
			ContentType:  storage.ContentTypeRecord,
		})
	}
	if limit < len(entries) {
		result.Truncated = true
		result.NextStartAfter = entries[limit-1].key
	}
	verbose.Debug("disk.list_objects.success",
		"prefix", opts.Prefix,
		"count", len(result.Objects),
		"truncated", result.Truncated,
		"elapsed", time.Since(start),
	)
	return result, nil
}

// GetObject opens the object file for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.get_object.begin", "key", key)
	p, err := s.objectPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			verbose.Debug("disk.get_object.not_found", "key", key)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("disk.get_object.read_error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: read object %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:         key,
		ETag:        etagOf(data),
		Size:        int64(len(data)),
		ContentType: storage.ContentTypeRecord,
	}
	if fi, err := os.Stat(p); err == nil {
		info.LastModified = fi.ModTime()
	}
	verbose.Debug("disk.get_object.success", "key", key, "size", info.Size)
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(data)), Info: info}, nil
}

// PutObject writes body to a synced temp file and renames it into place.
// With IfNotExists the existence check and rename run under the key's
// stripe lock.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.put_object.begin", "key", key, "if_not_exists", opts.IfNotExists)
	dest, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	tmpName, sum, size, err := s.writeTemp(body)
	if err != nil {
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	defer os.Remove(tmpName)

	if opts.IfNotExists {
		unlock, err := s.lockStripe(key)
		if err != nil {
			return nil, err
		}
		defer unlock()
		if _, err := os.Lstat(dest); err == nil {
			verbose.Debug("disk.put_object.exists", "key", key)
			return nil, storage.ErrCASMismatch
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("disk: stat object %q: %w", key, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.renameInto(tmpName, dest); err != nil {
		logger.Debug("disk.put_object.rename_error", "key", key, "error", err)
		return nil, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	if err := s.syncDir(filepath.Dir(dest)); err != nil {
		return nil, fmt.Errorf("disk: sync directory for %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         sum,
		Size:         size,
		LastModified: time.Now().UTC(),
		ContentType:  opts.ContentType,
	}
	verbose.Debug("disk.put_object.success", "key", key, "size", size, "etag", sum)
	return info, nil
}

// DeleteObject removes the object file and prunes empty parent directories.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger, verbose := s.loggers(ctx)
	verbose.Trace("disk.delete_object.begin", "key", key, "ignore_not_found", opts.IgnoreNotFound)
	p, err := s.objectPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		logger.Debug("disk.delete_object.remove_error", "key", key, "error", err)
		return fmt.Errorf("disk: remove object %q: %w", key, err)
	}
	if err := s.syncDir(filepath.Dir(p)); err != nil {
		return fmt.Errorf("disk: sync directory for %q: %w", key, err)
	}
	verbose.Debug("disk.delete_object.success", "key", key)
	for dir := filepath.Dir(p); dir != s.objectDir && dir != "."; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

// renameInto recreates the parent directory when a concurrent delete pruned
// it between MkdirAll and Rename.
func (s *Store) renameInto(tmpName, dest string) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if err = os.Rename(tmpName, dest); err == nil || !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if mkErr := os.MkdirAll(filepath.Dir(dest), 0o755); mkErr != nil {
			return mkErr
		}
	}
	return err
}

func (s *Store) writeTemp(body io.Reader) (name, sum string, size int64, err error) {
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return "", "", 0, err
	}
	hasher := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, hasher), body)
	if err == nil && !s.noSync {
		err = syncFile(tmp)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", "", 0, err
	}
	return tmp.Name(), hex.EncodeToString(hasher.Sum(nil)), size, nil
}

func (s *Store) lockStripe(key string) (func(), error) {
	h := fnv.New32a()
	h.Write([]byte(key))
	lockPath := filepath.Join(s.lockDir, fmt.Sprintf("%03d.lock", h.Sum32()%uint32(s.stripes)))
	mu := processMutex(lockPath)
	mu.Lock()
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		mu.Unlock()
		return nil, fmt.Errorf("disk: open lock: %w", err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		mu.Unlock()
		return nil, fmt.Errorf("disk: lock stripe: %w", err)
	}
	return func() {
		_ = unlockFile(f)
		_ = f.Close()
		mu.Unlock()
	}, nil
}

func (s *Store) syncDir(dir string) error {
	if s.noSync {
		return nil
	}
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func etagOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
