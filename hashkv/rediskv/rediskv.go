// Package rediskv implements hashkv.Store on Redis hashes: HSETNX for
// create-only field writes, HGETALL for reads, DEL for removal and SCAN for
// prefix enumeration.
package rediskv

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"pkt.systems/pslog"

	"pkt.systems/tccstore/hashkv"
	"pkt.systems/tccstore/internal/svcfields"
)

// DefaultScanCount is the COUNT hint passed to SCAN.
const DefaultScanCount = 256

// Store is a hashkv.Store backed by a go-redis client.
type Store struct {
	client    redis.UniversalClient
	scanCount int64
	logger    pslog.Logger
	owned     bool
}

// Option customises a Store.
type Option func(*Store)

// WithScanCount overrides the SCAN COUNT hint.
func WithScanCount(n int64) Option {
	return func(s *Store) {
		if n > 0 {
			s.scanCount = n
		}
	}
}

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New wraps an existing client. Close on the returned Store does not close
// client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, scanCount: DefaultScanCount}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = svcfields.WithSubsystem(svcfields.Ensure(s.logger), "hashkv.redis")
	return s
}

// Open parses a redis:// or rediss:// URL, connects and pings the server.
// Client-side command retries are disabled: a replayed HSETNX whose first
// attempt landed would report a conflict for a write that succeeded.
func Open(ctx context.Context, rawURL string, opts ...Option) (*Store, error) {
	options, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("rediskv: parse url: %w", err)
	}
	options.MaxRetries = -1
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("rediskv: ping %s: %w", options.Addr, err)
	}
	s := New(client, opts...)
	s.owned = true
	return s, nil
}

// Client exposes the underlying client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// SetIfAbsent issues HSETNX.
func (s *Store) SetIfAbsent(ctx context.Context, key string, field, value []byte) (int64, error) {
	ok, err := s.client.HSetNX(ctx, key, string(field), value).Result()
	if err != nil {
		s.logger.Debug("redis.hsetnx.error", "key", key, "error", err)
		return 0, fmt.Errorf("rediskv: hsetnx %s: %w", key, err)
	}
	if !ok {
		s.logger.Trace("redis.hsetnx.exists", "key", key)
		return 0, nil
	}
	return 1, nil
}

// Fields issues HGETALL.
func (s *Store) Fields(ctx context.Context, key string) ([]hashkv.Field, error) {
	values, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		s.logger.Debug("redis.hgetall.error", "key", key, "error", err)
		return nil, fmt.Errorf("rediskv: hgetall %s: %w", key, err)
	}
	fields := make([]hashkv.Field, 0, len(values))
	for name, value := range values {
		fields = append(fields, hashkv.Field{Name: []byte(name), Value: []byte(value)})
	}
	hashkv.SortFields(fields)
	return fields, nil
}

// Delete issues DEL.
func (s *Store) Delete(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Del(ctx, key).Result()
	if err != nil {
		s.logger.Debug("redis.del.error", "key", key, "error", err)
		return 0, fmt.Errorf("rediskv: del %s: %w", key, err)
	}
	return n, nil
}

// Keys walks SCAN MATCH prefix* to completion. SCAN may return a key more
// than once, so results are de-duplicated.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	pattern := EscapePattern(prefix) + "*"
	seen := make(map[string]struct{})
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, s.scanCount).Result()
		if err != nil {
			s.logger.Debug("redis.scan.error", "pattern", pattern, "error", err)
			return nil, fmt.Errorf("rediskv: scan %s: %w", pattern, err)
		}
		for _, key := range batch {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	s.logger.Trace("redis.scan.done", "pattern", pattern, "keys", len(keys))
	return keys, nil
}

// Close closes the client when Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

// EscapePattern escapes Redis glob metacharacters so prefix matches
// literally.
func EscapePattern(prefix string) string {
	var b strings.Builder
	b.Grow(len(prefix))
	for _, r := range prefix {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Durability summarises the persistence settings relevant to record
// durability.
type Durability struct {
	AppendOnly  string
	AppendFsync string
}

// Safe reports whether every acknowledged write is fsynced before the reply.
func (d Durability) Safe() bool {
	return strings.EqualFold(d.AppendOnly, "yes") && strings.EqualFold(d.AppendFsync, "always")
}

func (d Durability) String() string {
	return fmt.Sprintf("appendonly=%s appendfsync=%s", d.AppendOnly, d.AppendFsync)
}

// ErrDurabilityUnknown is returned when the server refuses CONFIG GET.
var ErrDurabilityUnknown = errors.New("rediskv: durability settings unavailable")

// CheckDurability reads appendonly and appendfsync with CONFIG GET.
func (s *Store) CheckDurability(ctx context.Context) (Durability, error) {
	appendOnly, err := s.client.ConfigGet(ctx, "appendonly").Result()
	if err != nil {
		return Durability{}, fmt.Errorf("%w: %v", ErrDurabilityUnknown, err)
	}
	appendFsync, err := s.client.ConfigGet(ctx, "appendfsync").Result()
	if err != nil {
		return Durability{}, fmt.Errorf("%w: %v", ErrDurabilityUnknown, err)
	}
	return parseDurability(appendOnly, appendFsync), nil
}

func parseDurability(maps ...map[string]string) Durability {
	var d Durability
	for _, m := range maps {
		for k, v := range m {
			switch strings.ToLower(k) {
			case "appendonly":
				d.AppendOnly = v
			case "appendfsync":
				d.AppendFsync = v
			}
		}
	}
	return d
}
