package objectkv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"pkt.systems/tccstore/internal/storage"
	"pkt.systems/tccstore/internal/storage/disk"
	"pkt.systems/tccstore/internal/storage/memory"
)

func version(n byte) []byte { return []byte{0, 0, 0, 0, 0, 0, 0, n} }

func backends(t *testing.T) map[string]storage.Backend {
	t.Helper()
	d, err := disk.New(disk.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("disk: %v", err)
	}
	return map[string]storage.Backend{
		"memory": memory.New(),
		"disk":   d,
	}
}

func TestStoreContract(t *testing.T) {
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(backend, WithPageSize(2))
			defer s.Close()

			if n, err := s.SetIfAbsent(ctx, "TCC:tx-1", version(1), []byte("one")); err != nil || n != 1 {
				t.Fatalf("set v1 = %d, %v", n, err)
			}
			if n, err := s.SetIfAbsent(ctx, "TCC:tx-1", version(1), []byte("again")); err != nil || n != 0 {
				t.Fatalf("duplicate set = %d, %v", n, err)
			}
			for i := byte(2); i <= 4; i++ {
				if _, err := s.SetIfAbsent(ctx, "TCC:tx-1", version(i), []byte{'v', '0' + i}); err != nil {
					t.Fatalf("set v%d: %v", i, err)
				}
			}
			if _, err := s.SetIfAbsent(ctx, "TCC:tx-1:b1", version(1), []byte("branch")); err != nil {
				t.Fatalf("set branch: %v", err)
			}

			fields, err := s.Fields(ctx, "TCC:tx-1")
			if err != nil {
				t.Fatalf("fields: %v", err)
			}
			if len(fields) != 4 || string(fields[0].Value) != "one" || fields[3].Name[7] != 4 {
				t.Fatalf("unexpected fields %+v", fields)
			}

			keys, err := s.Keys(ctx, "TCC:")
			if err != nil {
				t.Fatalf("keys: %v", err)
			}
			sort.Strings(keys)
			if strings.Join(keys, ",") != "TCC:tx-1,TCC:tx-1:b1" {
				t.Fatalf("keys = %v", keys)
			}

			if n, err := s.Delete(ctx, "TCC:tx-1"); err != nil || n != 1 {
				t.Fatalf("delete = %d, %v", n, err)
			}
			if n, err := s.Delete(ctx, "TCC:tx-1"); err != nil || n != 0 {
				t.Fatalf("second delete = %d, %v", n, err)
			}
			fields, err = s.Fields(ctx, "TCC:tx-1")
			if err != nil || len(fields) != 0 {
				t.Fatalf("fields after delete = %v, %v", fields, err)
			}
			fields, err = s.Fields(ctx, "TCC:tx-1:b1")
			if err != nil || len(fields) != 1 {
				t.Fatalf("branch fields = %v, %v", fields, err)
			}
		})
	}
}

func TestKeysEscapesSlashes(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New())
	if _, err := s.SetIfAbsent(ctx, "TCC:a/b", version(1), []byte("x")); err != nil {
		t.Fatalf("set: %v", err)
	}
	keys, err := s.Keys(ctx, "TCC:")
	if err != nil || len(keys) != 1 || keys[0] != "TCC:a/b" {
		t.Fatalf("keys = %v, %v", keys, err)
	}
	fields, err := s.Fields(ctx, "TCC:a")
	if err != nil || len(fields) != 0 {
		t.Fatalf("prefix key leaked fields: %v, %v", fields, err)
	}
}

func TestSetIfAbsentRace(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New())
	var wins atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := s.SetIfAbsent(ctx, "TCC:race", version(1), []byte("v"))
			if err != nil {
				t.Errorf("set: %v", err)
				return
			}
			wins.Add(n)
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected one winner, got %d", wins.Load())
	}
}

// afterListBackend runs hook once, right after the first listing returns.
type afterListBackend struct {
	storage.Backend
	once sync.Once
	hook func()
}

func (b *afterListBackend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	res, err := b.Backend.ListObjects(ctx, opts)
	if err == nil {
		b.once.Do(b.hook)
	}
	return res, err
}

func TestDeleteRemovesFieldWrittenDuringDelete(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			writer := New(backend)
			if n, err := writer.SetIfAbsent(ctx, "TCC:late", version(1), []byte("v1")); err != nil || n != 1 {
				t.Fatalf("set v1 = %d, %v", n, err)
			}
			gated := &afterListBackend{Backend: backend}
			gated.hook = func() {
				if n, err := writer.SetIfAbsent(ctx, "TCC:late", version(2), []byte("v2")); err != nil || n != 1 {
					t.Errorf("set v2 = %d, %v", n, err)
				}
			}
			n, err := New(gated).Delete(ctx, "TCC:late")
			if err != nil || n != 1 {
				t.Fatalf("delete = %d, %v", n, err)
			}
			fields, err := writer.Fields(ctx, "TCC:late")
			if err != nil {
				t.Fatalf("fields: %v", err)
			}
			if len(fields) != 0 {
				t.Fatalf("%d fields survived delete", len(fields))
			}
		})
	}
}

func TestConcurrentDeleteReportsOneRemoval(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := New(backend)
			if _, err := s.SetIfAbsent(ctx, "TCC:del", version(1), []byte("v")); err != nil {
				t.Fatalf("set: %v", err)
			}
			var removed atomic.Int64
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					n, err := s.Delete(ctx, "TCC:del")
					if err != nil {
						t.Errorf("delete: %v", err)
						return
					}
					removed.Add(n)
				}()
			}
			wg.Wait()
			if removed.Load() != 1 {
				t.Fatalf("removals reported = %d, want 1", removed.Load())
			}
		})
	}
}
