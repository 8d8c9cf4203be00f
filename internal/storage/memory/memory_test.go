package memory

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"pkt.systems/tccstore/internal/storage"
)

func TestPutObjectIfNotExists(t *testing.T) {
	store := New()
	ctx := context.Background()

	if _, err := store.PutObject(ctx, "TCC:a/0000000000000001", bytes.NewReader([]byte("one")), storage.PutObjectOptions{IfNotExists: true}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	_, err := store.PutObject(ctx, "TCC:a/0000000000000001", bytes.NewReader([]byte("two")), storage.PutObjectOptions{IfNotExists: true})
	if !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("expected cas mismatch, got %v", err)
	}
	data, info, err := storage.ReadObject(ctx, store, "TCC:a/0000000000000001")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "one" {
		t.Fatalf("payload overwritten: %q", data)
	}
	if info.ETag == "" {
		t.Fatal("expected etag")
	}
}

func TestPutObjectIfNotExistsRace(t *testing.T) {
	store := New()
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.PutObject(ctx, "race", bytes.NewReader([]byte{byte(i)}), storage.PutObjectOptions{IfNotExists: true})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, storage.ErrCASMismatch) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestListObjectsPrefixAndPaging(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, key := range []string{"a/1", "b/1", "b/2", "b/3", "c/1"} {
		if _, err := store.PutObject(ctx, key, bytes.NewReader(nil), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	page, err := store.ListObjects(ctx, storage.ListOptions{Prefix: "b/", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 2 || !page.Truncated || page.NextStartAfter != "b/2" {
		t.Fatalf("unexpected first page: %+v", page)
	}
	page, err = store.ListObjects(ctx, storage.ListOptions{Prefix: "b/", Limit: 2, StartAfter: page.NextStartAfter})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page.Objects) != 1 || page.Objects[0].Key != "b/3" || page.Truncated {
		t.Fatalf("unexpected second page: %+v", page)
	}

	var seen []string
	if err := storage.ListAll(ctx, store, "b/", 1, func(obj storage.ObjectInfo) error {
		seen = append(seen, obj.Key)
		return nil
	}); err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 keys, got %v", seen)
	}
}

func TestDeleteObject(t *testing.T) {
	store := New()
	ctx := context.Background()
	if err := store.DeleteObject(ctx, "missing", storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.DeleteObject(ctx, "missing", storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("ignore not found: %v", err)
	}
	if _, err := store.PutObject(ctx, "k", bytes.NewReader([]byte("v")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.DeleteObject(ctx, "k", storage.DeleteObjectOptions{}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d", store.Len())
	}
	if _, err := store.GetObject(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
