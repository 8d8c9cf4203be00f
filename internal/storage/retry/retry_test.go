package retry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/tccstore/internal/storage"
	"pkt.systems/tccstore/internal/storage/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
}

type stubBackend struct {
	getErrs  []error
	getCalls int

	listErrs  []error
	listCalls int

	putErrs  []error
	putCalls int

	deleteErrs  []error
	deleteCalls int
}

func pick(errs []error, call int) error {
	if idx := call - 1; idx < len(errs) {
		return errs[idx]
	}
	return nil
}

func (s *stubBackend) GetObject(context.Context, string) (storage.GetObjectResult, error) {
	s.getCalls++
	if err := pick(s.getErrs, s.getCalls); err != nil {
		return storage.GetObjectResult{}, err
	}
	return storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader([]byte("ok"))), Info: &storage.ObjectInfo{}}, nil
}

func (s *stubBackend) PutObject(context.Context, string, io.Reader, storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	s.putCalls++
	if err := pick(s.putErrs, s.putCalls); err != nil {
		return nil, err
	}
	return &storage.ObjectInfo{}, nil
}

func (s *stubBackend) DeleteObject(context.Context, string, storage.DeleteObjectOptions) error {
	s.deleteCalls++
	return pick(s.deleteErrs, s.deleteCalls)
}

func (s *stubBackend) ListObjects(context.Context, storage.ListOptions) (*storage.ListResult, error) {
	s.listCalls++
	if err := pick(s.listErrs, s.listCalls); err != nil {
		return nil, err
	}
	return &storage.ListResult{}, nil
}

func (s *stubBackend) Close() error { return nil }

func TestRetryGetObjectTransient(t *testing.T) {
	stub := &stubBackend{getErrs: []error{
		storage.NewTransientError(errors.New("reset")),
		storage.NewTransientError(errors.New("reset")),
	}}
	clk := &fakeClock{}
	b := retry.Wrap(stub, pslog.NoopLogger(), clk, retry.Config{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, Multiplier: 3, MaxDelay: 25 * time.Millisecond})
	res, err := b.GetObject(context.Background(), "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	res.Reader.Close()
	if stub.getCalls != 3 {
		t.Fatalf("expected 3 calls, got %d", stub.getCalls)
	}
	want := []time.Duration{10 * time.Millisecond, 25 * time.Millisecond}
	if len(clk.sleeps) != len(want) {
		t.Fatalf("sleeps = %v", clk.sleeps)
	}
	for i := range want {
		if clk.sleeps[i] != want[i] {
			t.Fatalf("sleep %d = %v, want %v", i, clk.sleeps[i], want[i])
		}
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("access denied")
	stub := &stubBackend{listErrs: []error{permanent}}
	b := retry.Wrap(stub, nil, &fakeClock{}, retry.Config{MaxAttempts: 5})
	if _, err := b.ListObjects(context.Background(), storage.ListOptions{}); !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if stub.listCalls != 1 {
		t.Fatalf("expected single call, got %d", stub.listCalls)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	transient := storage.NewTransientError(errors.New("503"))
	stub := &stubBackend{listErrs: []error{transient, transient, transient}}
	b := retry.Wrap(stub, nil, &fakeClock{}, retry.Config{MaxAttempts: 2})
	if _, err := b.ListObjects(context.Background(), storage.ListOptions{}); !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if stub.listCalls != 2 {
		t.Fatalf("expected 2 calls, got %d", stub.listCalls)
	}
}

func TestMutationsAreNeverRetried(t *testing.T) {
	transient := storage.NewTransientError(errors.New("timeout"))
	stub := &stubBackend{putErrs: []error{transient}, deleteErrs: []error{transient}}
	b := retry.Wrap(stub, nil, &fakeClock{}, retry.Config{MaxAttempts: 5})
	if _, err := b.PutObject(context.Background(), "k", bytes.NewReader(nil), storage.PutObjectOptions{IfNotExists: true}); err == nil {
		t.Fatal("expected put error")
	}
	if err := b.DeleteObject(context.Background(), "k", storage.DeleteObjectOptions{}); err == nil {
		t.Fatal("expected delete error")
	}
	if stub.putCalls != 1 || stub.deleteCalls != 1 {
		t.Fatalf("mutations retried: put=%d delete=%d", stub.putCalls, stub.deleteCalls)
	}
}

func TestRetryDisabledByDefault(t *testing.T) {
	stub := &stubBackend{getErrs: []error{storage.NewTransientError(errors.New("reset"))}}
	b := retry.Wrap(stub, nil, nil, retry.Config{})
	if _, err := b.GetObject(context.Background(), "k"); err == nil {
		t.Fatal("expected error with retries disabled")
	}
	if stub.getCalls != 1 {
		t.Fatalf("expected 1 call, got %d", stub.getCalls)
	}
}
