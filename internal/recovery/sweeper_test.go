package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/tccstore/internal/clock"
	"pkt.systems/tccstore/internal/objectkv"
	"pkt.systems/tccstore/internal/storage/memory"
	"pkt.systems/tccstore/repository"
	"pkt.systems/tccstore/txn"
)

var epoch = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func seededRepo(t *testing.T, clk clock.Clock) *repository.KV {
	t.Helper()
	repo, err := repository.New(objectkv.New(memory.New()), txn.JSONSerializer{}, repository.WithClock(clk))
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	ctx := context.Background()
	for _, r := range []*txn.Record{
		{Xid: txn.Xid{GlobalID: "tx-old"}, Version: 1, LastUpdateTime: epoch.Add(-10 * time.Minute)},
		{Xid: txn.Xid{GlobalID: "tx-older"}, Version: 1, LastUpdateTime: epoch.Add(-time.Hour)},
		{Xid: txn.Xid{GlobalID: "tx-fresh"}, Version: 1, LastUpdateTime: epoch.Add(-10 * time.Second)},
	} {
		if _, err := repo.Create(ctx, r); err != nil {
			t.Fatalf("seed %s: %v", r.Xid, err)
		}
	}
	return repo
}

type recordingHandler struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (h *recordingHandler) Recover(_ context.Context, rec *txn.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, rec.Xid.String())
	if h.fail[rec.Xid.String()] {
		return errors.New("participant unreachable")
	}
	return nil
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestSweepOnceFindsStaleRecords(t *testing.T) {
	clk := clock.NewManual(epoch)
	handler := &recordingHandler{fail: map[string]bool{"tx-older": true}}
	s, err := New(seededRepo(t, clk), handler, Config{Threshold: time.Minute, Clock: clk})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Visited != 2 || res.Handled != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !res.Cutoff.Equal(epoch.Add(-time.Minute)) {
		t.Fatalf("cutoff = %v", res.Cutoff)
	}
	stats := s.Stats()
	if stats.Sweeps != 1 || stats.Visited != 2 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if s.ID() == "" {
		t.Fatal("empty sweeper id")
	}
}

type brokenRepo struct{ repository.Repository }

func (brokenRepo) FindAllUnmodifiedSince(context.Context, time.Time) ([]*txn.Record, error) {
	return nil, &repository.StorageIOError{Op: "find_all_unmodified_since", Err: errors.New("down")}
}

func TestSweepOnceSurfacesScanError(t *testing.T) {
	s, _ := New(brokenRepo{}, LogHandler(nil), Config{})
	if _, err := s.SweepOnce(context.Background()); !errors.Is(err, repository.ErrStorageIO) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if s.Stats().Sweeps != 0 {
		t.Fatal("failed sweep counted")
	}
}

func TestRunSweepsEveryInterval(t *testing.T) {
	clk := clock.NewManual(epoch)
	handler := &recordingHandler{}
	s, err := New(seededRepo(t, clk), handler, Config{Interval: 30 * time.Second, Threshold: time.Minute, Clock: clk})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	waitFor(t, func() bool { return clk.Pending() == 1 })
	if handler.count() != 2 {
		t.Fatalf("first sweep handled %d", handler.count())
	}
	if err := s.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Run = %v", err)
	}
	clk.Advance(30 * time.Second)
	waitFor(t, func() bool { return s.Stats().Sweeps == 2 })
	// After 30s more, tx-fresh (40s idle) is still under the threshold.
	if handler.count() != 4 {
		t.Fatalf("after second sweep handled %d", handler.count())
	}
	waitFor(t, func() bool { return clk.Pending() == 1 })
	clk.Advance(30 * time.Second)
	waitFor(t, func() bool { return s.Stats().Sweeps == 3 })
	if handler.count() != 7 {
		t.Fatalf("after third sweep handled %d", handler.count())
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
