package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/tccstore/internal/clock"
	"pkt.systems/tccstore/internal/objectkv"
	"pkt.systems/tccstore/internal/storage/memory"
	"pkt.systems/tccstore/txn"
)

type countingRepo struct {
	Repository
	findOne int
}

func (c *countingRepo) FindOne(ctx context.Context, id txn.Xid) (*txn.Record, bool, error) {
	c.findOne++
	return c.Repository.FindOne(ctx, id)
}

func newCachedHarness(t *testing.T, opts ...CacheOption) (*Cached, *countingRepo, *KV, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(epoch)
	kv, err := New(objectkv.New(memory.New()), txn.JSONSerializer{}, WithClock(clk))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	counter := &countingRepo{Repository: kv}
	opts = append([]CacheOption{WithCacheClock(clk)}, opts...)
	return NewCached(counter, opts...), counter, kv, clk
}

func TestCachedServesFindOneAfterCreate(t *testing.T) {
	ctx := context.Background()
	c, counter, _, _ := newCachedHarness(t)
	rec := &txn.Record{Xid: txn.Xid{GlobalID: "tx-c"}, Version: 1, Payload: []byte("p")}
	if _, err := c.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	got, ok, err := c.FindOne(ctx, rec.Xid)
	if err != nil || !ok || !got.Equal(rec) {
		t.Fatalf("find = %+v, %v, %v", got, ok, err)
	}
	if counter.findOne != 0 {
		t.Fatalf("inner FindOne called %d times", counter.findOne)
	}
	got.Payload[0] = 'x'
	again, _, _ := c.FindOne(ctx, rec.Xid)
	if string(again.Payload) != "p" {
		t.Fatal("cache returned shared payload")
	}
}

func TestCachedInvalidatesOnMutation(t *testing.T) {
	ctx := context.Background()
	c, _, kv, _ := newCachedHarness(t)
	rec := &txn.Record{Xid: txn.Xid{GlobalID: "tx-inv"}, Version: 1}
	if _, err := c.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := c.Update(ctx, rec); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, _ := c.FindOne(ctx, rec.Xid)
	if got.Version != 2 {
		t.Fatalf("cached version %d after update", got.Version)
	}

	stale := &txn.Record{Xid: rec.Xid, Version: 1}
	if _, err := c.Update(ctx, stale); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatal("conflict left identity cached")
	}
	fresh, _, _ := c.FindOne(ctx, rec.Xid)
	if fresh.Version != 2 {
		t.Fatalf("version after conflict %d", fresh.Version)
	}

	if _, err := c.Delete(ctx, rec); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, err := c.FindOne(ctx, rec.Xid); err != nil || ok {
		t.Fatalf("deleted record still visible: %v %v", ok, err)
	}
	if _, ok, _ := kv.FindOne(ctx, rec.Xid); ok {
		t.Fatal("record still stored")
	}
}

func TestCachedIdleExpiry(t *testing.T) {
	ctx := context.Background()
	c, counter, _, clk := newCachedHarness(t, WithCacheTTL(time.Minute))
	rec := &txn.Record{Xid: txn.Xid{GlobalID: "tx-ttl"}, Version: 1}
	if _, err := c.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	clk.Advance(59 * time.Second)
	c.FindOne(ctx, rec.Xid)
	clk.Advance(59 * time.Second)
	c.FindOne(ctx, rec.Xid)
	if counter.findOne != 0 {
		t.Fatal("reads within idle window reached the store")
	}
	clk.Advance(time.Minute)
	if _, ok, err := c.FindOne(ctx, rec.Xid); err != nil || !ok {
		t.Fatalf("find after expiry: %v %v", ok, err)
	}
	if counter.findOne != 1 {
		t.Fatalf("expired entry served from cache (inner calls %d)", counter.findOne)
	}
}

func TestCachedByteBudget(t *testing.T) {
	ctx := context.Background()
	c, _, _, _ := newCachedHarness(t, WithCacheMaxBytes(3*(recordOverhead+16)))
	for i := 0; i < 5; i++ {
		rec := &txn.Record{Xid: txn.Xid{GlobalID: "tx-" + string(rune('a'+i))}, Version: 1, Payload: make([]byte, 10)}
		if _, err := c.Create(ctx, rec); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if c.Len() != 3 {
		t.Fatalf("cache holds %d entries", c.Len())
	}
	if _, ok := c.cache.get(txn.Xid{GlobalID: "tx-a"}); ok {
		t.Fatal("least recently used entry survived")
	}
}

func TestCachedFindAllRefreshes(t *testing.T) {
	ctx := context.Background()
	c, counter, kv, _ := newCachedHarness(t)
	rec := &txn.Record{Xid: txn.Xid{GlobalID: "tx-fa"}, Version: 1}
	if _, err := kv.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	all, err := c.FindAll(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("find all = %v, %v", all, err)
	}
	if _, ok, _ := c.FindOne(ctx, rec.Xid); !ok || counter.findOne != 0 {
		t.Fatalf("FindAll did not populate cache (inner calls %d)", counter.findOne)
	}
	if err := c.DeleteAll(ctx); !errors.Is(err, ErrUnsupportedOperation) {
		t.Fatalf("DeleteAll = %v", err)
	}
}

func TestRecordCacheKeepsNewestVersion(t *testing.T) {
	cache := newRecordCache(1<<20, 0, clock.NewManual(epoch))
	id := txn.Xid{GlobalID: "tx-n"}
	cache.put(&txn.Record{Xid: id, Version: 5})
	if cache.put(&txn.Record{Xid: id, Version: 4}) {
		t.Fatal("older version replaced newer entry")
	}
	got, _ := cache.get(id)
	if got.Version != 5 {
		t.Fatalf("version = %d", got.Version)
	}
}

// gatedRepo parks reads after the inner call returns and deletes before the
// inner call starts, until the matching gate is opened.
type gatedRepo struct {
	Repository
	readLoaded   chan struct{}
	readGate     chan struct{}
	deleteParked chan struct{}
	deleteGate   chan struct{}
}

func (g *gatedRepo) parkRead() {
	if g.readGate == nil {
		return
	}
	g.readLoaded <- struct{}{}
	<-g.readGate
}

func (g *gatedRepo) FindOne(ctx context.Context, id txn.Xid) (*txn.Record, bool, error) {
	rec, ok, err := g.Repository.FindOne(ctx, id)
	g.parkRead()
	return rec, ok, err
}

func (g *gatedRepo) FindAllUnmodifiedSince(ctx context.Context, threshold time.Time) ([]*txn.Record, error) {
	recs, err := g.Repository.FindAllUnmodifiedSince(ctx, threshold)
	g.parkRead()
	return recs, err
}

func (g *gatedRepo) Delete(ctx context.Context, rec *txn.Record) (int64, error) {
	if g.deleteGate != nil {
		g.deleteParked <- struct{}{}
		<-g.deleteGate
	}
	return g.Repository.Delete(ctx, rec)
}

func newGatedHarness(t *testing.T) (*Cached, *gatedRepo, *txn.Record) {
	t.Helper()
	ctx := context.Background()
	clk := clock.NewManual(epoch)
	kv, err := New(objectkv.New(memory.New()), txn.JSONSerializer{}, WithClock(clk))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	rec := &txn.Record{Xid: txn.Xid{GlobalID: "tx-race"}, Version: 1, Payload: []byte("p")}
	if _, err := kv.Create(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
	gated := &gatedRepo{Repository: kv}
	return NewCached(gated, WithCacheClock(clk)), gated, rec
}

func TestCachedReadRacingDeleteDoesNotResurrect(t *testing.T) {
	ctx := context.Background()
	reads := map[string]func(c *Cached, id txn.Xid) error{
		"find_one": func(c *Cached, id txn.Xid) error {
			_, _, err := c.FindOne(ctx, id)
			return err
		},
		"find_all_unmodified_since": func(c *Cached, id txn.Xid) error {
			_, err := c.FindAllUnmodifiedSince(ctx, epoch.Add(time.Hour))
			return err
		},
	}
	for name, read := range reads {
		t.Run(name, func(t *testing.T) {
			c, gated, rec := newGatedHarness(t)
			gated.readLoaded = make(chan struct{})
			gated.readGate = make(chan struct{})
			done := make(chan error, 1)
			go func() { done <- read(c, rec.Xid) }()
			<-gated.readLoaded

			n, err := c.Delete(ctx, rec)
			if err != nil || n != 1 {
				t.Fatalf("delete = %d, %v", n, err)
			}
			close(gated.readGate)
			if err := <-done; err != nil {
				t.Fatalf("read: %v", err)
			}
			gated.readGate = nil

			if got, ok, err := c.FindOne(ctx, rec.Xid); err != nil || ok {
				t.Fatalf("find after delete = %+v, %v, %v", got, ok, err)
			}
			if c.Len() != 0 {
				t.Fatalf("cache holds %d entries after delete", c.Len())
			}
		})
	}
}

func TestCachedReadDuringDeleteIsDropped(t *testing.T) {
	ctx := context.Background()
	c, gated, rec := newGatedHarness(t)
	gated.deleteParked = make(chan struct{})
	gated.deleteGate = make(chan struct{})
	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := c.Delete(ctx, rec)
		done <- result{n, err}
	}()
	<-gated.deleteParked

	// The record is still stored, so this read sees and caches it.
	if _, ok, err := c.FindOne(ctx, rec.Xid); err != nil || !ok {
		t.Fatalf("find during delete = %v, %v", ok, err)
	}
	close(gated.deleteGate)
	if res := <-done; res.err != nil || res.n != 1 {
		t.Fatalf("delete = %d, %v", res.n, res.err)
	}
	if got, ok, err := c.FindOne(ctx, rec.Xid); err != nil || ok {
		t.Fatalf("find after delete = %+v, %v, %v", got, ok, err)
	}
}

func TestRecordCacheRejectsFillAfterInvalidate(t *testing.T) {
	cache := newRecordCache(1<<20, 0, clock.NewManual(epoch))
	id := txn.Xid{GlobalID: "tx-g"}
	gen := cache.acquire()
	cache.invalidate(id)
	if cache.putSince(&txn.Record{Xid: id, Version: 1}, gen) {
		t.Fatal("fill accepted after invalidate")
	}
	cache.release()
	cache.release()
	if len(cache.touched) != 0 {
		t.Fatalf("touched not cleared: %d", len(cache.touched))
	}
	if !cache.putSince(&txn.Record{Xid: id, Version: 1}, cache.acquire()) {
		t.Fatal("fill rejected with no mutation in flight")
	}
	cache.release()
}
