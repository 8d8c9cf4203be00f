// Package recovery finds transaction records whose coordinator stopped
// touching them and hands each one to a Handler for resume or compensation.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"

	"pkt.systems/tccstore/internal/clock"
	"pkt.systems/tccstore/internal/svcfields"
	"pkt.systems/tccstore/repository"
	"pkt.systems/tccstore/txn"
)

const (
	// DefaultInterval is the pause between sweeps.
	DefaultInterval = 30 * time.Second
	// DefaultThreshold is how long a record may sit untouched before it is
	// considered abandoned.
	DefaultThreshold = 2 * time.Minute
)

// Handler receives each stale record.
type Handler interface {
	Recover(ctx context.Context, rec *txn.Record) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, rec *txn.Record) error

// Recover calls f.
func (f HandlerFunc) Recover(ctx context.Context, rec *txn.Record) error { return f(ctx, rec) }

// Config controls a Sweeper.
type Config struct {
	Interval      time.Duration
	Threshold     time.Duration
	Clock         clock.Clock
	Logger        pslog.Logger
	MeterProvider metric.MeterProvider
}

// Result summarises one sweep.
type Result struct {
	Cutoff  time.Time
	Visited int
	Handled int
	Failed  int
	Elapsed time.Duration
}

// Stats are cumulative counters over the sweeper's lifetime.
type Stats struct {
	Sweeps  int64
	Visited int64
	Handled int64
	Failed  int64
}

// Sweeper periodically calls FindAllUnmodifiedSince(now - threshold).
type Sweeper struct {
	id        string
	repo      repository.Repository
	handler   Handler
	interval  time.Duration
	threshold time.Duration
	clock     clock.Clock
	logger    pslog.Logger
	metrics   *sweepMetrics

	running atomic.Bool
	mu      sync.Mutex
	stats   Stats
}

// New validates cfg and returns a Sweeper.
func New(repo repository.Repository, handler Handler, cfg Config) (*Sweeper, error) {
	if repo == nil {
		return nil, errors.New("recovery: repository required")
	}
	if handler == nil {
		return nil, errors.New("recovery: handler required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	id := xid.New().String()
	logger := svcfields.WithSubsystem(svcfields.Ensure(cfg.Logger), "recovery.sweeper").With("sweeper_id", id)
	return &Sweeper{
		id:        id,
		repo:      repo,
		handler:   handler,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		clock:     clock.OrReal(cfg.Clock),
		logger:    logger,
		metrics:   newSweepMetrics(cfg.MeterProvider.Meter("pkt.systems/tccstore/recovery"), logger),
	}, nil
}

// ID returns the sweeper instance id.
func (s *Sweeper) ID() string { return s.id }

// Stats returns a snapshot of the cumulative counters.
func (s *Sweeper) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// SweepOnce runs a single sweep. A scan failure is returned; handler
// failures are logged, counted and skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	begin := s.clock.Now()
	res := Result{Cutoff: begin.Add(-s.threshold)}
	logger := s.logger
	ctx = pslog.ContextWithLogger(ctx, logger)

	stale, err := s.repo.FindAllUnmodifiedSince(ctx, res.Cutoff)
	if err != nil {
		logger.Warn("recovery.sweep.scan_error", "cutoff", res.Cutoff, "error", err)
		s.metrics.recordSweep(ctx, "scan_error", 0)
		return res, fmt.Errorf("recovery: scan: %w", err)
	}
	for _, rec := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Visited++
		recLogger := logger.With(svcfields.XidKey, rec.Xid.String(), svcfields.VersionKey, rec.Version)
		if err := s.handler.Recover(ctx, rec); err != nil {
			res.Failed++
			s.metrics.recordRecord(ctx, "failed")
			recLogger.Warn("recovery.sweep.handler_error", "last_update", rec.LastUpdateTime, "error", err)
			continue
		}
		res.Handled++
		s.metrics.recordRecord(ctx, "handled")
		recLogger.Debug("recovery.sweep.handled", "last_update", rec.LastUpdateTime)
	}
	res.Elapsed = s.clock.Now().Sub(begin)

	s.mu.Lock()
	s.stats.Sweeps++
	s.stats.Visited += int64(res.Visited)
	s.stats.Handled += int64(res.Handled)
	s.stats.Failed += int64(res.Failed)
	s.mu.Unlock()

	s.metrics.recordSweep(ctx, "ok", res.Visited)
	if res.Visited > 0 {
		logger.Info("recovery.sweep.done", "cutoff", res.Cutoff, "visited", res.Visited, "handled", res.Handled, "failed", res.Failed)
	} else {
		logger.Trace("recovery.sweep.idle", "cutoff", res.Cutoff)
	}
	return res, nil
}

// ErrAlreadyRunning is returned when Run is called twice concurrently.
var ErrAlreadyRunning = errors.New("recovery: sweeper already running")

// Run sweeps immediately and then every interval until ctx is done.
// Sweep errors are logged; the loop keeps going.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.running.Store(false)
	s.logger.Info("recovery.sweeper.start", "interval", s.interval, "threshold", s.threshold)
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("recovery.sweeper.sweep_failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("recovery.sweeper.stop")
			return nil
		case <-s.clock.After(s.interval):
		}
	}
}

// LogHandler returns a Handler that only reports stale records. It is what
// the CLI runs when no coordinator is attached.
func LogHandler(logger pslog.Logger) Handler {
	logger = svcfields.Ensure(logger)
	return HandlerFunc(func(ctx context.Context, rec *txn.Record) error {
		logger.Info("recovery.stale_record",
			svcfields.XidKey, rec.Xid.String(),
			svcfields.VersionKey, rec.Version,
			"last_update", rec.LastUpdateTime,
			"payload_bytes", len(rec.Payload),
		)
		return nil
	})
}
