package tccstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/tccstore/hashkv"
	"pkt.systems/tccstore/internal/clock"
	"pkt.systems/tccstore/internal/cryptoutil"
	"pkt.systems/tccstore/internal/recovery"
	"pkt.systems/tccstore/internal/svcfields"
	"pkt.systems/tccstore/repository"
	"pkt.systems/tccstore/txn"
)

// Sweeper re-exports the recovery sweeper so callers can hold one.
type Sweeper = recovery.Sweeper

// RecoveryHandler receives records that stopped advancing.
type RecoveryHandler = recovery.Handler

// RecoveryHandlerFunc adapts a function to RecoveryHandler.
type RecoveryHandlerFunc = recovery.HandlerFunc

// SweepResult summarises one recovery sweep.
type SweepResult = recovery.Result

// Option customises Open.
type Option func(*openOptions)

type openOptions struct {
	logger         pslog.Logger
	clock          clock.Clock
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	store          hashkv.Store
	noTelemetry    bool
}

// WithLogger sets the base logger. Defaults to the logger in ctx.
func WithLogger(logger pslog.Logger) Option {
	return func(o *openOptions) { o.logger = logger }
}

// WithClock overrides the clock used for timestamps, cache expiry and sweeps.
func WithClock(c clock.Clock) Option {
	return func(o *openOptions) { o.clock = c }
}

// WithMeterProvider sets the meter provider for repository, cache and
// sweeper metrics. It takes precedence over Config.MetricsListen; the
// global provider is used when neither is set.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *openOptions) { o.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider for repository and storage
// spans. It takes precedence over Config.OTLPEndpoint.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *openOptions) { o.tracerProvider = tp }
}

// WithHashStore bypasses Config.Store and uses the given store. The
// returned Store takes ownership and closes it.
func WithHashStore(store hashkv.Store) Option {
	return func(o *openOptions) { o.store = store }
}

// WithoutTelemetry skips exporter setup even when Config asks for it.
func WithoutTelemetry() Option {
	return func(o *openOptions) { o.noTelemetry = true }
}

// Store is an opened transaction record repository together with the
// resources backing it.
type Store struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	meter     metric.MeterProvider
	kv        hashkv.Store
	base      *repository.KV
	repo      repository.Repository
	telemetry *telemetry
}

// Open validates cfg, connects to the configured store and assembles the
// repository stack.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := openOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.logger == nil {
		o.logger = pslog.LoggerFromContext(ctx)
	}
	logger := svcfields.WithSubsystem(svcfields.Ensure(o.logger), "tccstore")
	clk := clock.OrReal(o.clock)

	var tel *telemetry
	if !o.noTelemetry {
		var err error
		tel, err = startTelemetry(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}
	if o.meterProvider == nil {
		o.meterProvider = tel.meterProvider()
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = tel.tracerProvider()
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	fail := func(err error) (*Store, error) {
		_ = tel.shutdown(context.Background())
		return nil, err
	}

	ser, err := buildSerializer(cfg)
	if err != nil {
		return fail(err)
	}
	kv := o.store
	if kv == nil {
		kv, err = openStore(ctx, cfg, logger, clk, o.tracerProvider)
		if err != nil {
			return fail(fmt.Errorf("open store: %w", err))
		}
	}
	base, err := repository.New(kv, ser,
		repository.WithKeyPrefix(cfg.KeyPrefix),
		repository.WithClock(clk),
		repository.WithLogger(logger),
		repository.WithMeterProvider(o.meterProvider),
		repository.WithTracerProvider(o.tracerProvider),
	)
	if err != nil {
		_ = kv.Close()
		return fail(err)
	}
	var repo repository.Repository = base
	if cfg.CacheEnabled {
		repo = repository.NewCached(base,
			repository.WithCacheMaxBytes(cfg.CacheMaxBytes()),
			repository.WithCacheTTL(cfg.CacheTTL),
			repository.WithCacheClock(clk),
			repository.WithCacheLogger(logger),
			repository.WithCacheMeterProvider(o.meterProvider),
		)
	}
	logger.Info("tccstore.open",
		"store", redactStore(cfg.Store),
		"key_prefix", cfg.KeyPrefix,
		"serializer", ser.Name(),
		"encrypted", cfg.EncryptionKeyFile != "",
		"cache", cfg.CacheEnabled,
		"metrics", tel.metricsAddr(),
	)
	return &Store{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		meter:     o.meterProvider,
		kv:        kv,
		base:      base,
		repo:      repo,
		telemetry: tel,
	}, nil
}

type namedSerializer interface {
	txn.Serializer
	Name() string
}

type serializerName struct {
	txn.Serializer
	name string
}

func (s serializerName) Name() string { return s.name }

func buildSerializer(cfg Config) (namedSerializer, error) {
	ser, err := txn.SerializerByName(cfg.Serializer)
	if err != nil {
		return nil, err
	}
	path := strings.TrimSpace(cfg.EncryptionKeyFile)
	if path == "" {
		return serializerName{Serializer: ser, name: cfg.Serializer}, nil
	}
	root, err := cryptoutil.LoadRootKey(path)
	if err != nil {
		return nil, fmt.Errorf("load encryption key: %w", err)
	}
	enc, err := txn.NewEncryptedSerializer(ser, root, cfg.EncryptionSnappy)
	if err != nil {
		return nil, err
	}
	return serializerName{Serializer: enc, name: "encrypted+" + cfg.Serializer}, nil
}

// Config returns the validated configuration.
func (s *Store) Config() Config { return s.cfg }

// Repository returns the repository, wrapped in the read cache when enabled.
func (s *Store) Repository() repository.Repository { return s.repo }

// Key returns the backing-store key for id.
func (s *Store) Key(id txn.Xid) string { return s.base.Key(id) }

// HashStore exposes the underlying hash store.
func (s *Store) HashStore() hashkv.Store { return s.kv }

// MetricsAddr returns the bound metrics listen address, or "" when this
// Store serves no metrics endpoint.
func (s *Store) MetricsAddr() string { return s.telemetry.metricsAddr() }

// Logger returns the store's logger.
func (s *Store) Logger() pslog.Logger { return s.logger }

// NewSweeper builds a recovery sweeper over this store's repository using
// the configured interval and threshold.
func (s *Store) NewSweeper(handler RecoveryHandler) (*Sweeper, error) {
	return recovery.New(s.repo, handler, recovery.Config{
		Interval:      s.cfg.SweepInterval,
		Threshold:     s.cfg.SweepThreshold,
		Clock:         s.clock,
		Logger:        s.logger,
		MeterProvider: s.meter,
	})
}

// LogRecoveryHandler returns a handler that only logs stale records.
func LogRecoveryHandler(logger pslog.Logger) RecoveryHandler {
	return recovery.LogHandler(logger)
}

// Close releases the store connection and stops telemetry exporters.
func (s *Store) Close(ctx context.Context) error {
	var errs []error
	if err := s.base.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	if err := s.telemetry.shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func redactStore(raw string) string {
	i := strings.Index(raw, "://")
	if i < 0 {
		return raw
	}
	rest := raw[i+3:]
	at := strings.LastIndex(rest, "@")
	slash := strings.Index(rest, "/")
	if at < 0 || (slash >= 0 && at > slash) {
		return raw
	}
	return raw[:i+3] + "***@" + rest[at+1:]
}
