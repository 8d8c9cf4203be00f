// Package repository persists versioned transaction records into a
// hashkv.Store. Each identity owns one hash key; every version is its own
// field written with set-if-absent, so racing coordinators cannot overwrite
// each other and no lock is ever held across calls.
package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/tccstore/hashkv"
	"pkt.systems/tccstore/internal/clock"
	"pkt.systems/tccstore/internal/correlation"
	"pkt.systems/tccstore/internal/svcfields"
	"pkt.systems/tccstore/txn"
)

// DefaultKeyPrefix namespaces every record key.
const DefaultKeyPrefix = "TCC:"

// Repository is the transaction-record lifecycle contract.
type Repository interface {
	// Create writes the record's version field if absent. It returns 1, or
	// (0, ErrConflict) when the field already exists.
	Create(ctx context.Context, rec *txn.Record) (int64, error)
	// Update writes version+1 stamped with the current time. On success rec
	// is advanced in place and returned; on any error rec is unchanged.
	Update(ctx context.Context, rec *txn.Record) (*txn.Record, error)
	// Delete removes every version of rec's identity and returns the number
	// of keys removed (0 or 1).
	Delete(ctx context.Context, rec *txn.Record) (int64, error)
	// FindOne loads the highest stored version. found is false when the
	// identity has no record.
	FindOne(ctx context.Context, id txn.Xid) (rec *txn.Record, found bool, err error)
	// FindAll loads every record under the prefix. Any failure aborts the
	// scan and no partial result is returned.
	FindAll(ctx context.Context) ([]*txn.Record, error)
	// FindAllUnmodifiedSince returns records whose LastUpdateTime is
	// strictly before threshold.
	FindAllUnmodifiedSince(ctx context.Context, threshold time.Time) ([]*txn.Record, error)
	// DeleteAll always fails with ErrUnsupportedOperation.
	DeleteAll(ctx context.Context) error
}

// KV implements Repository on a hashkv.Store.
type KV struct {
	store   hashkv.Store
	ser     txn.Serializer
	prefix  string
	clock   clock.Clock
	logger  pslog.Logger
	tracer  trace.Tracer
	metrics *repoMetrics
}

var _ Repository = (*KV)(nil)

// Option customises a KV.
type Option func(*options)

type options struct {
	prefix   string
	clock    clock.Clock
	logger   pslog.Logger
	provider metric.MeterProvider
	tracers  trace.TracerProvider
}

// WithKeyPrefix overrides DefaultKeyPrefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithClock sets the time source used to stamp LastUpdateTime.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(logger pslog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeterProvider sets the otel meter provider. The global provider is
// used otherwise.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.provider = mp }
}

// WithTracerProvider sets the otel tracer provider. The global provider is
// used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracers = tp }
}

// New returns a repository over store using ser for record bytes.
func New(store hashkv.Store, ser txn.Serializer, opts ...Option) (*KV, error) {
	if store == nil {
		return nil, errors.New("repository: store required")
	}
	if ser == nil {
		return nil, errors.New("repository: serializer required")
	}
	o := options{prefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	if o.prefix == "" {
		return nil, errors.New("repository: key prefix must not be empty")
	}
	if o.provider == nil {
		o.provider = otel.GetMeterProvider()
	}
	if o.tracers == nil {
		o.tracers = otel.GetTracerProvider()
	}
	logger := svcfields.WithSubsystem(svcfields.Ensure(o.logger), "repository")
	return &KV{
		store:   store,
		ser:     ser,
		prefix:  o.prefix,
		clock:   clock.OrReal(o.clock),
		logger:  logger,
		tracer:  o.tracers.Tracer("pkt.systems/tccstore/repository"),
		metrics: newRepoMetrics(o.provider.Meter("pkt.systems/tccstore/repository"), logger),
	}, nil
}

// Prefix returns the key prefix.
func (r *KV) Prefix() string { return r.prefix }

// Key derives the backing-store key for id.
func (r *KV) Key(id txn.Xid) string { return r.prefix + id.String() }

type opScope struct {
	ctx    context.Context
	span   trace.Span
	logger pslog.Logger
	op     string
	begin  time.Time
	r      *KV
}

func (r *KV) start(ctx context.Context, op string) *opScope {
	ctx, cid := correlation.Ensure(ctx)
	ctx, span := r.tracer.Start(ctx, "tccstore.repository."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("tccstore.correlation_id", cid))
	logger := r.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = svcfields.WithSubsystem(ctxLogger, "repository")
	}
	logger = logger.With("cid", cid)
	ctx = pslog.ContextWithLogger(ctx, logger)
	return &opScope{ctx: ctx, span: span, logger: logger, op: op, begin: time.Now(), r: r}
}

func (s *opScope) end(result string, err error) {
	if err != nil && result != "conflict" {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, result)
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.span.SetAttributes(attribute.String("tccstore.repository.result", result))
	s.span.End()
	s.r.metrics.recordOp(s.ctx, s.op, result, time.Since(s.begin))
}

func validate(rec *txn.Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if err := rec.Xid.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// Create implements Repository. A zero Version becomes txn.InitialVersion
// and a zero LastUpdateTime becomes now; both are written back to rec only
// when the create succeeds.
func (r *KV) Create(ctx context.Context, rec *txn.Record) (int64, error) {
	s := r.start(ctx, "create")
	if err := validate(rec); err != nil {
		s.end("invalid", err)
		return 0, err
	}
	next := rec.Clone()
	if next.Version == 0 {
		next.Version = txn.InitialVersion
	}
	if next.LastUpdateTime.IsZero() {
		next.LastUpdateTime = r.clock.Now()
	}
	n, err := r.put(s, "create", next)
	if err != nil {
		return 0, err
	}
	rec.Version = next.Version
	rec.LastUpdateTime = next.LastUpdateTime
	return n, nil
}

// Update implements Repository.
func (r *KV) Update(ctx context.Context, rec *txn.Record) (*txn.Record, error) {
	s := r.start(ctx, "update")
	if err := validate(rec); err != nil {
		s.end("invalid", err)
		return nil, err
	}
	next := rec.Clone()
	next.Version = rec.Version + 1
	next.LastUpdateTime = r.clock.Now()
	if next.LastUpdateTime.Before(rec.LastUpdateTime) {
		next.LastUpdateTime = rec.LastUpdateTime
	}
	if _, err := r.put(s, "update", next); err != nil {
		return nil, err
	}
	rec.Version = next.Version
	rec.LastUpdateTime = next.LastUpdateTime
	return rec, nil
}

// put serializes rec and set-if-absent writes its version field. It ends
// the scope.
func (r *KV) put(s *opScope, op string, rec *txn.Record) (int64, error) {
	key := r.Key(rec.Xid)
	logger := s.logger.With(svcfields.XidKey, rec.Xid.String(), svcfields.VersionKey, rec.Version)
	data, err := r.ser.Serialize(rec)
	if err != nil {
		logger.Warn("repository."+op+".serialize_error", "error", err)
		s.end("serialize_error", err)
		return 0, fmt.Errorf("repository: %s %s: serialize: %w", op, key, err)
	}
	n, err := r.store.SetIfAbsent(s.ctx, key, txn.EncodeVersion(rec.Version), data)
	if err != nil {
		logger.Warn("repository."+op+".io_error", "key", key, "error", err)
		s.end("io_error", err)
		return 0, ioError(op, key, err)
	}
	if n == 0 {
		logger.Info("repository."+op+".conflict", "key", key)
		r.metrics.recordConflict(s.ctx, op)
		s.end("conflict", ErrConflict)
		return 0, ErrConflict
	}
	logger.Debug("repository."+op+".success", "key", key, "bytes", len(data))
	s.end("ok", nil)
	return n, nil
}

// Delete implements Repository.
func (r *KV) Delete(ctx context.Context, rec *txn.Record) (int64, error) {
	s := r.start(ctx, "delete")
	if err := validate(rec); err != nil {
		s.end("invalid", err)
		return 0, err
	}
	key := r.Key(rec.Xid)
	logger := s.logger.With(svcfields.XidKey, rec.Xid.String())
	n, err := r.store.Delete(s.ctx, key)
	if err != nil {
		logger.Warn("repository.delete.io_error", "key", key, "error", err)
		s.end("io_error", err)
		return 0, ioError("delete", key, err)
	}
	logger.Debug("repository.delete.success", "key", key, "removed", n)
	s.end("ok", nil)
	return n, nil
}

// FindOne implements Repository.
func (r *KV) FindOne(ctx context.Context, id txn.Xid) (*txn.Record, bool, error) {
	s := r.start(ctx, "find_one")
	if err := id.Validate(); err != nil {
		err = fmt.Errorf("%w: %v", ErrInvalidRecord, err)
		s.end("invalid", err)
		return nil, false, err
	}
	key := r.Key(id)
	rec, found, err := r.load(s.ctx, "find_one", key)
	if err != nil {
		s.logger.Warn("repository.find_one.error", "key", key, "error", err)
		s.end("io_error", err)
		return nil, false, err
	}
	if !found {
		s.logger.Trace("repository.find_one.not_found", "key", key)
		s.end("not_found", nil)
		return nil, false, nil
	}
	s.end("ok", nil)
	return rec, true, nil
}

// load reads every version field under key and decodes the highest one.
func (r *KV) load(ctx context.Context, op, key string) (*txn.Record, bool, error) {
	fields, err := r.store.Fields(ctx, key)
	if err != nil {
		return nil, false, ioError(op, key, err)
	}
	if len(fields) == 0 {
		return nil, false, nil
	}
	var (
		best    hashkv.Field
		version int64
		have    bool
	)
	for _, f := range fields {
		v, err := txn.DecodeVersion(f.Name)
		if err != nil {
			return nil, false, ioError(op, key, err)
		}
		if !have || v > version {
			best, version, have = f, v, true
		}
	}
	rec, err := r.ser.Deserialize(best.Value)
	if err != nil {
		return nil, false, ioError(op, key, err)
	}
	if rec.Version != version {
		return nil, false, ioError(op, key, fmt.Errorf("%w: field version %d holds record version %d", txn.ErrDecode, version, rec.Version))
	}
	return rec, true, nil
}

// FindAll implements Repository. Records are ordered by identity.
func (r *KV) FindAll(ctx context.Context) ([]*txn.Record, error) {
	s := r.start(ctx, "find_all")
	out, err := r.scan(s, nil)
	if err != nil {
		s.end("io_error", err)
		return nil, err
	}
	s.end("ok", nil)
	return out, nil
}

// FindAllUnmodifiedSince implements Repository.
func (r *KV) FindAllUnmodifiedSince(ctx context.Context, threshold time.Time) ([]*txn.Record, error) {
	s := r.start(ctx, "find_all_unmodified_since")
	out, err := r.scan(s, func(rec *txn.Record) bool {
		return rec.LastUpdateTime.Before(threshold)
	})
	if err != nil {
		s.end("io_error", err)
		return nil, err
	}
	s.logger.Debug("repository.find_all_unmodified_since.done", "threshold", threshold, "matched", len(out))
	s.end("ok", nil)
	return out, nil
}

func (r *KV) scan(s *opScope, keep func(*txn.Record) bool) ([]*txn.Record, error) {
	keys, err := r.store.Keys(s.ctx, r.prefix)
	if err != nil {
		s.logger.Warn("repository.scan.io_error", "prefix", r.prefix, "error", err)
		return nil, ioError(s.op, r.prefix, err)
	}
	sort.Strings(keys)
	out := make([]*txn.Record, 0, len(keys))
	for _, key := range keys {
		if err := s.ctx.Err(); err != nil {
			return nil, ioError(s.op, key, err)
		}
		if !strings.HasPrefix(key, r.prefix) {
			continue
		}
		rec, found, err := r.load(s.ctx, s.op, key)
		if err != nil {
			s.logger.Warn("repository.scan.load_error", "key", key, "error", err)
			return nil, err
		}
		if !found {
			s.logger.Trace("repository.scan.vanished", "key", key)
			continue
		}
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
	}
	s.logger.Debug("repository.scan.done", "keys", len(keys), "records", len(out))
	return out, nil
}

// DeleteAll implements Repository.
func (r *KV) DeleteAll(ctx context.Context) error {
	s := r.start(ctx, "delete_all")
	s.logger.Warn("repository.delete_all.rejected")
	s.end("unsupported", ErrUnsupportedOperation)
	return ErrUnsupportedOperation
}

// Close closes the backing store.
func (r *KV) Close() error {
	return r.store.Close()
}
