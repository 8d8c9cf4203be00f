// Package logging decorates a storage.Backend with trace spans and
// debug-level logging.
package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/pslog"

	"pkt.systems/tccstore/internal/correlation"
	"pkt.systems/tccstore/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Option customises Wrap.
type Option func(*options)

type options struct {
	tracerProvider trace.TracerProvider
}

// WithTracerProvider sets the provider spans are created from. The global
// provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// Wrap decorates inner with trace/debug logging.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string, opts ...Option) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: o.tracerProvider.Tracer("pkt.systems/tccstore/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, time.Time, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "tccstore.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("tccstore.storage.operation", op),
		attribute.String("tccstore.sys", b.sys),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if corr := correlation.ID(ctx); corr != "" {
		logger = logger.With("cid", corr)
		span.SetAttributes(attribute.String("tccstore.correlation_id", corr))
	}

	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(result string, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("tccstore.storage.end", trace.WithAttributes(
			attribute.String("tccstore.storage.result", result),
			attribute.Int64("tccstore.storage.duration_ms", time.Since(begin).Milliseconds()),
		))
	}
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "list_objects")
	defer span.End()

	span.SetAttributes(
		attribute.String("tccstore.storage.prefix", opts.Prefix),
		attribute.Int("tccstore.storage.limit", opts.Limit),
	)
	verbose.Trace("storage.list_objects.begin", "prefix", opts.Prefix, "start_after", opts.StartAfter, "limit", opts.Limit)
	result, err := b.inner.ListObjects(ctx, opts)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.list_objects.error", "prefix", opts.Prefix, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	count := 0
	if result != nil {
		count = len(result.Objects)
	}
	span.SetAttributes(attribute.Int("tccstore.storage.object_count", count))
	finish("ok", nil)
	verbose.Debug("storage.list_objects.success",
		"prefix", opts.Prefix,
		"count", count,
		"truncated", result != nil && result.Truncated,
		"elapsed", time.Since(begin),
	)
	return result, nil
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "get_object")
	defer span.End()

	verbose.Trace("storage.get_object.begin", "key", key)
	result, err := b.inner.GetObject(ctx, key)
	if err != nil {
		if err == storage.ErrNotFound {
			finish("not_found", nil)
		} else {
			finish("error", err)
		}
		verbose.Debug("storage.get_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	size := int64(0)
	if result.Info != nil {
		size = result.Info.Size
	}
	span.SetAttributes(attribute.Int64("tccstore.storage.object_size", size))
	finish("ok", nil)
	verbose.Debug("storage.get_object.success", "key", key, "size", size, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "put_object")
	defer span.End()

	span.SetAttributes(attribute.Bool("tccstore.storage.if_not_exists", opts.IfNotExists))
	verbose.Trace("storage.put_object.begin", "key", key, "if_not_exists", opts.IfNotExists, "content_type", opts.ContentType)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	if err != nil {
		if err == storage.ErrCASMismatch {
			finish("exists", nil)
		} else {
			finish("error", err)
		}
		verbose.Debug("storage.put_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return info, err
	}
	size := int64(0)
	if info != nil {
		size = info.Size
	}
	finish("ok", nil)
	verbose.Debug("storage.put_object.success", "key", key, "size", size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "delete_object")
	defer span.End()

	span.SetAttributes(attribute.Bool("tccstore.storage.ignore_not_found", opts.IgnoreNotFound))
	verbose.Trace("storage.delete_object.begin", "key", key, "ignore_not_found", opts.IgnoreNotFound)
	if err := b.inner.DeleteObject(ctx, key, opts); err != nil {
		finish("error", err)
		verbose.Debug("storage.delete_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.delete_object.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Close() error {
	_, span, verbose, begin, finish := b.start(context.Background(), "close")
	defer span.End()

	if err := b.inner.Close(); err != nil {
		finish("error", err)
		verbose.Debug("storage.close.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.close.success", "elapsed", time.Since(begin))
	return nil
}
