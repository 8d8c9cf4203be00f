package repository

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type repoMetrics struct {
	opDuration  metric.Int64Histogram
	conflicts   metric.Int64Counter
	cacheHits   metric.Int64Counter
	cacheMisses metric.Int64Counter
}

func newRepoMetrics(meter metric.Meter, logger pslog.Logger) *repoMetrics {
	m := &repoMetrics{}
	var err error

	m.opDuration, err = meter.Int64Histogram(
		"tccstore.repository.op.duration_ms",
		metric.WithDescription("Repository operation latency"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "tccstore.repository.op.duration_ms", err)

	m.conflicts, err = meter.Int64Counter(
		"tccstore.repository.conflicts",
		metric.WithDescription("Set-if-absent writes that lost to an existing version"),
	)
	logMetricInitError(logger, "tccstore.repository.conflicts", err)

	m.cacheHits, err = meter.Int64Counter(
		"tccstore.repository.cache.hits",
		metric.WithDescription("FindOne calls served from the record cache"),
	)
	logMetricInitError(logger, "tccstore.repository.cache.hits", err)

	m.cacheMisses, err = meter.Int64Counter(
		"tccstore.repository.cache.misses",
		metric.WithDescription("FindOne calls that reached the backing store"),
	)
	logMetricInitError(logger, "tccstore.repository.cache.misses", err)

	return m
}

func (m *repoMetrics) recordOp(ctx context.Context, op, result string, d time.Duration) {
	if m == nil || m.opDuration == nil {
		return
	}
	m.opDuration.Record(metricContext(ctx), d.Milliseconds(), metric.WithAttributes(
		attribute.String("tccstore.repository.op", op),
		attribute.String("tccstore.repository.result", result),
	))
}

func (m *repoMetrics) recordConflict(ctx context.Context, op string) {
	if m == nil || m.conflicts == nil {
		return
	}
	m.conflicts.Add(metricContext(ctx), 1, metric.WithAttributes(attribute.String("tccstore.repository.op", op)))
}

func (m *repoMetrics) recordCache(ctx context.Context, hit bool) {
	if m == nil {
		return
	}
	if hit {
		if m.cacheHits != nil {
			m.cacheHits.Add(metricContext(ctx), 1)
		}
		return
	}
	if m.cacheMisses != nil {
		m.cacheMisses.Add(metricContext(ctx), 1)
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
