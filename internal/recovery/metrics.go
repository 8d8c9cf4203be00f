package recovery

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type sweepMetrics struct {
	sweeps  metric.Int64Counter
	stale   metric.Int64Histogram
	records metric.Int64Counter
}

func newSweepMetrics(meter metric.Meter, logger pslog.Logger) *sweepMetrics {
	m := &sweepMetrics{}
	var err error

	m.sweeps, err = meter.Int64Counter(
		"tccstore.recovery.sweeps",
		metric.WithDescription("Completed recovery sweeps"),
	)
	logMetricInitError(logger, "tccstore.recovery.sweeps", err)

	m.stale, err = meter.Int64Histogram(
		"tccstore.recovery.stale_records",
		metric.WithDescription("Stale records found per sweep"),
	)
	logMetricInitError(logger, "tccstore.recovery.stale_records", err)

	m.records, err = meter.Int64Counter(
		"tccstore.recovery.records",
		metric.WithDescription("Stale records passed to the recovery handler"),
	)
	logMetricInitError(logger, "tccstore.recovery.records", err)

	return m
}

func (m *sweepMetrics) recordSweep(ctx context.Context, result string, stale int) {
	if m == nil {
		return
	}
	if m.sweeps != nil {
		m.sweeps.Add(ctx, 1, metric.WithAttributes(attribute.String("tccstore.recovery.result", result)))
	}
	if m.stale != nil && result == "ok" {
		m.stale.Record(ctx, int64(stale))
	}
}

func (m *sweepMetrics) recordRecord(ctx context.Context, result string) {
	if m == nil || m.records == nil {
		return
	}
	m.records.Add(ctx, 1, metric.WithAttributes(attribute.String("tccstore.recovery.result", result)))
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
