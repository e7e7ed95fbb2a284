package syncstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type engineMetrics struct {
	txnCount        metric.Int64Counter
	txnDuration     metric.Int64Histogram
	leaseTransition metric.Int64Counter
	heartbeats      metric.Int64Counter
	journalReplays  metric.Int64Counter
}

func newEngineMetrics(logger pslog.Logger) *engineMetrics {
	meter := otel.Meter("pkt.systems/syncstore")
	m := &engineMetrics{}
	var err error

	m.txnCount, err = meter.Int64Counter(
		"syncstore.txn",
		metric.WithDescription("Transactions by mode and result"),
	)
	logMetricInitError(logger, "syncstore.txn", err)

	m.txnDuration, err = meter.Int64Histogram(
		"syncstore.txn.duration_ms",
		metric.WithDescription("Transaction duration including commit"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "syncstore.txn.duration_ms", err)

	m.leaseTransition, err = meter.Int64Counter(
		"syncstore.lease.transition",
		metric.WithDescription("Primary lease state transitions"),
	)
	logMetricInitError(logger, "syncstore.lease.transition", err)

	m.heartbeats, err = meter.Int64Counter(
		"syncstore.heartbeat",
		metric.WithDescription("Active-client heartbeats"),
	)
	logMetricInitError(logger, "syncstore.heartbeat", err)

	m.journalReplays, err = meter.Int64Counter(
		"syncstore.txn.journal.replayed",
		metric.WithDescription("Commit journals replayed on start"),
	)
	logMetricInitError(logger, "syncstore.txn.journal.replayed", err)

	return m
}

func (m *engineMetrics) recordTxn(ctx context.Context, mode TransactionMode, result string, duration time.Duration) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	attrs := []attribute.KeyValue{
		attribute.String("syncstore.txn.mode", mode.String()),
		attribute.String("syncstore.txn.result", result),
	}
	if m.txnCount != nil {
		m.txnCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.txnDuration != nil {
		m.txnDuration.Record(ctx, duration.Milliseconds(), metric.WithAttributes(attrs...))
	}
}

func (m *engineMetrics) recordLeaseTransition(isPrimary bool) {
	if m == nil || m.leaseTransition == nil {
		return
	}
	m.leaseTransition.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Bool("syncstore.lease.primary", isPrimary),
	))
}

func (m *engineMetrics) recordHeartbeat(ctx context.Context, err error) {
	if m == nil || m.heartbeats == nil {
		return
	}
	m.heartbeats.Add(metricContext(ctx), 1, metric.WithAttributes(
		attribute.String("syncstore.heartbeat.result", metricResultLabel(err)),
	))
}

func (m *engineMetrics) recordJournalReplay(ctx context.Context, count int64) {
	if m == nil || m.journalReplays == nil || count == 0 {
		return
	}
	m.journalReplays.Add(metricContext(ctx), count)
}

func metricResultLabel(err error) string {
	if err == nil {
		return "success"
	}
	return "error"
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
