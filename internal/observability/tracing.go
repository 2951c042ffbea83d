package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tracer returns a tracer for the given name
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartDBSpan starts a span for database operations
func StartDBSpan(ctx context.Context, operation, table string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("DB %s %s", operation, table),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		),
	)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// EngineMetrics holds conflict-engine metrics
type EngineMetrics struct {
	conflictsDetected  metric.Int64Counter
	conflictsResolved  metric.Int64Counter
	conflictsEscalated metric.Int64Counter
	criticalAlerts     metric.Int64Counter
	resolutionDuration metric.Float64Histogram
	writesIngested     metric.Int64Counter
	integrityChecks    metric.Int64Counter
	snapshotsCreated   metric.Int64Counter
}

// NewEngineMetrics creates conflict-engine metrics instruments
func NewEngineMetrics() (*EngineMetrics, error) {
	meter := otel.Meter(instrumentationName)

	conflictsDetected, err := meter.Int64Counter(
		"bracketsync.conflicts.detected",
		metric.WithDescription("Total number of conflicts detected"),
		metric.WithUnit("{conflicts}"),
	)
	if err != nil {
		return nil, err
	}

	conflictsResolved, err := meter.Int64Counter(
		"bracketsync.conflicts.resolved",
		metric.WithDescription("Total number of conflicts resolved"),
		metric.WithUnit("{conflicts}"),
	)
	if err != nil {
		return nil, err
	}

	conflictsEscalated, err := meter.Int64Counter(
		"bracketsync.conflicts.escalated",
		metric.WithDescription("Total number of conflicts escalated for manual review"),
		metric.WithUnit("{conflicts}"),
	)
	if err != nil {
		return nil, err
	}

	criticalAlerts, err := meter.Int64Counter(
		"bracketsync.conflicts.critical_alerts",
		metric.WithDescription("Critical conflicts left unresolved past the escalation window"),
		metric.WithUnit("{conflicts}"),
	)
	if err != nil {
		return nil, err
	}

	resolutionDuration, err := meter.Float64Histogram(
		"bracketsync.resolution.duration",
		metric.WithDescription("Time from detection to resolution in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	writesIngested, err := meter.Int64Counter(
		"bracketsync.sync.writes",
		metric.WithDescription("Device writes ingested through the sync feed"),
		metric.WithUnit("{writes}"),
	)
	if err != nil {
		return nil, err
	}

	integrityChecks, err := meter.Int64Counter(
		"bracketsync.recovery.integrity_checks",
		metric.WithDescription("Integrity check runs by outcome"),
		metric.WithUnit("{checks}"),
	)
	if err != nil {
		return nil, err
	}

	snapshotsCreated, err := meter.Int64Counter(
		"bracketsync.recovery.snapshots",
		metric.WithDescription("Tournament snapshots created"),
		metric.WithUnit("{snapshots}"),
	)
	if err != nil {
		return nil, err
	}

	return &EngineMetrics{
		conflictsDetected:  conflictsDetected,
		conflictsResolved:  conflictsResolved,
		conflictsEscalated: conflictsEscalated,
		criticalAlerts:     criticalAlerts,
		resolutionDuration: resolutionDuration,
		writesIngested:     writesIngested,
		integrityChecks:    integrityChecks,
		snapshotsCreated:   snapshotsCreated,
	}, nil
}

// RecordConflictDetected records a detected conflict
func (m *EngineMetrics) RecordConflictDetected(ctx context.Context, conflictType, severity string) {
	m.conflictsDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("conflict_type", conflictType),
		attribute.String("severity", severity),
	))
}

// RecordResolution records a resolution with its strategy and the time
// from detection to resolution
func (m *EngineMetrics) RecordResolution(ctx context.Context, strategy string, automatic bool, detectedToResolved time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.Bool("automatic", automatic),
	)
	m.conflictsResolved.Add(ctx, 1, attrs)
	m.resolutionDuration.Record(ctx, float64(detectedToResolved.Milliseconds()), attrs)
}

// RecordEscalation records a conflict handed to manual review
func (m *EngineMetrics) RecordEscalation(ctx context.Context, conflictType, reason string) {
	m.conflictsEscalated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("conflict_type", conflictType),
		attribute.String("reason", reason),
	))
}

// RecordCriticalAlert records a critical conflict that stayed unresolved
// past the escalation window
func (m *EngineMetrics) RecordCriticalAlert(ctx context.Context, conflictType string) {
	m.criticalAlerts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("conflict_type", conflictType),
	))
}

// RecordWriteIngested records one device write entering the sync feed
func (m *EngineMetrics) RecordWriteIngested(ctx context.Context, eventType string) {
	m.writesIngested.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordIntegrityCheck records an integrity check run by outcome
func (m *EngineMetrics) RecordIntegrityCheck(ctx context.Context, status string) {
	m.integrityChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordSnapshotCreated records a snapshot creation
func (m *EngineMetrics) RecordSnapshotCreated(ctx context.Context, reason string) {
	m.snapshotsCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}
