package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ahrav/leakscan/internal/domain/scanning"
	"github.com/ahrav/leakscan/internal/domain/shared"
)

// ScanMetrics defines the metrics recorded while a scan runs.
type ScanMetrics interface {
	IncChunksScanned(ctx context.Context, source shared.SourceType)
	ObserveIssues(ctx context.Context, source shared.SourceType, issueType domain.IssueType, count int)
	ObserveScanDuration(ctx context.Context, source shared.SourceType, duration time.Duration)
	IncScanErrors(ctx context.Context, source shared.SourceType)
}

// scanMetrics implements ScanMetrics.
type scanMetrics struct {
	chunksScanned metric.Int64Counter
	issuesFound   metric.Int64Counter
	scanErrors    metric.Int64Counter
	scanDuration  metric.Float64Histogram
}

const namespace = "leakscan"

// NewScanMetrics creates the scan instruments on mp.
func NewScanMetrics(mp metric.MeterProvider) (*scanMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(scanMetrics)
	var err error

	if m.chunksScanned, err = meter.Int64Counter(
		"chunks_scanned_total",
		metric.WithDescription("Total number of chunks run through detection"),
	); err != nil {
		return nil, err
	}

	if m.issuesFound, err = meter.Int64Counter(
		"issues_found_total",
		metric.WithDescription("Total number of issues reported"),
	); err != nil {
		return nil, err
	}

	if m.scanErrors, err = meter.Int64Counter(
		"scan_errors_total",
		metric.WithDescription("Total number of scans that failed"),
	); err != nil {
		return nil, err
	}

	if m.scanDuration, err = meter.Float64Histogram(
		"scan_duration_seconds",
		metric.WithDescription("Time taken to complete a scan"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *scanMetrics) IncChunksScanned(ctx context.Context, source shared.SourceType) {
	m.chunksScanned.Add(ctx, 1, metric.WithAttributes(attribute.String("source_type", source.String())))
}

func (m *scanMetrics) ObserveIssues(ctx context.Context, source shared.SourceType, issueType domain.IssueType, count int) {
	if count == 0 {
		return
	}
	m.issuesFound.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("source_type", source.String()),
		attribute.String("issue_type", string(issueType)),
	))
}

func (m *scanMetrics) ObserveScanDuration(ctx context.Context, source shared.SourceType, duration time.Duration) {
	m.scanDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("source_type", source.String())))
}

func (m *scanMetrics) IncScanErrors(ctx context.Context, source shared.SourceType) {
	m.scanErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("source_type", source.String())))
}
