package scanning

import (
	"bytes"
	"context"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/leakscan/internal/config"
	"github.com/ahrav/leakscan/internal/domain/rules"
	domain "github.com/ahrav/leakscan/internal/domain/scanning"
	"github.com/ahrav/leakscan/internal/domain/shared"
	"github.com/ahrav/leakscan/pkg/common/logger"
)

// sliceSource yields a fixed list of chunks and optionally fails at the end.
type sliceSource struct {
	chunks []*domain.Chunk
	err    error
	calls  int
}

func (s *sliceSource) Chunks(context.Context) iter.Seq2[*domain.Chunk, error] {
	s.calls++
	return func(yield func(*domain.Chunk, error) bool) {
		for _, c := range s.chunks {
			if !yield(c, nil) {
				return
			}
		}
		if s.err != nil {
			yield(nil, s.err)
		}
	}
}

func (s *sliceSource) SourceType() shared.SourceType { return shared.SourceTypeFolder }

// mockScanMetrics implements ScanMetrics for testing.
type mockScanMetrics struct{ mock.Mock }

func (m *mockScanMetrics) IncChunksScanned(ctx context.Context, source shared.SourceType) {
	m.Called(ctx, source)
}

func (m *mockScanMetrics) ObserveIssues(ctx context.Context, source shared.SourceType, issueType domain.IssueType, count int) {
	m.Called(ctx, source, issueType, count)
}

func (m *mockScanMetrics) ObserveScanDuration(ctx context.Context, source shared.SourceType, duration time.Duration) {
	m.Called(ctx, source, duration)
}

func (m *mockScanMetrics) IncScanErrors(ctx context.Context, source shared.SourceType) {
	m.Called(ctx, source)
}

func testLogger() (*logger.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return logger.New(&buf, logger.LevelDebug, "test", nil), &buf
}

func noopMetrics(t *testing.T) ScanMetrics {
	t.Helper()
	m, err := NewScanMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	return m
}

func mustRuleSet(t *testing.T, rs ...*rules.Rule) *rules.RuleSet {
	t.Helper()
	set, err := rules.NewRuleSet(rs...)
	require.NoError(t, err)
	return set
}

// entropyOnly returns default options with regex detection disabled.
func entropyOnly() config.Options {
	opts := config.Default()
	opts.Regex = false
	return opts
}

// regexOnly returns default options with entropy detection disabled.
func regexOnly() config.Options {
	opts := config.Default()
	opts.Entropy = false
	return opts
}

func newTestScanner(t *testing.T, src domain.ChunkSource, set *rules.RuleSet, opts config.Options) (*Scanner, *bytes.Buffer) {
	t.Helper()
	log, buf := testLogger()
	filter, err := NewPathFilter(opts, log)
	require.NoError(t, err)
	s, err := NewScanner(src, set, opts, filter, log, noop.NewTracerProvider().Tracer("test"), noopMetrics(t))
	require.NoError(t, err)
	return s, buf
}
