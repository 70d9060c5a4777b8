// Package scanning runs the detection pipeline over the chunks produced by a
// source. A Scanner is bound to exactly one source and scans it at most once.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/leakscan/internal/config"
	"github.com/ahrav/leakscan/internal/domain/rules"
	domain "github.com/ahrav/leakscan/internal/domain/scanning"
	"github.com/ahrav/leakscan/internal/domain/shared"
	"github.com/ahrav/leakscan/pkg/common/logger"
)

// TypedSource is implemented by chunk sources that report what they walk.
// The type is attached to telemetry.
type TypedSource interface {
	SourceType() shared.SourceType
}

type sigKey struct{ matched, path string }

// Scanner composes a chunk source with entropy and regex detection.
type Scanner struct {
	id         uuid.UUID
	source     domain.ChunkSource
	sourceType shared.SourceType
	opts       config.Options
	filter     domain.PathFilter

	rules             []*rules.Rule
	entropyExclusions []*rules.Rule
	excludedSigs      map[string]struct{}
	b64Limit          float64
	hexLimit          float64

	sigMu   sync.Mutex
	sigMemo map[sigKey]string

	mu        sync.Mutex
	completed bool
	issues    []*domain.Issue
	err       error

	logger  *logger.Logger
	tracer  trace.Tracer
	metrics ScanMetrics
}

// NewScanner binds a source to the detection pipeline. ruleSet may be nil
// when regex detection is disabled. Entropy exclusion patterns are compiled
// here so a bad pattern fails before any content is read.
func NewScanner(
	source domain.ChunkSource,
	ruleSet *rules.RuleSet,
	opts config.Options,
	filter domain.PathFilter,
	log *logger.Logger,
	tracer trace.Tracer,
	metrics ScanMetrics,
) (*Scanner, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	exclusions := make([]*rules.Rule, 0, len(opts.ExcludeEntropyPatterns))
	for _, p := range opts.ExcludeEntropyPatterns {
		r, err := p.Compile(rules.ScopeLine)
		if err != nil {
			return nil, fmt.Errorf("invalid exclude-entropy-patterns: %w", err)
		}
		exclusions = append(exclusions, r)
	}

	sigs := make(map[string]struct{}, len(opts.ExcludeSignatures))
	for _, sig := range opts.Signatures() {
		sigs[sig] = struct{}{}
	}

	var ruleList []*rules.Rule
	if ruleSet != nil {
		ruleList = ruleSet.Rules()
	}

	sourceType := shared.SourceType("unknown")
	if ts, ok := source.(TypedSource); ok {
		sourceType = ts.SourceType()
	}

	id := uuid.New()
	return &Scanner{
		id:                id,
		source:            source,
		sourceType:        sourceType,
		opts:              opts,
		filter:            filter,
		rules:             ruleList,
		entropyExclusions: exclusions,
		excludedSigs:      sigs,
		b64Limit:          scaledLimit(opts.EntropySensitivity, base64Bits),
		hexLimit:          scaledLimit(opts.EntropySensitivity, hexBits),
		sigMemo:           make(map[sigKey]string),
		logger:            log.With("component", "scanner", "scan_id", id.String(), "source_type", sourceType.String()),
		tracer:            tracer,
		metrics:           metrics,
	}, nil
}

// ID identifies this scan in logs and traces.
func (s *Scanner) ID() uuid.UUID { return s.id }

// Completed reports whether the scan has run.
func (s *Scanner) Completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed
}

// Issues returns the issues of the scan, running it on first use.
func (s *Scanner) Issues(ctx context.Context) ([]*domain.Issue, error) { return s.Scan(ctx) }

// Scan runs detection over every chunk of the source. The outcome, issues or
// error, is computed once; later calls return it without reading the source
// again. Concurrent callers wait for the first to finish.
func (s *Scanner) Scan(ctx context.Context) ([]*domain.Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		s.logger.Debug(ctx, "Scan already completed")
		return s.issues, s.err
	}

	s.issues, s.err = s.run(ctx)
	s.completed = true
	return s.issues, s.err
}

func (s *Scanner) run(ctx context.Context) ([]*domain.Issue, error) {
	ctx, span := s.tracer.Start(ctx, "scanner.scanning.scan",
		trace.WithAttributes(
			attribute.String("component", "scanner"),
			attribute.String("scan.id", s.id.String()),
			attribute.String("source.type", s.sourceType.String()),
			attribute.Bool("entropy", s.opts.Entropy),
			attribute.Bool("regex", s.opts.Regex),
			attribute.Int("rules.count", len(s.rules)),
			attribute.Int("workers", s.opts.Workers),
		),
	)
	defer span.End()

	if err := s.checkAnalysis(); err != nil {
		s.logger.Error(ctx, "Scan not started", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid configuration")
		return nil, err
	}

	s.logger.Info(ctx, "Starting scan")
	start := time.Now()
	defer func() {
		s.metrics.ObserveScanDuration(ctx, s.sourceType, time.Since(start))
	}()

	var (
		issues []*domain.Issue
		err    error
	)
	if s.opts.Workers > 1 {
		issues, err = s.scanParallel(ctx)
	} else {
		issues, err = s.scanSequential(ctx)
	}
	if err != nil {
		err = shared.Wrap(shared.ErrScan, err)
		s.metrics.IncScanErrors(ctx, s.sourceType)
		s.logger.Error(ctx, "Scan failed, discarding partial results", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return nil, err
	}

	span.SetAttributes(attribute.Int("issues.count", len(issues)))
	span.SetStatus(codes.Ok, "scan completed")
	s.logger.Info(ctx, "Scan completed", "issues", len(issues), "duration", time.Since(start).String())
	return issues, nil
}

// checkAnalysis rejects configurations that cannot detect anything.
func (s *Scanner) checkAnalysis() error {
	if !s.opts.Entropy && !s.opts.Regex {
		return fmt.Errorf("%w: no analysis requested", shared.ErrConfig)
	}
	if s.opts.Regex && len(s.rules) == 0 {
		return fmt.Errorf("%w: regex checks requested, but no regexes found", shared.ErrConfig)
	}
	return nil
}

func (s *Scanner) scanSequential(ctx context.Context) ([]*domain.Issue, error) {
	var issues []*domain.Issue
	for chunk, err := range s.source.Chunks(ctx) {
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		issues = append(issues, s.analyze(ctx, chunk)...)
	}
	return issues, nil
}

// scanParallel analyzes chunks on a bounded worker group. Each chunk writes
// into its own slot so issues can be concatenated in chunk order afterwards.
func (s *Scanner) scanParallel(ctx context.Context) ([]*domain.Issue, error) {
	var (
		g      errgroup.Group
		slots  []*[]*domain.Issue
		srcErr error
	)
	g.SetLimit(s.opts.Workers)

	for chunk, err := range s.source.Chunks(ctx) {
		if err != nil {
			srcErr = err
			break
		}
		slot := new([]*domain.Issue)
		slots = append(slots, slot)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			*slot = s.analyze(ctx, chunk)
			return nil
		})
	}

	werr := g.Wait()
	if err := errors.Join(srcErr, werr); err != nil {
		return nil, err
	}

	var issues []*domain.Issue
	for _, slot := range slots {
		issues = append(issues, *slot...)
	}
	return issues, nil
}

// analyze runs regex detection first, then entropy detection.
func (s *Scanner) analyze(ctx context.Context, chunk *domain.Chunk) []*domain.Issue {
	if !s.ShouldScan(chunk.FilePath()) {
		return nil
	}
	s.metrics.IncChunksScanned(ctx, s.sourceType)

	var issues []*domain.Issue
	if s.opts.Regex {
		found := s.ScanRegex(chunk)
		s.metrics.ObserveIssues(ctx, s.sourceType, domain.IssueTypeRegEx, len(found))
		issues = append(issues, found...)
	}
	if s.opts.Entropy {
		found := s.ScanEntropy(ctx, chunk)
		s.metrics.ObserveIssues(ctx, s.sourceType, domain.IssueTypeEntropy, len(found))
		issues = append(issues, found...)
	}
	return issues
}

// ScanRegex reports every distinct match of each rule that applies to the
// chunk's path.
func (s *Scanner) ScanRegex(chunk *domain.Chunk) []*domain.Issue {
	var issues []*domain.Issue
	path := chunk.FilePath()
	for _, r := range s.rules {
		if !r.MatchesPath(path) {
			continue
		}
		for _, match := range r.FindAll(chunk.Contents()) {
			if s.SignatureIsExcluded(match, path) {
				continue
			}
			issues = append(issues, domain.NewIssue(domain.IssueTypeRegEx, match, chunk, r.Name()))
		}
	}
	return issues
}

// ShouldScan reports whether path passes the configured path filter.
func (s *Scanner) ShouldScan(path string) bool {
	return s.filter == nil || s.filter.ShouldScan(path)
}

// SignatureIsExcluded reports whether the finding matched at path has been
// allow-listed. A listed value equal to matched itself also counts, since
// signatures committed to a repository show up as entropy findings.
func (s *Scanner) SignatureIsExcluded(matched, path string) bool {
	if len(s.excludedSigs) == 0 {
		return false
	}
	if _, ok := s.excludedSigs[matched]; ok {
		return true
	}
	_, ok := s.excludedSigs[s.signature(matched, path)]
	return ok
}

func (s *Scanner) signature(matched, path string) string {
	key := sigKey{matched: matched, path: path}

	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	if sig, ok := s.sigMemo[key]; ok {
		return sig
	}
	sig := domain.Signature(matched, path)
	s.sigMemo[key] = sig
	return sig
}
