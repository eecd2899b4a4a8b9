// Package linking runs the auto-link job: it samples serial evidence for
// every process, clusters processes that share serials and announces the
// links it found.
package linking

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/autolink"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// SourceSampler reads samples straight from the data sources.
type SourceSampler interface {
	SampleFiles(ctx context.Context, processID int64, need int) ([]domain.AutoLinkSample, error)
	SampleSource(ctx context.Context, processID int64, need int) ([]domain.AutoLinkSample, error)
}

// Publisher announces process links.
type Publisher interface {
	PublishLink(ctx context.Context, processID, targetProcessID int64) error
}

// Options configures a Service.
type Options struct {
	Strategy    autolink.Strategy
	Parallelism int
	// RatePerSecond limits re-reads of the data sources; zero is unlimited.
	RatePerSecond float64
	// Capacity overrides the per-process sample cap.
	Capacity  int
	Publisher Publisher
	Logger    *slog.Logger
}

// Link is one directed edge of a production flow.
type Link struct {
	From, To int64
}

// Result is the outcome of one auto-link run.
type Result struct {
	Groups  [][]int64
	Links   []Link
	Samples int
}

// Service owns the auto-link pipeline.
type Service struct {
	processes domain.ProcessRepository
	sampler   *autolink.Sampler
	strategy  autolink.Strategy
	publisher Publisher
	logger    *slog.Logger
}

// NewService wires the sampler tiers: the local cache, then the
// transaction store, then recent drop files, then rate-limited source
// re-reads.
func NewService(processes domain.ProcessRepository, cache domain.AutoLinkRepository, store domain.TransactionStore, sources SourceSampler, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Strategy == "" {
		opts.Strategy = autolink.CountOrderKeepMax
	}
	tiers := []autolink.Tier{{
		Name: "transactions",
		Fetch: func(ctx context.Context, pid int64, need int) ([]domain.AutoLinkSample, error) {
			return store.Samples(ctx, pid, time.Time{}, need)
		},
	}}
	if sources != nil {
		tiers = append(tiers,
			autolink.Tier{Name: "recent-files", Fetch: sources.SampleFiles},
			autolink.Tier{Name: "source", Fetch: sources.SampleSource, Limited: true},
		)
	}
	samplerOpts := []autolink.SamplerOption{
		autolink.WithParallelism(opts.Parallelism),
		autolink.WithRateLimit(opts.RatePerSecond),
		autolink.WithCapacity(opts.Capacity),
	}
	return &Service{
		processes: processes,
		sampler:   autolink.NewSampler(cache, tiers, opts.Logger, samplerOpts...),
		strategy:  opts.Strategy,
		publisher: opts.Publisher,
		logger:    opts.Logger.With("component", "linking"),
	}
}

// Run is the job body of AUTO_LINK jobs.
func (s *Service) Run(ctx context.Context, j *domain.Job, report func(float64)) (domain.JobResult, error) {
	res, err := s.Link(ctx, report)
	if err != nil {
		return domain.JobResult{}, err
	}
	return domain.JobResult{
		Rows:    int64(res.Samples),
		Message: fmt.Sprintf("%d groups, %d links from %d samples", len(res.Groups), len(res.Links), res.Samples),
	}, nil
}

// Link samples every registered process and clusters them.
func (s *Service) Link(ctx context.Context, report func(float64)) (*Result, error) {
	if report == nil {
		report = func(float64) {}
	}
	list, err := s.processes.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		report(100)
		return &Result{}, nil
	}
	ids := make([]int64, len(list))
	for i, p := range list {
		ids[i] = p.ID
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	byProcess, err := s.sampler.Sample(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("sample processes: %w", err)
	}
	report(70)

	var samples []domain.AutoLinkSample
	for _, pid := range ids {
		samples = append(samples, byProcess[pid]...)
	}
	groups, err := autolink.Cluster(s.strategy, ids, samples)
	if err != nil {
		return nil, err
	}

	res := &Result{Groups: groups, Samples: len(samples)}
	for _, g := range groups {
		for i := 1; i < len(g); i++ {
			res.Links = append(res.Links, Link{From: g[i-1], To: g[i]})
		}
	}
	for _, l := range res.Links {
		if s.publisher == nil {
			break
		}
		if err := s.publisher.PublishLink(ctx, l.From, l.To); err != nil {
			s.logger.Warn("publish link", "process_id", l.From, "target_process_id", l.To, "error", err)
		}
	}
	s.logger.Info("auto-link finished", "processes", len(ids), "groups", len(groups), "links", len(res.Links), "samples", len(samples))
	report(100)
	return res, nil
}
