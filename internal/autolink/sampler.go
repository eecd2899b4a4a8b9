package autolink

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// FetchFunc returns up to need samples of one process.
type FetchFunc func(ctx context.Context, processID int64, need int) ([]domain.AutoLinkSample, error)

// Tier is one evidence source after the local cache.
type Tier struct {
	Name  string
	Fetch FetchFunc
	// Limited tiers wait on the sampler's rate limiter before each fetch.
	Limited bool
}

// Sampler gathers (serial, time) evidence per process from the local cache
// and then from each tier in order, until the process holds
// domain.AutoLinkRecordsPerProcess samples.
type Sampler struct {
	cache       domain.AutoLinkRepository
	tiers       []Tier
	limiter     *rate.Limiter
	parallelism int
	capacity    int
	logger      *slog.Logger
}

// SamplerOption configures a Sampler.
type SamplerOption func(*Sampler)

// WithParallelism bounds the number of processes sampled at once.
func WithParallelism(n int) SamplerOption {
	return func(s *Sampler) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithRateLimit limits fetches of Limited tiers to rps per second.
func WithRateLimit(rps float64) SamplerOption {
	return func(s *Sampler) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithCapacity overrides the per-process sample cap.
func WithCapacity(n int) SamplerOption {
	return func(s *Sampler) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// NewSampler creates a sampler over cache and tiers.
func NewSampler(cache domain.AutoLinkRepository, tiers []Tier, logger *slog.Logger, opts ...SamplerOption) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sampler{
		cache:       cache,
		tiers:       tiers,
		limiter:     rate.NewLimiter(rate.Inf, 1),
		parallelism: 4,
		capacity:    domain.AutoLinkRecordsPerProcess,
		logger:      logger.With("component", "autolink"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Sample collects evidence for every process and writes it back to the
// cache. The result holds the deduplicated samples per process.
func (s *Sampler) Sample(ctx context.Context, processes []int64) (map[int64][]domain.AutoLinkSample, error) {
	var mu sync.Mutex
	out := make(map[int64][]domain.AutoLinkSample, len(processes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for _, pid := range processes {
		g.Go(func() error {
			got, err := s.sampleOne(gctx, pid)
			if err != nil {
				return fmt.Errorf("process %d: %w", pid, err)
			}
			mu.Lock()
			out[pid] = got
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Needed returns how many more samples a process with have samples needs.
func (s *Sampler) Needed(have int) int {
	return max(0, s.capacity-have)
}

func (s *Sampler) sampleOne(ctx context.Context, pid int64) ([]domain.AutoLinkSample, error) {
	cached, err := s.cache.List(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("read cache: %w", err)
	}
	got := domain.DedupeLatest(cached)
	fromCache := len(got)

	for _, t := range s.tiers {
		need := s.Needed(len(got))
		if need == 0 {
			break
		}
		if t.Limited {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		more, err := t.Fetch(ctx, pid, need)
		if err != nil {
			return nil, fmt.Errorf("tier %s: %w", t.Name, err)
		}
		before := len(got)
		for i := range more {
			more[i].ProcessID = pid
		}
		got = domain.DedupeLatest(append(got, more...))
		s.logger.Debug("auto-link tier sampled", "process_id", pid, "tier", t.Name,
			"fetched", len(more), "added", len(got)-before)
	}

	if len(got) > s.capacity {
		sort.SliceStable(got, func(i, j int) bool { return got[i].Time.After(got[j].Time) })
		got = got[:s.capacity]
	}
	if len(got) > fromCache {
		if err := s.cache.Upsert(ctx, got); err != nil {
			return nil, fmt.Errorf("write cache: %w", err)
		}
	}
	return got, nil
}
