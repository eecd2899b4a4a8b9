package autolink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/testutil"
)

var base = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func sample(process int64, serial string, minute int) domain.AutoLinkSample {
	return domain.AutoLinkSample{ProcessID: process, Serial: serial, Time: base.Add(time.Duration(minute) * time.Minute)}
}

func groupOf(groups [][]int64, p int64) int {
	for i, g := range groups {
		for _, m := range g {
			if m == p {
				return i
			}
		}
	}
	return -1
}

func assertPartition(t *testing.T, processes []int64, groups [][]int64) {
	t.Helper()
	seen := map[int64]int{}
	for _, g := range groups {
		require.NotEmpty(t, g)
		for _, p := range g {
			seen[p]++
		}
	}
	require.Len(t, seen, len(processes))
	for _, p := range processes {
		assert.Equal(t, 1, seen[p], "process %d", p)
	}
}

func TestCluster_SharedSerialScenario(t *testing.T) {
	t.Parallel()

	// 50 rows: serials A and B only at process 1, B and C at processes 2
	// and 3.
	var rows []domain.AutoLinkSample
	for i := 0; i < 50; i++ {
		switch i % 5 {
		case 0:
			rows = append(rows, sample(1, "A", i))
		case 1:
			rows = append(rows, sample(1, "B", i))
		case 2:
			rows = append(rows, sample(2, "B", i))
		case 3:
			rows = append(rows, sample(2, "C", i))
		default:
			rows = append(rows, sample(3, []string{"B", "C"}[i%2], i))
		}
	}

	groups, err := Cluster(CountOrderKeepAll, []int64{1, 2, 3}, rows)
	require.NoError(t, err)
	assertPartition(t, []int64{1, 2, 3}, groups)
	assert.Equal(t, groupOf(groups, 1), groupOf(groups, 2), "processes 1 and 2 share serial B")
}

func TestCluster_PartitionsEveryProcess(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	for run := 0; run < 30; run++ {
		processes := []int64{}
		var rows []domain.AutoLinkSample
		nproc := 2 + rng.Intn(12)
		for p := 1; p <= nproc; p++ {
			processes = append(processes, int64(p))
			if rng.Intn(5) == 0 {
				continue // a process without evidence
			}
			for k := 0; k < 1+rng.Intn(20); k++ {
				rows = append(rows, sample(int64(p), fmt.Sprintf("S%d", rng.Intn(15)), rng.Intn(500)))
			}
		}
		for _, st := range Strategies {
			groups, err := Cluster(st, processes, rows)
			require.NoError(t, err, st)
			assertPartition(t, processes, groups)
		}
	}
}

func TestSort_Strategies(t *testing.T) {
	t.Parallel()

	// Serial X flows 1 -> 2 -> 3, serial Y flows 2 -> 3, serial Z only at 4.
	rows := []domain.AutoLinkSample{
		sample(1, "X", 0), sample(2, "X", 5), sample(3, "X", 10),
		sample(2, "Y", 20), sample(3, "Y", 25),
		sample(4, "Z", 30),
	}

	tests := []struct {
		strategy Strategy
		want     []int64
	}{
		{strategy: CountOrderKeepMax, want: []int64{1, 2, 3}},
		{strategy: CountOrderKeepAll, want: []int64{1, 2, 3, 4}},
		{strategy: CountOrderKeepMean, want: []int64{1, 2, 3}},
		// Scores: 1 = 9, 2 = 6+4 = 10, 3 = 3+2 = 5, 4 = 1.
		{strategy: CountReversedOrder, want: []int64{2, 1, 3, 4}},
		// Square: 1 = 27, 2 = 18+8 = 26, 3 = 9+4 = 13, 4 = 1.
		{strategy: FunctionCountReversedOrderSquare, want: []int64{1, 2, 3, 4}},
		{strategy: FunctionCountReversedOrderCube, want: []int64{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			t.Parallel()
			got, err := Sort(tt.strategy, rows)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Sort("nearest", rows)
	require.Error(t, err)
}

func TestGroup_FirstFitAgainstLastMember(t *testing.T) {
	t.Parallel()

	serials := map[int64]map[string]bool{
		1: {"a": true},
		2: {"a": true, "b": true},
		3: {"b": true},
		4: {"a": true},
	}
	// 4 shares "a" with 1 and 2, but group {1,2,3} now ends with 3, which
	// does not share a serial with 4.
	groups := Group([]int64{1, 2, 3, 4}, serials)
	assert.Equal(t, [][]int64{{1, 2, 3}, {4}}, groups)
}

func TestCluster_ProcessesWithoutEvidenceAppended(t *testing.T) {
	t.Parallel()

	rows := []domain.AutoLinkSample{sample(5, "Q", 0), sample(6, "Q", 1)}
	groups, err := Cluster(CountOrderKeepMax, []int64{9, 6, 5, 7}, rows)
	require.NoError(t, err)
	assert.Equal(t, [][]int64{{5, 6}, {7}, {9}}, groups)
}

type memCache struct {
	mu      sync.Mutex
	rows    map[int64][]domain.AutoLinkSample
	upserts int
}

func (m *memCache) repo() *testutil.MockAutoLinkRepo {
	return &testutil.MockAutoLinkRepo{
		ListFn: func(_ context.Context, pid int64) ([]domain.AutoLinkSample, error) {
			m.mu.Lock()
			defer m.mu.Unlock()
			return append([]domain.AutoLinkSample(nil), m.rows[pid]...), nil
		},
		UpsertFn: func(_ context.Context, samples []domain.AutoLinkSample) error {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.upserts++
			for _, s := range samples {
				m.rows[s.ProcessID] = domain.DedupeLatest(append(m.rows[s.ProcessID], s))
			}
			return nil
		},
	}
}

func TestSampler_TiersInOrderUntilFull(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cache := &memCache{rows: map[int64][]domain.AutoLinkSample{
		1: {sample(1, "A", 0), sample(1, "B", 1)},
		2: {sample(2, "A", 0), sample(2, "B", 1), sample(2, "C", 2), sample(2, "D", 3), sample(2, "E", 4)},
	}}

	var mu sync.Mutex
	calls := map[string][]int{}
	record := func(name string) FetchFunc {
		return func(_ context.Context, pid int64, need int) ([]domain.AutoLinkSample, error) {
			mu.Lock()
			calls[name] = append(calls[name], need)
			mu.Unlock()
			switch name {
			case "transactions":
				// one duplicate serial with a later time, one new serial
				return []domain.AutoLinkSample{sample(pid, "A", 10), sample(pid, "T", 11)}, nil
			default:
				return []domain.AutoLinkSample{sample(pid, "F1", 20), sample(pid, "F2", 21), sample(pid, "F3", 22)}, nil
			}
		}
	}
	s := NewSampler(cache.repo(), []Tier{
		{Name: "transactions", Fetch: record("transactions")},
		{Name: "files", Fetch: record("files")},
		{Name: "source", Fetch: record("source"), Limited: true},
	}, slog.New(slog.DiscardHandler), WithCapacity(5), WithRateLimit(1000), WithParallelism(2))

	out, err := s.Sample(ctx, []int64{1, 2})
	require.NoError(t, err)

	assert.Len(t, out[2], 5, "process 2 was already full")
	require.Len(t, out[1], 5)
	latestA := base.Add(10 * time.Minute)
	for _, smp := range out[1] {
		if smp.Serial == "A" {
			assert.True(t, smp.Time.Equal(latestA), "latest record per serial kept")
		}
	}
	assert.Equal(t, []int{3}, calls["transactions"])
	assert.Equal(t, []int{2}, calls["files"])
	assert.Empty(t, calls["source"])
	assert.Equal(t, 1, cache.upserts)
	serials := map[string]bool{}
	for _, smp := range cache.rows[1] {
		serials[smp.Serial] = true
	}
	assert.True(t, serials["T"])
	assert.True(t, serials["F3"])
}

func TestSampler_PropagatesTierErrors(t *testing.T) {
	t.Parallel()

	cache := &memCache{rows: map[int64][]domain.AutoLinkSample{}}
	boom := errors.New("source down")
	s := NewSampler(cache.repo(), []Tier{{Name: "source", Fetch: func(context.Context, int64, int) ([]domain.AutoLinkSample, error) {
		return nil, boom
	}}}, slog.New(slog.DiscardHandler))
	_, err := s.Sample(context.Background(), []int64{1})
	require.ErrorIs(t, err, boom)
}
