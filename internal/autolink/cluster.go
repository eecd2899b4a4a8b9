// Package autolink groups processes that observe the same serial numbers,
// i.e. stations of one physical production flow.
package autolink

import (
	"fmt"
	"sort"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// Strategy selects how processes are ordered before grouping.
type Strategy string

// Ordering strategies.
const (
	CountOrderKeepMax                Strategy = "count_order_keep_max"
	CountOrderKeepAll                Strategy = "count_order_keep_all"
	CountOrderKeepMean               Strategy = "count_order_keep_mean"
	CountReversedOrder               Strategy = "count_reversed_order"
	FunctionCountReversedOrderSquare Strategy = "function_count_reversed_order_square"
	FunctionCountReversedOrderCube   Strategy = "function_count_reversed_order_cube"
)

// Strategies lists every ordering strategy.
var Strategies = []Strategy{
	CountOrderKeepMax, CountOrderKeepAll, CountOrderKeepMean,
	CountReversedOrder, FunctionCountReversedOrderSquare, FunctionCountReversedOrderCube,
}

type record struct {
	process int64
	time    time.Time
}

// index holds, per serial, the processes that saw it in time order.
type index struct {
	bySerial  map[string][]record
	serials   []string // sorted, for deterministic iteration
	processes map[int64]map[string]bool
}

func buildIndex(samples []domain.AutoLinkSample) *index {
	ix := &index{bySerial: map[string][]record{}, processes: map[int64]map[string]bool{}}
	for _, s := range domain.DedupeLatest(samples) {
		if s.Serial == "" {
			continue
		}
		ix.bySerial[s.Serial] = append(ix.bySerial[s.Serial], record{process: s.ProcessID, time: s.Time})
		if ix.processes[s.ProcessID] == nil {
			ix.processes[s.ProcessID] = map[string]bool{}
		}
		ix.processes[s.ProcessID][s.Serial] = true
	}
	for serial, recs := range ix.bySerial {
		sort.SliceStable(recs, func(i, j int) bool {
			if !recs[i].time.Equal(recs[j].time) {
				return recs[i].time.Before(recs[j].time)
			}
			return recs[i].process < recs[j].process
		})
		ix.serials = append(ix.serials, serial)
	}
	sort.Strings(ix.serials)
	return ix
}

// Sort orders the processes of samples by strategy. Processes a strategy
// does not rank are left out; Cluster appends them.
func Sort(strategy Strategy, samples []domain.AutoLinkSample) ([]int64, error) {
	ix := buildIndex(samples)
	switch strategy {
	case CountOrderKeepMax:
		return ix.countOrder(false, false), nil
	case CountOrderKeepAll:
		return ix.countOrder(true, false), nil
	case CountOrderKeepMean:
		return ix.countOrder(false, true), nil
	case CountReversedOrder:
		return ix.reversed(func(c float64) float64 { return c }), nil
	case FunctionCountReversedOrderSquare:
		return ix.reversed(func(c float64) float64 { return c * c }), nil
	case FunctionCountReversedOrderCube:
		return ix.reversed(func(c float64) float64 { return c * c * c }), nil
	}
	return nil, domain.ErrValidation("unknown auto-link strategy %q", strategy)
}

type ranked struct {
	process  int64
	ordinal  float64
	earliest time.Time
}

// countOrder ranks the processes sharing the most-observed serials by
// their mean position within those serials. keepAll repeats on the
// remaining processes until none is left; mean selects every serial whose
// count reaches the mean instead of only the maximum.
func (ix *index) countOrder(keepAll, mean bool) []int64 {
	frontier := make(map[int64]bool, len(ix.processes))
	for p := range ix.processes {
		frontier[p] = true
	}

	var out []int64
	for len(frontier) > 0 {
		counts := make(map[string]int, len(ix.serials))
		maxCount, sum, n := 0, 0, 0
		for _, s := range ix.serials {
			c := 0
			for _, r := range ix.bySerial[s] {
				if frontier[r.process] {
					c++
				}
			}
			if c == 0 {
				continue
			}
			counts[s] = c
			maxCount = max(maxCount, c)
			sum += c
			n++
		}
		if n == 0 {
			break
		}
		selected := func(c int) bool { return c == maxCount }
		if mean {
			avg := float64(sum) / float64(n)
			selected = func(c int) bool { return float64(c) >= avg }
		}

		type acc struct {
			sum, n   int
			earliest time.Time
		}
		accs := map[int64]*acc{}
		for _, s := range ix.serials {
			c, ok := counts[s]
			if !ok || !selected(c) {
				continue
			}
			pos := 0
			for _, r := range ix.bySerial[s] {
				if !frontier[r.process] {
					continue
				}
				a := accs[r.process]
				if a == nil {
					a = &acc{earliest: r.time}
					accs[r.process] = a
				}
				a.sum += pos
				a.n++
				if r.time.Before(a.earliest) {
					a.earliest = r.time
				}
				pos++
			}
		}

		round := make([]ranked, 0, len(accs))
		for p, a := range accs {
			round = append(round, ranked{process: p, ordinal: float64(a.sum) / float64(a.n), earliest: a.earliest})
		}
		sort.Slice(round, func(i, j int) bool {
			if round[i].ordinal != round[j].ordinal {
				return round[i].ordinal < round[j].ordinal
			}
			if !round[i].earliest.Equal(round[j].earliest) {
				return round[i].earliest.Before(round[j].earliest)
			}
			return round[i].process < round[j].process
		})
		for _, r := range round {
			out = append(out, r.process)
			delete(frontier, r.process)
		}
		if !keepAll {
			break
		}
	}
	return out
}

// reversed scores every process by the sum over its serials of
// (count - position) * f(count) and orders by descending score.
func (ix *index) reversed(f func(float64) float64) []int64 {
	scores := make(map[int64]float64, len(ix.processes))
	for _, s := range ix.serials {
		recs := ix.bySerial[s]
		c := float64(len(recs))
		for pos, r := range recs {
			scores[r.process] += (c - float64(pos)) * f(c)
		}
	}
	out := make([]int64, 0, len(scores))
	for p := range scores {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if scores[out[i]] != scores[out[j]] {
			return scores[out[i]] > scores[out[j]]
		}
		return out[i] < out[j]
	})
	return out
}

// Group walks order and puts each process into the first group whose most
// recently added member shares a serial with it, or opens a new group.
// The result depends on order and is not the connected components of the
// serial-overlap graph.
func Group(order []int64, serials map[int64]map[string]bool) [][]int64 {
	var groups [][]int64
	seen := make(map[int64]bool, len(order))
	for _, p := range order {
		if seen[p] {
			continue
		}
		seen[p] = true
		placed := false
		for gi, g := range groups {
			if shares(serials[p], serials[g[len(g)-1]]) {
				groups[gi] = append(groups[gi], p)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, []int64{p})
		}
	}
	return groups
}

func shares(a, b map[string]bool) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for s := range a {
		if b[s] {
			return true
		}
	}
	return false
}

// Cluster orders processes by strategy and groups them. Every id in
// processes appears in exactly one group; ids the strategy did not rank
// follow in ascending order.
func Cluster(strategy Strategy, processes []int64, samples []domain.AutoLinkSample) ([][]int64, error) {
	order, err := Sort(strategy, samples)
	if err != nil {
		return nil, err
	}
	wanted := make(map[int64]bool, len(processes))
	for _, p := range processes {
		wanted[p] = true
	}
	full := make([]int64, 0, len(processes))
	placed := make(map[int64]bool, len(processes))
	for _, p := range order {
		if wanted[p] && !placed[p] {
			full = append(full, p)
			placed[p] = true
		}
	}
	var rest []int64
	for p := range wanted {
		if !placed[p] {
			rest = append(rest, p)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i] < rest[j] })
	full = append(full, rest...)

	groups := Group(full, buildIndex(samples).processes)
	if n := countMembers(groups); n != len(wanted) {
		return nil, fmt.Errorf("grouping placed %d of %d processes", n, len(wanted))
	}
	return groups, nil
}

func countMembers(groups [][]int64) int {
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	return n
}
