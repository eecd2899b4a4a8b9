package window

import (
	"context"
	"log/slog"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/source"
)

// Traversal horizons.
const (
	futureLookback = 3  // months before now where a fresh future pull starts
	pastHorizon    = 1  // years before now where a past pull stops
	boundsSlack    = time.Second
)

// Source is the part of a source adapter a walker probes.
type Source interface {
	Count(ctx context.Context, w domain.Window) (int64, error)
	Bounds(ctx context.Context) (source.Bounds, error)
}

// Visit fetches and imports the rows of w, at most limit rows. It returns
// the number of rows imported.
type Visit func(ctx context.Context, w domain.Window, limit int) (int64, error)

// Stats summarizes one walk.
type Stats struct {
	Windows int   // windows fetched
	Empty   int   // windows skipped because the probe counted nothing
	Capped  int   // minimum-length windows that still hit the ceiling
	Rows    int64 // rows reported by Visit
}

// Walker traverses a source in one direction, probing every window with
// Count before fetching it.
type Walker struct {
	Direction  domain.Direction
	Source     Source
	Controller *Controller
	Logger     *slog.Logger
	Now        func() time.Time

	// Enough stops an auto-link walk once it returns true.
	Enough func() bool
	// Checkpoint persists the cursor after every window.
	Checkpoint func(ctx context.Context, c domain.PullCursor) error
	// Progress receives the covered share of the range, 0 to 100.
	Progress func(percent float64)
}

func (wk *Walker) now() time.Time {
	if wk.Now != nil {
		return wk.Now()
	}
	return time.Now()
}

func (wk *Walker) logger() *slog.Logger {
	if wk.Logger != nil {
		return wk.Logger
	}
	return slog.Default()
}

// Range returns the [lo, hi) interval the walker would traverse for cur.
// ok is false when there is nothing to traverse.
func (wk *Walker) Range(cur domain.PullCursor, b source.Bounds) (lo, hi time.Time, ok bool) {
	if b.Empty {
		return time.Time{}, time.Time{}, false
	}
	now := wk.now()
	dataEnd := b.Max.Add(boundsSlack)

	switch wk.Direction {
	case domain.DirectionFuture:
		lo = cur.LastImported
		if lo.IsZero() {
			lo = now.AddDate(0, -futureLookback, 0)
		}
		lo = later(lo, b.Min)
		hi = dataEnd
	case domain.DirectionPast:
		hi = cur.Earliest
		if hi.IsZero() {
			hi = now.AddDate(0, -futureLookback, 0)
		}
		hi = earlier(hi, dataEnd)
		lo = later(b.Min, now.AddDate(-pastHorizon, 0, 0))
	case domain.DirectionAutoLink:
		lo, hi = b.Min, dataEnd
	default:
		return time.Time{}, time.Time{}, false
	}
	return lo, hi, lo.Before(hi)
}

// Walk traverses the source from cur, calling visit for every window that
// holds rows. It returns the advanced cursor.
func (wk *Walker) Walk(ctx context.Context, cur domain.PullCursor, visit Visit) (domain.PullCursor, Stats, error) {
	var stats Stats
	cur.Direction = wk.Direction

	b, err := wk.Source.Bounds(ctx)
	if err != nil {
		return cur, stats, err
	}
	lo, hi, ok := wk.Range(cur, b)
	if !ok {
		return cur, stats, nil
	}

	forward := wk.Direction == domain.DirectionFuture
	limit := wk.Controller.Limit()
	total := hi.Sub(lo)
	d := Clamp(time.Duration(cur.WindowSeconds) * time.Second)
	if cur.WindowSeconds <= 0 {
		d = DefaultDuration
	}
	pos := hi
	if forward {
		pos = lo
	}
	log := wk.logger().With("direction", string(wk.Direction))

	for {
		if err := ctx.Err(); err != nil {
			return cur, stats, err
		}
		if forward && !pos.Before(hi) || !forward && !pos.After(lo) {
			break
		}
		if wk.Direction == domain.DirectionAutoLink && wk.Enough != nil && wk.Enough() {
			break
		}

		var w domain.Window
		if forward {
			w = domain.Window{From: pos, To: earlier(pos.Add(d), hi)}
		} else {
			w = domain.Window{From: later(pos.Add(-d), lo), To: pos}
		}

		n, err := wk.Source.Count(ctx, w)
		if err != nil {
			return cur, stats, err
		}

		if n == 0 {
			stats.Empty++
		} else {
			if n >= int64(limit) && w.Duration() > MinDuration {
				d = wk.Controller.Next(w, n)
				continue
			}
			if n >= int64(limit) {
				stats.Capped++
				log.Warn("window at minimum length still exceeds the row limit; fetch capped",
					"from", w.From, "to", w.To, "count", n, "limit", limit)
			}
			rows, err := visit(ctx, w, limit)
			if err != nil {
				return cur, stats, err
			}
			stats.Windows++
			stats.Rows += rows
			d = wk.Controller.Next(w, n)
		}

		if forward {
			pos = w.To
		} else {
			pos = w.From
		}
		advance(&cur, w, d, wk.now())
		if wk.Checkpoint != nil {
			if err := wk.Checkpoint(ctx, cur); err != nil {
				return cur, stats, err
			}
		}
		if wk.Progress != nil && total > 0 {
			covered := pos.Sub(lo)
			if !forward {
				covered = hi.Sub(pos)
			}
			wk.Progress(100 * float64(covered) / float64(total))
		}
	}
	return cur, stats, nil
}

func advance(cur *domain.PullCursor, w domain.Window, d time.Duration, now time.Time) {
	if cur.Earliest.IsZero() || w.From.Before(cur.Earliest) {
		cur.Earliest = w.From
	}
	if cur.LastImported.IsZero() || w.To.After(cur.LastImported) {
		cur.LastImported = w.To
	}
	cur.WindowSeconds = int64(d / time.Second)
	cur.UpdatedAt = now
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
