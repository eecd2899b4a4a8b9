// Package window decides which time ranges to request from a source so that
// no request returns more rows than the data table's ceiling.
package window

import (
	"sync"
	"time"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// Window length bounds.
const (
	MinDuration     = time.Hour
	MaxDuration     = 16 * 24 * time.Hour
	DefaultDuration = 24 * time.Hour

	// History entries whose start is further than this from the current
	// window start are forgotten.
	historyHorizon = 14 * 24 * time.Hour
	ngMargin       = time.Hour
)

type observation struct {
	duration time.Duration
	start    time.Time
}

// Controller adapts the window length to the observed row counts. It keeps
// recent windows that stayed under the limit (ok) and those that hit it
// (ng), and never proposes a window at or above the last ng length.
type Controller struct {
	mu    sync.Mutex
	limit int64
	ok    []observation
	ng    []observation
}

// NewController creates a controller for the given row ceiling.
func NewController(limit int) *Controller {
	if limit <= 0 {
		limit = 1
	}
	return &Controller{limit: int64(limit)}
}

// Limit returns the row ceiling.
func (c *Controller) Limit() int { return int(c.limit) }

// Next records that w produced rows and returns the next window length.
func (c *Controller) Next(w domain.Window, rows int64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.prune(w.From)
	d := w.Duration()
	obs := observation{duration: d, start: w.From}

	if rows >= c.limit {
		c.ng = append(c.ng, obs)
		return Clamp(d / 2)
	}

	c.ok = append(c.ok, obs)
	if 2*rows < c.limit {
		d *= 2
	}
	if n := len(c.ok); n > 0 && d < c.ok[n-1].duration {
		d = c.ok[n-1].duration
	}
	if n := len(c.ng); n > 0 && d >= c.ng[n-1].duration {
		d = c.ng[n-1].duration - ngMargin
	}
	return Clamp(d)
}

func (c *Controller) prune(start time.Time) {
	keep := func(list []observation) []observation {
		out := list[:0]
		for _, o := range list {
			if diff := o.start.Sub(start); diff <= historyHorizon && diff >= -historyHorizon {
				out = append(out, o)
			}
		}
		return out
	}
	c.ok = keep(c.ok)
	c.ng = keep(c.ng)
}

// Clamp bounds d to [MinDuration, MaxDuration].
func Clamp(d time.Duration) time.Duration {
	if d < MinDuration {
		return MinDuration
	}
	if d > MaxDuration {
		return MaxDuration
	}
	return d
}
