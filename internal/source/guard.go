package source

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// GuardOptions configures retry and circuit breaking around a source.
type GuardOptions struct {
	MaxRetries       uint64        // default 3
	BaseDelay        time.Duration // default 500ms, doubled per attempt
	FailureThreshold uint32        // consecutive transient failures that open the breaker, default 5
	OpenTimeout      time.Duration // time the breaker stays open, default 30s
}

func (o GuardOptions) withDefaults() GuardOptions {
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 30 * time.Second
	}
	return o
}

// guarded runs every call of the inner adapter through the same retry
// policy and breaker, so count probes and fetches back off together.
type guarded struct {
	inner   Adapter
	cb      *gobreaker.CircuitBreaker
	opts    GuardOptions
	breaker string
}

// WithGuard wraps a with retry on transient errors and a circuit breaker.
func WithGuard(a Adapter, opts GuardOptions) Adapter {
	if g, ok := a.(*guarded); ok {
		return g
	}
	opts = opts.withDefaults()
	name := fmt.Sprintf("source-%s", a.Kind())
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     opts.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !domain.IsTransient(err)
		},
	})
	return &guarded{inner: a, cb: cb, opts: opts, breaker: name}
}

// BreakerState reports the breaker state of a guarded adapter, or "" when
// a is not guarded.
func BreakerState(a Adapter) string {
	if g, ok := a.(*guarded); ok {
		return g.cb.State().String()
	}
	return ""
}

func (g *guarded) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	b := retry.WithMaxRetries(g.opts.MaxRetries, retry.NewExponential(g.opts.BaseDelay))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		_, err := g.cb.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = domain.Transient(op, err)
		}
		if domain.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (g *guarded) Kind() domain.SourceKind { return g.inner.Kind() }
func (g *guarded) Close() error            { return g.inner.Close() }
func (g *guarded) sealed()                 {}

func (g *guarded) MasterSample(ctx context.Context) (b Batches, err error) {
	err = g.do(ctx, "master sample", func(ctx context.Context) error {
		b, err = g.inner.MasterSample(ctx)
		return err
	})
	return b, err
}

func (g *guarded) TypeSample(ctx context.Context) (b Batches, err error) {
	err = g.do(ctx, "type sample", func(ctx context.Context) error {
		b, err = g.inner.TypeSample(ctx)
		return err
	})
	return b, err
}

func (g *guarded) TransactionStream(ctx context.Context, w domain.Window, limit int) (b Batches, err error) {
	err = g.do(ctx, "transaction stream", func(ctx context.Context) error {
		b, err = g.inner.TransactionStream(ctx, w, limit)
		return err
	})
	return b, err
}

func (g *guarded) Count(ctx context.Context, w domain.Window) (n int64, err error) {
	err = g.do(ctx, "count", func(ctx context.Context) error {
		n, err = g.inner.Count(ctx, w)
		return err
	})
	return n, err
}

func (g *guarded) Bounds(ctx context.Context) (bd Bounds, err error) {
	err = g.do(ctx, "bounds", func(ctx context.Context) error {
		bd, err = g.inner.Bounds(ctx)
		return err
	})
	return bd, err
}

// AsPartitioned returns the partition view of a (possibly guarded) adapter.
func AsPartitioned(a Adapter) (Partitioned, bool) {
	if g, ok := a.(*guarded); ok {
		p, ok := g.inner.(Partitioned)
		if !ok {
			return nil, false
		}
		return &guardedPartitions{g: g, inner: p}, true
	}
	p, ok := a.(Partitioned)
	return p, ok
}

type guardedPartitions struct {
	g     *guarded
	inner Partitioned
}

func (p *guardedPartitions) Partitions(ctx context.Context) (out []domain.PartitionWindow, err error) {
	err = p.g.do(ctx, "list partitions", func(ctx context.Context) error {
		out, err = p.inner.Partitions(ctx)
		return err
	})
	return out, err
}

func (p *guardedPartitions) PartitionBounds(ctx context.Context, table string) (bd Bounds, err error) {
	err = p.g.do(ctx, "partition bounds", func(ctx context.Context) error {
		bd, err = p.inner.PartitionBounds(ctx, table)
		return err
	})
	return bd, err
}

// MySQL error numbers worth retrying.
const (
	mysqlTooManyConnections = 1040
	mysqlLockWaitTimeout    = 1205
	mysqlDeadlock           = 1213
)

var transientMessages = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"database is locked",
	"i/o timeout",
	"too many connections",
	"server closed",
}

// classify wraps connection-level failures as transient.
func classify(op string, err error) error {
	if err == nil || domain.IsTransient(err) {
		return err
	}
	if isTransient(err) {
		return domain.Transient(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlTooManyConnections, mysqlLockWaitTimeout, mysqlDeadlock:
			return true
		}
		return false
	}
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
