package job

import (
	"context"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/apdn7/AnalysisPlatformCloud-sub000/internal/domain"
)

// DefaultFlagTTL bounds how long an unanswered cancel request lives.
const DefaultFlagTTL = 24 * time.Hour

// MemoryFlags keeps cancel requests in process memory.
type MemoryFlags struct {
	mu    sync.Mutex
	flags map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
}

var _ domain.CancelFlags = (*MemoryFlags)(nil)

// NewMemoryFlags creates an empty flag set.
func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{flags: make(map[string]time.Time), ttl: DefaultFlagTTL, now: time.Now}
}

// Request implements domain.CancelFlags.
func (m *MemoryFlags) Request(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flags[jobID] = m.now().Add(m.ttl)
	return nil
}

// Requested implements domain.CancelFlags.
func (m *MemoryFlags) Requested(_ context.Context, jobID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.flags[jobID]
	if !ok {
		return false, nil
	}
	if m.now().After(exp) {
		delete(m.flags, jobID)
		return false, nil
	}
	return true, nil
}

// Clear implements domain.CancelFlags.
func (m *MemoryFlags) Clear(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, jobID)
	return nil
}

// RedisFlags stores cancel requests as expiring Redis keys so every server
// sharing the Redis instance sees them.
type RedisFlags struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

var _ domain.CancelFlags = (*RedisFlags)(nil)

// NewRedisFlags creates flags on an existing client.
func NewRedisFlags(client *goredis.Client, prefix string) *RedisFlags {
	if prefix == "" {
		prefix = "apdn7:"
	}
	return &RedisFlags{client: client, prefix: prefix, ttl: DefaultFlagTTL}
}

// DialRedisFlags connects to addr and verifies the connection.
func DialRedisFlags(ctx context.Context, addr string) (*RedisFlags, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisFlags(client, ""), nil
}

func (r *RedisFlags) key(jobID string) string {
	return r.prefix + "cancel:" + jobID
}

// Request implements domain.CancelFlags.
func (r *RedisFlags) Request(ctx context.Context, jobID string) error {
	if err := r.client.Set(ctx, r.key(jobID), "1", r.ttl).Err(); err != nil {
		return domain.Transient("set cancel flag", err)
	}
	return nil
}

// Requested implements domain.CancelFlags.
func (r *RedisFlags) Requested(ctx context.Context, jobID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(jobID)).Result()
	if err != nil {
		return false, domain.Transient("read cancel flag", err)
	}
	return n > 0, nil
}

// Clear implements domain.CancelFlags.
func (r *RedisFlags) Clear(ctx context.Context, jobID string) error {
	if err := r.client.Del(ctx, r.key(jobID)).Err(); err != nil {
		return domain.Transient("clear cancel flag", err)
	}
	return nil
}

// Close closes the Redis client.
func (r *RedisFlags) Close() error {
	return r.client.Close()
}
