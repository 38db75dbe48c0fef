package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "promohunter:dedup:url:"

// Filter 判断一个 URL 是否已经被调度过。
//
// IsDuplicate 首次看到某个 URL 时返回 false 并记住它，之后返回 true。
type Filter interface {
	IsDuplicate(ctx context.Context, url string) (bool, error)
}

// Deduplicator 基于 Redis SETNX 的去重过滤器。
//
// 键按 scope（通常是 run ID）隔离：同一次运行内跨进程共享，
// 不同运行互不影响，TTL 只负责回收。
type Deduplicator struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewDeduplicator(rdb *redis.Client, scope string, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Deduplicator{
		rdb:    rdb,
		prefix: keyPrefix + scope + ":",
		ttl:    ttl,
	}
}

func (d *Deduplicator) IsDuplicate(ctx context.Context, url string) (bool, error) {
	if d == nil || d.rdb == nil || url == "" {
		return false, nil
	}
	ok, err := d.rdb.SetNX(ctx, d.prefix+hashURL(url), "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// MemoryFilter 是单次运行内有效的进程内去重过滤器。
type MemoryFilter struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryFilter() *MemoryFilter {
	return &MemoryFilter{seen: make(map[string]struct{})}
}

func (m *MemoryFilter) IsDuplicate(_ context.Context, url string) (bool, error) {
	if url == "" {
		return false, nil
	}
	key := hashURL(url)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seen[key]; ok {
		return true, nil
	}
	m.seen[key] = struct{}{}
	return false, nil
}

func hashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
