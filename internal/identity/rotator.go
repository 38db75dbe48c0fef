// Package identity 负责客户端身份（User-Agent + Accept-Language）的轮换，
// 并把封禁类状态码映射为"换身份重试"。
package identity

import (
	"math/rand/v2"
	"time"
)

// Identity 是一次出站请求使用的客户端身份。
type Identity struct {
	UserAgent      string
	AcceptLanguage string
}

// Action 是 OnResponse 的判定结果。
type Action int

const (
	Proceed Action = iota // 正常交给解析器
	Retry                 // 换身份延迟重试
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	default:
		return "proceed"
	}
}

// Options 构造 Rotator 的参数。
type Options struct {
	UserAgents       []string
	DefaultUserAgent string
	AcceptLanguage   string
	BlockStatuses    []int
	RetryDelayMin    time.Duration
	RetryDelayMax    time.Duration
}

// Rotator 从身份池中随机选择身份。池在构造后只读，可被多个 goroutine 并发使用。
type Rotator struct {
	pool     []Identity
	fallback Identity
	block    map[int]struct{}
	delayMin time.Duration
	delayMax time.Duration

	intn   func(n int) int
	int64n func(n int64) int64
}

// NewRotator 创建身份轮换器。未配置封禁状态码时使用 {403, 429}。
func NewRotator(opts Options) *Rotator {
	r := &Rotator{
		fallback: Identity{UserAgent: opts.DefaultUserAgent, AcceptLanguage: opts.AcceptLanguage},
		block:    make(map[int]struct{}),
		delayMin: opts.RetryDelayMin,
		delayMax: opts.RetryDelayMax,
		intn:     rand.IntN,
		int64n:   rand.Int64N,
	}
	for _, ua := range opts.UserAgents {
		if ua == "" {
			continue
		}
		r.pool = append(r.pool, Identity{UserAgent: ua, AcceptLanguage: opts.AcceptLanguage})
	}

	statuses := opts.BlockStatuses
	if len(statuses) == 0 {
		statuses = []int{403, 429}
	}
	for _, s := range statuses {
		r.block[s] = struct{}{}
	}
	if r.delayMax < r.delayMin {
		r.delayMax = r.delayMin
	}
	return r
}

// Size 返回身份池大小。
func (r *Rotator) Size() int {
	return len(r.pool)
}

// Select 从池中均匀随机选择一个身份；池为空时返回默认身份。
func (r *Rotator) Select() Identity {
	if len(r.pool) == 0 {
		return r.fallback
	}
	return r.pool[r.intn(len(r.pool))]
}

// SelectExcept 选择一个与 prev 不同的身份（池中多于一个身份时保证不同）。
func (r *Rotator) SelectExcept(prev Identity) Identity {
	candidates := make([]Identity, 0, len(r.pool))
	for _, id := range r.pool {
		if id.UserAgent != prev.UserAgent {
			candidates = append(candidates, id)
		}
	}
	if len(candidates) == 0 {
		return r.Select()
	}
	return candidates[r.intn(len(candidates))]
}

// OnResponse 根据状态码判断是否需要换身份重试。
func (r *Rotator) OnResponse(status int) Action {
	if _, ok := r.block[status]; ok {
		return Retry
	}
	return Proceed
}

// RetryDelay 返回 [RetryDelayMin, RetryDelayMax] 区间内的随机延迟。
func (r *Rotator) RetryDelay() time.Duration {
	span := int64(r.delayMax - r.delayMin)
	if span <= 0 {
		return r.delayMin
	}
	return r.delayMin + time.Duration(r.int64n(span+1))
}
