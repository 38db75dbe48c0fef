package crawler

import (
	"context"
	"net/url"

	"promohunter/internal/identity"
	"promohunter/internal/model"
)

// Kind 决定请求走普通 HTTP 还是浏览器渲染。
type Kind int

const (
	KindPlain Kind = iota
	KindRender
)

func (k Kind) String() string {
	if k == KindRender {
		return "render"
	}
	return "plain"
}

// Phase 决定响应交给哪个解析器。
type Phase int

const (
	PhaseList   Phase = iota // 列表页（Phase-1）
	PhaseDetail              // 详情页（Phase-2），携带 Carry
)

func (p Phase) String() string {
	if p == PhaseDetail {
		return "detail"
	}
	return "list"
}

// Request 是一次待调度的抓取。
//
// 详情页请求通过 Carry 携带列表页解析出的半成品记录，
// 记录的所有权随请求转移，直到交给 pipeline。
type Request struct {
	URL       string
	Kind      Kind
	Phase     Phase
	Segment   string
	OriginURL string
	Carry     *model.Record

	Identity   identity.Identity
	Attempt    int  // 已重试次数
	DontFilter bool // 跳过 URL 去重（重试请求）
}

// Origin 返回 scheme://host，用于单站点并发与间隔控制。
func (r *Request) Origin() string {
	return originOf(r.URL)
}

// retryWith 返回换了身份的重试请求，Carry 随之转移。
func (r *Request) retryWith(id identity.Identity) *Request {
	next := *r
	next.Identity = id
	next.Attempt = r.Attempt + 1
	next.DontFilter = true
	return &next
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

// Response 是抓取结果。Status 为 403/429 时由身份轮换器决定是否重试。
type Response struct {
	URL    string
	Status int
	Body   []byte
}

// Transport 执行实际抓取，由 fetch.Orchestrator 实现。
type Transport interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
	Render(ctx context.Context, req *Request) (*Response, error)
}
