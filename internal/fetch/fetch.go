// Package fetch 实现 crawler.Transport：普通页面走 resty，需要执行 JavaScript 的页面走浏览器。
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"promohunter/internal/crawler"
	"promohunter/internal/identity"
	"promohunter/internal/pkg/metrics"
	"promohunter/internal/render"

	"github.com/go-resty/resty/v2"
)

// ErrNoRenderer 表示请求需要渲染但没有配置浏览器。
var ErrNoRenderer = errors.New("fetch: renderer not configured")

// Renderer 是浏览器渲染能力，由 render.Renderer 实现。
type Renderer interface {
	Render(ctx context.Context, url string, id identity.Identity) (*render.Page, error)
}

// Limiter 是跨进程的单站点限流，由 ratelimit.RedisRateLimiter 实现。
type Limiter interface {
	Acquire(ctx context.Context, origin string) error
}

// Orchestrator 按请求类型分派到 HTTP 客户端或浏览器。
type Orchestrator struct {
	http     *resty.Client
	renderer Renderer
	limiter  Limiter
	logger   *slog.Logger
}

// Options 构造 Orchestrator 的参数，Renderer 与 Limiter 均可为 nil。
type Options struct {
	Renderer Renderer
	Limiter  Limiter
	Timeout  time.Duration // HTTP 客户端超时，0 表示只受 ctx 约束
	ProxyURL string
}

// New 创建 Orchestrator。
func New(opts Options, logger *slog.Logger) *Orchestrator {
	client := resty.New()
	client.SetHeader("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	client.SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))
	if opts.Timeout > 0 {
		client.SetTimeout(opts.Timeout)
	}
	if opts.ProxyURL != "" {
		client.SetProxy(opts.ProxyURL)
	}

	return &Orchestrator{
		http:     client,
		renderer: opts.Renderer,
		limiter:  opts.Limiter,
		logger:   logger,
	}
}

// Fetch 以请求携带的身份发起普通 GET。非 2xx 状态不视为错误，原样返回。
func (o *Orchestrator) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	if err := o.acquire(ctx, req); err != nil {
		return nil, err
	}

	start := time.Now()
	r := o.http.R().SetContext(ctx)
	if req.Identity.UserAgent != "" {
		r.SetHeader("User-Agent", req.Identity.UserAgent)
	}
	if req.Identity.AcceptLanguage != "" {
		r.SetHeader("Accept-Language", req.Identity.AcceptLanguage)
	}

	resp, err := r.Get(req.URL)
	metrics.CrawlerRequestDuration.WithLabelValues(crawler.KindPlain.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
	}
	metrics.CrawlerRequestsTotal.WithLabelValues(crawler.KindPlain.String(), strconv.Itoa(resp.StatusCode())).Inc()

	final := req.URL
	if resp.RawResponse != nil && resp.RawResponse.Request != nil && resp.RawResponse.Request.URL != nil {
		final = resp.RawResponse.Request.URL.String()
	}
	return &crawler.Response{URL: final, Status: resp.StatusCode(), Body: resp.Body()}, nil
}

// Render 通过浏览器渲染页面。
func (o *Orchestrator) Render(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	if o.renderer == nil {
		return nil, ErrNoRenderer
	}
	if err := o.acquire(ctx, req); err != nil {
		return nil, err
	}

	start := time.Now()
	page, err := o.renderer.Render(ctx, req.URL, req.Identity)
	metrics.CrawlerRequestDuration.WithLabelValues(crawler.KindRender.String()).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	metrics.CrawlerRequestsTotal.WithLabelValues(crawler.KindRender.String(), strconv.Itoa(page.Status)).Inc()
	return &crawler.Response{URL: page.URL, Status: page.Status, Body: []byte(page.HTML)}, nil
}

func (o *Orchestrator) acquire(ctx context.Context, req *crawler.Request) error {
	if o.limiter == nil {
		return nil
	}
	if err := o.limiter.Acquire(ctx, req.Origin()); err != nil {
		return fmt.Errorf("rate limit %s: %w", req.Origin(), err)
	}
	return nil
}

// RenderPredicate 返回判断 URL 是否需要浏览器渲染的函数：主机名等于或以 "."+host 结尾即命中。
func RenderPredicate(hosts []string) func(rawURL string) bool {
	normalized := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			normalized = append(normalized, strings.TrimPrefix(h, "."))
		}
	}
	return func(rawURL string) bool {
		host := hostname(rawURL)
		if host == "" {
			return false
		}
		for _, h := range normalized {
			if host == h || strings.HasSuffix(host, "."+h) {
				return true
			}
		}
		return false
	}
}

func hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
