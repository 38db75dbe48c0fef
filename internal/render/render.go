// Package render 用无头浏览器加载需要执行 JavaScript 的页面，返回渲染后的 HTML。
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"promohunter/internal/identity"
	"promohunter/internal/pkg/metrics"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

var (
	// ErrRenderTimeout 表示内容就绪标记在超时内没有出现。
	ErrRenderTimeout = errors.New("render: ready selector timeout")
	// ErrNavigation 表示页面导航失败（DNS、连接、证书等）。
	ErrNavigation = errors.New("render: navigation failed")
)

const (
	pageCreateTimeout = 10 * time.Second
	waitLoadTimeout   = 30 * time.Second
)

// 屏蔽高带宽资源与追踪脚本
var blockedURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico", "*.avif",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.mp3", "*.ogg", "*.wav",
	"*google-analytics*",
	"*googletagmanager*",
	"*doubleclick*",
	"*facebook*",
	"*hotjar*",
	"*tiktok*",
	"*sentry*",
}

// Options 渲染器配置。
type Options struct {
	BinPath       string
	ProxyURL      string
	Headless      bool
	PageTimeout   time.Duration // 单页总超时
	ReadySelector string        // 内容就绪标记，为空则不等待
	ReadyTimeout  time.Duration
	ScrollPause   time.Duration
}

// Page 是一次渲染的结果。
type Page struct {
	URL    string // 最终地址（跟随重定向后）
	Status int    // 主文档状态码；被识别为拦截页时为 403/429
	HTML   string
}

// Renderer 持有一个浏览器实例，可并发渲染多个页面。
type Renderer struct {
	browser *rod.Browser
	logger  *slog.Logger
	opts    Options
}

// New 启动浏览器并返回渲染器。
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Renderer, error) {
	browser, err := startBrowser(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	return &Renderer{browser: browser, logger: logger, opts: opts}, nil
}

// Render 以给定身份加载 url：导航 → 等待加载 → 等待就绪标记 → 滚动到底部 → 停顿 → 返回 HTML。
//
// 就绪标记超时返回 ErrRenderTimeout，导航失败返回 ErrNavigation。
// 拦截页（Cloudflare、验证码、403/429 提示）不返回错误，而是以对应状态码返回，
// 交给调用方决定是否换身份重试。
func (r *Renderer) Render(ctx context.Context, url string, id identity.Identity) (*Page, error) {
	page, err := r.newPage(ctx)
	if err != nil {
		return nil, err
	}
	metrics.CrawlerBrowserActive.Inc()
	tab := detached(ctx, page)
	defer func() {
		metrics.CrawlerBrowserActive.Dec()
		if err := tab.Close(); err != nil {
			r.logger.Warn("close page failed", slog.String("url", url), slog.String("error", err.Error()))
		}
	}()

	if id.UserAgent != "" {
		if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
			UserAgent:      id.UserAgent,
			AcceptLanguage: id.AcceptLanguage,
		}); err != nil {
			r.logger.Warn("set user agent failed", slog.String("url", url), slog.String("error", err.Error()))
		}
	}

	// 记录主文档的状态码
	var status atomic.Int32
	if err := (proto.NetworkEnable{}).Call(page); err != nil {
		r.logger.Debug("enable network events failed", slog.String("error", err.Error()))
	}
	go page.EachEvent(func(e *proto.NetworkResponseReceived) {
		if e.Type == proto.NetworkResourceTypeDocument && e.Response != nil {
			status.CompareAndSwap(0, int32(e.Response.Status))
		}
	})()

	if r.opts.PageTimeout > 0 {
		page = page.Timeout(r.opts.PageTimeout)
	}

	r.logger.Debug("loading page", slog.String("url", url), slog.String("user_agent", id.UserAgent))
	if err := page.Navigate(url); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: navigate %s: %w", ErrRenderTimeout, url, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrNavigation, url, err)
	}

	// 等待 DOM 与资源加载，失败不致命
	if err := page.Timeout(waitLoadTimeout).WaitLoad(); err != nil {
		r.logger.Debug("WaitLoad failed, continuing anyway",
			slog.String("url", url),
			slog.String("error", err.Error()))
	}

	if s := int(status.Load()); s == http.StatusForbidden || s == http.StatusTooManyRequests {
		return r.snapshot(page, url, s)
	}

	if r.opts.ReadySelector != "" {
		if _, err := page.Timeout(r.opts.ReadyTimeout).Element(r.opts.ReadySelector); err != nil {
			if blocked, ok := r.detectBlocked(page, url); ok {
				return blocked, nil
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %s waiting for %q: %w", ErrRenderTimeout, url, r.opts.ReadySelector, err)
		}
	}

	if _, err := page.Eval(`() => window.scrollTo(0, document.body.scrollHeight)`); err != nil {
		r.logger.Debug("scroll failed", slog.String("url", url), slog.String("error", err.Error()))
	}

	if r.opts.ScrollPause > 0 {
		select {
		case <-time.After(r.opts.ScrollPause):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s := int(status.Load())
	if s == 0 {
		s = http.StatusOK
	}
	return r.snapshot(page, url, s)
}

// newPage 创建带 stealth 脚本与资源屏蔽的新页面。
func (r *Renderer) newPage(ctx context.Context) (*rod.Page, error) {
	createCtx, cancel := context.WithTimeout(ctx, pageCreateTimeout)
	defer cancel()

	page, err := r.browser.Context(createCtx).Page(proto.TargetCreateTarget{URL: ""})
	if err != nil {
		return nil, fmt.Errorf("create page failed: %w", err)
	}
	// 页面后续操作绑定调用方 ctx，而不是创建页面用的短超时
	page = page.Context(ctx)

	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		_ = page.Close()
		return nil, fmt.Errorf("apply stealth script: %w", err)
	}
	if err := (proto.NetworkSetBlockedURLs{Urls: blockedURLs}).Call(page); err != nil {
		r.logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}
	return page, nil
}

// detached 返回不受请求 ctx 与页面超时约束的句柄，超时之后仍能关闭标签页。
func detached(ctx context.Context, page *rod.Page) *rod.Page {
	return page.Context(context.WithoutCancel(ctx))
}

// detectBlocked 检查当前页面是否是拦截页。
func (r *Renderer) detectBlocked(page *rod.Page, url string) (*Page, bool) {
	html, err := page.HTML()
	if err != nil {
		return nil, false
	}
	title := ""
	if info, err := page.Info(); err == nil {
		title = info.Title
	}
	blockType := detectBlockType(title, html)
	s := blockStatus(blockType)
	if s == 0 {
		return nil, false
	}
	r.logger.Warn("detected blocked page",
		slog.String("url", url),
		slog.String("title", title),
		slog.String("block_type", blockType))
	return &Page{URL: url, Status: s, HTML: html}, true
}

func (r *Renderer) snapshot(page *rod.Page, url string, status int) (*Page, error) {
	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read html %s: %w", url, err)
	}
	final := url
	if info, err := page.Info(); err == nil && info.URL != "" {
		final = info.URL
	}
	return &Page{URL: final, Status: status, HTML: html}, nil
}

// Close 关闭浏览器。
func (r *Renderer) Close() error {
	if r.browser == nil {
		return nil
	}
	return r.browser.Close()
}
