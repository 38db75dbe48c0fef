package render

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// detectBlockType 根据标题与 HTML 判断页面是否是拦截页，返回空串表示未拦截。
func detectBlockType(title, html string) string {
	lowerTitle := strings.ToLower(title)
	lowerHTML := strings.ToLower(html)

	// Cloudflare 拦截
	if strings.Contains(lowerTitle, "just a moment") ||
		strings.Contains(lowerHTML, "cf-browser-verification") ||
		strings.Contains(lowerHTML, "challenge-platform") ||
		strings.Contains(lowerHTML, "challenges.cloudflare.com") ||
		strings.Contains(lowerHTML, `id="challenge-form"`) ||
		strings.Contains(lowerHTML, `id="challenge-running"`) ||
		strings.Contains(lowerHTML, "cf-turnstile") {
		return "cloudflare_challenge"
	}

	// 人机验证
	if strings.Contains(lowerHTML, "g-recaptcha") ||
		strings.Contains(lowerHTML, "h-captcha") ||
		strings.Contains(lowerHTML, "verify you are human") {
		return "captcha"
	}

	// 403 Forbidden（IP 被封）
	if strings.Contains(lowerTitle, "403") ||
		strings.Contains(lowerTitle, "forbidden") ||
		strings.Contains(lowerTitle, "access denied") ||
		strings.Contains(lowerHTML, "403 error") {
		return "403_forbidden"
	}

	// 429 Too Many Requests（速率限制）
	if strings.Contains(lowerTitle, "429") ||
		strings.Contains(lowerTitle, "too many requests") ||
		strings.Contains(lowerHTML, "rate limit exceeded") {
		return "429_rate_limited"
	}

	return ""
}

// blockStatus 把拦截类型映射为等价的 HTTP 状态码，未拦截时返回 0。
func blockStatus(blockType string) int {
	switch blockType {
	case "":
		return 0
	case "429_rate_limited":
		return http.StatusTooManyRequests
	default:
		return http.StatusForbidden
	}
}

// ClassifyError 返回用于 metrics 的错误类型字符串。
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrRenderTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrNavigation):
		return "navigation"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range []string{"net::", "connection", "navigate", "no such host", "eof"} {
		if strings.Contains(msg, kw) {
			return "network_error"
		}
	}
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return "timeout"
	}
	return "unknown"
}
