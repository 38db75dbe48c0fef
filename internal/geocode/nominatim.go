// Package geocode 通过 Nominatim 把地点描述解析为经纬度。
package geocode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"promohunter/internal/pkg/metrics"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// ErrNoMatch 表示服务正常返回但没有匹配结果。
var ErrNoMatch = errors.New("geocode: no match")

// Point 是一个经纬度坐标。
type Point struct {
	Lat float64
	Lon float64
}

// Options 构造 Client 的参数。
type Options struct {
	Endpoint  string        // 搜索接口，如 https://nominatim.openstreetmap.org/search
	UserAgent string        // Nominatim 要求标识调用方
	Timeout   time.Duration // 单次查询超时（含限流等待）
	RateLimit float64       // 请求/秒，<=0 表示不限
	CacheSize int           // <=0 表示不缓存
	CacheTTL  time.Duration
}

type cached struct {
	point Point
	found bool
}

// Client 是带限流与结果缓存的 Nominatim 客户端。
type Client struct {
	http     *resty.Client
	endpoint string
	logger   *slog.Logger
	timeout  time.Duration
	limiter  *rate.Limiter
	cache    *expirable.LRU[string, cached]
}

type searchResult struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// NewClient 创建 Nominatim 客户端。
func NewClient(opts Options, logger *slog.Logger) *Client {
	client := resty.New()
	client.SetHeader("User-Agent", opts.UserAgent)
	client.SetHeader("Accept", "application/json")

	c := &Client{
		http:     client,
		endpoint: opts.Endpoint,
		logger:   logger,
		timeout:  opts.Timeout,
	}
	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	if opts.CacheSize > 0 {
		c.cache = expirable.NewLRU[string, cached](opts.CacheSize, nil, opts.CacheTTL)
	}
	return c
}

// Lookup 查询 query 的坐标。
//
// 没有匹配时返回 ErrNoMatch；超时或服务错误时返回包装后的底层错误。
// 匹配与无匹配都会被缓存，错误不缓存。
func (c *Client) Lookup(ctx context.Context, query string) (Point, error) {
	key := strings.ToLower(strings.TrimSpace(query))
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			metrics.GeocodeRequestsTotal.WithLabelValues("cache_hit").Inc()
			if !v.found {
				return Point{}, ErrNoMatch
			}
			return v.point, nil
		}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			metrics.GeocodeRequestsTotal.WithLabelValues("error").Inc()
			return Point{}, fmt.Errorf("geocode rate limit wait: %w", err)
		}
	}

	start := time.Now()
	var results []searchResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":      query,
			"format": "json",
			"limit":  "1",
		}).
		SetResult(&results).
		ForceContentType("application/json").
		Get(c.endpoint)
	metrics.GeocodeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GeocodeRequestsTotal.WithLabelValues("error").Inc()
		return Point{}, fmt.Errorf("geocode request %q: %w", query, err)
	}
	if resp.IsError() {
		metrics.GeocodeRequestsTotal.WithLabelValues("error").Inc()
		return Point{}, fmt.Errorf("geocode request %q: status %d", query, resp.StatusCode())
	}

	if len(results) == 0 {
		metrics.GeocodeRequestsTotal.WithLabelValues("no_match").Inc()
		c.store(key, cached{})
		return Point{}, ErrNoMatch
	}

	p, err := parsePoint(results[0])
	if err != nil {
		metrics.GeocodeRequestsTotal.WithLabelValues("error").Inc()
		return Point{}, fmt.Errorf("geocode response %q: %w", query, err)
	}

	metrics.GeocodeRequestsTotal.WithLabelValues("match").Inc()
	c.store(key, cached{point: p, found: true})
	c.logger.Debug("geocode match",
		slog.String("query", query),
		slog.Float64("lat", p.Lat),
		slog.Float64("lon", p.Lon))
	return p, nil
}

func (c *Client) store(key string, v cached) {
	if c.cache != nil {
		c.cache.Add(key, v)
	}
}

func parsePoint(r searchResult) (Point, error) {
	lat, err := strconv.ParseFloat(r.Lat, 64)
	if err != nil {
		return Point{}, fmt.Errorf("parse lat %q: %w", r.Lat, err)
	}
	lon, err := strconv.ParseFloat(r.Lon, 64)
	if err != nil {
		return Point{}, fmt.Errorf("parse lon %q: %w", r.Lon, err)
	}
	return Point{Lat: lat, Lon: lon}, nil
}
