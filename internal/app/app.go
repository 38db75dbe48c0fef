// Package app 把配置、爬虫引擎与记录 pipeline 组装成一次完整的运行。
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"promohunter/internal/config"
	"promohunter/internal/crawler"
	"promohunter/internal/extract"
	"promohunter/internal/fetch"
	"promohunter/internal/geocode"
	"promohunter/internal/identity"
	"promohunter/internal/model"
	"promohunter/internal/pipeline"
	"promohunter/internal/pkg/dedup"
	"promohunter/internal/pkg/ratelimit"
	"promohunter/internal/pkg/stream"
	"promohunter/internal/render"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	browserInitTimeout = 60 * time.Second
	rateLimitPrefix    = "promohunter:ratelimit:"
)

// Summary 是一次运行的结果。
type Summary struct {
	RunID    string
	Output   string
	Seeds    int
	Crawl    crawler.Stats
	Pipeline pipeline.Stats
	Duration time.Duration
}

// Run 执行一次完整抓取：加载种子 → 两阶段抓取 → 规范化、地理编码、写入 JSONL、发布。
//
// 种子目录缺失时在创建任何输出之前返回 crawler.ErrSeedDirMissing。
// ctx 取消时已产出的记录仍会写入输出文件，返回值带有 ctx.Err()。
func Run(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Summary, error) {
	loc, err := time.LoadLocation(cfg.App.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.App.Timezone, err)
	}

	seeds, err := crawler.LoadSeeds(cfg.App.SeedDir, logger)
	if err != nil {
		return nil, err
	}

	start := time.Now().In(loc)
	runID := uuid.NewString()
	logger = logger.With(slog.String("run_id", runID))
	logger.Info("run starting",
		slog.String("run_name", cfg.App.RunName),
		slog.Int("seeds", len(seeds)))

	var (
		filter    dedup.Filter = dedup.NewMemoryFilter()
		limiter   fetch.Limiter
		publisher *stream.Publisher
	)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}

		filter = dedup.NewDeduplicator(rdb, runID, cfg.Redis.DedupTTL)
		if cfg.Crawl.RateLimit > 0 && cfg.Crawl.RateBurst > 0 {
			limiter = ratelimit.NewRedisRateLimiter(rdb, logger, rateLimitPrefix, cfg.Crawl.RateLimit, cfg.Crawl.RateBurst)
			logger.Info("rate limiter enabled",
				slog.Float64("rate", cfg.Crawl.RateLimit),
				slog.Float64("burst", cfg.Crawl.RateBurst))
		}
		if cfg.Redis.Stream != "" {
			publisher = stream.NewPublisher(rdb, logger, cfg.Redis.Stream)
		}
	}

	var renderer fetch.Renderer
	if len(cfg.Crawl.RenderHosts) > 0 {
		initCtx, cancel := context.WithTimeout(ctx, browserInitTimeout)
		r, err := render.New(initCtx, render.Options{
			BinPath:       cfg.Browser.BinPath,
			ProxyURL:      cfg.Browser.ProxyURL,
			Headless:      cfg.Browser.Headless,
			PageTimeout:   cfg.Browser.PageTimeout,
			ReadySelector: cfg.Browser.ReadySelector,
			ReadyTimeout:  cfg.Browser.ReadyTimeout,
			ScrollPause:   cfg.Browser.ScrollPause,
		}, logger)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("start renderer: %w", err)
		}
		defer r.Close()
		renderer = r
	}

	transport := fetch.New(fetch.Options{
		Renderer: renderer,
		Limiter:  limiter,
		Timeout:  cfg.Crawl.RequestTimeout,
		ProxyURL: cfg.Browser.ProxyURL,
	}, logger)

	rotator := identity.NewRotator(identity.Options{
		UserAgents:       cfg.Crawl.UserAgents,
		DefaultUserAgent: cfg.Crawl.DefaultUserAgent,
		AcceptLanguage:   cfg.Crawl.AcceptLanguage,
		BlockStatuses:    cfg.Crawl.BlockStatuses,
		RetryDelayMin:    cfg.Crawl.RetryDelayMin,
		RetryDelayMax:    cfg.Crawl.RetryDelayMax,
	})

	engine := crawler.NewEngine(crawler.Options{
		ConcurrentRequests:  cfg.Crawl.ConcurrentRequests,
		ConcurrentPerOrigin: cfg.Crawl.ConcurrentPerOrigin,
		DownloadDelay:       cfg.Crawl.DownloadDelay,
		RandomizeDelay:      cfg.Crawl.RandomizeDelay,
		MaxRetries:          cfg.Crawl.MaxRetries,
		RequestTimeout:      cfg.Crawl.RequestTimeout,
		NeedsRender:         fetch.RenderPredicate(cfg.Crawl.RenderHosts),
	}, transport, rotator, filter,
		extract.NewListParser(cfg.Selectors, cfg.App.Institution, cfg.App.Category),
		extract.NewDetailParser(cfg.Selectors),
		logger)

	pipe, output, err := buildPipeline(cfg, logger, loc, start, runID, publisher)
	if err != nil {
		return nil, err
	}

	out := make(chan *model.Record, cfg.Crawl.ConcurrentRequests)
	pipeDone := make(chan pipeline.Stats, 1)
	go func() {
		pipeDone <- pipe.Run(ctx, out)
	}()

	crawlStats, runErr := engine.Run(ctx, seeds, out)
	close(out)
	pipeStats := <-pipeDone

	if err := pipe.Close(); err != nil {
		logger.Error("close pipeline failed", slog.String("error", err.Error()))
	}

	summary := &Summary{
		RunID:    runID,
		Output:   output,
		Seeds:    len(seeds),
		Crawl:    crawlStats,
		Pipeline: pipeStats,
		Duration: time.Since(start),
	}
	logger.Info("run finished",
		slog.String("output", output),
		slog.Int("requests", crawlStats.Requests),
		slog.Int("retries", crawlStats.Retries),
		slog.Int("failures", crawlStats.Failures),
		slog.Int("records_written", pipeStats.Written),
		slog.Int("records_dropped", pipeStats.Dropped),
		slog.Duration("duration", summary.Duration))
	return summary, runErr
}

func buildPipeline(cfg *config.Config, logger *slog.Logger, loc *time.Location, start time.Time,
	runID string, publisher *stream.Publisher) (*pipeline.Pipeline, string, error) {
	stages := []pipeline.Stage{pipeline.NewNormalizeStage(logger, loc)}

	if cfg.Geocode.Enabled {
		client := geocode.NewClient(geocode.Options{
			Endpoint:  cfg.Geocode.Endpoint,
			UserAgent: cfg.Geocode.UserAgent,
			Timeout:   cfg.Geocode.Timeout,
			RateLimit: cfg.Geocode.RateLimit,
			CacheSize: cfg.Geocode.CacheSize,
			CacheTTL:  cfg.Geocode.CacheTTL,
		}, logger)
		stages = append(stages, pipeline.NewGeocodeStage(client, logger, cfg.Geocode.Region, cfg.Geocode.UnknownValues))
	}

	persist, err := pipeline.OpenPersistStage(logger, cfg.App.OutputDir, cfg.App.RunName, start)
	if err != nil {
		return nil, "", err
	}
	stages = append(stages, persist)

	if publisher != nil {
		stages = append(stages, pipeline.NewPublishStage(publisher, logger, runID))
	}
	return pipeline.New(logger, stages...), persist.Path(), nil
}
