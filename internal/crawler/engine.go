package crawler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"promohunter/internal/extract"
	"promohunter/internal/identity"
	"promohunter/internal/model"
	"promohunter/internal/pkg/dedup"
	"promohunter/internal/pkg/metrics"
	"promohunter/internal/pkg/queue"
	"promohunter/internal/render"

	"golang.org/x/sync/semaphore"
)

// Options 调度参数。
type Options struct {
	ConcurrentRequests  int           // 全局并发上限
	ConcurrentPerOrigin int           // 单站点并发上限
	DownloadDelay       time.Duration // 同站点两次请求开始之间的基础间隔
	RandomizeDelay      bool          // 间隔乘以 [0.5, 1.5] 的随机系数
	MaxRetries          int           // 换身份重试的次数上限
	RequestTimeout      time.Duration // 单次抓取超时
	NeedsRender         func(url string) bool
}

// Stats 是一次运行的调度统计。
type Stats struct {
	Requests         int // 实际发出的抓取
	Retries          int // 已安排的换身份重试
	RetriesExhausted int // 重试预算耗尽的请求
	Failures         int // 传输错误或非 2xx 响应
	Duplicates       int // 被 URL 去重过滤的请求
	Records          int // 交给 pipeline 的记录
	Fallbacks        int // 详情页失败后按列表页数据输出的记录
}

// Engine 是单 goroutine 事件循环驱动的两阶段爬虫。
//
// 事件循环独占待调度队列、站点时间状态与并发计数；抓取在 worker 池中执行，
// 完成后通过事件通道回报。重试与站点间隔都通过定时器唤醒，从不在循环中 sleep。
type Engine struct {
	opts      Options
	transport Transport
	rotator   *identity.Rotator
	filter    dedup.Filter
	list      *extract.ListParser
	detail    *extract.DetailParser
	logger    *slog.Logger

	jitter func() float64
}

// NewEngine 创建引擎。filter 为 nil 时使用进程内去重。
func NewEngine(opts Options, transport Transport, rotator *identity.Rotator, filter dedup.Filter,
	list *extract.ListParser, detail *extract.DetailParser, logger *slog.Logger) *Engine {
	if opts.ConcurrentRequests <= 0 {
		opts.ConcurrentRequests = 16
	}
	if opts.ConcurrentPerOrigin <= 0 {
		opts.ConcurrentPerOrigin = 1
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.NeedsRender == nil {
		opts.NeedsRender = func(string) bool { return false }
	}
	if filter == nil {
		filter = dedup.NewMemoryFilter()
	}
	return &Engine{
		opts:      opts,
		transport: transport,
		rotator:   rotator,
		filter:    filter,
		list:      list,
		detail:    detail,
		logger:    logger,
		jitter:    rand.Float64,
	}
}

var errFetchAborted = errors.New("fetch aborted by panic")

type eventKind int

const (
	evFetchDone eventKind = iota
	evRetryDue
	evWake
)

type event struct {
	kind   eventKind
	req    *Request
	resp   *Response
	err    error
	origin string
}

// run 保存一次 Run 的循环状态，只被事件循环 goroutine 访问。
type run struct {
	e    *Engine
	ctx  context.Context
	out  chan<- *model.Record
	pool *queue.Queue

	events chan event
	done   chan struct{}

	pending     []*Request
	inflight    int
	retryTimers int
	stopping    bool

	global      *semaphore.Weighted
	perOrigin   map[string]*semaphore.Weighted
	nextAllowed map[string]time.Time
	wakeArmed   map[string]bool

	stats Stats
}

// Run 从种子开始抓取，直到待调度队列、进行中的请求与重试定时器全部耗尽。
//
// 记录写入 out，Run 返回前不会关闭 out。ctx 取消后停止调度新请求，
// 等待进行中的请求结束后返回 ctx.Err()。
func (e *Engine) Run(ctx context.Context, seeds []Seed, out chan<- *model.Record) (Stats, error) {
	// worker 不随 ctx 退出：已投递的抓取必须回报结果，计数才能归零
	pool := queue.NewQueue(e.logger, e.opts.ConcurrentRequests, e.opts.ConcurrentRequests)
	pool.SetErrorHandler(func(err error, job queue.Job) {
		metrics.CrawlerErrorsTotal.WithLabelValues(job.Kind, render.ClassifyError(err)).Inc()
	})
	pool.Start(context.WithoutCancel(ctx))

	r := &run{
		e:           e,
		ctx:         ctx,
		out:         out,
		pool:        pool,
		events:      make(chan event, e.opts.ConcurrentRequests*2),
		done:        make(chan struct{}),
		global:      semaphore.NewWeighted(int64(e.opts.ConcurrentRequests)),
		perOrigin:   make(map[string]*semaphore.Weighted),
		nextAllowed: make(map[string]time.Time),
		wakeArmed:   make(map[string]bool),
	}

	for _, s := range seeds {
		r.schedule(e.newRequest(s.URL, PhaseList, s.Segment, s.URL, nil))
	}
	r.loop()

	close(r.done)
	pool.Shutdown()
	metrics.CrawlerInFlight.Set(0)
	metrics.CrawlerPending.Set(0)

	ps := pool.Stats()
	e.logger.Info("crawl finished",
		slog.Int("requests", r.stats.Requests),
		slog.Int64("jobs_processed", ps.TotalProcessed),
		slog.Int64("jobs_failed", ps.TotalFailed),
		slog.Int64("jobs_panicked", ps.TotalPanics),
		slog.Int("retries", r.stats.Retries),
		slog.Int("retries_exhausted", r.stats.RetriesExhausted),
		slog.Int("failures", r.stats.Failures),
		slog.Int("duplicates", r.stats.Duplicates),
		slog.Int("records", r.stats.Records))

	if r.stopping {
		return r.stats, ctx.Err()
	}
	return r.stats, nil
}

func (e *Engine) newRequest(url string, phase Phase, segment, originURL string, carry *model.Record) *Request {
	kind := KindPlain
	if e.opts.NeedsRender(url) {
		kind = KindRender
	}
	return &Request{
		URL:       url,
		Kind:      kind,
		Phase:     phase,
		Segment:   segment,
		OriginURL: originURL,
		Carry:     carry,
		Identity:  e.rotator.Select(),
	}
}

func (r *run) loop() {
	r.dispatch()
	for !r.finished() {
		select {
		case ev := <-r.events:
			r.handle(ev)
		case <-r.ctx.Done():
			if !r.stopping {
				r.stopping = true
				r.pending = nil
				r.e.logger.Warn("crawl cancelled, waiting for in-flight requests",
					slog.Int("in_flight", r.inflight))
			}
			// 取消后只等待进行中的请求
			if r.inflight > 0 {
				r.handle(<-r.events)
			}
		}
		r.dispatch()
	}
}

func (r *run) finished() bool {
	if r.stopping {
		return r.inflight == 0
	}
	return len(r.pending) == 0 && r.inflight == 0 && r.retryTimers == 0
}

func (r *run) handle(ev event) {
	switch ev.kind {
	case evFetchDone:
		r.release(ev.req)
		r.onFetchDone(ev.req, ev.resp, ev.err)
	case evRetryDue:
		r.retryTimers--
		if !r.stopping {
			r.pending = append(r.pending, ev.req)
		}
	case evWake:
		r.wakeArmed[ev.origin] = false
	}
}

// schedule 经过去重后加入待调度队列。
func (r *run) schedule(req *Request) {
	if r.stopping {
		return
	}
	if !req.DontFilter {
		dup, err := r.e.filter.IsDuplicate(r.ctx, req.URL)
		if err != nil {
			r.e.logger.Warn("dedup check failed, scheduling anyway",
				slog.String("url", req.URL),
				slog.String("error", err.Error()))
		} else if dup {
			r.stats.Duplicates++
			metrics.CrawlerDuplicatesTotal.Inc()
			r.e.logger.Debug("duplicate request filtered", slog.String("url", req.URL))
			// 详情页重复时，直接输出卡片数据，避免记录丢失
			if req.Phase == PhaseDetail && req.Carry != nil {
				r.emit(req.Carry)
			}
			return
		}
	}
	r.pending = append(r.pending, req)
}

// dispatch 在并发与间隔允许的范围内尽可能多地发出请求。
func (r *run) dispatch() {
	if r.stopping {
		return
	}
	now := time.Now()
	kept := r.pending[:0]
	for i, req := range r.pending {
		origin := req.Origin()

		if next, ok := r.nextAllowed[origin]; ok && now.Before(next) {
			r.armWake(origin, next.Sub(now))
			kept = append(kept, req)
			continue
		}

		sem := r.originSem(origin)
		if !sem.TryAcquire(1) {
			kept = append(kept, req)
			continue
		}
		if !r.global.TryAcquire(1) {
			sem.Release(1)
			kept = append(kept, r.pending[i:]...)
			break
		}

		r.nextAllowed[origin] = now.Add(r.delay())
		r.start(req)
	}
	// 清掉尾部残留引用
	for i := len(kept); i < len(r.pending); i++ {
		r.pending[i] = nil
	}
	r.pending = kept
	metrics.CrawlerPending.Set(float64(len(r.pending)))
}

func (r *run) originSem(origin string) *semaphore.Weighted {
	sem, ok := r.perOrigin[origin]
	if !ok {
		sem = semaphore.NewWeighted(int64(r.e.opts.ConcurrentPerOrigin))
		r.perOrigin[origin] = sem
	}
	return sem
}

func (r *run) release(req *Request) {
	r.inflight--
	metrics.CrawlerInFlight.Set(float64(r.inflight))
	r.originSem(req.Origin()).Release(1)
	r.global.Release(1)
}

// delay 返回同站点下一次请求前的间隔。
func (r *run) delay() time.Duration {
	d := r.e.opts.DownloadDelay
	if d <= 0 {
		return 0
	}
	if r.e.opts.RandomizeDelay {
		return time.Duration(float64(d) * (0.5 + r.e.jitter()))
	}
	return d
}

func (r *run) armWake(origin string, after time.Duration) {
	if r.wakeArmed[origin] {
		return
	}
	r.wakeArmed[origin] = true
	r.after(after, event{kind: evWake, origin: origin})
}

// after 在 d 之后向事件循环投递 ev；循环退出后投递被丢弃。
func (r *run) after(d time.Duration, ev event) {
	time.AfterFunc(d, func() { r.post(ev) })
}

func (r *run) post(ev event) {
	select {
	case r.events <- ev:
	case <-r.done:
	}
}

func (r *run) start(req *Request) {
	r.inflight++
	r.stats.Requests++
	metrics.CrawlerInFlight.Set(float64(r.inflight))

	ok := r.pool.Enqueue(queue.Job{
		Name: req.URL,
		Kind: req.Kind.String(),
		Run: func(context.Context) error {
			// transport panic 时也要回报，否则 inflight 永远不归零
			reported := false
			defer func() {
				if !reported {
					r.post(event{kind: evFetchDone, req: req, err: errFetchAborted})
				}
			}()
			resp, err := r.e.fetch(r.ctx, req)
			reported = true
			r.post(event{kind: evFetchDone, req: req, resp: resp, err: err})
			return err
		},
	})
	if !ok {
		// worker 池已关闭：按失败处理，保持计数一致
		r.release(req)
		r.onFetchDone(req, nil, fmt.Errorf("worker pool rejected %s", req.URL))
	}
}

func (e *Engine) fetch(ctx context.Context, req *Request) (*Response, error) {
	if e.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.RequestTimeout)
		defer cancel()
	}
	e.logger.Debug("fetching",
		slog.String("url", req.URL),
		slog.String("kind", req.Kind.String()),
		slog.String("phase", req.Phase.String()),
		slog.Int("attempt", req.Attempt))

	if req.Kind == KindRender {
		return e.transport.Render(ctx, req)
	}
	return e.transport.Fetch(ctx, req)
}

func (r *run) onFetchDone(req *Request, resp *Response, err error) {
	log := r.e.logger.With(
		slog.String("url", req.URL),
		slog.String("phase", req.Phase.String()),
		slog.Int("attempt", req.Attempt))

	if err != nil {
		r.stats.Failures++
		log.Error("fetch failed", slog.String("error", err.Error()))
		r.fallback(req)
		return
	}

	if r.e.rotator.OnResponse(resp.Status) == identity.Retry {
		r.retry(req, resp.Status, log)
		return
	}

	if resp.Status < 200 || resp.Status >= 300 {
		r.stats.Failures++
		log.Warn("unexpected status, dropping response", slog.Int("status", resp.Status))
		r.fallback(req)
		return
	}

	switch req.Phase {
	case PhaseList:
		r.onList(req, resp, log)
	case PhaseDetail:
		r.onDetail(req, resp, log)
	}
}

// retry 在预算内安排换身份重试，延迟通过定时器实现。
func (r *run) retry(req *Request, status int, log *slog.Logger) {
	if req.Attempt >= r.e.opts.MaxRetries {
		r.stats.RetriesExhausted++
		metrics.CrawlerRetriesTotal.WithLabelValues("exhausted").Inc()
		log.Error("blocked, retry budget exhausted", slog.Int("status", status))
		r.fallback(req)
		return
	}

	next := req.retryWith(r.e.rotator.SelectExcept(req.Identity))
	wait := r.e.rotator.RetryDelay()
	r.stats.Retries++
	r.retryTimers++
	metrics.CrawlerRetriesTotal.WithLabelValues("scheduled").Inc()
	log.Warn("blocked, retrying with new identity",
		slog.Int("status", status),
		slog.Duration("delay", wait),
		slog.String("user_agent", next.Identity.UserAgent))
	r.after(wait, event{kind: evRetryDue, req: next})
}

func (r *run) onList(req *Request, resp *Response, log *slog.Logger) {
	cards, err := r.e.list.Parse(resp.URL, resp.Body, extract.ListMeta{
		Segment:   req.Segment,
		OriginURL: req.OriginURL,
	})
	if err != nil {
		r.stats.Failures++
		log.Error("parse list page failed", slog.String("error", err.Error()))
		return
	}
	log.Info("list page parsed", slog.Int("cards", len(cards)))

	for _, c := range cards {
		if c.DetailURL == "" {
			r.emit(c.Record)
			continue
		}
		r.schedule(r.e.newRequest(c.DetailURL, PhaseDetail, req.Segment, req.OriginURL, c.Record))
	}
}

func (r *run) onDetail(req *Request, resp *Response, log *slog.Logger) {
	rec, err := r.e.detail.Parse(resp.URL, resp.Body, req.Carry)
	if err != nil {
		r.stats.Failures++
		log.Error("parse detail page failed", slog.String("error", err.Error()))
		r.fallback(req)
		return
	}
	r.emit(rec)
}

// fallback 在详情页失败时输出列表页已有的数据。
func (r *run) fallback(req *Request) {
	if req.Phase != PhaseDetail || req.Carry == nil {
		return
	}
	r.stats.Fallbacks++
	r.e.logger.Warn("detail unavailable, emitting card record",
		slog.String("url", req.URL),
		slog.String("brand", req.Carry.BrandName))
	r.emit(req.Carry)
}

func (r *run) emit(rec *model.Record) {
	select {
	case r.out <- rec:
		r.stats.Records++
	case <-r.ctx.Done():
	}
}
