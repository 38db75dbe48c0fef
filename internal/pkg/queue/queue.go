package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrJobPanicked 包装 worker 从任务 panic 中恢复的值，交给 ErrorHandler。
var ErrJobPanicked = errors.New("job panicked")

// Job 表示一个带名称的异步任务。Name 用于日志（通常是 URL），
// Kind 是任务类别，供 ErrorHandler 打指标标签。
type Job struct {
	Name string
	Kind string
	Run  func(ctx context.Context) error
}

// ErrorHandler 错误处理回调函数。
type ErrorHandler func(err error, job Job)

// Queue 是固定数量 worker 的内存任务池。
//
// 爬虫引擎把每一次抓取作为一个 Job 投递进来，worker 数等于全局并发上限。
type Queue struct {
	logger       *slog.Logger
	workers      int
	jobs         chan Job
	errorHandler ErrorHandler

	wg     sync.WaitGroup
	closed atomic.Bool

	stats queueStats
}

type queueStats struct {
	TotalEnqueued  atomic.Int64
	TotalProcessed atomic.Int64
	TotalSucceeded atomic.Int64
	TotalFailed    atomic.Int64
	TotalDropped   atomic.Int64
	TotalPanics    atomic.Int64
}

// QueueStats 队列统计信息快照。
type QueueStats struct {
	TotalEnqueued  int64 // 总入队任务数
	TotalProcessed int64 // 总处理完成数
	TotalSucceeded int64 // 成功任务数
	TotalFailed    int64 // 失败任务数
	TotalDropped   int64 // 丢弃任务数（队列满）
	TotalPanics    int64 // Panic 次数
}

// NewQueue 创建一个新的任务队列。
//
// 参数:
//   - logger: 日志记录器
//   - workers: worker 数量（至少为 1）
//   - capacity: 队列容量（至少为 1）
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		logger:  logger,
		workers: workers,
		jobs:    make(chan Job, capacity),
	}
}

// SetErrorHandler 设置错误处理回调函数。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.errorHandler = handler
}

// Start 启动 worker 池，直到 ctx 被取消或调用 Shutdown。
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			q.logger.Debug("worker stopped", slog.Int("worker_id", id))
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			if job.Run != nil {
				q.executeJob(ctx, job, id)
			}
		}
	}
}

// executeJob 执行单个任务，带 panic 恢复和错误处理。
func (q *Queue) executeJob(ctx context.Context, job Job, workerID int) {
	defer func() {
		if r := recover(); r != nil {
			q.stats.TotalPanics.Add(1)
			q.logger.Error("job panic recovered",
				slog.Int("worker_id", workerID),
				slog.String("job", job.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			if q.errorHandler != nil {
				q.errorHandler(fmt.Errorf("%w: %v", ErrJobPanicked, r), job)
			}
		}
	}()

	err := job.Run(ctx)
	q.stats.TotalProcessed.Add(1)

	if err != nil {
		q.stats.TotalFailed.Add(1)
		q.logger.Warn("job failed",
			slog.Int("worker_id", workerID),
			slog.String("job", job.Name),
			slog.String("error", err.Error()))

		if q.errorHandler != nil {
			q.errorHandler(err, job)
		}
	} else {
		q.stats.TotalSucceeded.Add(1)
	}
}

// Enqueue 非阻塞入队，队列已满或已关闭时返回 false。
func (q *Queue) Enqueue(job Job) bool {
	if job.Run == nil {
		return false
	}
	if q.closed.Load() {
		q.logger.Warn("queue is closed, reject job", slog.String("job", job.Name))
		return false
	}

	select {
	case q.jobs <- job:
		q.stats.TotalEnqueued.Add(1)
		return true
	default:
		q.stats.TotalDropped.Add(1)
		q.logger.Warn("queue full, drop job",
			slog.String("job", job.Name),
			slog.Int("capacity", cap(q.jobs)),
			slog.Int("pending", len(q.jobs)))
		return false
	}
}

// Shutdown 优雅关闭队列：拒绝新任务，关闭通道，等待 worker 处理完手上的任务。
func (q *Queue) Shutdown() {
	if q.closed.CompareAndSwap(false, true) {
		close(q.jobs)
		q.wg.Wait()
		q.logger.Debug("queue shutdown completed")
	}
}

// Stats 获取队列统计信息的快照。
func (q *Queue) Stats() QueueStats {
	return QueueStats{
		TotalEnqueued:  q.stats.TotalEnqueued.Load(),
		TotalProcessed: q.stats.TotalProcessed.Load(),
		TotalSucceeded: q.stats.TotalSucceeded.Load(),
		TotalFailed:    q.stats.TotalFailed.Load(),
		TotalDropped:   q.stats.TotalDropped.Load(),
		TotalPanics:    q.stats.TotalPanics.Load(),
	}
}
