// Package pipeline 按固定顺序处理提取出的记录：规范化/校验/生成 ID → 地理编码 → 落盘 → 发布。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"promohunter/internal/model"
	"promohunter/internal/pkg/metrics"
)

// ErrDropRecord 表示记录未通过校验，应被丢弃（不是致命错误）。
var ErrDropRecord = errors.New("drop record")

// Stage 是 pipeline 中的一个处理阶段，可以原地修改记录。
type Stage interface {
	Name() string
	Process(ctx context.Context, rec *model.Record) error
}

// Stats 是一次运行的记录统计。
type Stats struct {
	Received int
	Written  int
	Dropped  int
	Failed   int
}

// Pipeline 顺序执行各阶段。一个 Pipeline 只应被一个 goroutine 驱动。
type Pipeline struct {
	stages []Stage
	logger *slog.Logger
	stats  Stats
}

// New 创建 pipeline，stages 按给定顺序执行。
func New(logger *slog.Logger, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, logger: logger}
}

// Process 让一条记录依次通过所有阶段。
//
// 任一阶段返回 ErrDropRecord 时记录被丢弃；返回其他错误时记录视为失败。
// 两种情况下后续阶段都不会执行。
func (p *Pipeline) Process(ctx context.Context, rec *model.Record) error {
	p.stats.Received++
	for _, st := range p.stages {
		if err := st.Process(ctx, rec); err != nil {
			if errors.Is(err, ErrDropRecord) {
				p.stats.Dropped++
				metrics.PipelineRecordsTotal.WithLabelValues(st.Name(), "dropped").Inc()
				p.logger.Warn("record dropped",
					slog.String("stage", st.Name()),
					slog.String("origin_url", rec.OriginURL),
					slog.String("reason", err.Error()))
				return err
			}
			p.stats.Failed++
			metrics.PipelineRecordsTotal.WithLabelValues(st.Name(), "failed").Inc()
			p.logger.Error("record failed",
				slog.String("stage", st.Name()),
				slog.String("origin_url", rec.OriginURL),
				slog.String("brand", rec.BrandName),
				slog.String("error", err.Error()))
			return fmt.Errorf("stage %s: %w", st.Name(), err)
		}
	}
	p.stats.Written++
	return nil
}

// Run 消费 in 中的记录直到通道关闭，返回统计信息。
//
// 单条记录的失败不会中断运行。ctx 取消后仍会继续排空通道，
// 由生产方负责在退出时关闭通道。
func (p *Pipeline) Run(ctx context.Context, in <-chan *model.Record) Stats {
	for rec := range in {
		if rec == nil {
			continue
		}
		_ = p.Process(ctx, rec)
	}
	return p.stats
}

// Stats 返回当前统计信息。
func (p *Pipeline) Stats() Stats {
	return p.stats
}

// Close 关闭所有实现了 io.Closer 的阶段。
func (p *Pipeline) Close() error {
	var errs []error
	for _, st := range p.stages {
		if c, ok := st.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", st.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
