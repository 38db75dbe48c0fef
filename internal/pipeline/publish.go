package pipeline

import (
	"context"
	"log/slog"

	"promohunter/internal/model"
	"promohunter/internal/pkg/metrics"
)

// Publisher 把记录发布给下游消费者。
type Publisher interface {
	Publish(ctx context.Context, runID string, rec *model.Record) (string, error)
}

// PublishStage 在落盘之后把记录发布到 Redis Stream。
//
// 发布失败只记录日志：文件仍是权威输出，下游按 id_unico 去重。
type PublishStage struct {
	publisher Publisher
	logger    *slog.Logger
	runID     string
}

// NewPublishStage 创建发布阶段。
func NewPublishStage(publisher Publisher, logger *slog.Logger, runID string) *PublishStage {
	return &PublishStage{publisher: publisher, logger: logger, runID: runID}
}

func (s *PublishStage) Name() string { return "publish" }

func (s *PublishStage) Process(ctx context.Context, rec *model.Record) error {
	if _, err := s.publisher.Publish(ctx, s.runID, rec); err != nil {
		metrics.PipelineRecordsTotal.WithLabelValues(s.Name(), "failed").Inc()
		s.logger.Error("publish record failed",
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()))
		return nil
	}
	metrics.PipelineRecordsTotal.WithLabelValues(s.Name(), "published").Inc()
	return nil
}
