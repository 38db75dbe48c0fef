package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"promohunter/internal/model"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream = "promohunter:records"
	defaultMaxLen = 100000
)

// RecordMessage 是写入 Redis Stream 的记录消息。
//
// 下游消费者按 Record.ID 幂等去重，同一条记录可能因重跑被发布多次。
type RecordMessage struct {
	RunID     string        `json:"run_id"`    // 本次运行的唯一标识
	Record    *model.Record `json:"record"`    // 已规范化的记录
	Timestamp time.Time     `json:"timestamp"` // 发布时间
}

// Publisher 把记录追加到 Redis Stream，供下游服务消费。
type Publisher struct {
	rdb        *redis.Client
	logger     *slog.Logger
	streamName string
	maxLen     int64
}

// NewPublisher 创建一个 Stream 发布器。
//
// 参数:
//   - rdb: Redis 客户端
//   - logger: 日志记录器
//   - streamName: Stream 名称（为空时使用 DefaultStream）
func NewPublisher(rdb *redis.Client, logger *slog.Logger, streamName string) *Publisher {
	if streamName == "" {
		streamName = DefaultStream
	}
	return &Publisher{
		rdb:        rdb,
		logger:     logger,
		streamName: streamName,
		maxLen:     defaultMaxLen,
	}
}

// Stream 返回 Stream 名称。
func (p *Publisher) Stream() string {
	return p.streamName
}

// Publish 发布一条记录，返回 Redis 分配的消息 ID。
func (p *Publisher) Publish(ctx context.Context, runID string, rec *model.Record) (string, error) {
	if rec == nil {
		return "", fmt.Errorf("record is nil")
	}

	data, err := json.Marshal(&RecordMessage{
		RunID:     runID,
		Record:    rec,
		Timestamp: time.Now(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}

	msgID, err := p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.streamName,
		MaxLen: p.maxLen,
		Approx: false,
		Values: map[string]interface{}{
			"id":   rec.ID,
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}

	p.logger.Debug("record published",
		slog.String("stream", p.streamName),
		slog.String("msg_id", msgID),
		slog.String("record_id", rec.ID))

	return msgID, nil
}

// Length 返回 Stream 当前长度。
func (p *Publisher) Length(ctx context.Context) (int64, error) {
	n, err := p.rdb.XLen(ctx, p.streamName).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return n, nil
}

// ReadAll 读取 Stream 中的全部消息（用于排查与测试）。
func (p *Publisher) ReadAll(ctx context.Context) ([]*RecordMessage, error) {
	entries, err := p.rdb.XRange(ctx, p.streamName, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange failed: %w", err)
	}

	out := make([]*RecordMessage, 0, len(entries))
	for _, e := range entries {
		raw, ok := e.Values["data"].(string)
		if !ok {
			p.logger.Warn("stream entry without data", slog.String("msg_id", e.ID))
			continue
		}
		var msg RecordMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message %s: %w", e.ID, err)
		}
		out = append(out, &msg)
	}
	return out, nil
}
