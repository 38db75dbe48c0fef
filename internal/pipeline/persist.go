package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"promohunter/internal/model"
	"promohunter/internal/pkg/metrics"
)

// PersistStage 把记录逐行写入 JSONL 文件。
//
// 每条记录直接写入文件，进程中途退出时已写入的行仍然完整可解析。
type PersistStage struct {
	logger *slog.Logger
	path   string
	file   *os.File
	enc    *json.Encoder
}

// OutputPath 返回 <dir>/<runName>_output_<YYYYMMDD_HHMMSS>.jsonl。
func OutputPath(dir, runName string, start time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("%s_output_%s.jsonl", runName, start.Format("20060102_150405")))
}

// OpenPersistStage 创建输出目录并打开输出文件。
func OpenPersistStage(logger *slog.Logger, dir, runName string, start time.Time) (*PersistStage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	path := OutputPath(dir, runName, start)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)

	logger.Info("output file opened", slog.String("path", path))
	return &PersistStage{logger: logger, path: path, file: f, enc: enc}, nil
}

func (s *PersistStage) Name() string { return "persist" }

// Path 返回输出文件路径。
func (s *PersistStage) Path() string { return s.path }

func (s *PersistStage) Process(_ context.Context, rec *model.Record) error {
	if s.file == nil {
		return fmt.Errorf("output file is closed")
	}
	if err := s.enc.Encode(rec); err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	metrics.PipelineRecordsTotal.WithLabelValues(s.Name(), "written").Inc()
	return nil
}

// Close 关闭输出文件，可重复调用。
func (s *PersistStage) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.logger.Info("output file closed", slog.String("path", s.path))
	return err
}
