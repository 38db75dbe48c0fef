package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"promohunter/internal/model"
	"promohunter/internal/pkg/metrics"
)

// keySeparator 是 ID 摘要输入字段之间的分隔符（ASCII Unit Separator）。
const keySeparator = "\x1f"

var numberRe = regexp.MustCompile(`^[0-9]+(?:[.,][0-9]+)?$`)

// NormalizeStage 校验必填字段、规范化折扣、写入时间戳与 ID。
type NormalizeStage struct {
	logger *slog.Logger
	loc    *time.Location
	now    func() time.Time
}

// NewNormalizeStage 创建规范化阶段，loc 为 nil 时使用 UTC。
func NewNormalizeStage(logger *slog.Logger, loc *time.Location) *NormalizeStage {
	if loc == nil {
		loc = time.UTC
	}
	return &NormalizeStage{logger: logger, loc: loc, now: time.Now}
}

func (s *NormalizeStage) Name() string { return "normalize" }

func (s *NormalizeStage) Process(_ context.Context, rec *model.Record) error {
	rec.BrandName = strings.TrimSpace(rec.BrandName)
	rec.RawDiscount = strings.TrimSpace(rec.RawDiscount)
	if rec.BrandName == "" || rec.RawDiscount == "" {
		return fmt.Errorf("%w: missing brand or discount (origin %s)", ErrDropRecord, rec.OriginURL)
	}

	value, ok := NormalizeDiscount(rec.RawDiscount)
	if !ok {
		metrics.PipelineRecordsTotal.WithLabelValues(s.Name(), "discount_unparsed").Inc()
		s.logger.Warn("discount not normalized",
			slog.String("raw_discount", rec.RawDiscount),
			slog.String("brand", rec.BrandName),
			slog.String("origin_url", rec.OriginURL))
	}
	rec.NormalizedDiscount = value
	rec.ExtractedAt = s.now().In(s.loc).Format(time.RFC3339)
	rec.ID = RecordID(rec.OriginURL, rec.BrandName, rec.RawDiscount)
	return nil
}

// NormalizeDiscount 把 "50% dto." 这样的折扣文本转为 0.5。
//
// 在 "%" 处截断；没有 "%" 时去掉末尾的单位后缀。"," 视为小数点。
// 结果为 number/100，保留两位小数；超过 100% 的值原样保留。无法解析时返回 (0, false)。
func NormalizeDiscount(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "%"); i >= 0 {
		s = s[:i]
	} else if fields := strings.Fields(s); len(fields) > 0 {
		s = fields[0]
	}
	s = strings.TrimSpace(s)
	if !numberRe.MatchString(s) {
		return 0, false
	}

	n, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil {
		return 0, false
	}
	return math.Round(n) / 100, true
}

// RecordID 返回 (originURL, brand, rawDiscount) 的 SHA-256 十六进制摘要。
//
// 相同输入在任何进程、任何运行中都得到相同 ID，下游据此去重。
func RecordID(originURL, brand, rawDiscount string) string {
	sum := sha256.Sum256([]byte(originURL + keySeparator + brand + keySeparator + rawDiscount))
	return hex.EncodeToString(sum[:])
}
