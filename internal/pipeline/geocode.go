package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"promohunter/internal/geocode"
	"promohunter/internal/model"
	"promohunter/internal/pkg/metrics"
)

// Geocoder 把地点查询解析为坐标，无匹配时返回 geocode.ErrNoMatch。
type Geocoder interface {
	Lookup(ctx context.Context, query string) (geocode.Point, error)
}

// GeocodeStage 为记录补充经纬度。失败只影响坐标，不会丢弃记录。
type GeocodeStage struct {
	geocoder Geocoder
	logger   *slog.Logger
	region   string
	unknown  map[string]struct{}
}

// NewGeocodeStage 创建地理编码阶段。region 会以 "<地点>, <region>" 的形式附加到查询中。
func NewGeocodeStage(geocoder Geocoder, logger *slog.Logger, region string, unknownValues []string) *GeocodeStage {
	unknown := make(map[string]struct{}, len(unknownValues))
	for _, v := range unknownValues {
		unknown[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}
	return &GeocodeStage{
		geocoder: geocoder,
		logger:   logger,
		region:   region,
		unknown:  unknown,
	}
}

func (s *GeocodeStage) Name() string { return "geocode" }

func (s *GeocodeStage) Process(ctx context.Context, rec *model.Record) error {
	loc := strings.TrimSpace(rec.Location)
	if s.isUnknown(loc) {
		rec.ClearCoordinates()
		metrics.GeocodeRequestsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	query := loc
	if s.region != "" {
		query = loc + ", " + s.region
	}

	p, err := s.geocoder.Lookup(ctx, query)
	switch {
	case err == nil:
		rec.SetCoordinates(p.Lat, p.Lon)
	case errors.Is(err, geocode.ErrNoMatch):
		rec.ClearCoordinates()
		s.logger.Warn("location not geocoded",
			slog.String("location", loc),
			slog.String("record_id", rec.ID))
	default:
		rec.ClearCoordinates()
		s.logger.Error("geocode failed",
			slog.String("location", loc),
			slog.String("record_id", rec.ID),
			slog.String("error", err.Error()))
	}
	return nil
}

func (s *GeocodeStage) isUnknown(loc string) bool {
	if loc == "" {
		return true
	}
	_, ok := s.unknown[strings.ToLower(loc)]
	return ok
}
