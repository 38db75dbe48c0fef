package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"promohunter/internal/geocode"
	"promohunter/internal/model"
	"promohunter/internal/pkg/logger"
	"promohunter/internal/pkg/stream"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("invalid json line %q: %v", sc.Text(), err)
		}
		out = append(out, m)
	}
	return out
}

func newTestPipeline(t *testing.T, dir string, start time.Time, g Geocoder) (*Pipeline, *PersistStage) {
	t.Helper()
	l := logger.Discard()
	persist, err := OpenPersistStage(l, dir, "test", start)
	if err != nil {
		t.Fatalf("OpenPersistStage() error = %v", err)
	}
	return New(l,
		NewNormalizeStage(l, time.UTC),
		NewGeocodeStage(g, l, "Chile", []string{"N/A"}),
		persist,
	), persist
}

func sampleRecords() []*model.Record {
	return []*model.Record{
		{BrandName: "Café Central", RawDiscount: "50% dto.", OriginURL: "https://example.cl/a", Location: "Providencia 1234"},
		{BrandName: "Librería <Sur>", RawDiscount: "20%", OriginURL: "https://example.cl/a"},
		{BrandName: "", RawDiscount: "10%", OriginURL: "https://example.cl/a"},
		{BrandName: "Sin descuento", OriginURL: "https://example.cl/a"},
	}
}

func TestPipeline_RunWritesValidRecords(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "output")
	g := &fakeGeocoder{point: geocode.Point{Lat: -33.42, Lon: -70.61}}
	p, persist := newTestPipeline(t, dir, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), g)

	in := make(chan *model.Record)
	go func() {
		for _, r := range sampleRecords() {
			in <- r
		}
		close(in)
	}()
	stats := p.Run(context.Background(), in)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if stats.Received != 4 || stats.Written != 2 || stats.Dropped != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if filepath.Base(persist.Path()) != "test_output_20240301_103000.jsonl" {
		t.Errorf("unexpected output name %s", persist.Path())
	}

	lines := readLines(t, persist.Path())
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	for _, l := range lines {
		if l["marca_nombre"] == "" || l["descuento_valor_bruto"] == "" {
			t.Errorf("record without required fields written: %v", l)
		}
		if (l["latitud"] == nil) != (l["longitud"] == nil) {
			t.Errorf("coordinates not paired: %v", l)
		}
	}
	if lines[0]["descuento_normalizado"] != 0.5 || lines[0]["latitud"] != -33.42 {
		t.Errorf("unexpected first record %v", lines[0])
	}
	if lines[1]["latitud"] != nil {
		t.Errorf("record without location should have null coordinates: %v", lines[1])
	}
	if len(g.queries) != 1 {
		t.Errorf("expected one geocode call, got %v", g.queries)
	}

	raw, err := os.ReadFile(persist.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "Librería <Sur>") {
		t.Errorf("html characters should not be escaped: %s", raw)
	}
}

func TestPipeline_RestartIdempotence(t *testing.T) {
	dir := t.TempDir()
	g := &fakeGeocoder{err: geocode.ErrNoMatch}

	var paths []string
	for i, start := range []time.Time{
		time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
	} {
		p, persist := newTestPipeline(t, dir, start, g)
		for _, r := range sampleRecords() {
			_ = p.Process(context.Background(), r)
		}
		if err := p.Close(); err != nil {
			t.Fatalf("run %d: Close() error = %v", i, err)
		}
		paths = append(paths, persist.Path())
	}

	if paths[0] == paths[1] {
		t.Fatal("runs should write distinct files")
	}
	first, second := readLines(t, paths[0]), readLines(t, paths[1])
	if len(first) != len(second) {
		t.Fatalf("line count differs: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i]["id_unico"] != second[i]["id_unico"] {
			t.Errorf("record %d: id changed across runs: %v vs %v", i, first[i]["id_unico"], second[i]["id_unico"])
		}
	}
}

type failingStage struct{}

func (failingStage) Name() string { return "failing" }
func (failingStage) Process(context.Context, *model.Record) error {
	return errors.New("boom")
}

func TestPipeline_StageFailureStopsRecordOnly(t *testing.T) {
	l := logger.Discard()
	p := New(l, NewNormalizeStage(l, nil), failingStage{})

	err := p.Process(context.Background(), &model.Record{BrandName: "X", RawDiscount: "10%"})
	if err == nil || errors.Is(err, ErrDropRecord) {
		t.Fatalf("expected stage failure, got %v", err)
	}
	if s := p.Stats(); s.Failed != 1 || s.Written != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestPersistStage_ClosedWriteFails(t *testing.T) {
	persist, err := OpenPersistStage(logger.Discard(), t.TempDir(), "closed", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if err := persist.Close(); err != nil {
		t.Fatal(err)
	}
	if err := persist.Close(); err != nil {
		t.Errorf("second Close() should be a no-op, got %v", err)
	}
	if err := persist.Process(context.Background(), &model.Record{}); err == nil {
		t.Error("expected error writing to closed stage")
	}
}

func TestPublishStage_PublishesToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l := logger.Discard()
	pub := stream.NewPublisher(rdb, l, "test:records")
	p := New(l, NewNormalizeStage(l, nil), NewPublishStage(pub, l, "run-42"))

	if err := p.Process(context.Background(), &model.Record{BrandName: "X", RawDiscount: "10%", OriginURL: "u"}); err != nil {
		t.Fatal(err)
	}

	msgs, err := pub.ReadAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].RunID != "run-42" || msgs[0].Record.ID != RecordID("u", "X", "10%") {
		t.Errorf("unexpected messages %+v", msgs)
	}
}

func TestPublishStage_FailureDoesNotFailRecord(t *testing.T) {
	// 没有 Redis 监听的地址
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	l := logger.Discard()
	s := NewPublishStage(stream.NewPublisher(rdb, l, ""), l, "run")
	if err := s.Process(context.Background(), &model.Record{ID: "x"}); err != nil {
		t.Errorf("publish failure should be logged only, got %v", err)
	}
}
