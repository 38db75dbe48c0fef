package stream

import (
	"context"
	"testing"

	"promohunter/internal/model"
	"promohunter/internal/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupPublisher(t *testing.T) *Publisher {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewPublisher(rdb, logger.Discard(), "")
}

func TestPublisher_PublishAndRead(t *testing.T) {
	p := setupPublisher(t)
	ctx := context.Background()

	if p.Stream() != DefaultStream {
		t.Errorf("Stream() = %q", p.Stream())
	}

	rec := &model.Record{ID: "abc", BrandName: "Café", RawDiscount: "50%"}
	rec.SetCoordinates(-33.4, -70.6)

	id, err := p.Publish(ctx, "run-1", rec)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if id == "" {
		t.Error("expected message id")
	}

	n, err := p.Length(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Length() = %d, %v", n, err)
	}

	msgs, err := p.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	got := msgs[0]
	if got.RunID != "run-1" || got.Record.ID != "abc" || got.Record.BrandName != "Café" {
		t.Errorf("unexpected message: %+v", got)
	}
	if !got.Record.HasCoordinates() || *got.Record.Latitude != -33.4 {
		t.Errorf("coordinates lost: %+v", got.Record)
	}
}

func TestPublisher_NilRecord(t *testing.T) {
	p := setupPublisher(t)
	if _, err := p.Publish(context.Background(), "run", nil); err == nil {
		t.Error("expected error for nil record")
	}
}
