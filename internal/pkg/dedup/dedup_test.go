package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestDeduplicator_IsDuplicate(t *testing.T) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer s.Close()

	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		if err := rdb.Close(); err != nil {
			t.Fatalf("close redis: %v", err)
		}
	})

	d := NewDeduplicator(rdb, "run-1", time.Minute)
	ctx := context.Background()

	dup, err := d.IsDuplicate(ctx, "https://www.bancochile.cl/beneficios/sabores")
	if err != nil {
		t.Fatalf("first dedup: %v", err)
	}
	if dup {
		t.Fatalf("expected first to be non-duplicate")
	}

	dup, err = d.IsDuplicate(ctx, "https://www.bancochile.cl/beneficios/sabores")
	if err != nil {
		t.Fatalf("second dedup: %v", err)
	}
	if !dup {
		t.Fatalf("expected second to be duplicate")
	}

	if ttl := s.TTL("promohunter:dedup:url:run-1:" + hashURL("https://www.bancochile.cl/beneficios/sabores")); ttl != time.Minute {
		t.Errorf("expected run-scoped key with ttl 1m, got %v", ttl)
	}
}

func TestDeduplicator_ScopedPerRun(t *testing.T) {
	s := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer rdb.Close()
	ctx := context.Background()
	url := "https://www.bancochile.cl/beneficios/sabores"

	first := NewDeduplicator(rdb, "run-1", time.Hour)
	if dup, err := first.IsDuplicate(ctx, url); err != nil || dup {
		t.Fatalf("run-1 first sight: dup=%v err=%v", dup, err)
	}
	if dup, _ := first.IsDuplicate(ctx, url); !dup {
		t.Fatal("expected duplicate within run-1")
	}

	// 新的运行必须重新抓取同一 URL
	second := NewDeduplicator(rdb, "run-2", time.Hour)
	if dup, err := second.IsDuplicate(ctx, url); err != nil || dup {
		t.Fatalf("run-2 should not see run-1 keys: dup=%v err=%v", dup, err)
	}
}

func TestMemoryFilter_IsDuplicate(t *testing.T) {
	f := NewMemoryFilter()
	ctx := context.Background()

	for i, tc := range []struct {
		url      string
		expected bool
	}{
		{"https://a.example/list", false},
		{"https://a.example/detail/1", false},
		{"https://a.example/list", true},
		{"", false},
		{"", false},
	} {
		dup, err := f.IsDuplicate(ctx, tc.url)
		if err != nil {
			t.Fatalf("case %d: unexpected error: %v", i, err)
		}
		if dup != tc.expected {
			t.Errorf("case %d: IsDuplicate(%q) = %v, expected %v", i, tc.url, dup, tc.expected)
		}
	}
}
