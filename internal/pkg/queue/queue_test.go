package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func job(name string, fn func(ctx context.Context) error) Job {
	return Job{Name: name, Run: fn}
}

func TestQueue_BasicFunctionality(t *testing.T) {
	q := NewQueue(testLogger(), 3, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx)

	var completed atomic.Int32
	for i := 0; i < 5; i++ {
		j := job(fmt.Sprintf("https://example.com/%d", i), func(ctx context.Context) error {
			time.Sleep(50 * time.Millisecond)
			completed.Add(1)
			return nil
		})
		if !q.Enqueue(j) {
			t.Errorf("Failed to enqueue job %d", i)
		}
	}

	q.Shutdown()

	if completed.Load() != 5 {
		t.Errorf("Expected 5 completed jobs, got %d", completed.Load())
	}
	if stats := q.Stats(); stats.TotalEnqueued != 5 {
		t.Errorf("Expected 5 enqueued, got %d", stats.TotalEnqueued)
	}
}

func TestQueue_RejectsNilRun(t *testing.T) {
	q := NewQueue(testLogger(), 1, 1)
	if q.Enqueue(Job{Name: "empty"}) {
		t.Error("Expected job without run func to be rejected")
	}
}

func TestQueue_ErrorHandling(t *testing.T) {
	q := NewQueue(testLogger(), 2, 5)

	var errorCount atomic.Int32
	var failedName atomic.Value
	q.SetErrorHandler(func(err error, j Job) {
		errorCount.Add(1)
		failedName.Store(j.Name)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx)

	q.Enqueue(job("ok", func(ctx context.Context) error { return nil }))
	q.Enqueue(job("bad", func(ctx context.Context) error { return errors.New("task failed") }))

	q.Shutdown()

	stats := q.Stats()
	if stats.TotalSucceeded != 1 {
		t.Errorf("Expected 1 success, got %d", stats.TotalSucceeded)
	}
	if stats.TotalFailed != 1 {
		t.Errorf("Expected 1 failure, got %d", stats.TotalFailed)
	}
	if errorCount.Load() != 1 {
		t.Errorf("Expected 1 error callback, got %d", errorCount.Load())
	}
	if failedName.Load() != "bad" {
		t.Errorf("Expected failed job name 'bad', got %v", failedName.Load())
	}
}

func TestQueue_PanicRecovery(t *testing.T) {
	q := NewQueue(testLogger(), 2, 5)

	var handled atomic.Value
	q.SetErrorHandler(func(err error, j Job) {
		handled.Store(err)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx)

	q.Enqueue(job("panic", func(ctx context.Context) error {
		panic("intentional panic")
	}))

	// worker 不应因为 panic 而退出
	var executed atomic.Bool
	q.Enqueue(job("after", func(ctx context.Context) error {
		executed.Store(true)
		return nil
	}))

	q.Shutdown()

	if stats := q.Stats(); stats.TotalPanics != 1 {
		t.Errorf("Expected 1 panic, got %d", stats.TotalPanics)
	}
	if !executed.Load() {
		t.Error("Normal job should execute after panic")
	}
	if err, _ := handled.Load().(error); !errors.Is(err, ErrJobPanicked) {
		t.Errorf("Expected ErrJobPanicked in error handler, got %v", err)
	}
}

func TestQueue_QueueFull(t *testing.T) {
	q := NewQueue(testLogger(), 1, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx)

	blockChan := make(chan struct{})
	started := make(chan struct{})

	q.Enqueue(job("blocker", func(ctx context.Context) error {
		close(started)
		<-blockChan
		return nil
	}))
	<-started

	q.Enqueue(job("a", func(ctx context.Context) error { return nil }))
	q.Enqueue(job("b", func(ctx context.Context) error { return nil }))

	if q.Enqueue(job("c", func(ctx context.Context) error { return nil })) {
		t.Error("Expected enqueue to fail when queue is full")
	}

	close(blockChan)
	q.Shutdown()

	if stats := q.Stats(); stats.TotalDropped != 1 {
		t.Errorf("Expected 1 dropped job, got %d", stats.TotalDropped)
	}
}

func TestQueue_GracefulShutdown(t *testing.T) {
	q := NewQueue(testLogger(), 3, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx)

	var completed atomic.Int32
	for i := 0; i < 10; i++ {
		q.Enqueue(job("slow", func(ctx context.Context) error {
			time.Sleep(20 * time.Millisecond)
			completed.Add(1)
			return nil
		}))
	}

	q.Shutdown()

	if completed.Load() != 10 {
		t.Errorf("Expected all 10 jobs to complete, got %d", completed.Load())
	}
	if q.Enqueue(job("late", func(ctx context.Context) error { return nil })) {
		t.Error("Should not accept jobs after shutdown")
	}
}

func BenchmarkQueue_Enqueue(b *testing.B) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	q := NewQueue(logger, 10, 1000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx)

	noop := job("noop", func(ctx context.Context) error { return nil })
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		q.Enqueue(noop)
	}

	q.Shutdown()
}
