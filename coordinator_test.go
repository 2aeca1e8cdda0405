package loader

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

// trackActive return a fetcher that records the max number of concurrent calls.
// Each call waits until want calls are active or the deadline passed.
func trackActive(maxActive *atomic.Int32, want int32) FetcherFunc[int, int] {
	active := atomic.Int32{}
	return func(_ context.Context, keys []int, sink Sink[int, int]) error {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}

		deadline := time.Now().Add(200 * time.Millisecond)
		for active.Load() < want && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		for _, k := range keys {
			sink.Put(k, k)
		}
		return nil
	}
}

func TestMaxConcurrency(t *testing.T) {
	maxActive := atomic.Int32{}
	l := NewBuilder[int, int](trackActive(&maxActive, 3)).
		Configure(WithEagerBatchSize(1), WithMaxConcurrency(Unset)).
		Build()
	defer closeLoader(t, l)

	values, err := l.LoadAll(context.Background(), []int{1, 2, 3})
	if err != nil {
		t.Fatalf("error loading: %v", err)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, values); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	if maxActive.Load() != 3 {
		t.Fatalf("max concurrent fetches %d != 3", maxActive.Load())
	}
}

func TestSequentialFetch(t *testing.T) {
	maxActive := atomic.Int32{}
	l := NewBuilder[int, int](trackActive(&maxActive, 2)).
		Configure(WithEagerBatchSize(1)).
		Build()
	defer closeLoader(t, l)

	if _, err := l.LoadAll(context.Background(), []int{1, 2, 3}); err != nil {
		t.Fatalf("error loading: %v", err)
	}
	if maxActive.Load() != 1 {
		t.Fatalf("max concurrent fetches %d != 1", maxActive.Load())
	}
}

func TestInlineFetch(t *testing.T) {
	calls := atomic.Int32{}
	l := NewBuilder[int, string](fetchItoa(&calls)).
		Configure(WithMaxConcurrency(0), WithDelay(0)).
		Build()
	defer closeLoader(t, l)

	ctx := context.Background()
	values, err := l.LoadAll(ctx, []int{2, 1})
	if err != nil {
		t.Fatalf("error loading: %v", err)
	}
	if diff := cmp.Diff([]string{"2", "1"}, values); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	if _, err := l.Load(ctx, 1); err != nil {
		t.Fatalf("error loading: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("touched %d != 1", calls.Load())
	}
}

func TestRateLimit(t *testing.T) {
	calls := atomic.Int32{}
	l := NewBuilder[int, string](fetchItoa(&calls)).
		Configure(
			WithEagerBatchSize(1),
			WithDelay(0),
			WithMaxConcurrency(Unset),
			WithRateLimit(rate.NewLimiter(rate.Every(100*time.Millisecond), 1)),
		).
		Build()
	defer closeLoader(t, l)

	start := time.Now()
	if _, err := l.LoadAll(context.Background(), []int{1, 2, 3}); err != nil {
		t.Fatalf("error loading: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("rate limit not applied, elapsed %s", elapsed)
	}
	if calls.Load() != 3 {
		t.Fatalf("touched %d != 3", calls.Load())
	}
}

func TestRateLimitZeroBurst(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	calls := atomic.Int32{}
	l := NewBuilder[int, string](fetchItoa(&calls)).
		Configure(
			WithEagerBatchSize(1),
			WithLogger(logger),
			WithRateLimit(rate.NewLimiter(10, 0)),
		).
		Build()

	if _, err := l.LoadAll(context.Background(), []int{1, 2, 3}); err != nil {
		t.Fatalf("error loading: %v", err)
	}
	closeLoader(t, l)
	if calls.Load() != 3 {
		t.Fatalf("touched %d != 3", calls.Load())
	}
	if n := strings.Count(buf.String(), "rate limiter does not allow any fetch"); n != 1 {
		t.Fatalf("zero burst limiter warned %d times, want once:\n%s", n, buf.String())
	}
}

func TestOptions(t *testing.T) {
	c := defaultConfig()
	for _, opt := range []Option{WithDelay(-1), WithEagerBatchSize(0), WithMaxConcurrency(Unset)} {
		opt(&c)
	}
	if c.delay != 0 {
		t.Fatalf("negative delay not clamped %s", c.delay)
	}
	if c.eagerBatchSize != Unset {
		t.Fatalf("eager batch size %d != Unset", c.eagerBatchSize)
	}
	if c.maxConcurrency <= 1<<32 {
		t.Fatalf("max concurrency not unlimited %d", c.maxConcurrency)
	}
}

func TestBuildNilFetcher(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("missing panic for nil fetcher")
		}
	}()
	NewBuilder[int, int](nil).Build()
}
