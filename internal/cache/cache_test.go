package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestColdGetCoalescesConcurrentCallers(t *testing.T) {
	var calls int64
	release := make(chan struct{})
	c := New("test", time.Minute, func(ctx context.Context, key string) (int, error) {
		atomic.AddInt64(&calls, 1)
		<-release
		return 42, nil
	})

	const n = 16
	var wg sync.WaitGroup
	results := make([]int, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "k")
		}(i)
	}

	// Let every goroutine reach the singleflight barrier, then release.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i] != 42 {
			t.Fatalf("caller %d: got %d", i, results[i])
		}
	}
}

func TestTTLWindowMakesExactlyTwoFetches(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	var calls int
	c := New("contests", time.Minute, func(ctx context.Context, key string) (string, error) {
		calls++
		return "snapshot", nil
	}, WithBlocking[string](), WithClock[string](clock))

	ctx := context.Background()
	if _, err := c.Get(ctx, "all"); err != nil { // t=0: miss, fetch
		t.Fatalf("t=0: %v", err)
	}
	now = now.Add(30 * time.Second)
	if _, err := c.Get(ctx, "all"); err != nil { // t=30: fresh, no fetch
		t.Fatalf("t=30: %v", err)
	}
	now = now.Add(60 * time.Second)
	if _, err := c.Get(ctx, "all"); err != nil { // t=90: stale, fetch
		t.Fatalf("t=90: %v", err)
	}

	if calls != 2 {
		t.Fatalf("expected exactly 2 fetches, got %d", calls)
	}
}

func TestServeStaleReturnsOldValueImmediately(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	var value atomic.Int64
	c := New("test", time.Minute, func(ctx context.Context, key string) (int64, error) {
		return value.Add(1), nil
	}, WithClock[int64](clock))

	ctx := context.Background()
	v, err := c.Get(ctx, "k")
	if err != nil || v != 1 {
		t.Fatalf("initial get: v=%d err=%v", v, err)
	}

	now = now.Add(2 * time.Minute)
	v, err = c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("stale get: %v", err)
	}
	if v != 1 {
		t.Fatalf("stale get should serve previous value, got %d", v)
	}

	// The background refresh publishes the new value.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if v, _ := c.Peek("k"); v == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background refresh never published")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRefreshFailureRetainsPreviousValue(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }

	var fail atomic.Bool
	c := New("test", time.Minute, func(ctx context.Context, key string) (string, error) {
		if fail.Load() {
			return "", errors.New("platform down")
		}
		return "good", nil
	}, WithBlocking[string](), WithClock[string](clock))

	ctx := context.Background()
	if _, err := c.Get(ctx, "k"); err != nil {
		t.Fatalf("warm get: %v", err)
	}

	fail.Store(true)
	now = now.Add(2 * time.Minute)
	v, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("stale get with failing refresh should fall back, got %v", err)
	}
	if v != "good" {
		t.Fatalf("expected retained value, got %q", v)
	}
}

func TestColdGetSurfacesFetchError(t *testing.T) {
	wantErr := errors.New("platform down")
	c := New("test", time.Minute, func(ctx context.Context, key string) (string, error) {
		return "", wantErr
	})
	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, wantErr) {
		t.Fatalf("expected fetch error, got %v", err)
	}
}

func TestInvalidateForcesSynchronousRefresh(t *testing.T) {
	var calls int
	c := New("test", time.Hour, func(ctx context.Context, key string) (int, error) {
		calls++
		return calls, nil
	})

	ctx := context.Background()
	if v, _ := c.Get(ctx, "k"); v != 1 {
		t.Fatalf("expected first fetch")
	}
	c.Invalidate("k")
	v, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if v != 2 || calls != 2 {
		t.Fatalf("expected synchronous refetch, v=%d calls=%d", v, calls)
	}
}
