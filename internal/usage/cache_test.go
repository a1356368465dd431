// internal/usage/cache_test.go
package usage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCacheFreshHitSkipsRecompute(t *testing.T) {
	var calls atomic.Int32
	c := NewCache(30*time.Second, func(_ context.Context, _, _ int64) (*Summary, error) {
		calls.Add(1)
		return &Summary{Runs: int(calls.Load())}, nil
	})

	first, err := c.Summary(context.Background(), 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	second, err := c.Summary(context.Background(), 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Errorf("compute called %d times, want 1", calls.Load())
	}
	if first != second {
		t.Error("fresh hit should return the cached summary")
	}
}

func TestCacheExpiryRecomputes(t *testing.T) {
	var calls atomic.Int32
	c := NewCache(30*time.Second, func(_ context.Context, _, _ int64) (*Summary, error) {
		calls.Add(1)
		return &Summary{}, nil
	})
	now := time.Now()
	c.now = func() time.Time { return now }

	if _, err := c.Summary(context.Background(), 0, 1000); err != nil {
		t.Fatal(err)
	}
	now = now.Add(31 * time.Second)
	if _, err := c.Summary(context.Background(), 0, 1000); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("compute called %d times, want 2", calls.Load())
	}
}

func TestCacheDistinctRangesAreDistinctKeys(t *testing.T) {
	var calls atomic.Int32
	c := NewCache(30*time.Second, func(_ context.Context, _, _ int64) (*Summary, error) {
		calls.Add(1)
		return &Summary{}, nil
	})

	c.Summary(context.Background(), 0, 1000)
	c.Summary(context.Background(), 0, 2000)
	if calls.Load() != 2 {
		t.Errorf("compute called %d times, want 2", calls.Load())
	}
}

func TestCacheConcurrentRequestsSingleFlight(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	c := NewCache(30*time.Second, func(_ context.Context, _, _ int64) (*Summary, error) {
		calls.Add(1)
		<-release
		return &Summary{Runs: 7}, nil
	})

	var wg sync.WaitGroup
	results := make([]*Summary, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := c.Summary(context.Background(), 0, 1000)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = s
		}(i)
	}

	// Let both callers reach the flight before releasing the computation.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("concurrent identical ranges triggered %d computations, want 1", calls.Load())
	}
	if results[0] == nil || results[0] != results[1] {
		t.Error("concurrent callers should observe the same computation")
	}
}

func TestCacheStaleFallbackOnFailure(t *testing.T) {
	var fail atomic.Bool
	c := NewCache(30*time.Second, func(_ context.Context, _, _ int64) (*Summary, error) {
		if fail.Load() {
			return nil, errors.New("transcripts unreadable")
		}
		return &Summary{Runs: 42}, nil
	})
	now := time.Now()
	c.now = func() time.Time { return now }

	if _, err := c.Summary(context.Background(), 0, 1000); err != nil {
		t.Fatal(err)
	}

	fail.Store(true)
	now = now.Add(time.Minute)

	stale, err := c.Summary(context.Background(), 0, 1000)
	if err != nil {
		t.Fatalf("stale value should mask the failure: %v", err)
	}
	if stale.Runs != 42 {
		t.Errorf("expected the previous summary, got %+v", stale)
	}

	// No prior value for a different range: the error propagates.
	if _, err := c.Summary(context.Background(), 5000, 6000); err == nil {
		t.Error("expected error when no stale value exists for the range")
	}
}
