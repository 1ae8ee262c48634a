package exchange

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aster-hunter/internal/config"
	"aster-hunter/pkg/types"
)

func testRateLimitConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		MaxWeightPerMin: 2400,
		MaxOrdersPerMin: 1200,
		ReservePercent:  30,
		QueueTimeout:    30 * time.Second,
		DedupWindow:     time.Second,
		MaxConcurrent:   3,
	}
}

func newTestLimiter(cfg config.RateLimitConfig) *RateLimiter {
	return NewRateLimiter(cfg, nil, slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError})))
}

// testWriter discards log output.
type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

// fakeClock is a settable time source for scheduler tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestSubmitRejectsOverweightSynchronously(t *testing.T) {
	t.Parallel()
	cfg := testRateLimitConfig()
	cfg.MaxWeightPerMin = 100
	rl := newTestLimiter(cfg)

	// No dispatcher running: the rejection must not need one.
	_, err := rl.Submit(context.Background(), Request{
		Name:   "account",
		Weight: 101,
		Do: func(ctx context.Context) (interface{}, error) {
			t.Error("overweight request must not execute")
			return nil, nil
		},
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindValidation {
		t.Fatalf("want VALIDATION error, got %v", err)
	}
}

func TestCriticalDispatchesBeforeLowerPriority(t *testing.T) {
	t.Parallel()
	cfg := testRateLimitConfig()
	cfg.MaxConcurrent = 1
	rl := newTestLimiter(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rl.Run(ctx)

	gate := make(chan struct{})
	var order []string
	var orderMu sync.Mutex
	record := func(name string) {
		orderMu.Lock()
		order = append(order, name)
		orderMu.Unlock()
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		rl.Submit(ctx, Request{Name: "blocker", Priority: types.PriorityHigh, Do: func(ctx context.Context) (interface{}, error) {
			<-gate
			return nil, nil
		}})
	}()

	// Wait until the blocker occupies the single concurrency slot.
	waitFor(t, func() bool {
		rl.mu.Lock()
		defer rl.mu.Unlock()
		return rl.inFlight == 1
	})

	wg.Add(2)
	go func() {
		defer wg.Done()
		rl.Submit(ctx, Request{Name: "low", Priority: types.PriorityLow, Do: func(ctx context.Context) (interface{}, error) {
			record("low")
			return nil, nil
		}})
	}()
	// Give the LOW request time to land in the queue first.
	waitFor(t, func() bool {
		rl.mu.Lock()
		defer rl.mu.Unlock()
		return len(rl.queue) == 1
	})
	go func() {
		defer wg.Done()
		rl.Submit(ctx, Request{Name: "critical", Priority: types.PriorityCritical, Do: func(ctx context.Context) (interface{}, error) {
			record("critical")
			return nil, nil
		}})
	}()
	waitFor(t, func() bool {
		rl.mu.Lock()
		defer rl.mu.Unlock()
		return len(rl.queue) == 2
	})

	close(gate)
	wg.Wait()

	orderMu.Lock()
	defer orderMu.Unlock()
	if len(order) != 2 || order[0] != "critical" || order[1] != "low" {
		t.Fatalf("dispatch order = %v, want [critical low]", order)
	}
}

func TestDedupCoalescesIdenticalRequests(t *testing.T) {
	t.Parallel()
	rl := newTestLimiter(testRateLimitConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rl.Run(ctx)

	var calls int32
	const submitters = 5
	results := make(chan interface{}, submitters)

	var wg sync.WaitGroup
	for i := 0; i < submitters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := rl.Submit(ctx, Request{
				Name:     "positionRisk",
				Weight:   5,
				Priority: types.PriorityHigh,
				DedupKey: "positionRisk",
				Do: func(ctx context.Context) (interface{}, error) {
					atomic.AddInt32(&calls, 1)
					// Hold the call open so the remaining submitters
					// arrive while it is in flight.
					time.Sleep(100 * time.Millisecond)
					return "snapshot", nil
				},
			})
			if err != nil {
				t.Errorf("Submit: %v", err)
				return
			}
			results <- res
		}()
		// Stagger so the first submit registers before the rest arrive.
		time.Sleep(5 * time.Millisecond)
	}
	wg.Wait()
	close(results)

	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Errorf("underlying call executed %d times, want 1", n)
	}
	for res := range results {
		if res != "snapshot" {
			t.Errorf("coalesced result = %v, want snapshot", res)
		}
	}
}

func TestCircuitBreakerOpensOnRateLimitAndSparesCritical(t *testing.T) {
	t.Parallel()
	rl := newTestLimiter(testRateLimitConfig())
	clock := newFakeClock()
	rl.now = clock.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rl.Run(ctx)

	// A clean window, then one 429: the breaker must open for exactly
	// 2^1 seconds.
	_, err := rl.Submit(ctx, Request{Name: "openOrders", Priority: types.PriorityHigh, Do: func(ctx context.Context) (interface{}, error) {
		return nil, &APIError{Kind: KindRateLimit, HTTPStatus: 429, Message: "too many requests"}
	}})
	if !IsRateLimited(err) {
		t.Fatalf("want rate-limit error back, got %v", err)
	}
	if !rl.BreakerOpen() {
		t.Fatal("breaker should be open after 429")
	}
	rl.mu.Lock()
	backoff := rl.openUntil.Sub(clock.Now())
	failures := rl.failures
	rl.mu.Unlock()
	if backoff != 2*time.Second {
		t.Errorf("backoff = %v, want 2s", backoff)
	}
	if failures != 1 {
		t.Errorf("failures = %d, want 1", failures)
	}

	// CRITICAL traffic still dispatches while the breaker is open.
	done := make(chan struct{})
	go func() {
		rl.Submit(ctx, Request{Name: "stopLoss", Priority: types.PriorityCritical, Orders: 1, Do: func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("CRITICAL request blocked by open breaker")
	}

	// Non-critical traffic is held until the interval elapses.
	highDone := make(chan struct{})
	go func() {
		rl.Submit(ctx, Request{Name: "klines", Priority: types.PriorityMedium, Do: func(ctx context.Context) (interface{}, error) {
			return nil, nil
		}})
		close(highDone)
	}()
	select {
	case <-highDone:
		t.Fatal("non-critical request dispatched while breaker open")
	case <-time.After(300 * time.Millisecond):
	}

	// Elapse the backoff: breaker resets and the held request goes out.
	clock.Advance(3 * time.Second)
	select {
	case <-highDone:
	case <-time.After(2 * time.Second):
		t.Fatal("request not dispatched after breaker reset")
	}
	if rl.BreakerOpen() {
		t.Error("breaker still open after backoff elapsed")
	}
	rl.mu.Lock()
	failures = rl.failures
	rl.mu.Unlock()
	if failures != 0 {
		t.Errorf("failure count = %d, want 0 after reset", failures)
	}
}

func TestQueueTimeoutFailsWithoutSending(t *testing.T) {
	t.Parallel()
	cfg := testRateLimitConfig()
	cfg.MaxWeightPerMin = 100
	rl := newTestLimiter(cfg)
	clock := newFakeClock()
	rl.now = clock.Now

	// Saturate the window so nothing non-critical can dispatch.
	rl.mu.Lock()
	rl.records = append(rl.records, usageRecord{at: clock.Now(), weight: 100})
	rl.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rl.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		_, err := rl.Submit(ctx, Request{Name: "depth", Priority: types.PriorityMedium, Do: func(ctx context.Context) (interface{}, error) {
			t.Error("timed-out request must never execute")
			return nil, nil
		}})
		errCh <- err
	}()

	// Let the request enqueue, then jump past the queue timeout while the
	// usage records stay inside the 60s window.
	waitFor(t, func() bool {
		rl.mu.Lock()
		defer rl.mu.Unlock()
		return len(rl.queue) == 1
	})
	clock.Advance(31 * time.Second)

	select {
	case err := <-errCh:
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Kind != KindTransport {
			t.Fatalf("want TRANSPORT queue-timeout error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued request did not time out")
	}
}

func TestReserveHoldsBackNonCriticalBudget(t *testing.T) {
	t.Parallel()
	cfg := testRateLimitConfig()
	cfg.MaxWeightPerMin = 100
	cfg.ReservePercent = 30
	rl := newTestLimiter(cfg)
	clock := newFakeClock()
	rl.now = clock.Now

	rl.mu.Lock()
	rl.records = append(rl.records, usageRecord{at: clock.Now(), weight: 69})
	high := rl.admissibleLocked(clock.Now(), Request{Weight: 5, Priority: types.PriorityHigh})
	critical := rl.admissibleLocked(clock.Now(), Request{Weight: 5, Priority: types.PriorityCritical})
	rl.mu.Unlock()

	if high {
		t.Error("non-critical request admitted into the reserve band")
	}
	if !critical {
		t.Error("critical request must see the full budget")
	}
}

func TestHeaderUsageOverridesLocalWindow(t *testing.T) {
	t.Parallel()
	rl := newTestLimiter(testRateLimitConfig())
	clock := newFakeClock()
	rl.now = clock.Now

	rl.HarvestHeaders(1000, 50)

	rl.mu.Lock()
	w, o := rl.usedLocked(clock.Now())
	rl.mu.Unlock()
	if w != 1000 || o != 50 {
		t.Errorf("fresh header usage = (%d, %d), want (1000, 50)", w, o)
	}

	// Requests dispatched after the header snapshot still count on top.
	rl.mu.Lock()
	rl.records = append(rl.records, usageRecord{at: clock.Now().Add(time.Second), weight: 7, orders: 2})
	rl.mu.Unlock()
	clock.Advance(2 * time.Second)
	rl.mu.Lock()
	w, o = rl.usedLocked(clock.Now())
	rl.mu.Unlock()
	if w != 1007 || o != 52 {
		t.Errorf("header+delta usage = (%d, %d), want (1007, 52)", w, o)
	}

	// Stale headers fall back to the local tally.
	clock.Advance(10 * time.Second)
	rl.mu.Lock()
	w, o = rl.usedLocked(clock.Now())
	rl.mu.Unlock()
	if w != 7 || o != 2 {
		t.Errorf("stale-header usage = (%d, %d), want (7, 2)", w, o)
	}
}

func TestShutdownFlushesCriticalAndFailsTheRest(t *testing.T) {
	t.Parallel()
	rl := newTestLimiter(testRateLimitConfig())

	// Queue before the dispatcher runs: Submit only enqueues, Run is the
	// sole dispatcher.
	var criticalSent int32
	criticalErr := make(chan error, 1)
	lowErr := make(chan error, 1)
	go func() {
		_, err := rl.Submit(context.Background(), Request{
			Name:     "stopLoss",
			Priority: types.PriorityCritical,
			Orders:   1,
			Do: func(ctx context.Context) (interface{}, error) {
				atomic.AddInt32(&criticalSent, 1)
				return nil, nil
			},
		})
		criticalErr <- err
	}()
	go func() {
		_, err := rl.Submit(context.Background(), Request{
			Name:     "klines",
			Priority: types.PriorityLow,
			Do: func(ctx context.Context) (interface{}, error) {
				t.Error("non-critical request must not execute during drain")
				return nil, nil
			},
		})
		lowErr <- err
	}()
	waitFor(t, func() bool {
		rl.mu.Lock()
		defer rl.mu.Unlock()
		return len(rl.queue) == 2
	})

	// Shutdown path: Run invokes this when its context dies.
	rl.drain(context.Canceled)

	select {
	case err := <-criticalErr:
		if err != nil {
			t.Errorf("critical request failed during drain: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("critical request not completed by drain")
	}
	if n := atomic.LoadInt32(&criticalSent); n != 1 {
		t.Errorf("critical request executed %d times, want 1", n)
	}

	select {
	case err := <-lowErr:
		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.Kind != KindInternal {
			t.Errorf("low-priority drain error = %v, want INTERNAL", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("low-priority request not failed by drain")
	}
}

// waitFor polls cond until it holds or the test deadline approaches.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}
