// ratelimit.go implements the request scheduler for the Aster futures API.
//
// The venue enforces two per-minute budgets: request weight and order
// count, both measured over a sliding 60-second window. Every REST call
// is funneled through the RateLimiter: callers submit a weighted request
// with a priority, the dispatcher admits requests oldest-first within
// priority as long as both windows have room, and a circuit breaker
// halts non-critical traffic after a 429/418.
//
// A slice of each budget (reserve_percent) is held back for CRITICAL
// requests so protective orders can always dispatch even when routine
// polling has saturated the window.
package exchange

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"aster-hunter/internal/config"
	"aster-hunter/internal/events"
	"aster-hunter/internal/metrics"
	"aster-hunter/pkg/types"
)

const (
	dispatchTick    = 100 * time.Millisecond
	dispatchPause   = 50 * time.Millisecond
	cleanupInterval = 5 * time.Second
	windowSize      = time.Minute
	// Header-reported usage is authoritative only briefly; after this the
	// locally computed window takes over again.
	headerFreshness = 5 * time.Second
	maxBackoffSec   = 16
	highUsagePct    = 80
	highUsageEvery  = 10 * time.Second
	// On shutdown, queued CRITICAL requests (protective orders, cancels)
	// still go out within this window; everything else is failed.
	drainTimeout = 5 * time.Second
)

// RequestFunc performs the actual HTTP call once the scheduler admits it.
type RequestFunc func(ctx context.Context) (interface{}, error)

// Request describes one REST call to be scheduled.
type Request struct {
	Name     string // endpoint name for logs and metrics
	Weight   int    // request weight cost, defaults to 1
	Orders   int    // order-count cost, 0 for non-order endpoints
	Priority types.Priority
	// DedupKey, when non-empty, coalesces identical requests submitted
	// within the dedup window onto a single in-flight call.
	DedupKey string
	Do       RequestFunc
}

type usageRecord struct {
	at     time.Time
	weight int
	orders int
}

type headerUsage struct {
	val int
	at  time.Time
}

// sharedCall is one in-flight request that deduplicated submitters wait on.
type sharedCall struct {
	created time.Time
	done    chan struct{}
	result  interface{}
	err     error
}

type queueItem struct {
	req      Request
	seq      uint64
	enqueued time.Time
	deadline time.Time
	ctx      context.Context
	call     *sharedCall // nil when not deduplicated

	mu       sync.Mutex
	finished bool
	done     chan struct{}
	result   interface{}
	err      error
}

func (it *queueItem) complete(result interface{}, err error) {
	it.mu.Lock()
	if it.finished {
		it.mu.Unlock()
		return
	}
	it.finished = true
	it.result = result
	it.err = err
	it.mu.Unlock()
	close(it.done)

	if it.call != nil {
		it.call.result = result
		it.call.err = err
		close(it.call.done)
	}
}

// requestQueue is a priority heap: lower Priority value first, FIFO
// within the same priority via seq.
type requestQueue []*queueItem

func (q requestQueue) Len() int { return len(q) }
func (q requestQueue) Less(i, j int) bool {
	if q[i].req.Priority != q[j].req.Priority {
		return q[i].req.Priority < q[j].req.Priority
	}
	return q[i].seq < q[j].seq
}
func (q requestQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *requestQueue) Push(x interface{}) {
	*q = append(*q, x.(*queueItem))
}
func (q *requestQueue) Pop() interface{} {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}

// RateLimiter schedules all REST traffic against the venue's sliding
// per-minute weight and order budgets.
type RateLimiter struct {
	cfg    config.RateLimitConfig
	bus    *events.Bus
	logger *slog.Logger
	now    func() time.Time // injectable for tests

	mu            sync.Mutex
	queue         requestQueue
	seq           uint64
	records       []usageRecord
	headerWeight  headerUsage
	headerOrders  headerUsage
	inFlight      int
	inflightCalls map[string]*sharedCall

	// circuit breaker
	breakerOpen   bool
	failures      int
	openUntil     time.Time
	lastHighUsage time.Time

	notify chan struct{}
}

// NewRateLimiter creates a scheduler with the given budgets. Run must be
// started before Submit will make progress.
func NewRateLimiter(cfg config.RateLimitConfig, bus *events.Bus, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		cfg:           cfg,
		bus:           bus,
		logger:        logger.With("component", "ratelimit"),
		now:           time.Now,
		inflightCalls: make(map[string]*sharedCall),
		notify:        make(chan struct{}, 1),
	}
}

// Run drives the dispatcher until ctx is cancelled. Queued requests are
// failed with the context error on shutdown.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(dispatchTick)
	defer ticker.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	rl.logger.Info("dispatcher started",
		"max_weight", rl.cfg.MaxWeightPerMin,
		"max_orders", rl.cfg.MaxOrdersPerMin,
		"reserve_percent", rl.cfg.ReservePercent)

	for {
		select {
		case <-ctx.Done():
			rl.drain(ctx.Err())
			return
		case <-ticker.C:
			rl.dispatch(ctx)
		case <-rl.notify:
			rl.dispatch(ctx)
		case <-cleanup.C:
			rl.mu.Lock()
			rl.trimLocked(rl.now())
			rl.mu.Unlock()
		}
	}
}

// Submit enqueues a request and blocks until it completes, times out in
// the queue, or ctx is cancelled. Requests whose weight can never fit the
// window are rejected synchronously.
func (rl *RateLimiter) Submit(ctx context.Context, req Request) (interface{}, error) {
	if req.Weight <= 0 {
		req.Weight = 1
	}
	if req.Weight > rl.cfg.MaxWeightPerMin {
		return nil, &APIError{
			Kind:    KindValidation,
			Message: fmt.Sprintf("request weight %d exceeds window budget %d", req.Weight, rl.cfg.MaxWeightPerMin),
		}
	}

	now := rl.now()

	var call *sharedCall
	if req.DedupKey != "" && rl.cfg.DedupWindow > 0 {
		rl.mu.Lock()
		if existing, ok := rl.inflightCalls[req.DedupKey]; ok && now.Sub(existing.created) < rl.cfg.DedupWindow {
			rl.mu.Unlock()
			metrics.RequestsDeduplicated.Inc()
			select {
			case <-existing.done:
				return existing.result, existing.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		call = &sharedCall{created: now, done: make(chan struct{})}
		rl.inflightCalls[req.DedupKey] = call
		rl.mu.Unlock()
	}

	item := &queueItem{
		req:      req,
		enqueued: now,
		deadline: now.Add(rl.cfg.QueueTimeout),
		ctx:      ctx,
		call:     call,
		done:     make(chan struct{}),
	}

	rl.mu.Lock()
	rl.seq++
	item.seq = rl.seq
	heap.Push(&rl.queue, item)
	metrics.QueueDepth.WithLabelValues(req.Priority.String()).Inc()
	rl.mu.Unlock()

	select {
	case rl.notify <- struct{}{}:
	default:
	}

	select {
	case <-item.done:
		return item.result, item.err
	case <-ctx.Done():
		// The dispatcher observes the dead ctx and discards the item.
		item.complete(nil, ctx.Err())
		return nil, ctx.Err()
	}
}

// HarvestHeaders records usage counters echoed by the venue in response
// headers. Pass -1 for a header that was absent.
func (rl *RateLimiter) HarvestHeaders(usedWeight, orderCount int) {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if usedWeight >= 0 {
		rl.headerWeight = headerUsage{val: usedWeight, at: now}
	}
	if orderCount >= 0 {
		rl.headerOrders = headerUsage{val: orderCount, at: now}
	}
}

// Usage returns current window consumption as percentages of budget.
func (rl *RateLimiter) Usage() (weightPct, orderPct float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	rl.trimLocked(now)
	w, o := rl.usedLocked(now)
	return 100 * float64(w) / float64(rl.cfg.MaxWeightPerMin),
		100 * float64(o) / float64(rl.cfg.MaxOrdersPerMin)
}

// BreakerOpen reports whether the circuit breaker is currently open.
func (rl *RateLimiter) BreakerOpen() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.breakerOpen && rl.now().Before(rl.openUntil)
}

// ---- dispatcher internals ----

func (rl *RateLimiter) dispatch(ctx context.Context) {
	for {
		launched, more := rl.dispatchOne(ctx)
		if !launched {
			return
		}
		if !more {
			return
		}
		// Smooth bursts: brief pause between dispatches while the queue
		// is non-empty.
		select {
		case <-ctx.Done():
			return
		case <-time.After(dispatchPause):
		}
	}
}

// dispatchOne admits at most one request. Returns whether a request was
// launched and whether more are queued.
func (rl *RateLimiter) dispatchOne(ctx context.Context) (launched, more bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.trimLocked(now)

	// Breaker auto-reset after the backoff interval.
	if rl.breakerOpen && !now.Before(rl.openUntil) {
		rl.breakerOpen = false
		rl.failures = 0
		metrics.CircuitBreakerOpen.Set(0)
		rl.logger.Info("circuit breaker reset")
		rl.emit(events.RateLimitEvent{State: "circuitBreakerReset"})
	}

	for len(rl.queue) > 0 {
		head := rl.queue[0]

		if head.ctx.Err() != nil {
			rl.popHeadLocked()
			continue
		}
		if now.After(head.deadline) {
			rl.popHeadLocked()
			head.complete(nil, &APIError{
				Kind:    KindTransport,
				Message: fmt.Sprintf("request %q timed out in queue after %s", head.req.Name, rl.cfg.QueueTimeout),
			})
			metrics.RequestsDispatched.WithLabelValues(head.req.Priority.String(), "queue_timeout").Inc()
			continue
		}

		if rl.inFlight >= rl.cfg.MaxConcurrent {
			return false, true
		}
		// While the breaker is open only CRITICAL requests pass. The head
		// is the highest-priority item, so nothing behind it can pass
		// either.
		if rl.breakerOpen && head.req.Priority != types.PriorityCritical {
			return false, true
		}
		if !rl.admissibleLocked(now, head.req) {
			rl.maybeEmitHighUsageLocked(now)
			return false, true
		}

		rl.popHeadLocked()
		rl.records = append(rl.records, usageRecord{at: now, weight: head.req.Weight, orders: head.req.Orders})
		rl.inFlight++
		rl.updateUsageMetricsLocked(now)
		go rl.execute(head)
		return true, len(rl.queue) > 0
	}
	return false, false
}

func (rl *RateLimiter) popHeadLocked() {
	it := heap.Pop(&rl.queue).(*queueItem)
	metrics.QueueDepth.WithLabelValues(it.req.Priority.String()).Dec()
}

// admissibleLocked checks both windows against the priority's budget.
// CRITICAL requests see the full budget; everything else leaves the
// reserve untouched.
func (rl *RateLimiter) admissibleLocked(now time.Time, req Request) bool {
	usedW, usedO := rl.usedLocked(now)

	budgetW := rl.cfg.MaxWeightPerMin
	budgetO := rl.cfg.MaxOrdersPerMin
	if req.Priority != types.PriorityCritical {
		budgetW -= int(float64(budgetW) * rl.cfg.ReservePercent / 100)
		budgetO -= int(float64(budgetO) * rl.cfg.ReservePercent / 100)
	}
	if usedW+req.Weight > budgetW {
		return false
	}
	if req.Orders > 0 && usedO+req.Orders > budgetO {
		return false
	}
	return true
}

// usedLocked returns window consumption. Header-reported values override
// the local tally while fresh, plus anything dispatched after the header
// was observed (the venue has not counted those yet).
func (rl *RateLimiter) usedLocked(now time.Time) (weight, orders int) {
	var localW, localO int
	for _, r := range rl.records {
		localW += r.weight
		localO += r.orders
	}
	weight, orders = localW, localO

	if now.Sub(rl.headerWeight.at) < headerFreshness {
		w := rl.headerWeight.val
		for _, r := range rl.records {
			if r.at.After(rl.headerWeight.at) {
				w += r.weight
			}
		}
		weight = w
	}
	if now.Sub(rl.headerOrders.at) < headerFreshness {
		o := rl.headerOrders.val
		for _, r := range rl.records {
			if r.at.After(rl.headerOrders.at) {
				o += r.orders
			}
		}
		orders = o
	}
	return weight, orders
}

func (rl *RateLimiter) trimLocked(now time.Time) {
	cutoff := now.Add(-windowSize)
	keep := rl.records[:0]
	for _, r := range rl.records {
		if r.at.After(cutoff) {
			keep = append(keep, r)
		}
	}
	rl.records = keep

	for key, call := range rl.inflightCalls {
		select {
		case <-call.done:
			if now.Sub(call.created) >= rl.cfg.DedupWindow {
				delete(rl.inflightCalls, key)
			}
		default:
		}
	}
}

func (rl *RateLimiter) updateUsageMetricsLocked(now time.Time) {
	w, o := rl.usedLocked(now)
	metrics.WeightUsed.Set(float64(w))
	metrics.OrdersUsed.Set(float64(o))
}

func (rl *RateLimiter) maybeEmitHighUsageLocked(now time.Time) {
	if now.Sub(rl.lastHighUsage) < highUsageEvery {
		return
	}
	w, o := rl.usedLocked(now)
	wPct := 100 * float64(w) / float64(rl.cfg.MaxWeightPerMin)
	oPct := 100 * float64(o) / float64(rl.cfg.MaxOrdersPerMin)
	if wPct < highUsagePct && oPct < highUsagePct {
		return
	}
	rl.lastHighUsage = now
	rl.logger.Warn("rate limit usage high", "weight_pct", wPct, "order_pct", oPct)
	rl.emit(events.RateLimitEvent{State: "highUsage", WeightPercent: wPct, OrderPercent: oPct})
}

func (rl *RateLimiter) execute(item *queueItem) {
	result, err := item.req.Do(item.ctx)

	rl.mu.Lock()
	rl.inFlight--
	now := rl.now()
	outcome := "ok"
	switch {
	case err != nil && IsRateLimited(err):
		outcome = "rate_limited"
		rl.failures++
		backoffSec := 1 << rl.failures
		if backoffSec > maxBackoffSec {
			backoffSec = maxBackoffSec
		}
		backoff := time.Duration(backoffSec) * time.Second
		rl.breakerOpen = true
		rl.openUntil = now.Add(backoff)
		metrics.CircuitBreakerOpen.Set(1)
		rl.logger.Warn("venue rate limit hit, breaker open",
			"request", item.req.Name, "failures", rl.failures, "backoff", backoff)
		rl.emit(events.RateLimitEvent{
			State:        "rateLimitExceeded",
			Backoff:      backoff,
			FailureCount: rl.failures,
		})
	case err != nil:
		outcome = "error"
	default:
		// Any success clears the 429 counter.
		rl.failures = 0
	}
	metrics.RequestsDispatched.WithLabelValues(item.req.Priority.String(), outcome).Inc()
	rl.mu.Unlock()

	item.complete(result, err)

	select {
	case rl.notify <- struct{}{}:
	default:
	}
}

// drain empties the queue on shutdown. CRITICAL requests are a stop-loss
// or a cancel the account still needs; those execute synchronously
// within drainTimeout rather than being dropped with the rest.
func (rl *RateLimiter) drain(cause error) {
	rl.mu.Lock()
	items := make([]*queueItem, 0, len(rl.queue))
	for len(rl.queue) > 0 {
		items = append(items, heap.Pop(&rl.queue).(*queueItem))
	}
	rl.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for _, it := range items {
		metrics.QueueDepth.WithLabelValues(it.req.Priority.String()).Dec()
		if it.req.Priority == types.PriorityCritical && it.ctx.Err() == nil && ctx.Err() == nil {
			rl.logger.Info("flushing critical request on shutdown", "request", it.req.Name)
			result, err := it.req.Do(ctx)
			it.complete(result, err)
			continue
		}
		it.complete(nil, &APIError{Kind: KindInternal, Message: fmt.Sprintf("scheduler stopped: %v", cause)})
	}
}

func (rl *RateLimiter) emit(evt events.RateLimitEvent) {
	if rl.bus != nil {
		rl.bus.Emit(events.TypeRateLimit, evt)
	}
}
