package jobs

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"cardsync/internal/breaker"
	"cardsync/internal/catalog"
	"cardsync/internal/pricing"
)

// ---- fakes ----

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeQueue struct {
	entries   []*QueueEntry
	completed map[uint64]string
	messages  map[uint64]string
}

func newFakeQueue(games ...string) *fakeQueue {
	q := &fakeQueue{completed: map[uint64]string{}, messages: map[uint64]string{}}
	for i, g := range games {
		q.entries = append(q.entries, &QueueEntry{ID: uint64(i + 1), GameCode: g, Status: QueueStatusQueued})
	}
	return q
}

func (q *fakeQueue) DequeueNext(ctx context.Context) (*QueueEntry, error) {
	for _, e := range q.entries {
		if e.Status == QueueStatusQueued {
			e.Status = QueueStatusRunning
			return e, nil
		}
	}
	return nil, nil
}

func (q *fakeQueue) Complete(ctx context.Context, id uint64, status string, errMsg string) error {
	q.completed[id] = status
	q.messages[id] = errMsg
	return nil
}

type progress struct {
	actual    int
	processed int
	updated   int
}

type fakeRuns struct {
	nextID      uint64
	expected    map[uint64]int
	history     map[uint64][]progress
	finished    map[uint64]string
	finishedErr map[uint64]string
	finishCount map[uint64]int

	// cancelWhenActual >= 0 makes IsCancelled true once that many batches
	// have been checkpointed.
	cancelWhenActual int
}

func newFakeRuns() *fakeRuns {
	return &fakeRuns{
		expected:         map[uint64]int{},
		history:          map[uint64][]progress{},
		finished:         map[uint64]string{},
		finishedErr:      map[uint64]string{},
		finishCount:      map[uint64]int{},
		cancelWhenActual: -1,
	}
}

func (r *fakeRuns) StartRun(ctx context.Context, game string, expectedBatches int) (uint64, error) {
	r.nextID++
	r.expected[r.nextID] = expectedBatches
	return r.nextID, nil
}

func (r *fakeRuns) RecordProgress(ctx context.Context, runID uint64, actual, processed, updated int) error {
	r.history[runID] = append(r.history[runID], progress{actual, processed, updated})
	return nil
}

func (r *fakeRuns) FinishRun(ctx context.Context, runID uint64, status string, errMsg string) error {
	r.finishCount[runID]++
	if _, done := r.finished[runID]; done {
		return nil
	}
	r.finished[runID] = status
	r.finishedErr[runID] = errMsg
	return nil
}

func (r *fakeRuns) IsCancelled(ctx context.Context, runID uint64) (bool, error) {
	if r.cancelWhenActual < 0 {
		return false, nil
	}
	hist := r.history[runID]
	return len(hist) > 0 && hist[len(hist)-1].actual >= r.cancelWhenActual, nil
}

func (r *fakeRuns) last(runID uint64) progress {
	hist := r.history[runID]
	if len(hist) == 0 {
		return progress{}
	}
	return hist[len(hist)-1]
}

type fakeCatalog struct {
	variants []catalog.Variant
	snaps    []catalog.PriceSnapshot
}

func (c *fakeCatalog) StaleVariants(ctx context.Context, game string, olderThan time.Time, limit int) ([]catalog.Variant, error) {
	if len(c.variants) > limit {
		return c.variants[:limit], nil
	}
	return c.variants, nil
}

func (c *fakeCatalog) RecordPrice(ctx context.Context, snap catalog.PriceSnapshot) error {
	c.snaps = append(c.snaps, snap)
	return nil
}

type fakeLedger struct {
	failures map[uint64]int
	resolved map[uint64]int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{failures: map[uint64]int{}, resolved: map[uint64]int{}}
}

func (l *fakeLedger) RegisterFailure(ctx context.Context, game string, variantID uint64, errMsg string) error {
	l.failures[variantID]++
	return nil
}

func (l *fakeLedger) Resolve(ctx context.Context, game string, variantID uint64) error {
	l.resolved[variantID]++
	return nil
}

type fakeBreaker struct {
	allow   bool
	state   breaker.State
	results []bool
}

func (b *fakeBreaker) CanProceed(ctx context.Context, game string) (bool, breaker.State, error) {
	return b.allow, b.state, nil
}

func (b *fakeBreaker) RecordResult(ctx context.Context, game string, success bool) error {
	b.results = append(b.results, success)
	return nil
}

type fakeLimiter struct{ acquires int }

func (l *fakeLimiter) Acquire(ctx context.Context) error {
	l.acquires++
	return nil
}

type fakeFetcher struct {
	calls int
	fn    func(call int, ids []string) ([]pricing.Price, error)
}

func (f *fakeFetcher) FetchPrices(ctx context.Context, game string, ids []string) ([]pricing.Price, error) {
	f.calls++
	return f.fn(f.calls, ids)
}

func pricesFor(ids []string) []pricing.Price {
	out := make([]pricing.Price, 0, len(ids))
	for _, id := range ids {
		v := 1.0
		out = append(out, pricing.Price{ExternalID: id, Market: &v, Currency: "USD"})
	}
	return out
}

func makeVariants(n int) []catalog.Variant {
	out := make([]catalog.Variant, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, catalog.Variant{
			ID:         uint64(i),
			GameCode:   "mtg",
			ExternalID: fmt.Sprintf("sku-%d", i),
			Printing:   "Normal",
		})
	}
	return out
}

func newTestProcessor(cat *fakeCatalog, runs *fakeRuns, q *fakeQueue, f *fakeFetcher, br *fakeBreaker, led *fakeLedger, clk *fakeClock) *Processor {
	return &Processor{
		Queue:   q,
		Runs:    runs,
		Catalog: cat,
		Ledger:  led,
		Breaker: br,
		Limiter: &fakeLimiter{},
		Fetcher: f,

		BatchSize:        20,
		TimeBudget:       time.Hour,
		InterBatchDelay:  0,
		StalenessWindow:  time.Hour,
		MaxBatchesPerRun: 200,

		Now:       clk.Now,
		SleepFunc: func(ctx context.Context, d time.Duration) error { return nil },
	}
}

// ---- tests ----

func TestProcessorHappyPath(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cat := &fakeCatalog{variants: makeVariants(45)}
	runs := newFakeRuns()
	q := newFakeQueue("mtg")
	br := &fakeBreaker{allow: true, state: breaker.StateClosed}
	led := newFakeLedger()
	f := &fakeFetcher{fn: func(call int, ids []string) ([]pricing.Price, error) {
		return pricesFor(ids), nil
	}}

	p := newTestProcessor(cat, runs, q, f, br, led, clk)

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.ExpectedBatches != 3 || res.ActualBatches != 3 {
		t.Fatalf("batches = %d/%d, want 3/3", res.ActualBatches, res.ExpectedBatches)
	}
	if res.ItemsProcessed != 45 || res.ItemsUpdated != 45 {
		t.Fatalf("items = %d processed / %d updated, want 45/45", res.ItemsProcessed, res.ItemsUpdated)
	}
	if len(cat.snaps) != 45 {
		t.Fatalf("snapshots = %d, want 45", len(cat.snaps))
	}
	if q.completed[1] != QueueStatusCompleted {
		t.Fatalf("queue entry = %s, want completed", q.completed[1])
	}
}

func TestProcessorEmptyWorkSet(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	cat := &fakeCatalog{}
	runs := newFakeRuns()
	q := newFakeQueue("mtg")
	br := &fakeBreaker{allow: true, state: breaker.StateClosed}
	f := &fakeFetcher{fn: func(int, []string) ([]pricing.Price, error) {
		t.Fatal("fetcher must not be called for an empty work set")
		return nil, nil
	}}

	p := newTestProcessor(cat, runs, q, f, br, newFakeLedger(), clk)

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Status != RunStatusCompleted || res.ExpectedBatches != 0 || res.ActualBatches != 0 {
		t.Fatalf("got status=%s batches=%d/%d, want completed 0/0",
			res.Status, res.ActualBatches, res.ExpectedBatches)
	}
}

func TestProcessorSubBatchWorkSetIsOneBatch(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	cat := &fakeCatalog{variants: makeVariants(7)}
	runs := newFakeRuns()
	q := newFakeQueue("mtg")
	br := &fakeBreaker{allow: true, state: breaker.StateClosed}
	f := &fakeFetcher{fn: func(call int, ids []string) ([]pricing.Price, error) {
		if len(ids) != 7 {
			t.Fatalf("batch size = %d, want 7", len(ids))
		}
		return pricesFor(ids), nil
	}}

	p := newTestProcessor(cat, runs, q, f, br, newFakeLedger(), clk)

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.ExpectedBatches != 1 || res.ActualBatches != 1 {
		t.Fatalf("batches = %d/%d, want 1/1", res.ActualBatches, res.ExpectedBatches)
	}
}

func TestProcessorFatalAuthFailure(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	cat := &fakeCatalog{variants: makeVariants(45)}
	runs := newFakeRuns()
	q := newFakeQueue("mtg")
	br := &fakeBreaker{allow: true, state: breaker.StateClosed}
	led := newFakeLedger()
	f := &fakeFetcher{fn: func(int, []string) ([]pricing.Price, error) {
		return nil, fmt.Errorf("%w (http 401)", pricing.ErrAuthFailed)
	}}

	p := newTestProcessor(cat, runs, q, f, br, led, clk)

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Status != RunStatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if f.calls != 1 {
		t.Fatalf("fetch attempts = %d, want exactly 1", f.calls)
	}
	if res.ActualBatches != 0 {
		t.Fatalf("actual_batches = %d, want 0", res.ActualBatches)
	}
	if len(led.failures) != 0 {
		t.Fatalf("ledger entries = %d, want 0 on fatal credential failure", len(led.failures))
	}
	if q.completed[1] != QueueStatusFailed {
		t.Fatalf("queue entry = %s, want failed", q.completed[1])
	}
}

func TestProcessorCancellationBetweenBatches(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	cat := &fakeCatalog{variants: makeVariants(100)} // 5 batches of 20
	runs := newFakeRuns()
	runs.cancelWhenActual = 1
	q := newFakeQueue("mtg")
	br := &fakeBreaker{allow: true, state: breaker.StateClosed}
	f := &fakeFetcher{fn: func(call int, ids []string) ([]pricing.Price, error) {
		return pricesFor(ids), nil
	}}

	p := newTestProcessor(cat, runs, q, f, br, newFakeLedger(), clk)

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Status != RunStatusCancelled {
		t.Fatalf("status = %s, want cancelled", res.Status)
	}
	if res.ExpectedBatches != 5 || res.ActualBatches != 1 {
		t.Fatalf("batches = %d/%d, want 1/5", res.ActualBatches, res.ExpectedBatches)
	}
	if f.calls != 1 {
		t.Fatalf("fetch calls = %d, want 1 (batch 2 never issued)", f.calls)
	}
}

func TestProcessorTimeBudgetPreflightCeiling(t *testing.T) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	cat := &fakeCatalog{variants: makeVariants(100)} // 5 batches
	runs := newFakeRuns()
	q := newFakeQueue("mtg")
	br := &fakeBreaker{allow: true, state: breaker.StateClosed}

	batchDur := 10 * time.Second
	f := &fakeFetcher{fn: func(call int, ids []string) ([]pricing.Price, error) {
		clk.Advance(batchDur)
		return pricesFor(ids), nil
	}}

	p := newTestProcessor(cat, runs, q, f, br, newFakeLedger(), clk)
	p.TimeBudget = 15 * time.Second

	start := clk.Now()
	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Status != RunStatusPreflightCeiling {
		t.Fatalf("status = %s, want preflight_ceiling", res.Status)
	}
	if res.ActualBatches != 2 {
		t.Fatalf("actual_batches = %d, want 2", res.ActualBatches)
	}
	// Never exceeds budget by more than one batch duration.
	if elapsed := clk.Now().Sub(start); elapsed > p.TimeBudget+batchDur {
		t.Fatalf("elapsed = %s, exceeds budget %s + one batch %s", elapsed, p.TimeBudget, batchDur)
	}
	// Unfinished variants were never stamped, so the run is resumable.
	if len(cat.snaps) != 40 {
		t.Fatalf("snapshots = %d, want 40", len(cat.snaps))
	}
}

func TestProcessorBreakerOpenHaltsRun(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	cat := &fakeCatalog{variants: makeVariants(40)}
	runs := newFakeRuns()
	q := newFakeQueue("mtg")
	br := &fakeBreaker{allow: false, state: breaker.StateOpen}
	f := &fakeFetcher{fn: func(int, []string) ([]pricing.Price, error) {
		t.Fatal("fetcher must not be called while the breaker is open")
		return nil, nil
	}}

	p := newTestProcessor(cat, runs, q, f, br, newFakeLedger(), clk)

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Status != RunStatusError {
		t.Fatalf("status = %s, want error", res.Status)
	}
	if !strings.Contains(res.Error, "circuit breaker open") {
		t.Fatalf("error = %q, want breaker-open message", res.Error)
	}
}

func TestProcessorTransientBatchFailureAdvances(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	cat := &fakeCatalog{variants: makeVariants(40)} // 2 batches
	runs := newFakeRuns()
	q := newFakeQueue("mtg")
	br := &fakeBreaker{allow: true, state: breaker.StateClosed}
	led := newFakeLedger()
	f := &fakeFetcher{fn: func(call int, ids []string) ([]pricing.Price, error) {
		if call == 1 {
			return nil, fmt.Errorf("%w: server error (http 503)", pricing.ErrUpstream)
		}
		return pricesFor(ids), nil
	}}

	p := newTestProcessor(cat, runs, q, f, br, led, clk)

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed (per-batch failure never halts the run)", res.Status)
	}
	if res.ActualBatches != 2 {
		t.Fatalf("actual_batches = %d, want 2", res.ActualBatches)
	}
	if res.ItemsProcessed != 40 || res.ItemsUpdated != 20 {
		t.Fatalf("items = %d/%d, want processed 40 updated 20", res.ItemsProcessed, res.ItemsUpdated)
	}
	if len(led.failures) != 20 {
		t.Fatalf("ledger entries = %d, want 20 (the failed batch)", len(led.failures))
	}
	if len(br.results) != 2 || br.results[0] || !br.results[1] {
		t.Fatalf("breaker results = %v, want [false true]", br.results)
	}
}

func TestProcessorPerItemMissGoesToLedger(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	cat := &fakeCatalog{variants: makeVariants(20)}
	runs := newFakeRuns()
	q := newFakeQueue("mtg")
	br := &fakeBreaker{allow: true, state: breaker.StateClosed}
	led := newFakeLedger()
	f := &fakeFetcher{fn: func(call int, ids []string) ([]pricing.Price, error) {
		// Price everything except sku-5 and sku-11.
		out := make([]pricing.Price, 0, len(ids))
		for _, id := range ids {
			if id == "sku-5" || id == "sku-11" {
				continue
			}
			v := 2.5
			out = append(out, pricing.Price{ExternalID: id, Market: &v})
		}
		return out, nil
	}}

	p := newTestProcessor(cat, runs, q, f, br, led, clk)

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res.Status != RunStatusCompleted {
		t.Fatalf("status = %s, want completed", res.Status)
	}
	if res.ItemsProcessed != 20 || res.ItemsUpdated != 18 {
		t.Fatalf("items = %d/%d, want 20 processed, 18 updated", res.ItemsProcessed, res.ItemsUpdated)
	}
	if led.failures[5] != 1 || led.failures[11] != 1 {
		t.Fatalf("missing ledger entries for skipped variants: %v", led.failures)
	}
}

func TestProcessorProgressMonotonic(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	cat := &fakeCatalog{variants: makeVariants(60)} // 3 batches
	runs := newFakeRuns()
	q := newFakeQueue("mtg")
	br := &fakeBreaker{allow: true, state: breaker.StateClosed}
	f := &fakeFetcher{fn: func(call int, ids []string) ([]pricing.Price, error) {
		return pricesFor(ids), nil
	}}

	p := newTestProcessor(cat, runs, q, f, br, newFakeLedger(), clk)

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	hist := runs.history[res.RunID]
	if len(hist) != 3 {
		t.Fatalf("checkpoints = %d, want 3 (one per batch)", len(hist))
	}
	prev := progress{}
	for i, pr := range hist {
		if pr.actual < prev.actual || pr.processed < prev.processed || pr.updated < prev.updated {
			t.Fatalf("checkpoint %d regressed: %+v after %+v", i, pr, prev)
		}
		if pr.actual > runs.expected[res.RunID] {
			t.Fatalf("actual %d exceeds expected %d", pr.actual, runs.expected[res.RunID])
		}
		prev = pr
	}
}

func TestProcessorEmptyQueueIsNoop(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	q := newFakeQueue()
	p := newTestProcessor(&fakeCatalog{}, newFakeRuns(), q, &fakeFetcher{fn: nil}, &fakeBreaker{}, newFakeLedger(), clk)

	res, err := p.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if res != nil {
		t.Fatalf("res = %+v, want nil for empty queue", res)
	}
}

func TestChunkVariants(t *testing.T) {
	cases := []struct {
		n, size int
		want    []int
	}{
		{0, 20, nil},
		{7, 20, []int{7}},
		{20, 20, []int{20}},
		{45, 20, []int{20, 20, 5}},
	}
	for _, c := range cases {
		got := chunkVariants(makeVariants(c.n), c.size)
		if len(got) != len(c.want) {
			t.Fatalf("chunk(%d,%d): %d batches, want %d", c.n, c.size, len(got), len(c.want))
		}
		for i, b := range got {
			if len(b) != c.want[i] {
				t.Fatalf("chunk(%d,%d) batch %d: len %d, want %d", c.n, c.size, i, len(b), c.want[i])
			}
		}
	}
}

func TestLookupPricePrefersMatchingPrinting(t *testing.T) {
	v1, v2 := 1.0, 5.0
	m := indexPrices([]pricing.Price{
		{ExternalID: "sku-1", SubType: "Normal", Market: &v1},
		{ExternalID: "sku-1", SubType: "Foil", Market: &v2},
	})

	foil := catalog.Variant{ExternalID: "sku-1", Printing: "Foil"}
	got, ok := lookupPrice(m, foil)
	if !ok || got.SubType != "Foil" {
		t.Fatalf("lookup foil = %+v ok=%v, want Foil price", got, ok)
	}

	etched := catalog.Variant{ExternalID: "sku-1", Printing: "Etched"}
	if _, ok := lookupPrice(m, etched); ok {
		t.Fatal("lookup etched should miss: no matching subtype and no untyped price")
	}
}
