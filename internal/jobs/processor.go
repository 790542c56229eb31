package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"cardsync/internal/breaker"
	"cardsync/internal/catalog"
	"cardsync/internal/pricing"
)

// Dependency seams, defined where they are consumed so tests can swap fakes.

type QueueStore interface {
	DequeueNext(ctx context.Context) (*QueueEntry, error)
	Complete(ctx context.Context, id uint64, status string, errMsg string) error
}

type RunStore interface {
	StartRun(ctx context.Context, game string, expectedBatches int) (uint64, error)
	RecordProgress(ctx context.Context, runID uint64, actualBatches, itemsProcessed, itemsUpdated int) error
	FinishRun(ctx context.Context, runID uint64, status string, errMsg string) error
	IsCancelled(ctx context.Context, runID uint64) (bool, error)
}

type CatalogStore interface {
	StaleVariants(ctx context.Context, game string, olderThan time.Time, limit int) ([]catalog.Variant, error)
	RecordPrice(ctx context.Context, snap catalog.PriceSnapshot) error
}

type LedgerStore interface {
	RegisterFailure(ctx context.Context, game string, variantID uint64, errMsg string) error
	Resolve(ctx context.Context, game string, variantID uint64) error
}

type CircuitBreaker interface {
	CanProceed(ctx context.Context, game string) (bool, breaker.State, error)
	RecordResult(ctx context.Context, game string, success bool) error
}

type RateLimiter interface {
	Acquire(ctx context.Context) error
}

// Processor executes one queued sync job at a time: it partitions the stale
// work set into fixed-size batches and walks them sequentially, checkpointing
// progress after every batch. Before each batch it checks, in order, the
// wall-clock budget, the cooperative cancel flag and the circuit breaker.
type Processor struct {
	Queue   QueueStore
	Runs    RunStore
	Catalog CatalogStore
	Ledger  LedgerStore
	Breaker CircuitBreaker
	Limiter RateLimiter
	Fetcher pricing.Fetcher

	BatchSize        int
	TimeBudget       time.Duration
	InterBatchDelay  time.Duration
	StalenessWindow  time.Duration
	MaxBatchesPerRun int

	// Now and Sleep are injectable for tests; they default to the real clock.
	Now       func() time.Time
	SleepFunc func(ctx context.Context, d time.Duration) error
}

// RunResult summarizes one finished run.
type RunResult struct {
	RunID           uint64
	Game            string
	Status          string
	ExpectedBatches int
	ActualBatches   int
	ItemsProcessed  int
	ItemsUpdated    int
	Error           string
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) error {
	if p.SleepFunc != nil {
		return p.SleepFunc(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce claims the next queued entry and executes it to a terminal status.
// Returns (nil, nil) when the queue is empty. Exclusivity across concurrent
// callers is the queue's atomic dequeue, not an in-process lock.
func (p *Processor) RunOnce(ctx context.Context) (*RunResult, error) {
	entry, err := p.Queue.DequeueNext(ctx)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	res, err := p.execute(ctx, entry.GameCode)
	if err != nil {
		_ = p.Queue.Complete(ctx, entry.ID, QueueStatusFailed, err.Error())
		return nil, err
	}

	switch res.Status {
	case RunStatusError:
		_ = p.Queue.Complete(ctx, entry.ID, QueueStatusFailed, res.Error)
	case RunStatusCancelled:
		_ = p.Queue.Complete(ctx, entry.ID, QueueStatusCompleted, "cancelled by operator")
	default:
		// completed and preflight_ceiling both free the game for re-enqueue;
		// a ceiling run resumes via the next enqueue because unfinished
		// variants were never stamped as priced.
		_ = p.Queue.Complete(ctx, entry.ID, QueueStatusCompleted, "")
	}

	log.Printf("sync run finished game=%s run=%d status=%s batches=%d/%d processed=%d updated=%d\n",
		res.Game, res.RunID, res.Status, res.ActualBatches, res.ExpectedBatches, res.ItemsProcessed, res.ItemsUpdated)
	return res, nil
}

func (p *Processor) execute(ctx context.Context, game string) (*RunResult, error) {
	start := p.now()

	limit := p.MaxBatchesPerRun * p.BatchSize
	variants, err := p.Catalog.StaleVariants(ctx, game, start.Add(-p.StalenessWindow), limit)
	if err != nil {
		return nil, fmt.Errorf("select work set: %w", err)
	}

	batches := chunkVariants(variants, p.BatchSize)

	runID, err := p.Runs.StartRun(ctx, game, len(batches))
	if err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	res := &RunResult{
		RunID:           runID,
		Game:            game,
		ExpectedBatches: len(batches),
	}

	for i, batch := range batches {
		// 1. Wall-clock budget: stop well below the host's hard ceiling.
		// Everything done so far is checkpointed, so this run is resumable.
		if p.now().Sub(start) >= p.TimeBudget {
			return p.finish(ctx, res, RunStatusPreflightCeiling, ""), nil
		}

		// 2. Cooperative cancellation, checked only at batch boundaries.
		cancelled, err := p.Runs.IsCancelled(ctx, runID)
		if err != nil {
			return p.finish(ctx, res, RunStatusError, fmt.Sprintf("cancel check: %v", err)), nil
		}
		if cancelled {
			return p.finish(ctx, res, RunStatusCancelled, ""), nil
		}

		// 3. Circuit breaker: stop instead of spin-waiting on a cooling-down
		// upstream.
		ok, state, err := p.Breaker.CanProceed(ctx, game)
		if err != nil {
			return p.finish(ctx, res, RunStatusError, fmt.Sprintf("breaker check: %v", err)), nil
		}
		if !ok {
			return p.finish(ctx, res, RunStatusError,
				fmt.Sprintf("circuit breaker %s for %s, aborting run", state, game)), nil
		}

		if err := p.Limiter.Acquire(ctx); err != nil {
			return p.finish(ctx, res, RunStatusError, fmt.Sprintf("rate limiter: %v", err)), nil
		}

		prices, err := p.Fetcher.FetchPrices(ctx, game, externalIDs(batch))
		switch {
		case errors.Is(err, pricing.ErrAuthFailed):
			// Credential errors are operator problems, not upstream health;
			// terminate without a breaker penalty or ledger noise.
			return p.finish(ctx, res, RunStatusError, err.Error()), nil
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return p.finish(ctx, res, RunStatusError, fmt.Sprintf("context: %v", err)), nil
		case err != nil:
			// Transient exhaustion: the whole batch goes to the retry ledger
			// and the breaker counts one failure, but the run keeps moving.
			_ = p.Breaker.RecordResult(ctx, game, false)
			for _, v := range batch {
				_ = p.Ledger.RegisterFailure(ctx, game, v.ID, err.Error())
			}
			res.ActualBatches = i + 1
			res.ItemsProcessed += len(batch)
		default:
			_ = p.Breaker.RecordResult(ctx, game, true)
			p.applyBatch(ctx, game, batch, prices, res)
			res.ActualBatches = i + 1
			res.ItemsProcessed += len(batch)
		}

		if err := p.Runs.RecordProgress(ctx, runID, res.ActualBatches, res.ItemsProcessed, res.ItemsUpdated); err != nil {
			log.Printf("record progress run=%d: %v\n", runID, err)
		}

		// Stay under rate budget even when below the limiter's own ceiling.
		if i < len(batches)-1 && p.InterBatchDelay > 0 {
			if err := p.sleep(ctx, p.InterBatchDelay); err != nil {
				return p.finish(ctx, res, RunStatusError, fmt.Sprintf("context: %v", err)), nil
			}
		}
	}

	return p.finish(ctx, res, RunStatusCompleted, ""), nil
}

// applyBatch writes a snapshot per priced variant and routes misses to the
// retry ledger. Per-item failures never block forward progress.
func (p *Processor) applyBatch(ctx context.Context, game string, batch []catalog.Variant, prices []pricing.Price, res *RunResult) {
	now := p.now()
	byID := indexPrices(prices)

	for _, v := range batch {
		price, ok := lookupPrice(byID, v)
		if !ok {
			_ = p.Ledger.RegisterFailure(ctx, game, v.ID, "no price returned by upstream")
			continue
		}

		snap := catalog.PriceSnapshot{
			VariantID: v.ID,
			GameCode:  game,
			Low:       price.Low,
			Mid:       price.Mid,
			High:      price.High,
			Market:    price.Market,
			DirectLow: price.DirectLow,
			Currency:  price.Currency,
			FetchedAt: now,
		}
		if snap.Currency == "" {
			snap.Currency = "USD"
		}
		if err := p.Catalog.RecordPrice(ctx, snap); err != nil {
			_ = p.Ledger.RegisterFailure(ctx, game, v.ID, fmt.Sprintf("persist snapshot: %v", err))
			continue
		}

		_ = p.Ledger.Resolve(ctx, game, v.ID)
		res.ItemsUpdated++
	}
}

func (p *Processor) finish(ctx context.Context, res *RunResult, status, errMsg string) *RunResult {
	res.Status = status
	res.Error = errMsg
	if err := p.Runs.FinishRun(ctx, res.RunID, status, errMsg); err != nil {
		log.Printf("finish run=%d: %v\n", res.RunID, err)
	}
	return res
}

func chunkVariants(vs []catalog.Variant, size int) [][]catalog.Variant {
	if size <= 0 {
		size = 1
	}
	var out [][]catalog.Variant
	for i := 0; i < len(vs); i += size {
		j := i + size
		if j > len(vs) {
			j = len(vs)
		}
		out = append(out, vs[i:j])
	}
	return out
}

func externalIDs(vs []catalog.Variant) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.ExternalID)
	}
	return out
}

// indexPrices keys results by external id, keeping per-subtype entries so a
// Foil price never lands on a Normal variant.
func indexPrices(prices []pricing.Price) map[string][]pricing.Price {
	m := make(map[string][]pricing.Price, len(prices))
	for _, p := range prices {
		m[p.ExternalID] = append(m[p.ExternalID], p)
	}
	return m
}

func lookupPrice(m map[string][]pricing.Price, v catalog.Variant) (pricing.Price, bool) {
	candidates := m[v.ExternalID]
	for _, c := range candidates {
		if c.SubType == v.Printing {
			return c, true
		}
	}
	for _, c := range candidates {
		if c.SubType == "" {
			return c, true
		}
	}
	return pricing.Price{}, false
}
