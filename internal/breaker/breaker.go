package breaker

import (
	"context"
	"time"
)

// Store is the persistence seam for breaker rows. Each method is atomic at
// the store level.
type Store interface {
	// Ensure creates the row for a game if missing, in state closed.
	Ensure(ctx context.Context, game string, threshold int, recovery time.Duration) error
	Get(ctx context.Context, game string) (BreakerState, error)
	// TryHalfOpen flips open -> half_open iff next_attempt_at has elapsed,
	// and re-grants a half_open trial whose holder went silent before
	// staleBefore. Returns true only for the caller that won the flip.
	TryHalfOpen(ctx context.Context, game string, now, staleBefore time.Time) (bool, error)
	// MarkFailure increments failure_count and trips to open when the
	// threshold is reached or when the trial call of a half_open breaker
	// fails. Returns the resulting state.
	MarkFailure(ctx context.Context, game string, now, nextAttempt time.Time) (State, error)
	// MarkSuccess resets the breaker to closed.
	MarkSuccess(ctx context.Context, game string) error
}

// Breaker guards one upstream game. closed allows calls; open rejects them
// until the recovery timeout elapses; half_open admits exactly one trial.
type Breaker struct {
	Store            Store
	FailureThreshold int
	RecoveryTimeout  time.Duration

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (b *Breaker) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// CanProceed reports whether a call to the upstream may be attempted for the
// game. An open breaker whose timeout has elapsed transitions to half_open as
// a side effect, and that one caller gets the trial slot; subsequent calls
// see half_open and are rejected until RecordResult settles the trial.
func (b *Breaker) CanProceed(ctx context.Context, game string) (bool, State, error) {
	if err := b.Store.Ensure(ctx, game, b.FailureThreshold, b.RecoveryTimeout); err != nil {
		return false, "", err
	}

	// A trial older than the recovery timeout was abandoned (its holder
	// crashed before RecordResult); hand the slot to a new caller.
	now := b.now()
	flipped, err := b.Store.TryHalfOpen(ctx, game, now, now.Add(-b.RecoveryTimeout))
	if err != nil {
		return false, "", err
	}
	if flipped {
		return true, StateHalfOpen, nil
	}

	st, err := b.Store.Get(ctx, game)
	if err != nil {
		return false, "", err
	}
	switch st.State {
	case StateClosed:
		return true, StateClosed, nil
	default:
		// open before next_attempt_at, or a half_open trial already claimed
		return false, st.State, nil
	}
}

// RecordResult feeds one upstream call outcome back into the breaker.
func (b *Breaker) RecordResult(ctx context.Context, game string, success bool) error {
	if err := b.Store.Ensure(ctx, game, b.FailureThreshold, b.RecoveryTimeout); err != nil {
		return err
	}
	if success {
		return b.Store.MarkSuccess(ctx, game)
	}
	now := b.now()
	_, err := b.Store.MarkFailure(ctx, game, now, now.Add(b.RecoveryTimeout))
	return err
}
