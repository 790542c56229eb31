package ledger

import (
	"context"
	"errors"
	"math"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	DB         *gorm.DB
	MaxRetries int

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

func (r *Repo) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Backoff is the retry schedule: capped exponential, 1m, 2m, 4m, ... up to 30m.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	sec := math.Min(60*math.Pow(2, float64(attempt-1)), 1800)
	return time.Duration(sec) * time.Second
}

// RegisterFailure upserts the ledger entry for a variant and schedules the
// next attempt. The processor is the only writer, so read-then-write here is
// race-free.
func (r *Repo) RegisterFailure(ctx context.Context, game string, variantID uint64, errMsg string) error {
	now := r.now()

	var e Entry
	err := r.DB.WithContext(ctx).
		Where("game_code = ? AND variant_id = ?", game, variantID).
		First(&e).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		e = Entry{GameCode: game, VariantID: variantID, MaxRetries: r.MaxRetries}
		e.recordFailure(now, errMsg)
		return r.DB.WithContext(ctx).Create(&e).Error
	}
	if err != nil {
		return err
	}

	e.recordFailure(now, errMsg)
	return r.DB.WithContext(ctx).Save(&e).Error
}

// appendHistory records errMsg unless it repeats the latest entry, keeping
// the most recent 10.
func appendHistory(hist []string, errMsg string) []string {
	if n := len(hist); n > 0 && hist[n-1] == errMsg {
		return hist
	}
	hist = append(hist, errMsg)
	if len(hist) > 10 {
		hist = hist[len(hist)-10:]
	}
	return hist
}

// DueForRetry returns variant ids whose next attempt has come due and that
// still have retries left (Entry.Due, evaluated in SQL).
func (r *Repo) DueForRetry(ctx context.Context, game string) ([]uint64, error) {
	var ids []uint64
	err := r.DB.WithContext(ctx).
		Model(&Entry{}).
		Where("game_code = ? AND next_retry_at <= ? AND retry_count <= max_retries", game, r.now()).
		Order("next_retry_at asc").
		Pluck("variant_id", &ids).Error
	return ids, err
}

// Resolve drops the ledger entry once a retry succeeds.
func (r *Repo) Resolve(ctx context.Context, game string, variantID uint64) error {
	return r.DB.WithContext(ctx).
		Where("game_code = ? AND variant_id = ?", game, variantID).
		Delete(&Entry{}).Error
}

// DeadCount reports how many variants exhausted their retries for a game.
func (r *Repo) DeadCount(ctx context.Context, game string) (int64, error) {
	var n int64
	err := r.DB.WithContext(ctx).
		Model(&Entry{}).
		Where("game_code = ? AND retry_count > max_retries", game).
		Count(&n).Error
	return n, err
}
