package ledger

import (
	"time"

	"github.com/lib/pq"
)

// Entry tracks a variant whose pricing failed transiently. One row per
// (game, variant). Entries that exhaust max_retries stay in place as dead
// markers so operators can see what gave up; they are excluded from work-set
// selection but never retried automatically.
type Entry struct {
	ID          uint64    `gorm:"primaryKey"`
	GameCode    string    `gorm:"not null;uniqueIndex:uq_ledger_game_variant"`
	VariantID   uint64    `gorm:"not null;uniqueIndex:uq_ledger_game_variant"`
	RetryCount  int       `gorm:"not null;default:0"`
	MaxRetries  int       `gorm:"not null;default:3"`
	LastError   string    `gorm:"type:text;not null;default:''"`
	LastRetryAt time.Time `gorm:"type:timestamptz;not null"`
	NextRetryAt time.Time `gorm:"type:timestamptz;index;not null"`

	// ErrorHistory keeps the most recent distinct error messages so the
	// dashboard can show why a variant keeps failing.
	ErrorHistory pq.StringArray `gorm:"type:text[];not null;default:'{}'"`
}

func (Entry) TableName() string { return "retry_ledger_entries" }

// recordFailure advances the retry state: one more attempt logged, the next
// one scheduled on the backoff curve.
func (e *Entry) recordFailure(now time.Time, errMsg string) {
	e.RetryCount++
	e.LastError = errMsg
	e.LastRetryAt = now
	e.NextRetryAt = now.Add(Backoff(e.RetryCount))
	e.ErrorHistory = appendHistory(e.ErrorHistory, errMsg)
}

// Exhausted reports whether the entry used up its retries and stands as a
// dead marker.
func (e *Entry) Exhausted() bool { return e.RetryCount > e.MaxRetries }

// Due reports whether the entry should be offered for another attempt at t.
// The SQL predicates in DueForRetry and in the catalog work-set query mirror
// this exactly.
func (e *Entry) Due(t time.Time) bool { return !e.Exhausted() && !e.NextRetryAt.After(t) }
