package breaker

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DBStore keeps breaker rows in Postgres. All transitions are conditional
// single-statement updates so concurrent invocations observe one outcome.
type DBStore struct {
	DB *gorm.DB
}

func (s *DBStore) Ensure(ctx context.Context, game string, threshold int, recovery time.Duration) error {
	row := BreakerState{
		GameCode:            game,
		State:               StateClosed,
		FailureThreshold:    threshold,
		RecoveryTimeoutSecs: int(recovery.Seconds()),
	}
	return s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
}

func (s *DBStore) Get(ctx context.Context, game string) (BreakerState, error) {
	var st BreakerState
	err := s.DB.WithContext(ctx).Where("game_code = ?", game).First(&st).Error
	return st, err
}

func (s *DBStore) TryHalfOpen(ctx context.Context, game string, now, staleBefore time.Time) (bool, error) {
	// The second disjunct reclaims a trial whose holder never reported back.
	res := s.DB.WithContext(ctx).Exec(`
update circuit_breakers
set state = 'half_open', updated_at = ?
where game_code = ?
  and ((state = 'open' and next_attempt_at <= ?)
    or (state = 'half_open' and updated_at <= ?))
`, now, game, now, staleBefore)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *DBStore) MarkFailure(ctx context.Context, game string, now, nextAttempt time.Time) (State, error) {
	// All CASE branches read the pre-update row, so the trip decision and the
	// count increment land in one atomic statement.
	var out struct {
		State State `gorm:"column:state"`
	}
	err := s.DB.WithContext(ctx).Raw(`
update circuit_breakers
set failure_count = failure_count + 1,
    last_failure_at = ?,
    next_attempt_at = case
      when state = 'half_open' or failure_count + 1 >= failure_threshold then ?
      else next_attempt_at end,
    state = case
      when state = 'half_open' or failure_count + 1 >= failure_threshold then 'open'
      else state end,
    updated_at = now()
where game_code = ?
returning state
`, now, nextAttempt, game).Scan(&out).Error
	return out.State, err
}

// List returns every breaker row, for the dashboard health view.
func (s *DBStore) List(ctx context.Context) ([]BreakerState, error) {
	var out []BreakerState
	err := s.DB.WithContext(ctx).Order("game_code asc").Find(&out).Error
	return out, err
}

func (s *DBStore) MarkSuccess(ctx context.Context, game string) error {
	return s.DB.WithContext(ctx).Exec(`
update circuit_breakers
set state = 'closed', failure_count = 0, next_attempt_at = null, updated_at = now()
where game_code = ?
`, game).Error
}
