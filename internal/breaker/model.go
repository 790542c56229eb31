package breaker

import "time"

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// BreakerState is one row per game. It is shared across invocations, so every
// transition is a single conditional UPDATE, never read-modify-write.
type BreakerState struct {
	GameCode            string     `gorm:"primaryKey"`
	State               State      `gorm:"type:text;not null;default:'closed'"`
	FailureCount        int        `gorm:"not null;default:0"`
	FailureThreshold    int        `gorm:"not null;default:3"`
	LastFailureAt       *time.Time `gorm:"type:timestamptz"`
	NextAttemptAt       *time.Time `gorm:"type:timestamptz"`
	RecoveryTimeoutSecs int        `gorm:"not null;default:300"`
	UpdatedAt           time.Time  `gorm:"not null;default:now()"`
}

func (BreakerState) TableName() string { return "circuit_breakers" }
