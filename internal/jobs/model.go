package jobs

import "time"

// Queue entry statuses. At most one entry per game may be queued or running;
// the partial unique index uq_sync_queue_active enforces this in Postgres.
const (
	QueueStatusQueued    = "queued"
	QueueStatusRunning   = "running"
	QueueStatusCompleted = "completed"
	QueueStatusFailed    = "failed"
)

// Run statuses. preflight_ceiling is a successful partial result: the run
// stopped before the host execution ceiling and is resumable, which is why it
// is never collapsed into error.
const (
	RunStatusRunning          = "running"
	RunStatusCompleted        = "completed"
	RunStatusError            = "error"
	RunStatusCancelled        = "cancelled"
	RunStatusPreflightCeiling = "preflight_ceiling"
)

// QueueEntry is one pending or historical sync request for a game. Entries
// are never deleted, only status-transitioned, so the table doubles as the
// audit trail.
type QueueEntry struct {
	ID           uint64     `gorm:"primaryKey"`
	GameCode     string     `gorm:"index;not null"`
	Status       string     `gorm:"index;not null;default:'queued'"`
	Priority     int        `gorm:"not null;default:0"` // higher runs first
	RetryCount   int        `gorm:"not null;default:0"`
	MaxRetries   int        `gorm:"not null;default:3"`
	// ScheduledAt defaults to the database clock: DequeueNext filters on
	// now(), so stamping it app-side would delay dispatch under clock skew.
	ScheduledAt  time.Time  `gorm:"index;not null;default:now()"`
	StartedAt    *time.Time `gorm:"type:timestamptz"`
	CompletedAt  *time.Time `gorm:"type:timestamptz"`
	ErrorMessage *string    `gorm:"type:text"`
	CreatedAt    time.Time  `gorm:"not null;default:now()"`
}

func (QueueEntry) TableName() string { return "sync_queue_entries" }

// JobRun records one execution attempt of a queue entry, checkpointed after
// every batch so a crash mid-run leaves the last progress durable.
type JobRun struct {
	ID              uint64     `gorm:"primaryKey"`
	GameCode        string     `gorm:"index;not null"`
	Status          string     `gorm:"index;not null;default:'running'"`
	ExpectedBatches int        `gorm:"not null;default:0"`
	ActualBatches   int        `gorm:"not null;default:0"`
	ItemsProcessed  int        `gorm:"not null;default:0"`
	ItemsUpdated    int        `gorm:"not null;default:0"`
	StartedAt       time.Time  `gorm:"index;not null"`
	FinishedAt      *time.Time `gorm:"type:timestamptz"`
	Error           *string    `gorm:"type:text"`
}

func (JobRun) TableName() string { return "sync_job_runs" }

// CancellationRequest is the cooperative cancel signal: its presence for a
// run id asks the processor to stop at the next batch boundary. In-flight
// upstream calls are never aborted.
type CancellationRequest struct {
	ID          uint64    `gorm:"primaryKey"`
	JobRunID    uint64    `gorm:"index;not null"`
	RequestedAt time.Time `gorm:"not null;default:now()"`
	Reason      string    `gorm:"type:text;not null;default:''"`
}

func (CancellationRequest) TableName() string { return "sync_cancellation_requests" }
