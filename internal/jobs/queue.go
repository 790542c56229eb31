package jobs

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrAlreadyQueuedOrRunning means an active entry already exists for the
// game. The UI enqueues liberally, so callers treat this as a no-op, not a
// hard failure.
var ErrAlreadyQueuedOrRunning = errors.New("jobs: sync already queued or running for game")

type QueueRepo struct {
	DB         *gorm.DB
	MaxRetries int
}

// Enqueue inserts a queued entry for the game. The partial unique index on
// (game_code) where status in (queued, running) makes concurrent enqueues
// race-safe: exactly one insert wins, the rest observe a duplicate-key error.
func (r *QueueRepo) Enqueue(ctx context.Context, game string, priority int) (uint64, error) {
	// ScheduledAt is left zero so the column default (the DB clock) fills it.
	e := QueueEntry{
		GameCode:   game,
		Status:     QueueStatusQueued,
		Priority:   priority,
		MaxRetries: r.MaxRetries,
	}
	if err := r.DB.WithContext(ctx).Create(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return 0, ErrAlreadyQueuedOrRunning
		}
		return 0, err
	}
	return e.ID, nil
}

// DequeueNext claims the highest-priority queued entry (ties broken by
// earliest scheduled_at) and transitions it to running in one atomic
// statement. FOR UPDATE SKIP LOCKED makes two racing schedulers claim
// different entries or none, never the same one. Returns nil when the queue
// is empty.
func (r *QueueRepo) DequeueNext(ctx context.Context) (*QueueEntry, error) {
	var entry QueueEntry
	err := r.DB.WithContext(ctx).Raw(`
with cte as (
  select id
  from sync_queue_entries
  where status = 'queued' and scheduled_at <= now()
  order by priority desc, scheduled_at asc
  for update skip locked
  limit 1
)
update sync_queue_entries
set status = 'running', started_at = now()
where id in (select id from cte)
returning *;
`).Scan(&entry).Error
	if err != nil {
		return nil, err
	}
	if entry.ID == 0 {
		return nil, nil
	}
	return &entry, nil
}

// Complete transitions a running entry to a terminal status. Calling it on an
// entry that is already terminal is a no-op.
func (r *QueueRepo) Complete(ctx context.Context, id uint64, status string, errMsg string) error {
	if status != QueueStatusCompleted && status != QueueStatusFailed {
		return errors.New("jobs: complete requires a terminal status")
	}
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	return r.DB.WithContext(ctx).Exec(`
update sync_queue_entries
set status = ?, completed_at = now(), error_message = ?
where id = ? and status = 'running'
`, status, msg, id).Error
}

// List returns recent entries for the dashboard, newest first.
func (r *QueueRepo) List(ctx context.Context, limit int) ([]QueueEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []QueueEntry
	err := r.DB.WithContext(ctx).
		Order("id desc").
		Limit(limit).
		Find(&out).Error
	return out, err
}
