package jobs

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

type RunRepo struct {
	DB *gorm.DB
}

func (r *RunRepo) StartRun(ctx context.Context, game string, expectedBatches int) (uint64, error) {
	run := JobRun{
		GameCode:        game,
		Status:          RunStatusRunning,
		ExpectedBatches: expectedBatches,
		StartedAt:       time.Now(),
	}
	if err := r.DB.WithContext(ctx).Create(&run).Error; err != nil {
		return 0, err
	}
	return run.ID, nil
}

// RecordProgress checkpoints a run after a batch. greatest() keeps the
// counters monotonic even if a checkpoint is replayed.
func (r *RunRepo) RecordProgress(ctx context.Context, runID uint64, actualBatches, itemsProcessed, itemsUpdated int) error {
	return r.DB.WithContext(ctx).Exec(`
update sync_job_runs
set actual_batches  = greatest(actual_batches, ?),
    items_processed = greatest(items_processed, ?),
    items_updated   = greatest(items_updated, ?)
where id = ?
`, actualBatches, itemsProcessed, itemsUpdated, runID).Error
}

// FinishRun sets the terminal status and finished_at exactly once; later
// calls find no running row and do nothing.
func (r *RunRepo) FinishRun(ctx context.Context, runID uint64, status string, errMsg string) error {
	switch status {
	case RunStatusCompleted, RunStatusError, RunStatusCancelled, RunStatusPreflightCeiling:
	default:
		return fmt.Errorf("jobs: finish requires a terminal run status, got %q", status)
	}
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	return r.DB.WithContext(ctx).Exec(`
update sync_job_runs
set status = ?, finished_at = now(), error = ?
where id = ? and status = 'running'
`, status, msg, runID).Error
}

func (r *RunRepo) IsCancelled(ctx context.Context, runID uint64) (bool, error) {
	var n int64
	err := r.DB.WithContext(ctx).
		Model(&CancellationRequest{}).
		Where("job_run_id = ?", runID).
		Count(&n).Error
	return n > 0, err
}

// RequestCancel records the cooperative cancel flag for a running run.
func (r *RunRepo) RequestCancel(ctx context.Context, runID uint64, reason string) error {
	var run JobRun
	if err := r.DB.WithContext(ctx).First(&run, runID).Error; err != nil {
		return err
	}
	if run.Status != RunStatusRunning {
		return fmt.Errorf("jobs: run %d is %s, not cancellable", runID, run.Status)
	}
	req := CancellationRequest{
		JobRunID:    runID,
		RequestedAt: time.Now(),
		Reason:      reason,
	}
	return r.DB.WithContext(ctx).Create(&req).Error
}

func (r *RunRepo) Get(ctx context.Context, runID uint64) (*JobRun, error) {
	var run JobRun
	if err := r.DB.WithContext(ctx).First(&run, runID).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// Recent lists runs for the dashboard, newest first. game filters when
// non-empty.
func (r *RunRepo) Recent(ctx context.Context, game string, limit int) ([]JobRun, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.DB.WithContext(ctx).Order("id desc").Limit(limit)
	if game != "" {
		q = q.Where("game_code = ?", game)
	}
	var out []JobRun
	err := q.Find(&out).Error
	return out, err
}

// Sweep force-finishes runs stuck in running longer than maxRuntime (crash or
// host-timeout leftovers) and frees their queue entries so the game can be
// enqueued again. Returns how many runs were reaped. Invoked from an operator
// action, not a background loop.
func (r *RunRepo) Sweep(ctx context.Context, maxRuntime time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxRuntime)
	var reaped int64

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(`
update sync_job_runs
set status = 'error',
    finished_at = now(),
    error = 'force-terminated: exceeded maximum runtime'
where status = 'running' and started_at < ?
`, cutoff)
		if res.Error != nil {
			return res.Error
		}
		reaped = res.RowsAffected

		return tx.Exec(`
update sync_queue_entries
set status = 'failed',
    completed_at = now(),
    error_message = 'force-terminated: stuck run reaped'
where status = 'running' and started_at < ?
`, cutoff).Error
	})

	return reaped, err
}
