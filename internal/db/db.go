package db

import (
	"fmt"

	"cardsync/internal/auth"
	"cardsync/internal/breaker"
	"cardsync/internal/catalog"
	"cardsync/internal/jobs"
	"cardsync/internal/ledger"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Connect(dsn string) (*gorm.DB, error) {
	// TranslateError maps Postgres unique violations onto
	// gorm.ErrDuplicatedKey, which backs the idempotent enqueue.
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	// Tables
	if err := gdb.AutoMigrate(
		&catalog.Game{},
		&catalog.CardSet{},
		&catalog.Card{},
		&catalog.Variant{},
		&catalog.PriceSnapshot{},
		&jobs.QueueEntry{},
		&jobs.JobRun{},
		&jobs.CancellationRequest{},
		&breaker.BreakerState{},
		&ledger.Entry{},
		&auth.Operator{},
	); err != nil {
		return err
	}

	// Active-entry invariant: at most one queued-or-running entry per game.
	// Enqueue races resolve here, not in application code.
	if err := gdb.Exec(`
create unique index if not exists uq_sync_queue_active
on sync_queue_entries(game_code)
where status in ('queued', 'running');
`).Error; err != nil {
		return err
	}

	// Upstream ids are unique per game at each catalog level.
	stmts := []string{
		`create unique index if not exists uq_sets_game_ext on card_sets(game_code, external_id);`,
		`create unique index if not exists uq_cards_game_ext on cards(game_code, external_id);`,
		`create unique index if not exists uq_variants_game_ext_printing on variants(game_code, external_id, printing);`,
		`create index if not exists idx_variants_staleness on variants(game_code, last_priced_at asc nulls first);`,
		`create index if not exists idx_snapshots_variant_fetched on price_snapshots(variant_id, fetched_at desc);`,
		`create index if not exists idx_queue_dispatch on sync_queue_entries(status, priority desc, scheduled_at asc);`,
		`create index if not exists idx_runs_stuck on sync_job_runs(status, started_at);`,
		`create index if not exists idx_ledger_due on retry_ledger_entries(game_code, next_retry_at);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}

	return nil
}
