package catalog

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	DB *gorm.DB
}

func (r *Repo) ActiveGames(ctx context.Context) ([]Game, error) {
	var games []Game
	err := r.DB.WithContext(ctx).
		Where("active = true").
		Order("code asc").
		Find(&games).Error
	return games, err
}

func (r *Repo) GameByCode(ctx context.Context, code string) (*Game, error) {
	var g Game
	if err := r.DB.WithContext(ctx).Where("code = ?", code).First(&g).Error; err != nil {
		return nil, err
	}
	return &g, nil
}

// StaleVariants selects variants whose price is older than the staleness
// cutoff, oldest first. Variants parked as dead markers in the retry ledger
// (retry_count > max_retries) are excluded until an operator intervenes, and
// failed variants whose next scheduled retry has not come due yet are held
// back so the ledger's backoff curve is respected.
func (r *Repo) StaleVariants(ctx context.Context, game string, olderThan time.Time, limit int) ([]Variant, error) {
	var out []Variant
	err := r.DB.WithContext(ctx).Raw(`
select v.*
from variants v
where v.game_code = ?
  and (v.last_priced_at is null or v.last_priced_at < ?)
  and not exists (
    select 1 from retry_ledger_entries l
    where l.game_code = v.game_code
      and l.variant_id = v.id
      and (l.retry_count > l.max_retries or l.next_retry_at > now())
  )
order by v.last_priced_at asc nulls first, v.id asc
limit ?
`, game, olderThan, limit).Scan(&out).Error
	return out, err
}

// RecordPrice appends a snapshot and stamps the variant as freshly priced,
// atomically. This is the sync engine's only write into the catalog.
func (r *Repo) RecordPrice(ctx context.Context, snap PriceSnapshot) error {
	return r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&snap).Error; err != nil {
			return err
		}
		return tx.Model(&Variant{}).
			Where("id = ?", snap.VariantID).
			Update("last_priced_at", snap.FetchedAt).Error
	})
}

func (r *Repo) VariantsByID(ctx context.Context, game string, ids []uint64) ([]Variant, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []Variant
	err := r.DB.WithContext(ctx).
		Where("game_code = ? AND id IN ?", game, ids).
		Find(&out).Error
	return out, err
}
