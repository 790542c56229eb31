package catalog

import "time"

// Game is a top-level catalog partition. It is the unit of sync-job
// exclusivity and circuit-breaker scope.
type Game struct {
	ID        uint64    `gorm:"primaryKey"`
	Code      string    `gorm:"uniqueIndex;not null"` // e.g. "mtg", "pokemon"
	Name      string    `gorm:"type:text;not null"`
	Active    bool      `gorm:"not null;default:true"`
	CreatedAt time.Time `gorm:"not null;default:now()"`
}

type CardSet struct {
	ID         uint64    `gorm:"primaryKey"`
	GameCode   string    `gorm:"index;not null"`
	ExternalID string    `gorm:"index;not null"` // upstream group id
	Name       string    `gorm:"type:text;not null"`
	CreatedAt  time.Time `gorm:"not null;default:now()"`
}

type Card struct {
	ID         uint64    `gorm:"primaryKey"`
	SetID      uint64    `gorm:"index;not null"`
	GameCode   string    `gorm:"index;not null"`
	ExternalID string    `gorm:"index;not null"` // upstream product id
	Name       string    `gorm:"type:text;not null"`
	Number     string    `gorm:"type:text"`
	Rarity     string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"not null;default:now()"`
}

// Variant is one priced printing of a card (Normal, Foil, ...).
// Pricing is keyed at this level; LastPricedAt drives the staleness
// predicate for sync runs.
type Variant struct {
	ID           uint64     `gorm:"primaryKey"`
	CardID       uint64     `gorm:"index;not null"`
	GameCode     string     `gorm:"index;not null"`
	ExternalID   string     `gorm:"index;not null"` // upstream sku/product id
	Printing     string     `gorm:"type:text;not null;default:'Normal'"`
	LastPricedAt *time.Time `gorm:"type:timestamptz;index"`
	CreatedAt    time.Time  `gorm:"not null;default:now()"`
}

// PriceSnapshot is append-only: one row per observed price per variant.
type PriceSnapshot struct {
	ID        uint64    `gorm:"primaryKey"`
	VariantID uint64    `gorm:"index;not null"`
	GameCode  string    `gorm:"index;not null"`
	Low       *float64  `gorm:"type:numeric(12,2)"`
	Mid       *float64  `gorm:"type:numeric(12,2)"`
	High      *float64  `gorm:"type:numeric(12,2)"`
	Market    *float64  `gorm:"type:numeric(12,2)"`
	DirectLow *float64  `gorm:"type:numeric(12,2)"`
	Currency  string    `gorm:"type:text;not null;default:'USD'"`
	FetchedAt time.Time `gorm:"index;not null;default:now()"`
}
