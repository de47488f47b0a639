package domain

import "github.com/shopspring/decimal"

// SeedResult reports the outcome of seeding a single market.
type SeedResult struct {
	Success  bool     `json:"success"`
	MarketID string   `json:"market_id"`
	OrderIDs []string `json:"order_ids"`
	Skipped  bool     `json:"skipped"`
	Message  string   `json:"message,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// BatchSeedResult reports a batch seeding run.
type BatchSeedResult struct {
	Success  bool         `json:"success"`
	DryRun   bool         `json:"dry_run"`
	Seeded   []string     `json:"seeded"`
	Skipped  []string     `json:"skipped"`
	Failed   []string     `json:"failed"`
	Results  []SeedResult `json:"results"`
	SeededN  int          `json:"seeded_count"`
	SkippedN int          `json:"skipped_count"`
	FailedN  int          `json:"failed_count"`
}

// RecomputeResult reports a price recomputation.
type RecomputeResult struct {
	Success     bool             `json:"success"`
	MarketID    string           `json:"market_id"`
	Changed     bool             `json:"changed"`
	TradesUsed  int              `json:"trades_used"`
	YesPrice    *decimal.Decimal `json:"yes_price,omitempty"`
	NoPrice     *decimal.Decimal `json:"no_price,omitempty"`
	TotalVolume *decimal.Decimal `json:"total_volume,omitempty"`
	Error       string           `json:"error,omitempty"`
}
