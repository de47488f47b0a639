package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricePlaces is the precision of published market prices.
const PricePlaces = 4

var (
	// FairPrice is the unbiased price of a fresh binary contract.
	FairPrice = decimal.RequireFromString("0.50")
	one       = decimal.NewFromInt(1)
)

// MarketPriceState is the displayed price and activity of one binary market.
// YesPrice + NoPrice is always 1.
type MarketPriceState struct {
	MarketID    string          `json:"market_id"`
	YesPrice    decimal.Decimal `json:"yes_price"`
	NoPrice     decimal.Decimal `json:"no_price"`
	TotalVolume decimal.Decimal `json:"total_volume"`
	Liquidity   decimal.Decimal `json:"liquidity"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewMarketPriceState returns the state of a market that has just opened.
func NewMarketPriceState(marketID string, now time.Time) MarketPriceState {
	return MarketPriceState{
		MarketID:    marketID,
		YesPrice:    FairPrice,
		NoPrice:     FairPrice,
		TotalVolume: decimal.Zero,
		Liquidity:   decimal.Zero,
		UpdatedAt:   now,
	}
}

// Complement returns 1 - p.
func Complement(p decimal.Decimal) decimal.Decimal {
	return one.Sub(p)
}

// MarketStateUpdate is a partial market state as carried by the fan-out
// transport. A nil field means "not present in this update".
type MarketStateUpdate struct {
	MarketID    string           `json:"market_id"`
	YesPrice    *decimal.Decimal `json:"yes_price,omitempty"`
	NoPrice     *decimal.Decimal `json:"no_price,omitempty"`
	TotalVolume *decimal.Decimal `json:"total_volume,omitempty"`
	Liquidity   *decimal.Decimal `json:"liquidity,omitempty"`
	UpdatedAt   *time.Time       `json:"updated_at,omitempty"`
}

// FullUpdate wraps a complete state as an update with every field present.
func FullUpdate(s MarketPriceState) MarketStateUpdate {
	yes, no, vol, liq, ts := s.YesPrice, s.NoPrice, s.TotalVolume, s.Liquidity, s.UpdatedAt
	return MarketStateUpdate{
		MarketID:    s.MarketID,
		YesPrice:    &yes,
		NoPrice:     &no,
		TotalVolume: &vol,
		Liquidity:   &liq,
		UpdatedAt:   &ts,
	}
}
