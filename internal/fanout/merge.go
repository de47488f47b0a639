package fanout

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// Merge combines an incoming partial update with the previously cached state.
// Each field takes the incoming value if present, else the previous value,
// else the default (fair price for prices, zero for volume and liquidity).
// prev may be nil.
func Merge(prev *domain.MarketPriceState, in domain.MarketStateUpdate) domain.MarketPriceState {
	var out domain.MarketPriceState
	if prev != nil {
		out = *prev
	} else {
		out = domain.MarketPriceState{
			YesPrice:    domain.FairPrice,
			NoPrice:     domain.FairPrice,
			TotalVolume: decimal.Zero,
			Liquidity:   decimal.Zero,
		}
	}

	if in.MarketID != "" {
		out.MarketID = in.MarketID
	}
	if in.YesPrice != nil {
		out.YesPrice = *in.YesPrice
	}
	if in.NoPrice != nil {
		out.NoPrice = *in.NoPrice
	}
	if in.TotalVolume != nil {
		out.TotalVolume = *in.TotalVolume
	}
	if in.Liquidity != nil {
		out.Liquidity = *in.Liquidity
	}
	if in.UpdatedAt != nil {
		out.UpdatedAt = *in.UpdatedAt
	}
	return out
}

// ApplyTrade is the optimistic path: it bumps the cached volume by the
// trade's notional ahead of the authoritative recomputation, which later
// overwrites it. A trade not newer than the cached state's UpdatedAt is
// already counted there and leaves the state unchanged. UpdatedAt only moves
// with authoritative updates, so both arrival orders converge.
func ApplyTrade(prev *domain.MarketPriceState, t domain.TradeTapeEntry) domain.MarketPriceState {
	if prev != nil && !prev.UpdatedAt.IsZero() && !t.Timestamp.After(prev.UpdatedAt) {
		return *prev
	}
	vol := t.Notional()
	if prev != nil {
		vol = prev.TotalVolume.Add(vol)
	}
	return Merge(prev, domain.MarketStateUpdate{MarketID: t.MarketID, TotalVolume: &vol})
}
