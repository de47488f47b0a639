// Package fanout propagates market state to subscribers. Servers publish
// envelopes through a domain.SignalBus; subscribers merge them into a local
// cache with Merge and ApplyTrade.
package fanout

import (
	"strings"
	"time"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// Envelope types.
const (
	TypeMarketState = "market_state"
	TypeTrade       = "trade"
)

// Channel patterns covering every market.
const (
	MarketPattern = "market:*"
	TradePattern  = "trade:*"
)

// Envelope is the JSON message carried on the bus and over websockets.
type Envelope struct {
	Type     string                    `json:"type"`
	MarketID string                    `json:"market_id"`
	State    *domain.MarketStateUpdate `json:"state,omitempty"`
	Trade    *domain.TradeTapeEntry    `json:"trade,omitempty"`
	SentAt   time.Time                 `json:"sent_at"`
}

// MarketChannel is the bus channel for authoritative updates of one market.
func MarketChannel(marketID string) string { return "market:" + marketID }

// TradeChannel is the bus channel for raw trades of one market.
func TradeChannel(marketID string) string { return "trade:" + marketID }

// MarketFromChannel extracts the market ID from a market or trade channel.
func MarketFromChannel(channel string) (string, bool) {
	for _, prefix := range []string{"market:", "trade:"} {
		if id, ok := strings.CutPrefix(channel, prefix); ok && id != "" {
			return id, true
		}
	}
	return "", false
}
