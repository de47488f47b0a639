package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// Publisher writes envelopes to the bus. It never mutates market state.
type Publisher struct {
	bus domain.SignalBus
	now func() time.Time
}

// NewPublisher creates a Publisher on bus.
func NewPublisher(bus domain.SignalBus) *Publisher {
	return &Publisher{bus: bus, now: func() time.Time { return time.Now().UTC() }}
}

// PublishState publishes a full authoritative state.
func (p *Publisher) PublishState(ctx context.Context, state domain.MarketPriceState) error {
	return p.PublishUpdate(ctx, domain.FullUpdate(state))
}

// PublishUpdate publishes a partial state.
func (p *Publisher) PublishUpdate(ctx context.Context, u domain.MarketStateUpdate) error {
	return p.publish(ctx, MarketChannel(u.MarketID), Envelope{
		Type:     TypeMarketState,
		MarketID: u.MarketID,
		State:    &u,
	})
}

// PublishTrade publishes a raw trade for optimistic subscribers.
func (p *Publisher) PublishTrade(ctx context.Context, t domain.TradeTapeEntry) error {
	return p.publish(ctx, TradeChannel(t.MarketID), Envelope{
		Type:     TypeTrade,
		MarketID: t.MarketID,
		Trade:    &t,
	})
}

func (p *Publisher) publish(ctx context.Context, channel string, env Envelope) error {
	env.SentAt = p.now()
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("fanout: marshal %s: %w", env.Type, err)
	}
	if err := p.bus.Publish(ctx, channel, data); err != nil {
		return fmt.Errorf("fanout: publish %s: %w", channel, err)
	}
	return nil
}
