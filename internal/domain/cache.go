package domain

import (
	"context"
	"time"
)

// MarketStateCache provides fast access to the latest published market state.
type MarketStateCache interface {
	Set(ctx context.Context, state MarketPriceState) error
	Get(ctx context.Context, marketID string) (MarketPriceState, error)
	GetMany(ctx context.Context, marketIDs []string) (map[string]MarketPriceState, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// BusMessage is one pub/sub delivery together with the concrete channel it
// was published on (relevant for pattern subscriptions).
type BusMessage struct {
	Channel string
	Payload []byte
}

// SignalBus provides pub/sub messaging.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages until ctx is cancelled, then closes the
	// returned channel. Channels containing glob characters are patterns.
	Subscribe(ctx context.Context, channel string) (<-chan BusMessage, error)
}
