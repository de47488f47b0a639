package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// OrderMutation is applied to an order while the store holds it exclusively.
// Returning an error aborts the mutation with no effect.
type OrderMutation func(o *Order) error

// OrderReplacement receives the locked original order, mutates it (typically
// cancelling it) and returns the order that replaces it.
type OrderReplacement func(old *Order) (Order, error)

// FillMutation applies one fill to the locked order and returns the record to
// append.
type FillMutation func(o *Order) (FillRecord, error)

// OrderStore persists orders and their fills. Every mutating method runs
// against an exclusively held row so that concurrent callers serialize per
// order.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Order, error)
	Update(ctx context.Context, id string, fn OrderMutation) (Order, error)
	// Replace atomically rewrites the original and inserts its replacement:
	// either both changes are visible or neither is.
	Replace(ctx context.Context, id string, fn OrderReplacement) (old Order, replacement Order, err error)
	AppendFill(ctx context.Context, id string, fn FillMutation) (Order, FillRecord, error)
	ListFills(ctx context.Context, orderID string) ([]FillRecord, error)
	// ListExpirable returns non-terminal GTD orders whose expiry is before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]Order, error)
}

// SeedStore provides the conditional insert used to bootstrap a market.
type SeedStore interface {
	CountByMarket(ctx context.Context, marketID string) (int64, error)
	// InsertSeedIfEmpty inserts orders and sets state only when the market has
	// no orders at all. It reports whether anything was written.
	InsertSeedIfEmpty(ctx context.Context, marketID string, orders []Order, state MarketPriceState) (bool, error)
}

// MarketStateStore persists MarketPriceState rows.
type MarketStateStore interface {
	Open(ctx context.Context, marketID string, now time.Time) (MarketPriceState, error)
	Get(ctx context.Context, marketID string) (MarketPriceState, error)
	// ReplacePrices overwrites price and volume in a single row update.
	ReplacePrices(ctx context.Context, marketID string, yes, no, volume decimal.Decimal, at time.Time) (MarketPriceState, error)
	ListMarketIDs(ctx context.Context, opts ListOpts) ([]string, error)
}

// TradeStore persists the trade tape.
type TradeStore interface {
	// InsertBatch stores entries, silently skipping IDs already present, and
	// returns how many were new.
	InsertBatch(ctx context.Context, trades []TradeTapeEntry) (int64, error)
	// ListRecent returns up to limit entries for a market, most recent first.
	ListRecent(ctx context.Context, marketID string, limit int) ([]TradeTapeEntry, error)
	ListBefore(ctx context.Context, before time.Time) ([]TradeTapeEntry, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
