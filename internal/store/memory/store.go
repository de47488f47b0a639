// Package memory implements the domain store interfaces in process memory.
// A single mutex serializes every operation, which gives the same atomicity
// guarantees as the PostgreSQL stores: per-order serialized fills, atomic
// re-entry and an atomic insert-if-empty for seeding.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// Store holds orders, fills, market state, the trade tape and the audit log.
type Store struct {
	mu sync.Mutex

	orders      map[string]domain.Order
	marketIdx   map[string][]string // market_id -> order ids in insertion order
	fills       map[string][]domain.FillRecord
	markets     map[string]domain.MarketPriceState
	trades      map[string]domain.TradeTapeEntry
	tradeIdx    map[string][]string // market_id -> trade ids
	audit       []domain.AuditEntry
	nextAuditID int64

	// failWrites, when non-nil, is returned by every write. Tests use it to
	// simulate a durable-store outage.
	failWrites error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		orders:    make(map[string]domain.Order),
		marketIdx: make(map[string][]string),
		fills:     make(map[string][]domain.FillRecord),
		markets:   make(map[string]domain.MarketPriceState),
		trades:    make(map[string]domain.TradeTapeEntry),
		tradeIdx:  make(map[string][]string),
	}
}

// FailWrites makes subsequent writes fail with err; pass nil to recover.
func (s *Store) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = err
}

func (s *Store) writeErr(op string) error {
	if s.failWrites != nil {
		return fmt.Errorf("memory: %s: %w", op, s.failWrites)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// Create inserts a new order.
func (s *Store) Create(ctx context.Context, o domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr("create order"); err != nil {
		return err
	}
	return s.insertLocked(o)
}

func (s *Store) insertLocked(o domain.Order) error {
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("memory: create order %s: %w", o.ID, domain.ErrAlreadyExists)
	}
	s.orders[o.ID] = o
	s.marketIdx[o.MarketID] = append(s.marketIdx[o.MarketID], o.ID)
	return nil
}

// GetByID retrieves a single order.
func (s *Store) GetByID(ctx context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

// ListByMarket returns a market's orders, newest first.
func (s *Store) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.marketIdx[marketID]
	out := make([]domain.Order, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		o := s.orders[ids[i]]
		if opts.Since != nil && o.CreatedAt.Before(*opts.Since) {
			continue
		}
		if opts.Until != nil && o.CreatedAt.After(*opts.Until) {
			continue
		}
		out = append(out, o)
	}
	return paginate(out, opts), nil
}

// Update applies fn to the order under the store lock.
func (s *Store) Update(ctx context.Context, id string, fn domain.OrderMutation) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	if err := fn(&o); err != nil {
		return domain.Order{}, err
	}
	if err := s.writeErr("update order"); err != nil {
		return domain.Order{}, err
	}
	s.orders[id] = o
	return o, nil
}

// Replace rewrites the original order and inserts its replacement atomically.
func (s *Store) Replace(ctx context.Context, id string, fn domain.OrderReplacement) (domain.Order, domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.Order{}, domain.ErrNotFound
	}
	repl, err := fn(&old)
	if err != nil {
		return domain.Order{}, domain.Order{}, err
	}
	if err := s.writeErr("replace order"); err != nil {
		return domain.Order{}, domain.Order{}, err
	}
	if _, exists := s.orders[repl.ID]; exists {
		return domain.Order{}, domain.Order{}, fmt.Errorf("memory: replace order %s: %w", repl.ID, domain.ErrAlreadyExists)
	}
	s.orders[id] = old
	if err := s.insertLocked(repl); err != nil {
		return domain.Order{}, domain.Order{}, err
	}
	return old, repl, nil
}

// AppendFill applies fn to the order and appends the resulting fill.
func (s *Store) AppendFill(ctx context.Context, id string, fn domain.FillMutation) (domain.Order, domain.FillRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.FillRecord{}, domain.ErrNotFound
	}
	f, err := fn(&o)
	if err != nil {
		return domain.Order{}, domain.FillRecord{}, err
	}
	if err := s.writeErr("append fill"); err != nil {
		return domain.Order{}, domain.FillRecord{}, err
	}
	existing := s.fills[id]
	if n := len(existing); n > 0 && existing[n-1].Seq >= f.Seq {
		return domain.Order{}, domain.FillRecord{}, fmt.Errorf("memory: fill seq %d for order %s: %w", f.Seq, id, domain.ErrAlreadyExists)
	}
	s.orders[id] = o
	s.fills[id] = append(existing, f)
	return o, f, nil
}

// ListFills returns the fills of an order in sequence order.
func (s *Store) ListFills(ctx context.Context, orderID string) ([]domain.FillRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.FillRecord, len(s.fills[orderID]))
	copy(out, s.fills[orderID])
	return out, nil
}

// ListExpirable returns non-terminal GTD orders past their expiry.
func (s *Store) ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Order
	for _, o := range s.orders {
		if o.Status.Terminal() || !o.ExpiredAt(now) {
			continue
		}
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CountByMarket returns the number of orders ever placed on a market.
func (s *Store) CountByMarket(ctx context.Context, marketID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.marketIdx[marketID])), nil
}

// InsertSeedIfEmpty inserts the seed orders and state only when the market
// has no orders.
func (s *Store) InsertSeedIfEmpty(ctx context.Context, marketID string, orders []domain.Order, state domain.MarketPriceState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.marketIdx[marketID]) > 0 {
		return false, nil
	}
	if err := s.writeErr("insert seed"); err != nil {
		return false, err
	}
	for _, o := range orders {
		if _, ok := s.orders[o.ID]; ok {
			return false, fmt.Errorf("memory: insert seed order %s: %w", o.ID, domain.ErrAlreadyExists)
		}
	}
	for _, o := range orders {
		_ = s.insertLocked(o)
	}
	if prev, ok := s.markets[marketID]; ok {
		state.TotalVolume = prev.TotalVolume
	}
	s.markets[marketID] = state
	return true, nil
}

// ---------------------------------------------------------------------------
// Market state
// ---------------------------------------------------------------------------

// Open creates the market row at the fair price if it does not exist yet and
// returns the current row.
func (s *Store) Open(ctx context.Context, marketID string, now time.Time) (domain.MarketPriceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.markets[marketID]; ok {
		return st, nil
	}
	if err := s.writeErr("open market"); err != nil {
		return domain.MarketPriceState{}, err
	}
	st := domain.NewMarketPriceState(marketID, now)
	s.markets[marketID] = st
	return st, nil
}

// Get returns a market's state.
func (s *Store) Get(ctx context.Context, marketID string) (domain.MarketPriceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.markets[marketID]
	if !ok {
		return domain.MarketPriceState{}, domain.ErrNotFound
	}
	return st, nil
}

// ReplacePrices overwrites price and volume of an existing market.
func (s *Store) ReplacePrices(ctx context.Context, marketID string, yes, no, volume decimal.Decimal, at time.Time) (domain.MarketPriceState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.markets[marketID]
	if !ok {
		return domain.MarketPriceState{}, domain.ErrNotFound
	}
	if err := s.writeErr("replace prices"); err != nil {
		return domain.MarketPriceState{}, err
	}
	st.YesPrice, st.NoPrice, st.TotalVolume, st.UpdatedAt = yes, no, volume, at
	s.markets[marketID] = st
	return st, nil
}

// ListMarketIDs returns known market IDs in lexical order.
func (s *Store) ListMarketIDs(ctx context.Context, opts domain.ListOpts) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.markets))
	for id := range s.markets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return paginate(ids, opts), nil
}

// ---------------------------------------------------------------------------
// Trade tape
// ---------------------------------------------------------------------------

// InsertBatch stores new entries, skipping known IDs.
func (s *Store) InsertBatch(ctx context.Context, trades []domain.TradeTapeEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr("insert trades"); err != nil {
		return 0, err
	}
	var n int64
	for _, t := range trades {
		if _, ok := s.trades[t.ID]; ok {
			continue
		}
		s.trades[t.ID] = t
		s.tradeIdx[t.MarketID] = append(s.tradeIdx[t.MarketID], t.ID)
		n++
	}
	return n, nil
}

// ListRecent returns up to limit entries for a market, most recent first.
func (s *Store) ListRecent(ctx context.Context, marketID string, limit int) ([]domain.TradeTapeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.tradeIdx[marketID]
	out := make([]domain.TradeTapeEntry, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, s.trades[ids[i]])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListBefore returns entries strictly older than before, oldest first.
func (s *Store) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeTapeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.TradeTapeEntry
	for _, t := range s.trades {
		if t.Timestamp.Before(before) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// DeleteBefore removes entries strictly older than before.
func (s *Store) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeErr("delete trades"); err != nil {
		return 0, err
	}
	var n int64
	for id, t := range s.trades {
		if !t.Timestamp.Before(before) {
			continue
		}
		delete(s.trades, id)
		ids := s.tradeIdx[t.MarketID]
		for i, tid := range ids {
			if tid == id {
				s.tradeIdx[t.MarketID] = append(ids[:i], ids[i+1:]...)
				break
			}
		}
		n++
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Audit
// ---------------------------------------------------------------------------

// Log appends an audit entry.
func (s *Store) Log(ctx context.Context, event string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAuditID++
	s.audit = append(s.audit, domain.AuditEntry{
		ID:        s.nextAuditID,
		Event:     event,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

// List returns audit entries, newest first.
func (s *Store) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEntry, 0, len(s.audit))
	for i := len(s.audit) - 1; i >= 0; i-- {
		out = append(out, s.audit[i])
	}
	return paginate(out, opts), nil
}

func paginate[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return items[:0]
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}

// Compile-time interface checks.
var (
	_ domain.OrderStore       = (*Store)(nil)
	_ domain.SeedStore        = (*Store)(nil)
	_ domain.MarketStateStore = (*Store)(nil)
	_ domain.TradeStore       = (*Store)(nil)
	_ domain.AuditStore       = (*Store)(nil)
)
