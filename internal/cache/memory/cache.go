package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// MarketStateCache keeps the latest market state per market.
type MarketStateCache struct {
	mu     sync.RWMutex
	states map[string]domain.MarketPriceState
}

// NewMarketStateCache creates an empty cache.
func NewMarketStateCache() *MarketStateCache {
	return &MarketStateCache{states: make(map[string]domain.MarketPriceState)}
}

// Set stores state.
func (c *MarketStateCache) Set(ctx context.Context, state domain.MarketPriceState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[state.MarketID] = state
	return nil
}

// Get returns the cached state or domain.ErrNotFound.
func (c *MarketStateCache) Get(ctx context.Context, marketID string) (domain.MarketPriceState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.states[marketID]
	if !ok {
		return domain.MarketPriceState{}, domain.ErrNotFound
	}
	return st, nil
}

// GetMany returns cached states; missing markets are omitted.
func (c *MarketStateCache) GetMany(ctx context.Context, marketIDs []string) (map[string]domain.MarketPriceState, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]domain.MarketPriceState, len(marketIDs))
	for _, id := range marketIDs {
		if st, ok := c.states[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

// LockManager is a process-local implementation of domain.LockManager.
type LockManager struct {
	mu    sync.Mutex
	held  map[string]time.Time // key -> expiry
	clock func() time.Time
}

// NewLockManager creates a LockManager.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]time.Time), clock: time.Now}
}

// Acquire takes key for ttl, or fails with domain.ErrLockHeld.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.clock()
	if exp, ok := lm.held[key]; ok && now.Before(exp) {
		return nil, domain.ErrLockHeld
	}
	exp := now.Add(ttl)
	lm.held[key] = exp

	var once sync.Once
	return func() {
		once.Do(func() {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			if cur, ok := lm.held[key]; ok && cur.Equal(exp) {
				delete(lm.held, key)
			}
		})
	}, nil
}

// Compile-time interface checks.
var (
	_ domain.MarketStateCache = (*MarketStateCache)(nil)
	_ domain.LockManager      = (*LockManager)(nil)
)
