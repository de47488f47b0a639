package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/predictex/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// MarketStateCache implements domain.MarketStateCache with one hash per
// market at "market:{id}:state" holding yes, no, volume, liquidity and ts
// (unix nanoseconds).
type MarketStateCache struct {
	c   *Client
	ttl time.Duration
}

// NewMarketStateCache creates a cache whose entries expire after ttl. A zero
// ttl keeps entries until overwritten.
func NewMarketStateCache(c *Client, ttl time.Duration) *MarketStateCache {
	return &MarketStateCache{c: c, ttl: ttl}
}

func (mc *MarketStateCache) stateKey(marketID string) string {
	return mc.c.key("market:", marketID, ":state")
}

// Set stores state.
func (mc *MarketStateCache) Set(ctx context.Context, state domain.MarketPriceState) error {
	key := mc.stateKey(state.MarketID)
	fields := map[string]interface{}{
		"yes":       state.YesPrice.String(),
		"no":        state.NoPrice.String(),
		"volume":    state.TotalVolume.String(),
		"liquidity": state.Liquidity.String(),
		"ts":        strconv.FormatInt(state.UpdatedAt.UnixNano(), 10),
	}

	pipe := mc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if mc.ttl > 0 {
		pipe.Expire(ctx, key, mc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market state %s: %w", state.MarketID, err)
	}
	return nil
}

// Get returns the cached state, or domain.ErrNotFound on a miss.
func (mc *MarketStateCache) Get(ctx context.Context, marketID string) (domain.MarketPriceState, error) {
	vals, err := mc.c.rdb.HGetAll(ctx, mc.stateKey(marketID)).Result()
	if err != nil {
		return domain.MarketPriceState{}, fmt.Errorf("redis: get market state %s: %w", marketID, err)
	}
	if len(vals) == 0 {
		return domain.MarketPriceState{}, domain.ErrNotFound
	}
	st, err := parseState(marketID, vals)
	if err != nil {
		return domain.MarketPriceState{}, fmt.Errorf("redis: get market state %s: %w", marketID, err)
	}
	return st, nil
}

// GetMany fetches several markets in one pipeline. Missing or unparsable
// entries are omitted.
func (mc *MarketStateCache) GetMany(ctx context.Context, marketIDs []string) (map[string]domain.MarketPriceState, error) {
	if len(marketIDs) == 0 {
		return map[string]domain.MarketPriceState{}, nil
	}

	pipe := mc.c.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(marketIDs))
	for _, id := range marketIDs {
		cmds[id] = pipe.HGetAll(ctx, mc.stateKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get market states: %w", err)
	}

	out := make(map[string]domain.MarketPriceState, len(marketIDs))
	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		st, err := parseState(id, vals)
		if err != nil {
			continue
		}
		out[id] = st
	}
	return out, nil
}

func parseState(marketID string, vals map[string]string) (domain.MarketPriceState, error) {
	st := domain.MarketPriceState{MarketID: marketID}
	var err error
	if st.YesPrice, err = parseDecimal(vals, "yes"); err != nil {
		return st, err
	}
	if st.NoPrice, err = parseDecimal(vals, "no"); err != nil {
		return st, err
	}
	if st.TotalVolume, err = parseDecimal(vals, "volume"); err != nil {
		return st, err
	}
	if st.Liquidity, err = parseDecimal(vals, "liquidity"); err != nil {
		return st, err
	}
	ns, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return st, fmt.Errorf("field ts: %w", domain.ErrMalformedRecord)
	}
	st.UpdatedAt = time.Unix(0, ns).UTC()
	return st, nil
}

func parseDecimal(vals map[string]string, field string) (decimal.Decimal, error) {
	raw, ok := vals[field]
	if !ok {
		return decimal.Zero, fmt.Errorf("field %s missing: %w", field, domain.ErrMalformedRecord)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %s=%q: %w", field, raw, domain.ErrMalformedRecord)
	}
	return d, nil
}

// Compile-time interface check.
var _ domain.MarketStateCache = (*MarketStateCache)(nil)
