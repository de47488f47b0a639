package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// MarketStateStore implements domain.MarketStateStore on the market_prices
// table.
type MarketStateStore struct {
	pool *pgxpool.Pool
}

// NewMarketStateStore creates a MarketStateStore backed by pool.
func NewMarketStateStore(pool *pgxpool.Pool) *MarketStateStore {
	return &MarketStateStore{pool: pool}
}

const marketSelectCols = `market_id, yes_price::text, no_price::text,
	total_volume::text, liquidity::text, updated_at`

func scanMarketState(row rowScanner) (domain.MarketPriceState, error) {
	var (
		st                   domain.MarketPriceState
		yes, no, volume, liq string
	)
	if err := row.Scan(&st.MarketID, &yes, &no, &volume, &liq, &st.UpdatedAt); err != nil {
		return domain.MarketPriceState{}, err
	}
	var n numeric
	st.YesPrice = n.parse("yes_price", yes)
	st.NoPrice = n.parse("no_price", no)
	st.TotalVolume = n.parse("total_volume", volume)
	st.Liquidity = n.parse("liquidity", liq)
	if n.err != nil {
		return domain.MarketPriceState{}, fmt.Errorf("market %s: %w", st.MarketID, n.err)
	}
	st.UpdatedAt = st.UpdatedAt.UTC()
	return st, nil
}

// seedMarketState writes seeded prices and liquidity. An existing row keeps
// its total_volume.
func seedMarketState(ctx context.Context, db execer, st domain.MarketPriceState) error {
	_, err := db.Exec(ctx, `
		INSERT INTO market_prices (market_id, yes_price, no_price, total_volume, liquidity, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id) DO UPDATE SET
			yes_price    = EXCLUDED.yes_price,
			no_price     = EXCLUDED.no_price,
			liquidity    = EXCLUDED.liquidity,
			updated_at   = EXCLUDED.updated_at`,
		st.MarketID, st.YesPrice.String(), st.NoPrice.String(),
		st.TotalVolume.String(), st.Liquidity.String(), st.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("seed market state %s: %w", st.MarketID, err)
	}
	return nil
}

// Open inserts the market at the fair price when it has no row yet and
// returns the current row.
func (s *MarketStateStore) Open(ctx context.Context, marketID string, now time.Time) (domain.MarketPriceState, error) {
	init := domain.NewMarketPriceState(marketID, now)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO market_prices (market_id, yes_price, no_price, total_volume, liquidity, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (market_id) DO NOTHING`,
		init.MarketID, init.YesPrice.String(), init.NoPrice.String(),
		init.TotalVolume.String(), init.Liquidity.String(), init.UpdatedAt,
	)
	if err != nil {
		return domain.MarketPriceState{}, fmt.Errorf("postgres: open market %s: %w", marketID, err)
	}
	return s.Get(ctx, marketID)
}

// Get returns a market's state.
func (s *MarketStateStore) Get(ctx context.Context, marketID string) (domain.MarketPriceState, error) {
	st, err := scanMarketState(s.pool.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM market_prices WHERE market_id = $1`, marketID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketPriceState{}, domain.ErrNotFound
		}
		return domain.MarketPriceState{}, fmt.Errorf("postgres: get market %s: %w", marketID, err)
	}
	return st, nil
}

// ReplacePrices overwrites price and volume in one statement; liquidity is
// left untouched.
func (s *MarketStateStore) ReplacePrices(ctx context.Context, marketID string, yes, no, volume decimal.Decimal, at time.Time) (domain.MarketPriceState, error) {
	st, err := scanMarketState(s.pool.QueryRow(ctx, `
		UPDATE market_prices SET
			yes_price = $2, no_price = $3, total_volume = $4, updated_at = $5
		WHERE market_id = $1
		RETURNING `+marketSelectCols,
		marketID, yes.String(), no.String(), volume.String(), at,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.MarketPriceState{}, domain.ErrNotFound
		}
		return domain.MarketPriceState{}, fmt.Errorf("postgres: replace prices %s: %w", marketID, err)
	}
	return st, nil
}

// ListMarketIDs returns known market IDs in lexical order.
func (s *MarketStateStore) ListMarketIDs(ctx context.Context, opts domain.ListOpts) ([]string, error) {
	query := `SELECT market_id FROM market_prices WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND updated_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	query += " ORDER BY market_id"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan markets: %w", err)
	}
	return ids, nil
}

// Compile-time interface check.
var _ domain.MarketStateStore = (*MarketStateStore)(nil)
