package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// TradeStore implements domain.TradeStore on the trades table.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a TradeStore backed by pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, market_id, outcome, price::text, quantity::text, ts`

// scanTradeRows decodes rows and validates each entry; a single malformed
// row fails the whole read with domain.ErrMalformedRecord.
func scanTradeRows(rows pgx.Rows) ([]domain.TradeTapeEntry, error) {
	var trades []domain.TradeTapeEntry
	for rows.Next() {
		var (
			t          domain.TradeTapeEntry
			outcome    string
			price, qty string
		)
		if err := rows.Scan(&t.ID, &t.MarketID, &outcome, &price, &qty, &t.Timestamp); err != nil {
			return nil, err
		}
		var n numeric
		t.Price = n.parse("price", price)
		t.Quantity = n.parse("quantity", qty)
		if n.err != nil {
			return nil, fmt.Errorf("trade %s: %w", t.ID, n.err)
		}
		t.Outcome = domain.Outcome(outcome)
		t.Timestamp = t.Timestamp.UTC()
		if err := t.Validate(); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// InsertBatch queues all inserts in one pgx batch. Entries whose ID already
// exists are skipped by ON CONFLICT DO NOTHING.
func (s *TradeStore) InsertBatch(ctx context.Context, trades []domain.TradeTapeEntry) (int64, error) {
	if len(trades) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO trades (id, market_id, outcome, price, quantity, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`
	for _, t := range trades {
		batch.Queue(query,
			t.ID, t.MarketID, string(t.Outcome),
			t.Price.String(), t.Quantity.String(), t.Timestamp,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	var inserted int64
	for i := range trades {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("postgres: insert trade batch item %d: %w", i, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// ListRecent returns up to limit entries for a market, most recent first.
func (s *TradeStore) ListRecent(ctx context.Context, marketID string, limit int) ([]domain.TradeTapeEntry, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE market_id = $1 ORDER BY ts DESC, id DESC`
	args := []any{marketID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent trades %s: %w", marketID, err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan recent trades %s: %w", marketID, err)
	}
	return trades, nil
}

// ListBefore returns entries strictly older than before, oldest first.
func (s *TradeStore) ListBefore(ctx context.Context, before time.Time) ([]domain.TradeTapeEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeSelectCols+` FROM trades WHERE ts < $1 ORDER BY ts`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades before %s: %w", before.Format(time.RFC3339), err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades before: %w", err)
	}
	return trades, nil
}

// DeleteBefore removes entries strictly older than before.
func (s *TradeStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM trades WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete trades before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
