package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// OrderStore implements domain.OrderStore and domain.SeedStore.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates an OrderStore backed by pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const orderSelectCols = `id, market_id, user_id, side, outcome, kind,
	price::text, quantity::text, filled_quantity::text, fill_value::text,
	avg_fill_price::text, fill_count, last_fill_at, status, time_in_force,
	expires_at, COALESCE(replaces_id, ''), is_seed, created_at, updated_at,
	cancelled_at`

const insertOrderSQL = `
	INSERT INTO orders (
		id, market_id, user_id, side, outcome, kind,
		price, quantity, filled_quantity, fill_value, avg_fill_price,
		fill_count, last_fill_at, status, time_in_force, expires_at,
		replaces_id, is_seed, created_at, updated_at, cancelled_at
	) VALUES (
		$1, $2, $3, $4, $5, $6,
		$7, $8, $9, $10, $11,
		$12, $13, $14, $15, $16,
		$17, $18, $19, $20, $21
	)`

const updateOrderSQL = `
	UPDATE orders SET
		filled_quantity = $2, fill_value = $3, avg_fill_price = $4,
		fill_count = $5, last_fill_at = $6, status = $7,
		updated_at = $8, cancelled_at = $9
	WHERE id = $1`

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		o                                domain.Order
		side, outcome, kind, status, tif string
		price, qty, filled, value, avg   string
	)
	err := row.Scan(
		&o.ID, &o.MarketID, &o.UserID, &side, &outcome, &kind,
		&price, &qty, &filled, &value, &avg,
		&o.FillCount, &o.LastFillAt, &status, &tif,
		&o.ExpiresAt, &o.ReplacesID, &o.IsSeed, &o.CreatedAt, &o.UpdatedAt,
		&o.CancelledAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	var n numeric
	o.Price = n.parse("price", price)
	o.Quantity = n.parse("quantity", qty)
	o.FilledQuantity = n.parse("filled_quantity", filled)
	o.FillValue = n.parse("fill_value", value)
	o.AvgFillPrice = n.parse("avg_fill_price", avg)
	if n.err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", o.ID, n.err)
	}

	o.Side = domain.OrderSide(side)
	o.Outcome = domain.Outcome(outcome)
	o.Kind = domain.OrderKind(kind)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	if !o.Status.Valid() {
		return domain.Order{}, fmt.Errorf("order %s: status %q: %w", o.ID, status, domain.ErrMalformedRecord)
	}
	if err := o.Validate(); err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %v: %w", o.ID, err, domain.ErrMalformedRecord)
	}

	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	o.LastFillAt = utcPtr(o.LastFillAt)
	o.ExpiresAt = utcPtr(o.ExpiresAt)
	o.CancelledAt = utcPtr(o.CancelledAt)
	return o, nil
}

func scanOrderRows(rows pgx.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertOrder(ctx context.Context, db execer, o domain.Order) error {
	_, err := db.Exec(ctx, insertOrderSQL,
		o.ID, o.MarketID, o.UserID, string(o.Side), string(o.Outcome), string(o.Kind),
		o.Price.String(), o.Quantity.String(), o.FilledQuantity.String(),
		o.FillValue.String(), o.AvgFillPrice.String(),
		o.FillCount, o.LastFillAt, string(o.Status), string(o.TimeInForce), o.ExpiresAt,
		nullString(o.ReplacesID), o.IsSeed, o.CreatedAt, o.UpdatedAt, o.CancelledAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("order %s: %w", o.ID, domain.ErrAlreadyExists)
	}
	return err
}

func updateOrder(ctx context.Context, db execer, o domain.Order) error {
	_, err := db.Exec(ctx, updateOrderSQL,
		o.ID, o.FilledQuantity.String(), o.FillValue.String(), o.AvgFillPrice.String(),
		o.FillCount, o.LastFillAt, string(o.Status), o.UpdatedAt, o.CancelledAt,
	)
	return err
}

// lockOrder selects the order row FOR UPDATE inside tx.
func lockOrder(ctx context.Context, tx pgx.Tx, id string) (domain.Order, error) {
	o, err := scanOrder(tx.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Create inserts a new order.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	if err := insertOrder(ctx, s.pool, o); err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// GetByID retrieves a single order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx,
		`SELECT `+orderSelectCols+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListByMarket returns a market's orders, newest first.
func (s *OrderStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE market_id = $1`
	args := []any{marketID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}
	query += " ORDER BY created_at DESC, id DESC"
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
		return nil, fmt.Errorf("postgres: list orders by market: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan orders by market: %w", err)
	}
	return orders, nil
}

// Update applies fn to the row-locked order and writes the result back.
func (s *OrderStore) Update(ctx context.Context, id string, fn domain.OrderMutation) (domain.Order, error) {
	var out domain.Order
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := lockOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(&o); err != nil {
			return err
		}
		if err := updateOrder(ctx, tx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return domain.Order{}, fmt.Errorf("postgres: update order %s: %w", id, err)
	}
	return out, nil
}

// Replace rewrites the original and inserts its replacement in one
// transaction.
func (s *OrderStore) Replace(ctx context.Context, id string, fn domain.OrderReplacement) (domain.Order, domain.Order, error) {
	var old, repl domain.Order
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := lockOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		r, err := fn(&o)
		if err != nil {
			return err
		}
		if err := updateOrder(ctx, tx, o); err != nil {
			return err
		}
		if err := insertOrder(ctx, tx, r); err != nil {
			return err
		}
		old, repl = o, r
		return nil
	})
	if err != nil {
		return domain.Order{}, domain.Order{}, fmt.Errorf("postgres: replace order %s: %w", id, err)
	}
	return old, repl, nil
}

// AppendFill applies fn to the row-locked order, then updates the order and
// inserts the fill in the same transaction. The row lock serializes
// concurrent fills; the (order_id, seq) key backs it up.
func (s *OrderStore) AppendFill(ctx context.Context, id string, fn domain.FillMutation) (domain.Order, domain.FillRecord, error) {
	var (
		out domain.Order
		rec domain.FillRecord
	)
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		o, err := lockOrder(ctx, tx, id)
		if err != nil {
			return err
		}
		f, err := fn(&o)
		if err != nil {
			return err
		}
		if err := updateOrder(ctx, tx, o); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO fills (id, order_id, seq, price, quantity, value, is_maker, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			f.ID, f.OrderID, f.Seq, f.Price.String(), f.Quantity.String(),
			f.Value.String(), f.IsMaker, f.CreatedAt,
		)
		if isUniqueViolation(err) {
			return fmt.Errorf("fill seq %d: %w", f.Seq, domain.ErrAlreadyExists)
		}
		if err != nil {
			return err
		}
		out, rec = o, f
		return nil
	})
	if err != nil {
		return domain.Order{}, domain.FillRecord{}, fmt.Errorf("postgres: append fill %s: %w", id, err)
	}
	return out, rec, nil
}

// ListFills returns an order's fills in sequence order.
func (s *OrderStore) ListFills(ctx context.Context, orderID string) ([]domain.FillRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, seq, price::text, quantity::text, value::text, is_maker, created_at
		FROM fills WHERE order_id = $1 ORDER BY seq`, orderID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list fills %s: %w", orderID, err)
	}
	defer rows.Close()

	var fills []domain.FillRecord
	for rows.Next() {
		var (
			f                 domain.FillRecord
			price, qty, value string
		)
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Seq, &price, &qty, &value, &f.IsMaker, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan fill: %w", err)
		}
		var n numeric
		f.Price = n.parse("price", price)
		f.Quantity = n.parse("quantity", qty)
		f.Value = n.parse("value", value)
		if n.err != nil {
			return nil, fmt.Errorf("postgres: fill %s: %w", f.ID, n.err)
		}
		f.CreatedAt = f.CreatedAt.UTC()
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list fills rows: %w", err)
	}
	return fills, nil
}

// ListExpirable returns non-terminal GTD orders whose expiry is before now,
// oldest expiry first.
func (s *OrderStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders
		WHERE time_in_force = 'GTD'
		  AND status IN ('open', 'partially_filled')
		  AND expires_at < $1
		ORDER BY expires_at`
	args := []any{now}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expirable orders: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrderRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan expirable orders: %w", err)
	}
	return orders, nil
}

// CountByMarket returns the number of orders ever placed on a market.
func (s *OrderStore) CountByMarket(ctx context.Context, marketID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE market_id = $1`, marketID).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count orders %s: %w", marketID, err)
	}
	return n, nil
}

// InsertSeedIfEmpty takes a transaction-scoped advisory lock on the market,
// re-checks that it has no orders and only then inserts the seed orders and
// upserts the market row. Concurrent seeders of the same market serialize on
// the advisory lock, so at most one of them writes.
func (s *OrderStore) InsertSeedIfEmpty(ctx context.Context, marketID string, orders []domain.Order, state domain.MarketPriceState) (bool, error) {
	var inserted bool
	err := withTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "seed:"+marketID); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM orders WHERE market_id = $1)`, marketID).Scan(&exists); err != nil {
			return fmt.Errorf("check existing: %w", err)
		}
		if exists {
			return nil
		}

		for _, o := range orders {
			if err := insertOrder(ctx, tx, o); err != nil {
				return err
			}
		}
		if err := seedMarketState(ctx, tx, state); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("postgres: seed market %s: %w", marketID, err)
	}
	return inserted, nil
}

// Compile-time interface checks.
var (
	_ domain.OrderStore = (*OrderStore)(nil)
	_ domain.SeedStore  = (*OrderStore)(nil)
)
