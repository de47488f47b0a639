package postgres

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// numeric accumulates the first parse failure while converting NUMERIC
// columns selected as text, so a row can be decoded in one pass and then
// rejected as a whole.
type numeric struct {
	err error
}

func (n *numeric) parse(column, raw string) decimal.Decimal {
	if n.err != nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		n.err = fmt.Errorf("column %s=%q: %w", column, raw, domain.ErrMalformedRecord)
		return decimal.Zero
	}
	return d
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
