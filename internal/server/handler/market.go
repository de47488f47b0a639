package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/predictex/internal/domain"
)

// MarketOrderService lists a market's orders.
type MarketOrderService interface {
	ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Order, error)
	TimeRemaining(o domain.Order) string
}

// PriceService returns the current displayed state of a market.
type PriceService interface {
	State(ctx context.Context, marketID string) (domain.MarketPriceState, error)
}

// MarketDirectory lists known markets.
type MarketDirectory interface {
	ListMarketIDs(ctx context.Context, opts domain.ListOpts) ([]string, error)
}

// MarketHandler serves market-related HTTP endpoints.
type MarketHandler struct {
	orders  MarketOrderService
	prices  PriceService
	markets MarketDirectory
	logger  *slog.Logger
}

// NewMarketHandler creates a MarketHandler with the given services and logger.
func NewMarketHandler(orders MarketOrderService, prices PriceService, markets MarketDirectory, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		orders:  orders,
		prices:  prices,
		markets: markets,
		logger:  logger,
	}
}

// listMarketsResponse wraps the list endpoint output with metadata.
type listMarketsResponse struct {
	Markets []string `json:"markets"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

// ListMarkets returns known market IDs with pagination.
// GET /api/markets?limit=50&offset=0
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	ids, err := h.markets.ListMarketIDs(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to list markets")
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, listMarketsResponse{
		Markets: ids,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	})
}

// listOrdersResponse wraps the market orders response.
type listOrdersResponse struct {
	MarketID string      `json:"market_id"`
	Orders   []orderView `json:"orders"`
	Limit    int         `json:"limit"`
	Offset   int         `json:"offset"`
}

// ListOrders returns a market's orders, newest first, with expiry applied.
// GET /api/markets/{id}/orders?limit=50&offset=0
func (h *MarketHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}
	opts := parseListOpts(r)

	orders, err := h.orders.ListByMarket(r.Context(), id, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to list orders")
		return
	}

	views := make([]orderView, 0, len(orders))
	for _, o := range orders {
		views = append(views, newOrderView(o, h.orders.TimeRemaining(o)))
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{
		MarketID: id,
		Orders:   views,
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	})
}

// GetPrice returns the displayed price state of a market.
// GET /api/markets/{id}/price
func (h *MarketHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing market id")
		return
	}

	st, err := h.prices.State(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get market price")
		return
	}
	writeJSON(w, http.StatusOK, st)
}
