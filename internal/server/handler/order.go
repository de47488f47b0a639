package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictex/internal/domain"
	"github.com/alanyoungcy/predictex/internal/fill"
	"github.com/alanyoungcy/predictex/internal/ledger"
)

// OrderService defines the ledger operations the order handler requires.
type OrderService interface {
	Place(ctx context.Context, req ledger.PlaceRequest) (domain.Order, error)
	Get(ctx context.Context, id string) (domain.Order, error)
	Cancel(ctx context.Context, id string) (domain.Order, error)
	Reenter(ctx context.Context, id string, newPrice *decimal.Decimal) (ledger.ReentryResult, error)
	TimeRemaining(o domain.Order) string
}

// FillService defines the fill accounting operations the order handler
// requires.
type FillService interface {
	RecordFill(ctx context.Context, orderID string, price, quantity decimal.Decimal, isMaker bool) (fill.Result, error)
	Report(ctx context.Context, orderID string) (domain.VWAPReport, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	fills  FillService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given services and logger.
func NewOrderHandler(orders OrderService, fills FillService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		fills:  fills,
		logger: logger,
	}
}

// orderView is the JSON representation of an order.
type orderView struct {
	ID             string             `json:"id"`
	MarketID       string             `json:"market_id"`
	UserID         string             `json:"user_id,omitempty"`
	Side           domain.OrderSide   `json:"side"`
	Outcome        domain.Outcome     `json:"outcome"`
	Kind           domain.OrderKind   `json:"kind"`
	Price          decimal.Decimal    `json:"price"`
	Quantity       decimal.Decimal    `json:"quantity"`
	FilledQuantity decimal.Decimal    `json:"filled_quantity"`
	Remaining      decimal.Decimal    `json:"remaining"`
	AvgFillPrice   decimal.Decimal    `json:"avg_fill_price"`
	FillCount      int                `json:"fill_count"`
	Status         domain.OrderStatus `json:"status"`
	TimeInForce    domain.TimeInForce `json:"time_in_force"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
	TimeRemaining  string             `json:"time_remaining,omitempty"`
	ReplacesID     string             `json:"replaces_id,omitempty"`
	IsSeed         bool               `json:"is_seed"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
	CancelledAt    *time.Time         `json:"cancelled_at,omitempty"`
	LastFillAt     *time.Time         `json:"last_fill_at,omitempty"`
}

func newOrderView(o domain.Order, remaining string) orderView {
	return orderView{
		ID:             o.ID,
		MarketID:       o.MarketID,
		UserID:         o.UserID,
		Side:           o.Side,
		Outcome:        o.Outcome,
		Kind:           o.Kind,
		Price:          o.Price,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		Remaining:      o.Remaining(),
		AvgFillPrice:   o.AvgFillPrice,
		FillCount:      o.FillCount,
		Status:         o.Status,
		TimeInForce:    o.TimeInForce,
		ExpiresAt:      o.ExpiresAt,
		TimeRemaining:  remaining,
		ReplacesID:     o.ReplacesID,
		IsSeed:         o.IsSeed,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		CancelledAt:    o.CancelledAt,
		LastFillAt:     o.LastFillAt,
	}
}

func (h *OrderHandler) view(o domain.Order) orderView {
	return newOrderView(o, h.orders.TimeRemaining(o))
}

// placeOrderRequest is the body of POST /api/orders. Decimals are strings.
type placeOrderRequest struct {
	MarketID    string     `json:"market_id"`
	UserID      string     `json:"user_id"`
	Side        string     `json:"side"`
	Outcome     string     `json:"outcome"`
	Kind        string     `json:"kind"`
	Price       string     `json:"price"`
	Quantity    string     `json:"quantity"`
	TimeInForce string     `json:"time_in_force"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

// PlaceOrder creates a new order.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var body placeOrderRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.MarketID == "" {
		writeError(w, http.StatusBadRequest, "market_id is required")
		return
	}
	qty, err := parseDecimal("quantity", body.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if qty == nil {
		writeError(w, http.StatusBadRequest, "quantity is required")
		return
	}
	price, err := parseDecimal("price", body.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	side := domain.OrderSide(body.Side)
	if side == "" {
		side = domain.OrderSideBuy
	}
	req := ledger.PlaceRequest{
		MarketID:    body.MarketID,
		UserID:      body.UserID,
		Side:        side,
		Outcome:     domain.Outcome(body.Outcome),
		Kind:        domain.OrderKind(body.Kind),
		Quantity:    *qty,
		TimeInForce: domain.TimeInForce(body.TimeInForce),
		ExpiresAt:   body.ExpiresAt,
	}
	if price != nil {
		req.Price = *price
	}

	o, err := h.orders.Place(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to place order")
		return
	}
	writeJSON(w, http.StatusCreated, h.view(o))
}

// GetOrder returns one order with its effective status.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	o, err := h.orders.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to get order")
		return
	}
	writeJSON(w, http.StatusOK, h.view(o))
}

// CancelOrder cancels an existing order by its ID.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	o, err := h.orders.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to cancel order")
		return
	}
	writeJSON(w, http.StatusOK, h.view(o))
}

// reenterRequest is the optional body of POST /api/orders/{id}/reenter.
type reenterRequest struct {
	Price string `json:"price"`
}

type reenterResponse struct {
	Cancelled   orderView `json:"cancelled"`
	Replacement orderView `json:"replacement"`
}

// ReenterOrder cancels the unfilled remainder of a GTC order and places it
// again, optionally at a new price.
// POST /api/orders/{id}/reenter
func (h *OrderHandler) ReenterOrder(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	var body reenterRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := parseDecimal("price", body.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.orders.Reenter(r.Context(), id, price)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to re-enter order")
		return
	}
	writeJSON(w, http.StatusCreated, reenterResponse{
		Cancelled:   h.view(res.Cancelled),
		Replacement: h.view(res.Replacement),
	})
}

// recordFillRequest is the body of POST /api/orders/{id}/fills.
type recordFillRequest struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
	IsMaker  bool   `json:"is_maker"`
}

type fillView struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"order_id"`
	Seq       int             `json:"seq"`
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
	Value     decimal.Decimal `json:"value"`
	IsMaker   bool            `json:"is_maker"`
	CreatedAt time.Time       `json:"created_at"`
}

func newFillView(f domain.FillRecord) fillView {
	return fillView{
		ID:        f.ID,
		OrderID:   f.OrderID,
		Seq:       f.Seq,
		Price:     f.Price,
		Quantity:  f.Quantity,
		Value:     f.Value,
		IsMaker:   f.IsMaker,
		CreatedAt: f.CreatedAt,
	}
}

type recordFillResponse struct {
	Order orderView `json:"order"`
	Fill  fillView  `json:"fill"`
}

// RecordFill applies an execution to an order.
// POST /api/orders/{id}/fills
func (h *OrderHandler) RecordFill(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	var body recordFillRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := parseDecimal("price", body.Price)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	qty, err := parseDecimal("quantity", body.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if price == nil || qty == nil {
		writeError(w, http.StatusBadRequest, "price and quantity are required")
		return
	}

	res, err := h.fills.RecordFill(r.Context(), id, *price, *qty, body.IsMaker)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to record fill")
		return
	}
	writeJSON(w, http.StatusCreated, recordFillResponse{
		Order: h.view(res.Order),
		Fill:  newFillView(res.Fill),
	})
}

type fillReportResponse struct {
	OrderID       string          `json:"order_id"`
	VWAP          decimal.Decimal `json:"vwap"`
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	FillCount     int             `json:"fill_count"`
	Fills         []fillView      `json:"fills"`
}

// ListFills returns an order's fills and their volume-weighted average price.
// GET /api/orders/{id}/fills
func (h *OrderHandler) ListFills(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}
	rep, err := h.fills.Report(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, err, "failed to list fills")
		return
	}

	fills := make([]fillView, 0, len(rep.Fills))
	for _, f := range rep.Fills {
		fills = append(fills, newFillView(f))
	}
	writeJSON(w, http.StatusOK, fillReportResponse{
		OrderID:       rep.OrderID,
		VWAP:          rep.VWAP,
		TotalValue:    rep.TotalValue,
		TotalQuantity: rep.TotalQuantity,
		FillCount:     rep.FillCount,
		Fills:         fills,
	})
}
