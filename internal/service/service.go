// Package service provides the HTTP facade for investors: registration,
// placing and cancelling orders, and reading market state. All
// consistency-sensitive work is delegated to the order book and the
// shared store; the handlers here are thin adapters.
package service

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharespace/exchange-engine/internal/book"
	"github.com/sharespace/exchange-engine/internal/limits"
	"github.com/sharespace/exchange-engine/internal/metrics"
	"github.com/sharespace/exchange-engine/internal/model"
	"github.com/sharespace/exchange-engine/internal/store"
)

// Facade handles investor-facing operations. Order placement is
// serialized with a mutex so the limit check and the write cannot
// interleave across requests (single-instance).
type Facade struct {
	store    store.Store
	book     *book.Book
	limiter  *limits.OrderLimiter
	tradable func(model.Share) bool
	hub      *WSHub
	mu       sync.Mutex
}

// NewFacade creates a facade. Pass nil for hub if WebSocket broadcasting
// is not needed; tradable filters the shares exposed on the market view.
func NewFacade(st store.Store, bk *book.Book, limiter *limits.OrderLimiter, tradable func(model.Share) bool, hub *WSHub) *Facade {
	if tradable == nil {
		tradable = func(model.Share) bool { return true }
	}
	return &Facade{
		store:    st,
		book:     bk,
		limiter:  limiter,
		tradable: tradable,
		hub:      hub,
	}
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for investor registration.
type RegisterRequest struct {
	InvestorID string          `json:"investor_id"`
	Budget     decimal.Decimal `json:"budget"`
}

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	InvestorID  string          `json:"investor_id"`
	ShareName   string          `json:"share_name"`
	Side        model.OrderSide `json:"side"`
	TotalShares int64           `json:"total_shares"`
}

// --- HTTP Handlers ---

// RegisterInvestor handles POST /api/v1/investors.
func (f *Facade) RegisterInvestor(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.InvestorID == "" {
		writeError(w, "investor_id is required", http.StatusBadRequest)
		return
	}
	if req.Budget.IsNegative() {
		writeError(w, "budget must not be negative", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	tx, err := f.store.Begin(ctx)
	if err != nil {
		writeError(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	if _, err := tx.GetDepot(ctx, req.InvestorID); err == nil {
		tx.Rollback(ctx)
		writeError(w, "investor already registered", http.StatusConflict)
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		tx.Rollback(ctx)
		writeError(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	depot := &model.InvestorDepot{
		InvestorID: req.InvestorID,
		Budget:     req.Budget,
		Holdings:   make(map[string]int64),
	}
	if err := tx.PutDepot(ctx, depot); err != nil {
		tx.Rollback(ctx)
		writeError(w, "failed to create depot", http.StatusInternalServerError)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		writeError(w, "failed to create depot", http.StatusInternalServerError)
		return
	}

	slog.Info("investor registered", "investor", req.InvestorID, "budget", req.Budget.String())
	writeJSON(w, http.StatusCreated, depot)
}

// ListShares handles GET /api/v1/shares. Shares and pending volumes come
// from one read transaction so the client never sees a half-updated
// market.
func (f *Facade) ListShares(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tx, err := f.store.Begin(ctx)
	if err != nil {
		writeError(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}

	shares, err := tx.ListShares(ctx)
	if err != nil {
		tx.Rollback(ctx)
		writeError(w, "failed to list shares", http.StatusInternalServerError)
		return
	}

	out := make([]model.Share, 0, len(shares))
	for _, s := range shares {
		if !f.tradable(s) {
			continue
		}
		s.PurchasingVolume, err = book.PendingVolumeTx(ctx, tx, s.Name, model.SideBuy)
		if err != nil {
			tx.Rollback(ctx)
			writeError(w, "failed to compute volumes", http.StatusInternalServerError)
			return
		}
		s.SalesVolume, err = book.PendingVolumeTx(ctx, tx, s.Name, model.SideSell)
		if err != nil {
			tx.Rollback(ctx)
			writeError(w, "failed to compute volumes", http.StatusInternalServerError)
			return
		}
		out = append(out, s)
	}

	if err := tx.Commit(ctx); err != nil {
		writeError(w, "failed to list shares", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetPrice handles GET /api/v1/shares/{name}/price. This is the hot read
// path; with a CachedStore it is served from Redis.
func (f *Facade) GetPrice(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	share, err := f.store.GetShare(r.Context(), name)
	if err != nil {
		writeError(w, "share not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"name":  share.Name,
		"price": share.Price.String(),
	})
}

// PlaceOrder handles POST /api/v1/orders.
func (f *Facade) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.InvestorID == "" {
		writeError(w, "investor_id is required", http.StatusBadRequest)
		return
	}
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, "side must be BUY or SELL", http.StatusBadRequest)
		return
	}
	if req.TotalShares <= 0 {
		writeError(w, "total_shares must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if _, err := f.store.GetDepot(ctx, req.InvestorID); err != nil {
		writeError(w, "investor not registered", http.StatusNotFound)
		return
	}
	if _, err := f.store.GetShare(ctx, req.ShareName); err != nil {
		writeError(w, "share not found: "+req.ShareName, http.StatusNotFound)
		return
	}

	// Serialize limit check + placement.
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.limiter != nil {
		existing, err := f.openVolumes(r, req.InvestorID)
		if err != nil {
			writeError(w, "failed to check order limits", http.StatusInternalServerError)
			return
		}
		if err := f.limiter.Check(req.ShareName, req.TotalShares, existing); err != nil {
			metrics.OrderLimitRejections.Inc()
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
	}

	order := &model.Order{
		ID:          uuid.New().String(),
		InvestorID:  req.InvestorID,
		ShareName:   req.ShareName,
		Side:        req.Side,
		TotalShares: req.TotalShares,
		CreatedAt:   time.Now().UTC(),
	}
	if err := f.book.PlaceOrder(ctx, order); err != nil {
		writeError(w, "failed to place order", http.StatusServiceUnavailable)
		return
	}

	slog.Info("order placed",
		"order", order.ID,
		"investor", order.InvestorID,
		"share", order.ShareName,
		"side", order.Side,
		"total", order.TotalShares,
	)
	writeJSON(w, http.StatusCreated, order)
}

// openVolumes sums the investor's open shares per share name.
func (f *Facade) openVolumes(r *http.Request, investorID string) (map[string]int64, error) {
	orders, err := f.store.ListOrders(r.Context())
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64)
	for i := range orders {
		o := &orders[i]
		if o.InvestorID == investorID && o.Pending() {
			out[o.ShareName] += o.OpenShares
		}
	}
	return out, nil
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}. Cancelling an
// unknown order succeeds with no effect.
func (f *Facade) CancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	if err := f.book.CancelOrder(r.Context(), orderID); err != nil {
		writeError(w, "failed to cancel order", http.StatusServiceUnavailable)
		return
	}

	slog.Info("order cancelled", "order", orderID)
	w.WriteHeader(http.StatusNoContent)
}

// ListOrders handles GET /api/v1/orders?investor_id=X&pending=true.
func (f *Facade) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := f.store.ListOrders(r.Context())
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}

	investorID := r.URL.Query().Get("investor_id")
	pendingOnly := r.URL.Query().Get("pending") == "true"

	out := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		if investorID != "" && o.InvestorID != investorID {
			continue
		}
		if pendingOnly && !(o.Pending() && o.OpenShares > 0) {
			continue
		}
		out = append(out, o)
	}
	writeJSON(w, http.StatusOK, out)
}

// ListSettlements handles GET /api/v1/settlements.
func (f *Facade) ListSettlements(w http.ResponseWriter, r *http.Request) {
	settlements, err := f.store.ListTransactions(r.Context())
	if err != nil {
		writeError(w, "failed to list settlements", http.StatusInternalServerError)
		return
	}
	if settlements == nil {
		settlements = []model.Transaction{}
	}
	writeJSON(w, http.StatusOK, settlements)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
