package trade

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/syntrade/trade-engine/internal/ledger"
	"github.com/syntrade/trade-engine/internal/model"
	"github.com/syntrade/trade-engine/internal/pricefeed"
	"github.com/syntrade/trade-engine/internal/product"
	"github.com/syntrade/trade-engine/internal/store"
)

// Handler exposes a Service over HTTP.
type Handler struct {
	svc *Service
	hub *WSHub
}

// NewHandler creates the HTTP handler. hub may be nil, which disables the
// WebSocket endpoint.
func NewHandler(svc *Service, hub *WSHub) *Handler {
	return &Handler{svc: svc, hub: hub}
}

// Routes mounts the trade API on r. Callers mount it under /api/v1.
func (h *Handler) Routes(r chi.Router) {
	if h.hub != nil {
		r.Get("/ws", h.hub.HandleWS)
	}

	r.Get("/products", h.ListProducts)

	r.Post("/trades", h.OpenTrade)
	r.Get("/trades/{tradeKey}", h.GetTrade)

	r.Post("/accounts", h.CreateAccount)
	r.Get("/accounts/{accountID}", h.GetAccount)
	r.Get("/accounts/{accountID}/trades", h.ListAccountTrades)
	r.Get("/accounts/{accountID}/ledger", h.ListAccountLedger)
}

// OpenTrade handles POST /api/v1/trades. Opened trades answer 201; rejected
// ones answer {status:"rejected", code, reason} with a status matching the
// cause.
func (h *Handler) OpenTrade(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, &OpenResult{
			Status: model.StatusRejected,
			Code:   CodeValidation,
			Reason: "invalid request body",
		})
		return
	}

	res, err := h.svc.OpenTrade(r.Context(), req)
	if err != nil {
		writeJSON(w, statusFor(err), res)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// GetTrade handles GET /api/v1/trades/{tradeKey}
func (h *Handler) GetTrade(w http.ResponseWriter, r *http.Request) {
	tr, err := h.svc.GetTrade(r.Context(), chi.URLParam(r, "tradeKey"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// CreateAccountRequest is the JSON body for POST /api/v1/accounts. A missing
// initial balance funds the account with the configured default.
type CreateAccountRequest struct {
	InitialBalance *decimal.Decimal `json:"initial_balance,omitempty"`
}

// CreateAccount handles POST /api/v1/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}

	acct, err := h.svc.CreateAccount(r.Context(), req.InitialBalance)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.GetAccount(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ListAccountTrades handles GET /api/v1/accounts/{accountID}/trades
func (h *Handler) ListAccountTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.svc.ListAccountTrades(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListAccountLedger handles GET /api/v1/accounts/{accountID}/ledger
func (h *Handler) ListAccountLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.ListAccountLedger(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListProducts handles GET /api/v1/products
func (h *Handler) ListProducts(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, product.All())
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, store.ErrAccountNotFound), errors.Is(err, store.ErrTradeNotFound):
		return http.StatusNotFound
	case errors.Is(err, pricefeed.ErrPriceUnavailable), errors.Is(err, pricefeed.ErrPriceFieldMissing):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
