package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gridtrade/escrow-engine/internal/auth"
)

// Service exposes the engine over HTTP. Every handler expects the caller
// to have been bound by auth.Middleware.
type Service struct {
	engine *Engine
}

// NewService creates the HTTP layer for an engine.
func NewService(e *Engine) *Service {
	return &Service{engine: e}
}

// Routes mounts the API on r. Paths are relative to /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Post("/accounts", s.OpenAccount)
	r.Get("/accounts/{accountID}", s.GetAccount)
	r.Get("/accounts/{accountID}/journal", s.GetJournal)

	r.Get("/listings", s.ListListings)
	r.Post("/listings", s.CreateListing)
	r.Get("/listings/{listingID}", s.GetListing)
	r.Patch("/listings/{listingID}", s.UpdateListing)

	r.Get("/trades", s.ListTrades)
	r.Post("/trades", s.CreateTrade)
	r.Get("/trades/{tradeID}", s.GetTrade)
	r.Get("/trades/{tradeID}/readings", s.GetReadings)
	r.Post("/trades/{tradeID}/delivery", s.ConfirmDelivery)
	r.Post("/trades/{tradeID}/receipt", s.ConfirmReceipt)
	r.Post("/trades/{tradeID}/dispute", s.RaiseDispute)

	r.Route("/admin", func(r chi.Router) {
		r.Post("/accounts/{accountID}/deposit", s.Deposit)
		r.Post("/trades/{tradeID}/resolve", s.ResolveDispute)
		r.Get("/escrow", s.EscrowSummary)
	})
}

// DepositRequest is the JSON body for POST /admin/accounts/{id}/deposit.
type DepositRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// DisputeRequest is the JSON body for POST /trades/{id}/dispute.
type DisputeRequest struct {
	Reason string `json:"reason"`
}

// --- Accounts ---

// OpenAccount handles POST /api/v1/accounts.
func (s *Service) OpenAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.OpenAccount(r.Context(), caller(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GetAccount handles GET /api/v1/accounts/{accountID}.
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.engine.GetAccount(r.Context(), caller(r), chi.URLParam(r, "accountID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// GetJournal handles GET /api/v1/accounts/{accountID}/journal.
func (s *Service) GetJournal(w http.ResponseWriter, r *http.Request) {
	entries, err := s.engine.Journal(r.Context(), caller(r), chi.URLParam(r, "accountID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// Deposit handles POST /api/v1/admin/accounts/{accountID}/deposit.
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	a, err := s.engine.Deposit(r.Context(), caller(r), chi.URLParam(r, "accountID"), req.Amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// --- Listings ---

// ListListings handles GET /api/v1/listings?status=active.
func (s *Service) ListListings(w http.ResponseWriter, r *http.Request) {
	listings, err := s.engine.ListListings(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, listings)
}

// CreateListing handles POST /api/v1/listings.
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := s.engine.CreateListing(r.Context(), caller(r), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// GetListing handles GET /api/v1/listings/{listingID}.
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.engine.GetListing(r.Context(), chi.URLParam(r, "listingID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// UpdateListing handles PATCH /api/v1/listings/{listingID}.
func (s *Service) UpdateListing(w http.ResponseWriter, r *http.Request) {
	var req UpdateListingRequest
	if !decode(w, r, &req) {
		return
	}
	l, err := s.engine.UpdateListing(r.Context(), caller(r), chi.URLParam(r, "listingID"), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// --- Trades ---

// ListTrades handles GET /api/v1/trades.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.ListTrades(r.Context(), caller(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// CreateTrade handles POST /api/v1/trades.
func (s *Service) CreateTrade(w http.ResponseWriter, r *http.Request) {
	var req CreateTradeRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.engine.CreateTrade(r.Context(), caller(r), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTrade handles GET /api/v1/trades/{tradeID}.
func (s *Service) GetTrade(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.GetTrade(r.Context(), caller(r), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// GetReadings handles GET /api/v1/trades/{tradeID}/readings.
func (s *Service) GetReadings(w http.ResponseWriter, r *http.Request) {
	readings, err := s.engine.Readings(r.Context(), caller(r), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readings)
}

// ConfirmDelivery handles POST /api/v1/trades/{tradeID}/delivery.
func (s *Service) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.ConfirmDelivery(r.Context(), caller(r), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ConfirmReceipt handles POST /api/v1/trades/{tradeID}/receipt.
func (s *Service) ConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	t, err := s.engine.ConfirmReceipt(r.Context(), caller(r), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// RaiseDispute handles POST /api/v1/trades/{tradeID}/dispute. The body is
// optional.
func (s *Service) RaiseDispute(w http.ResponseWriter, r *http.Request) {
	var req DisputeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", "INVALID_REQUEST", http.StatusBadRequest)
		return
	}
	t, err := s.engine.RaiseDispute(r.Context(), caller(r), chi.URLParam(r, "tradeID"), req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ResolveDispute handles POST /api/v1/admin/trades/{tradeID}/resolve. The
// role is checked before the payload so non-admins always get 403.
func (s *Service) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	if !caller(r).IsAdmin() {
		writeEngineError(w, fmt.Errorf("%w: admin role required", ErrUnauthorized))
		return
	}
	var req ResolutionRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := ParseResolution(req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	t, err := s.engine.ResolveDispute(r.Context(), caller(r), chi.URLParam(r, "tradeID"), res)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// EscrowSummary handles GET /api/v1/admin/escrow.
func (s *Service) EscrowSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.EscrowSummary(r.Context(), caller(r))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// --- Helpers ---

func caller(r *http.Request) auth.Caller {
	c, _ := auth.FromContext(r.Context())
	return c
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", "INVALID_REQUEST", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var statusByCode = map[string]int{
	"INSUFFICIENT_FUNDS":     http.StatusConflict,
	"INSUFFICIENT_INVENTORY": http.StatusConflict,
	"LISTING_UNAVAILABLE":    http.StatusConflict,
	"INVALID_STATE":          http.StatusConflict,
	"UNAUTHORIZED":           http.StatusForbidden,
	"INVALID_RESOLUTION":     http.StatusUnprocessableEntity,
	"INVALID_REQUEST":        http.StatusBadRequest,
	"BUSY":                   http.StatusServiceUnavailable,
	"NOT_FOUND":              http.StatusNotFound,
	"ALREADY_EXISTS":         http.StatusConflict,
}

// writeEngineError maps an engine error to its status and stable code.
// Unclassified errors are logged and hidden from the client.
func writeEngineError(w http.ResponseWriter, err error) {
	code := Code(err)
	status, ok := statusByCode[code]
	if !ok {
		slog.Error("internal error", "err", err)
		writeError(w, "internal error", code, http.StatusInternalServerError)
		return
	}
	if errors.Is(err, ErrBusy) {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, err.Error(), code, status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message, code string, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": code})
}
