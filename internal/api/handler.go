// Package api exposes the trading engine over HTTP and WebSocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/trading-engine/internal/auth"
	"github.com/atmx/trading-engine/internal/competition"
	"github.com/atmx/trading-engine/internal/leaderboard"
	"github.com/atmx/trading-engine/internal/model"
	"github.com/atmx/trading-engine/internal/snapshot"
	"github.com/atmx/trading-engine/internal/trade"
	"github.com/atmx/trading-engine/internal/valuation"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

// QuoteSource serves the quote endpoint. *pricecache.Cache satisfies it.
type QuoteSource interface {
	GetAllowStale(ctx context.Context, symbol string) (model.PriceEntry, error)
}

// Deps are the services behind the API.
type Deps struct {
	Trades       *trade.Service
	Competitions *competition.Service
	Valuator     *valuation.Valuator
	Leaderboard  *leaderboard.Board
	History      *snapshot.Scheduler
	Quotes       QuoteSource
	Hub          *WSHub
	Auth         *auth.Authenticator
	Now          func() time.Time
	Logger       *slog.Logger
}

// Handler serves /api/v1.
type Handler struct {
	Deps
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Handler{Deps: d}
}

// Routes registers the API on r, typically mounted at /api/v1.
func (h *Handler) Routes(r chi.Router) {
	if h.Hub != nil {
		r.Get("/ws", h.Hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(h.Auth.Middleware)

		r.Post("/portfolio", h.OpenPortfolio)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/portfolio/history", h.GetHistory)
		r.Get("/portfolio/trades", h.ListTrades)

		r.Post("/trades/buy", h.Buy)
		r.Post("/trades/sell", h.Sell)

		r.Get("/quotes/{symbol}", h.GetQuote)

		r.Route("/competitions", func(r chi.Router) {
			r.Get("/", h.ListCompetitions)
			r.Post("/", h.CreateCompetition)
			r.Get("/mine", h.ListMyCompetitions)
			r.Get("/{competitionID}", h.GetCompetition)
			r.Get("/{competitionID}/leaderboard", h.GetLeaderboard)
			r.Post("/{competitionID}/join", h.JoinCompetition)
			r.Post("/{competitionID}/leave", h.LeaveCompetition)
			r.Post("/{competitionID}/lock", h.LockCompetition)
		})
	})
}

// TradeRequest is the body of POST /trades/buy and /trades/sell.
type TradeRequest struct {
	Symbol        string           `json:"symbol"`
	Quantity      int64            `json:"quantity"`
	CompetitionID string           `json:"competition_id,omitempty"`
	PriceHint     *trade.PriceHint `json:"price_hint,omitempty"`
}

// PortfolioResponse pairs stored state with its live valuation.
type PortfolioResponse struct {
	Portfolio *model.Portfolio `json:"portfolio"`
	Valuation *model.Valuation `json:"valuation"`
}

// HistoryResponse is returned by GET /portfolio/history.
type HistoryResponse struct {
	HistoryWindow
	Snapshots []model.PortfolioSnapshot `json:"snapshots"`
}

// LockRequest is the body of POST /competitions/{id}/lock.
type LockRequest struct {
	Locked bool `json:"locked"`
}

// Buy handles POST /api/v1/trades/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.executeTrade(w, r, model.SideBuy)
}

// Sell handles POST /api/v1/trades/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.executeTrade(w, r, model.SideSell)
}

func (h *Handler) executeTrade(w http.ResponseWriter, r *http.Request, side string) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	userID, _ := auth.UserID(r.Context())
	t, err := h.Trades.Execute(r.Context(), trade.Order{
		UserID:        userID,
		CompetitionID: req.CompetitionID,
		Symbol:        req.Symbol,
		Side:          side,
		Quantity:      req.Quantity,
		PriceHint:     req.PriceHint,
	})
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// OpenPortfolio handles POST /api/v1/portfolio. The starting cash is the
// server's configured default; the request body is ignored.
func (h *Handler) OpenPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	p, err := h.Trades.OpenPortfolio(r.Context(), userID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetPortfolio handles GET /api/v1/portfolio?competition_id=
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, _ := auth.UserID(ctx)

	p, err := h.Trades.Portfolio(ctx, userID, r.URL.Query().Get("competition_id"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	val, err := h.Valuator.Valuate(ctx, p)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PortfolioResponse{Portfolio: p, Valuation: val})
}

// GetHistory handles GET /api/v1/portfolio/history?competition_id=&range=&from=&to=
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	window, err := ParseHistoryWindow(q.Get("range"), q.Get("from"), q.Get("to"), h.Now().UTC())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	userID, _ := auth.UserID(r.Context())
	snaps, err := h.History.History(r.Context(), userID, q.Get("competition_id"), window.From, window.To)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HistoryResponse{HistoryWindow: window, Snapshots: snaps})
}

// ListTrades handles GET /api/v1/portfolio/trades?competition_id=&limit=
func (h *Handler) ListTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultTradeLimit
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxTradeLimit)
	}

	userID, _ := auth.UserID(r.Context())
	trades, err := h.Trades.Trades(r.Context(), userID, q.Get("competition_id"), limit)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetQuote handles GET /api/v1/quotes/{symbol}
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	entry, err := h.Quotes.GetAllowStale(r.Context(), symbol)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// ListCompetitions handles GET /api/v1/competitions
func (h *Handler) ListCompetitions(w http.ResponseWriter, r *http.Request) {
	list, err := h.Competitions.ListPublic(r.Context())
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// ListMyCompetitions handles GET /api/v1/competitions/mine
func (h *Handler) ListMyCompetitions(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	list, err := h.Competitions.ListForUser(r.Context(), userID)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// CreateCompetition handles POST /api/v1/competitions
func (h *Handler) CreateCompetition(w http.ResponseWriter, r *http.Request) {
	var req competition.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	userID, _ := auth.UserID(r.Context())
	c, err := h.Competitions.Create(r.Context(), userID, req)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GetCompetition handles GET /api/v1/competitions/{competitionID}
func (h *Handler) GetCompetition(w http.ResponseWriter, r *http.Request) {
	c, err := h.Competitions.Get(r.Context(), chi.URLParam(r, "competitionID"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GetLeaderboard handles GET /api/v1/competitions/{competitionID}/leaderboard
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	standings, err := h.Leaderboard.Rank(r.Context(), chi.URLParam(r, "competitionID"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, standings)
}

// JoinCompetition handles POST /api/v1/competitions/{competitionID}/join
func (h *Handler) JoinCompetition(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	p, err := h.Competitions.Join(r.Context(), userID, chi.URLParam(r, "competitionID"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// LeaveCompetition handles POST /api/v1/competitions/{competitionID}/leave
func (h *Handler) LeaveCompetition(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserID(r.Context())
	if err := h.Competitions.Leave(r.Context(), userID, chi.URLParam(r, "competitionID")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// LockCompetition handles POST /api/v1/competitions/{competitionID}/lock
func (h *Handler) LockCompetition(w http.ResponseWriter, r *http.Request) {
	req := LockRequest{Locked: true}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	userID, _ := auth.UserID(r.Context())
	c, err := h.Competitions.SetLocked(r.Context(), userID, chi.URLParam(r, "competitionID"), req.Locked)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrInsufficientFunds), errors.Is(err, model.ErrInsufficientShares):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrExternalService), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// writeErr reports err to the client. Internal errors are logged and
// replaced by a generic message.
func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status == http.StatusInternalServerError {
		h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
