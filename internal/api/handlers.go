package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/competition"
	"github.com/optarena/trading-engine/internal/expiry"
	"github.com/optarena/trading-engine/internal/quote"
	"github.com/optarena/trading-engine/internal/trade"
)

type handlers struct {
	Deps
}

// queryFlag reads a boolean query parameter; anything unparsable is false.
func queryFlag(r *http.Request, name string) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get(name))
	return v
}

// --- Competitions ---

func (h *handlers) listCompetitions(w http.ResponseWriter, r *http.Request) {
	list, err := h.Competitions.ListCompetitions(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) createCompetition(w http.ResponseWriter, r *http.Request) {
	var req competition.CreateRequest
	if !decode(w, r, &req) {
		return
	}
	c, p, err := h.Competitions.CreateCompetition(r.Context(), UserID(r), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"competition": c, "portfolio": p})
}

func (h *handlers) getCompetition(w http.ResponseWriter, r *http.Request) {
	c, err := h.Competitions.GetCompetition(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handlers) joinCompetition(w http.ResponseWriter, r *http.Request) {
	p, err := h.Competitions.JoinCompetition(r.Context(), UserID(r), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *handlers) leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Valuation.GetLeaderboard(r.Context(), chi.URLParam(r, "id"), queryFlag(r, "refresh"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Portfolios ---

func (h *handlers) portfolio(w http.ResponseWriter, r *http.Request) {
	v, err := h.Valuation.PortfolioView(r.Context(), UserID(r), chi.URLParam(r, "id"), queryFlag(r, "fresh"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *handlers) portfolios(w http.ResponseWriter, r *http.Request) {
	list, err := h.Valuation.Portfolios(r.Context(), UserID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	points, err := h.Valuation.History(r.Context(), UserID(r), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

// --- Trading ---

func (h *handlers) placeTrade(w http.ResponseWriter, r *http.Request) {
	var req trade.TradeRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Trades.PlaceTrade(r.Context(), UserID(r), chi.URLParam(r, "id"), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handlers) placeSpread(w http.ResponseWriter, r *http.Request) {
	var req trade.SpreadRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Trades.PlaceSpreadTrade(r.Context(), UserID(r), chi.URLParam(r, "id"), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handlers) closeSpread(w http.ResponseWriter, r *http.Request) {
	res, err := h.Trades.CloseSpreadTrade(r.Context(), UserID(r), chi.URLParam(r, "spreadID"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// --- Saved trades ---

func (h *handlers) saveTrade(w http.ResponseWriter, r *http.Request) {
	var req trade.SaveTradeRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := h.Trades.SaveTrade(r.Context(), UserID(r), chi.URLParam(r, "id"), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *handlers) listSavedTrades(w http.ResponseWriter, r *http.Request) {
	list, err := h.Trades.ListSavedTrades(r.Context(), UserID(r), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) deleteSavedTrade(w http.ResponseWriter, r *http.Request) {
	if err := h.Trades.DeleteSavedTrade(r.Context(), UserID(r), chi.URLParam(r, "id")); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) executeSavedTrade(w http.ResponseWriter, r *http.Request) {
	res, err := h.Trades.ExecuteSavedTrade(r.Context(), UserID(r), chi.URLParam(r, "id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// --- Admin ---

func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	res, err := h.Valuation.SnapshotAllPortfolios(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// expirySweep runs for ?date=YYYY-MM-DD, defaulting to today.
func (h *handlers) expirySweep(w http.ResponseWriter, r *http.Request) {
	var (
		rep expiry.Report
		err error
	)
	if date := r.URL.Query().Get("date"); date == "" {
		rep, err = h.Sweeper.RunToday(r.Context())
	} else {
		rep, err = h.Sweeper.Run(r.Context(), date)
	}
	if errors.Is(err, expiry.ErrInvalidDate) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (h *handlers) rebuild(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Trades.RebuildHoldings(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, trade.ErrLedgerAnomalies) {
		writeJSON(w, http.StatusConflict, rep)
		return
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- Market data ---

const maxQuoteSymbols = 100

type quotesResponse struct {
	Quotes  map[string]decimal.Decimal `json:"quotes"`
	Missing []string                   `json:"missing"`
}

// quotes prices a comma-separated symbol list through the same quote
// source trades use. Symbols without a market are listed as missing.
func (h *handlers) quotes(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	for _, s := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		symbols = append(symbols, strings.ToUpper(strings.TrimSpace(s)))
	}
	symbols = quote.Dedupe(symbols)
	if len(symbols) == 0 {
		writeError(w, "symbols is required", http.StatusBadRequest)
		return
	}
	if len(symbols) > maxQuoteSymbols {
		writeError(w, fmt.Sprintf("at most %d symbols per request", maxQuoteSymbols), http.StatusBadRequest)
		return
	}

	prices, err := h.Quotes.GetQuotes(r.Context(), symbols)
	if err != nil {
		fail(w, r, err)
		return
	}
	res := quotesResponse{Quotes: prices, Missing: []string{}}
	for _, s := range symbols {
		if _, ok := prices[s]; !ok {
			res.Missing = append(res.Missing, s)
		}
	}
	writeJSON(w, http.StatusOK, res)
}
