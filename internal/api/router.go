// Package api exposes the trading engine over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/optarena/trading-engine/internal/competition"
	"github.com/optarena/trading-engine/internal/expiry"
	"github.com/optarena/trading-engine/internal/metrics"
	"github.com/optarena/trading-engine/internal/quote"
	"github.com/optarena/trading-engine/internal/trade"
	"github.com/optarena/trading-engine/internal/valuation"
	"github.com/optarena/trading-engine/internal/ws"
)

// Deps are the services the router dispatches to.
type Deps struct {
	Competitions   *competition.Service
	Trades         *trade.Service
	Valuation      *valuation.Service
	Quotes         quote.Oracle
	Sweeper        *expiry.Sweeper
	Hub            *ws.Hub
	Auth           *Authenticator
	AdminSecret    string
	RequestTimeout time.Duration
}

// NewRouter builds the HTTP handler.
func NewRouter(d Deps) http.Handler {
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}
	h := &handlers{d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+AdminHeader)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "trading-engine"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived; kept outside the request timeout.
		if d.Hub != nil {
			r.Get("/ws", d.Hub.HandleWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(d.RequestTimeout))
			r.Use(d.Auth.RequireUser)

			r.Get("/competitions", h.listCompetitions)
			r.Post("/competitions", h.createCompetition)
			r.Get("/competitions/{id}", h.getCompetition)
			r.Post("/competitions/{id}/join", h.joinCompetition)
			r.Get("/competitions/{id}/leaderboard", h.leaderboard)
			r.Get("/competitions/{id}/portfolio", h.portfolio)

			r.Post("/competitions/{id}/trade", h.placeTrade)
			r.Post("/competitions/{id}/spread-trade", h.placeSpread)
			r.Post("/spreads/{spreadID}/close", h.closeSpread)

			r.Get("/portfolios", h.portfolios)
			r.Get("/portfolios/{id}/history", h.history)

			r.Post("/competitions/{id}/saved-trades", h.saveTrade)
			r.Get("/competitions/{id}/saved-trades", h.listSavedTrades)
			r.Delete("/saved-trades/{id}", h.deleteSavedTrade)
			r.Post("/saved-trades/{id}/execute", h.executeSavedTrade)

			r.Get("/market/quotes", h.quotes)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.Timeout(d.RequestTimeout))
			r.Use(RequireAdmin(d.AdminSecret))

			r.Post("/snapshot", h.snapshot)
			r.Post("/expiry-sweep", h.expirySweep)
			r.Post("/portfolios/{id}/rebuild", h.rebuild)
		})
	})
	return r
}
