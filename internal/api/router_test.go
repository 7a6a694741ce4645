package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/competition"
	"github.com/optarena/trading-engine/internal/expiry"
	"github.com/optarena/trading-engine/internal/quote"
	"github.com/optarena/trading-engine/internal/store"
	"github.com/optarena/trading-engine/internal/trade"
	"github.com/optarena/trading-engine/internal/valuation"
)

const (
	secret      = "test-secret"
	issuer      = "optarena-test"
	adminSecret = "admin-secret"
	aapl        = "AAPL260204C00250000"
)

var fixedNow = time.Date(2026, 2, 3, 15, 0, 0, 0, time.UTC)

type testServer struct {
	t      *testing.T
	srv    *httptest.Server
	auth   *Authenticator
	oracle *quote.StaticOracle
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := func() time.Time { return fixedNow }
	st := store.NewMemoryStore()
	oracle := quote.NewStaticOracle(map[string]decimal.Decimal{aapl: decimal.NewFromInt(10)})
	vals := valuation.NewService(st, oracle, valuation.WithClock(clock))
	trades := trade.NewService(st, oracle, vals, trade.WithClock(clock), trade.WithTestMode(true))
	auth := NewAuthenticator(secret, issuer)

	h := NewRouter(Deps{
		Competitions: competition.NewService(st, competition.WithClock(clock)),
		Trades:       trades,
		Valuation:    vals,
		Quotes:       oracle,
		Sweeper:      expiry.NewSweeper(st, trades, expiry.WithClock(clock)),
		Auth:         auth,
		AdminSecret:  adminSecret,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &testServer{t: t, srv: srv, auth: auth, oracle: oracle}
}

func (s *testServer) token(user string) string {
	s.t.Helper()
	tok, err := s.auth.signToken(user, time.Hour)
	if err != nil {
		s.t.Fatal(err)
	}
	return tok
}

// do sends a request and decodes the JSON response into out when non-nil.
func (s *testServer) do(method, path string, headers map[string]string, body, out any) int {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	if err != nil {
		s.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		s.t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			s.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (s *testServer) as(user string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.token(user)}
}

func (s *testServer) createCompetition(user string) string {
	s.t.Helper()
	var out struct {
		Competition struct {
			ID string `json:"id"`
		} `json:"competition"`
	}
	status := s.do(http.MethodPost, "/api/v1/competitions", s.as(user), map[string]any{
		"name":            "Cup",
		"start_date":      fixedNow.Format(time.RFC3339),
		"end_date":        fixedNow.AddDate(0, 1, 0).Format(time.RFC3339),
		"initial_balance": "100000",
	}, &out)
	if status != http.StatusCreated {
		s.t.Fatalf("create competition: status %d", status)
	}
	return out.Competition.ID
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	var out map[string]string
	if status := s.do(http.MethodGet, "/health", nil, nil, &out); status != http.StatusOK || out["status"] != "ok" {
		t.Fatalf("health = %d %v", status, out)
	}
}

func TestAuth_RejectsBadTokens(t *testing.T) {
	s := newTestServer(t)

	wrongIssuer, _ := NewAuthenticator(secret, "someone-else").signToken("alice", time.Hour)
	wrongKey, _ := NewAuthenticator("other-secret", issuer).signToken("alice", time.Hour)
	expired, _ := s.auth.signToken("alice", -time.Minute)
	noSubject, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: issuer, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))

	cases := map[string]string{
		"missing":      "",
		"not bearer":   "Basic dXNlcjpwYXNz",
		"wrong issuer": "Bearer " + wrongIssuer,
		"wrong key":    "Bearer " + wrongKey,
		"expired":      "Bearer " + expired,
		"no subject":   "Bearer " + noSubject,
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			h := map[string]string{}
			if header != "" {
				h["Authorization"] = header
			}
			if status := s.do(http.MethodGet, "/api/v1/competitions", h, nil, nil); status != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", status)
			}
		})
	}
}

func TestTradingFlow(t *testing.T) {
	s := newTestServer(t)
	compID := s.createCompetition("alice")

	if status := s.do(http.MethodPost, "/api/v1/competitions/"+compID+"/join", s.as("bob"), nil, nil); status != http.StatusCreated {
		t.Fatalf("join: %d", status)
	}
	if status := s.do(http.MethodPost, "/api/v1/competitions/"+compID+"/join", s.as("bob"), nil, nil); status != http.StatusConflict {
		t.Errorf("second join: %d, want 409", status)
	}

	var res struct {
		CashBalance decimal.Decimal `json:"cash_balance"`
	}
	status := s.do(http.MethodPost, "/api/v1/competitions/"+compID+"/trade", s.as("bob"),
		map[string]any{"instrument_symbol": aapl, "direction": "BUY", "quantity": 1}, &res)
	if status != http.StatusCreated || !res.CashBalance.Equal(decimal.NewFromInt(99000)) {
		t.Fatalf("buy = %d cash %s", status, res.CashBalance)
	}

	sell := func(qty int) int {
		return s.do(http.MethodPost, "/api/v1/competitions/"+compID+"/trade", s.as("bob"),
			map[string]any{"instrument_symbol": aapl, "direction": "SELL", "quantity": qty}, nil)
	}
	if status := sell(5); status != http.StatusConflict {
		t.Errorf("oversell: %d, want 409", status)
	}

	var view struct {
		Holdings []struct {
			InstrumentSymbol string `json:"instrument_symbol"`
			Quantity         int64  `json:"quantity"`
		} `json:"holdings"`
		Stale bool `json:"stale"`
	}
	if status := s.do(http.MethodGet, "/api/v1/competitions/"+compID+"/portfolio?fresh=true", s.as("bob"), nil, &view); status != http.StatusOK {
		t.Fatalf("portfolio: %d", status)
	}
	if view.Stale || len(view.Holdings) != 1 || view.Holdings[0].Quantity != 1 {
		t.Errorf("view = %+v", view)
	}

	var board []struct {
		Rank   int    `json:"rank"`
		UserID string `json:"user_id"`
	}
	if status := s.do(http.MethodGet, "/api/v1/competitions/"+compID+"/leaderboard?refresh=true", s.as("carol"), nil, &board); status != http.StatusOK {
		t.Fatalf("leaderboard: %d", status)
	}
	if len(board) != 2 || board[0].Rank != 1 {
		t.Errorf("leaderboard = %+v", board)
	}

	if status := s.do(http.MethodGet, "/api/v1/competitions/"+compID+"/portfolio", s.as("carol"), nil, nil); status != http.StatusNotFound {
		t.Errorf("non-participant portfolio: %d, want 404", status)
	}
}

func TestTrade_ErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	compID := s.createCompetition("alice")
	path := "/api/v1/competitions/" + compID + "/trade"

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed symbol", map[string]any{"instrument_symbol": "AAPL", "direction": "BUY", "quantity": 1}, http.StatusBadRequest},
		{"no quote", map[string]any{"instrument_symbol": "MSFT260320C00400000", "direction": "BUY", "quantity": 1}, http.StatusServiceUnavailable},
		{"too expensive", map[string]any{"instrument_symbol": aapl, "direction": "BUY", "quantity": 500}, http.StatusConflict},
		{"bad body", "not an object", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out map[string]string
			if status := s.do(http.MethodPost, path, s.as("alice"), tt.body, &out); status != tt.want {
				t.Fatalf("status = %d, want %d (%v)", status, tt.want, out)
			}
			if out["error"] == "" {
				t.Error("missing error message")
			}
		})
	}

	if status := s.do(http.MethodPost, "/api/v1/competitions/nope/trade", s.as("alice"),
		map[string]any{"instrument_symbol": aapl, "direction": "BUY", "quantity": 1}, nil); status != http.StatusNotFound {
		t.Errorf("unknown competition: %d, want 404", status)
	}
}

func TestMarketQuotes(t *testing.T) {
	s := newTestServer(t)
	const unlisted = "MSFT260320C00400000"

	var out struct {
		Quotes  map[string]decimal.Decimal `json:"quotes"`
		Missing []string                   `json:"missing"`
	}
	path := "/api/v1/market/quotes?symbols=" + strings.ToLower(aapl) + ",%20" + unlisted + "," + aapl
	if status := s.do(http.MethodGet, path, s.as("alice"), nil, &out); status != http.StatusOK {
		t.Fatalf("quotes status = %d", status)
	}
	if len(out.Quotes) != 1 || !out.Quotes[aapl].Equal(decimal.NewFromInt(10)) {
		t.Errorf("quotes = %v", out.Quotes)
	}
	if len(out.Missing) != 1 || out.Missing[0] != unlisted {
		t.Errorf("missing = %v", out.Missing)
	}
	if s.oracle.Calls() != 1 {
		t.Errorf("oracle calls = %d, want one batched call", s.oracle.Calls())
	}

	if status := s.do(http.MethodGet, "/api/v1/market/quotes", s.as("alice"), nil, nil); status != http.StatusBadRequest {
		t.Errorf("no symbols: %d, want 400", status)
	}
	if status := s.do(http.MethodGet, path, nil, nil, nil); status != http.StatusUnauthorized {
		t.Errorf("unauthenticated: %d, want 401", status)
	}
	s.oracle.SetError(errors.New("feed down"))
	if status := s.do(http.MethodGet, path, s.as("alice"), nil, nil); status != http.StatusServiceUnavailable {
		t.Errorf("feed down: %d, want 503", status)
	}
}

func TestAdmin(t *testing.T) {
	s := newTestServer(t)
	s.createCompetition("alice")

	if status := s.do(http.MethodPost, "/api/v1/admin/snapshot", nil, nil, nil); status != http.StatusUnauthorized {
		t.Errorf("no secret: %d", status)
	}
	if status := s.do(http.MethodPost, "/api/v1/admin/snapshot", map[string]string{AdminHeader: "guess"}, nil, nil); status != http.StatusUnauthorized {
		t.Errorf("wrong secret: %d", status)
	}

	admin := map[string]string{AdminHeader: adminSecret}
	var snap struct {
		Count int `json:"count"`
	}
	if status := s.do(http.MethodPost, "/api/v1/admin/snapshot", admin, nil, &snap); status != http.StatusOK || snap.Count != 1 {
		t.Errorf("snapshot = %d %+v", status, snap)
	}
	if status := s.do(http.MethodPost, "/api/v1/admin/expiry-sweep?date=yesterday", admin, nil, nil); status != http.StatusBadRequest {
		t.Errorf("bad sweep date: %d", status)
	}
	var rep struct {
		Date  string `json:"date"`
		Found int    `json:"found"`
	}
	if status := s.do(http.MethodPost, "/api/v1/admin/expiry-sweep", admin, nil, &rep); status != http.StatusOK || rep.Date != "2026-02-03" {
		t.Errorf("sweep = %d %+v", status, rep)
	}
	if status := s.do(http.MethodPost, "/api/v1/admin/portfolios/nope/rebuild", admin, nil, nil); status != http.StatusNotFound {
		t.Errorf("rebuild unknown: %d", status)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{trade.ErrValidation, http.StatusBadRequest},
		{trade.ErrInvalidSpreadStrikes, http.StatusBadRequest},
		{competition.ErrValidation, http.StatusBadRequest},
		{trade.ErrPortfolioNotFound, http.StatusNotFound},
		{competition.ErrCompetitionNotFound, http.StatusNotFound},
		{trade.ErrInsufficientFunds, http.StatusConflict},
		{trade.ErrInsufficientPosition, http.StatusConflict},
		{trade.ErrInvalidSpreadEconomics, http.StatusConflict},
		{trade.ErrMarketClosed, http.StatusConflict},
		{trade.ErrLedgerAnomalies, http.StatusConflict},
		{competition.ErrAlreadyJoined, http.StatusConflict},
		{trade.ErrQuoteUnavailable, http.StatusServiceUnavailable},
		{fmt.Errorf("place trade: %w", trade.ErrInsufficientFunds), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
