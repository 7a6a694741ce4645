package quote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

const (
	callSym = "AAPL260204C00250000"
	putSym  = "AAPL260204P00240000"
)

func TestDedupe(t *testing.T) {
	got := Dedupe([]string{putSym, callSym, "", putSym})
	if len(got) != 2 || got[0] != callSym || got[1] != putSym {
		t.Errorf("Dedupe = %v", got)
	}
}

func TestStaticOracle_OmitsUnknown(t *testing.T) {
	o := NewStaticOracle(map[string]decimal.Decimal{callSym: d(10)})
	got, err := o.GetQuotes(context.Background(), []string{callSym, putSym})
	if err != nil {
		t.Fatal(err)
	}
	if !got[callSym].Equal(d(10)) {
		t.Errorf("call price = %s, want 10", got[callSym])
	}
	if _, ok := got[putSym]; ok {
		t.Error("expected put to be omitted")
	}
}

func TestStaticOracle_ErrorWrapsUnavailable(t *testing.T) {
	o := NewStaticOracle(nil)
	o.SetError(errors.New("down"))
	_, err := o.GetQuotes(context.Background(), []string{callSym})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestWithFallback(t *testing.T) {
	primary := NewStaticOracle(map[string]decimal.Decimal{callSym: d(12)})
	o := WithFallback(primary, d(10))

	got, err := o.GetQuotes(context.Background(), []string{callSym, putSym})
	if err != nil {
		t.Fatal(err)
	}
	if !got[callSym].Equal(d(12)) || !got[putSym].Equal(d(10)) {
		t.Errorf("fallback prices = %v", got)
	}

	primary.SetError(errors.New("down"))
	got, err = o.GetQuotes(context.Background(), []string{callSym})
	if err != nil {
		t.Fatalf("fallback should absorb primary failure: %v", err)
	}
	if !got[callSym].Equal(d(10)) {
		t.Errorf("price during outage = %s, want 10", got[callSym])
	}
}

func TestHTTPOracle_ParsesBatch(t *testing.T) {
	var gotSymbols string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSymbols = r.URL.Query().Get("symbols")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"quoteResponse":{"result":[
			{"symbol":"AAPL260204C00250000","regularMarketPrice":12.35},
			{"symbol":"AAPL260204P00240000","regularMarketPrice":0},
			{"symbol":"MSFT260320C00400000"}
		]}}`))
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, time.Second, 0)
	got, err := o.GetQuotes(context.Background(), []string{putSym, callSym, callSym, "MSFT260320C00400000"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(gotSymbols, callSym) != 1 {
		t.Errorf("symbols not deduplicated: %q", gotSymbols)
	}
	if len(got) != 1 || !got[callSym].Equal(d(12.35)) {
		t.Errorf("prices = %v, want only %s=12.35", got, callSym)
	}
}

func TestHTTPOracle_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, time.Second, 0)
	_, err := o.GetQuotes(context.Background(), []string{callSym})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestHTTPOracle_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, 50*time.Millisecond, 0)
	_, err := o.GetQuotes(context.Background(), []string{callSym})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestHTTPOracle_EmptyRequestSkipsUpstream(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	got, err := NewHTTPOracle(srv.URL, time.Second, 0).GetQuotes(context.Background(), nil)
	if err != nil || len(got) != 0 {
		t.Fatalf("got %v, %v", got, err)
	}
	if hits.Load() != 0 {
		t.Errorf("upstream called %d times for empty request", hits.Load())
	}
}

func TestCachedOracle_RedisDownFallsThrough(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	primary := NewStaticOracle(map[string]decimal.Decimal{callSym: d(7.5)})
	o := NewCachedOracle(primary, rdb, time.Minute)

	got, err := o.GetQuotes(context.Background(), []string{callSym})
	if err != nil {
		t.Fatal(err)
	}
	if !got[callSym].Equal(d(7.5)) {
		t.Errorf("price = %s, want 7.5", got[callSym])
	}
	if primary.Calls() != 1 {
		t.Errorf("primary calls = %d, want 1", primary.Calls())
	}
}

// recordingOracle remembers which symbols each call asked for.
type recordingOracle struct {
	Oracle
	asked [][]string
}

func (o *recordingOracle) GetQuotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	o.asked = append(o.asked, append([]string(nil), symbols...))
	return o.Oracle.GetQuotes(ctx, symbols)
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestCachedOracle_HitSkipsPrimary(t *testing.T) {
	mr, rdb := newTestRedis(t)
	primary := NewStaticOracle(map[string]decimal.Decimal{callSym: d(7.5)})
	o := NewCachedOracle(primary, rdb, time.Minute)
	ctx := context.Background()

	if _, err := o.GetQuotes(ctx, []string{callSym}); err != nil {
		t.Fatal(err)
	}
	if primary.Calls() != 1 {
		t.Fatalf("primary calls = %d, want 1", primary.Calls())
	}
	if v, err := mr.Get(quoteKey(callSym)); err != nil || v != "7.5" {
		t.Errorf("cached value = %q, %v", v, err)
	}
	if ttl := mr.TTL(quoteKey(callSym)); ttl != time.Minute {
		t.Errorf("ttl = %v, want 1m", ttl)
	}

	primary.Set(callSym, d(9))
	got, err := o.GetQuotes(ctx, []string{callSym})
	if err != nil {
		t.Fatal(err)
	}
	if !got[callSym].Equal(d(7.5)) || primary.Calls() != 1 {
		t.Errorf("hit returned %s with %d primary calls", got[callSym], primary.Calls())
	}

	mr.FastForward(time.Minute + time.Second)
	got, err = o.GetQuotes(ctx, []string{callSym})
	if err != nil {
		t.Fatal(err)
	}
	if !got[callSym].Equal(d(9)) || primary.Calls() != 2 {
		t.Errorf("after expiry got %s with %d primary calls", got[callSym], primary.Calls())
	}
}

func TestCachedOracle_PartialHitFetchesOnlyMissing(t *testing.T) {
	mr, rdb := newTestRedis(t)
	if err := mr.Set(quoteKey(callSym), "7.5"); err != nil {
		t.Fatal(err)
	}
	primary := &recordingOracle{Oracle: NewStaticOracle(map[string]decimal.Decimal{
		callSym: d(99),
		putSym:  d(3),
	})}
	o := NewCachedOracle(primary, rdb, time.Minute)

	got, err := o.GetQuotes(context.Background(), []string{callSym, putSym})
	if err != nil {
		t.Fatal(err)
	}
	if !got[callSym].Equal(d(7.5)) || !got[putSym].Equal(d(3)) {
		t.Errorf("quotes = %v", got)
	}
	if len(primary.asked) != 1 || len(primary.asked[0]) != 1 || primary.asked[0][0] != putSym {
		t.Errorf("primary asked for %v, want only %s", primary.asked, putSym)
	}
	if ttl := mr.TTL(quoteKey(putSym)); ttl != time.Minute {
		t.Errorf("fetched quote ttl = %v, want 1m", ttl)
	}
}
