package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// maxBatch is the number of symbols sent per upstream request.
const maxBatch = 50

// HTTPOracle fetches quotes from a batched JSON endpoint shaped like
// {"quoteResponse":{"result":[{"symbol":..,"regularMarketPrice":..}]}}.
type HTTPOracle struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPOracle builds an oracle for baseURL. Each upstream request is bounded
// by timeout; outbound requests are limited to perSecond (0 disables limiting).
func NewHTTPOracle(baseURL string, timeout time.Duration, perSecond float64) *HTTPOracle {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &HTTPOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
	}
}

type quoteResponse struct {
	QuoteResponse struct {
		Result []struct {
			Symbol             string           `json:"symbol"`
			RegularMarketPrice *decimal.Decimal `json:"regularMarketPrice"`
		} `json:"result"`
	} `json:"quoteResponse"`
}

func (o *HTTPOracle) GetQuotes(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	symbols = Dedupe(symbols)
	out := make(map[string]decimal.Decimal, len(symbols))

	for start := 0; start < len(symbols); start += maxBatch {
		end := start + maxBatch
		if end > len(symbols) {
			end = len(symbols)
		}
		if err := o.fetch(ctx, symbols[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (o *HTTPOracle) fetch(ctx context.Context, batch []string, out map[string]decimal.Decimal) error {
	if err := o.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limit: %v", ErrUnavailable, err)
	}

	params := url.Values{}
	params.Set("symbols", strings.Join(batch, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: upstream status %d", ErrUnavailable, res.StatusCode)
	}

	var body quoteResponse
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	for _, q := range body.QuoteResponse.Result {
		// A zero or absent price means the contract has no market.
		if q.RegularMarketPrice == nil || !q.RegularMarketPrice.IsPositive() {
			continue
		}
		out[q.Symbol] = *q.RegularMarketPrice
	}
	return nil
}
