// Package contract handles option instrument symbol parsing and formatting.
//
// Symbols use the standard option encoding:
//
//	<UNDERLYING><YYMMDD><C|P><8-digit strike × 1000>
//
// e.g. AAPL260204C00250000 is the AAPL 2026-02-04 250.00 call.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optarena/trading-engine/internal/model"
)

// symbolRegex matches: {underlying}{YYMMDD}{C|P}{strike×1000, 8 digits}
var symbolRegex = regexp.MustCompile(`^([A-Z][A-Z0-9.]{0,5})(\d{6})([CP])(\d{8})$`)

var (
	ErrInvalidSymbol = errors.New("contract: invalid instrument symbol")
	ErrInvalidStrike = errors.New("contract: strike out of range")
)

// DateLayout is the storage format of expiration dates.
const DateLayout = "2006-01-02"

var strikeScale = decimal.NewFromInt(1000)

// Contract is a parsed option instrument symbol.
type Contract struct {
	Symbol     string          `json:"symbol"`
	Underlying string          `json:"underlying"`
	Expiry     time.Time       `json:"expiry"`
	Right      model.Right     `json:"right"`
	Strike     decimal.Decimal `json:"strike"`
}

// ParseSymbol parses and validates an option instrument symbol.
func ParseSymbol(symbol string) (*Contract, error) {
	matches := symbolRegex.FindStringSubmatch(symbol)
	if matches == nil {
		return nil, fmt.Errorf("%w: %q (expected {underlying}{YYMMDD}{C|P}{strike×1000})",
			ErrInvalidSymbol, symbol)
	}

	// time.Parse rejects impossible dates such as 260231.
	expiry, err := time.Parse("060102", matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid expiry %s", ErrInvalidSymbol, matches[2])
	}
	// Two-digit years are always 20YY.
	if expiry.Year() < 2000 {
		expiry = expiry.AddDate(100, 0, 0)
	}

	right := model.Call
	if matches[3] == "P" {
		right = model.Put
	}

	raw, err := strconv.ParseInt(matches[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidSymbol, matches[4])
	}

	return &Contract{
		Symbol:     symbol,
		Underlying: matches[1],
		Expiry:     expiry,
		Right:      right,
		Strike:     decimal.NewFromInt(raw).Div(strikeScale),
	}, nil
}

// ExpirationDate returns the expiry as 20YY-MM-DD.
func (c *Contract) ExpirationDate() string {
	return c.Expiry.Format(DateLayout)
}

// FormatSymbol builds the instrument symbol for the given terms.
func FormatSymbol(underlying string, expiry time.Time, right model.Right, strike decimal.Decimal) (string, error) {
	scaled := strike.Mul(strikeScale)
	if !scaled.Equal(scaled.Truncate(0)) || scaled.IsNegative() || scaled.GreaterThan(decimal.NewFromInt(99999999)) {
		return "", fmt.Errorf("%w: %s", ErrInvalidStrike, strike)
	}
	code := "C"
	if right == model.Put {
		code = "P"
	}
	symbol := fmt.Sprintf("%s%s%s%08d", underlying, expiry.Format("060102"), code, scaled.IntPart())
	if !symbolRegex.MatchString(symbol) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	return symbol, nil
}
