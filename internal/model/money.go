package model

import "github.com/shopspring/decimal"

// ContractMultiplier is the number of underlying units one option controls.
const ContractMultiplier = 100

// CentsScale is the number of decimal places kept on persisted currency.
const CentsScale int32 = 2

// Notional returns price × quantity × 100, rounded to cents.
func Notional(price decimal.Decimal, quantity int64) decimal.Decimal {
	return Cents(price.Mul(decimal.NewFromInt(quantity * ContractMultiplier)))
}

// Cents rounds v half-away-from-zero to two decimal places.
func Cents(v decimal.Decimal) decimal.Decimal {
	return v.Round(CentsScale)
}
