// Package quant converts raw prices and quantities into exchange-legal values.
package quant

import (
	"fmt"
	"strings"

	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
)

type Result struct {
	Price    decimal.Decimal
	Qty      decimal.Decimal
	PriceStr string
	QtyStr   string
}

func (r Result) Notional() decimal.Decimal {
	return r.Price.Mul(r.Qty)
}

// Quantize rounds price down to the tick size and quantity down to the step size,
// then enforces the minimum notional and minimum quantity. It never rounds up.
func Quantize(price, qty decimal.Decimal, rules models.TradingRules) (Result, error) {
	p := RoundDown(price, rules.TickSize)
	q := RoundDown(qty, rules.StepSize)

	res := Result{
		Price:    p,
		Qty:      q,
		PriceStr: Format(p, rules.TickSize),
		QtyStr:   Format(q, rules.StepSize),
	}

	if !p.IsPositive() || !q.IsPositive() {
		return res, fmt.Errorf("%w: price=%s qty=%s", models.ErrInsufficientNotional, res.PriceStr, res.QtyStr)
	}
	if notional := res.Notional(); notional.LessThan(rules.MinNotional) {
		return res, fmt.Errorf("%w: %s < %s", models.ErrInsufficientNotional, notional, rules.MinNotional)
	}
	if rules.MinQty.IsPositive() && q.LessThan(rules.MinQty) {
		return res, fmt.Errorf("%w: %s < %s", models.ErrBelowMinQty, res.QtyStr, rules.MinQty)
	}
	return res, nil
}

// RoundDown truncates value to a whole multiple of step. Negative values clamp to zero.
func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if !value.IsPositive() {
		return decimal.Zero
	}
	if !step.IsPositive() {
		return value
	}
	q, _ := value.QuoRem(step, 0)
	return q.Mul(step)
}

func StepDecimals(step decimal.Decimal) int32 {
	text := step.String()
	if dot := strings.IndexByte(text, '.'); dot >= 0 {
		return int32(len(strings.TrimRight(text[dot+1:], "0")))
	}
	return 0
}

// Format renders value with exactly as many decimals as step carries; a step of 1
// yields a plain integer.
func Format(value, step decimal.Decimal) string {
	if !step.IsPositive() {
		return value.String()
	}
	return value.StringFixed(StepDecimals(step))
}
