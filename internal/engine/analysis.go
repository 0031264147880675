package engine

import (
	"context"
	"time"

	"rebuybot/internal/config"
	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// OrderSummary aggregates a pair's order history. Pending values come from
// orders still resting on the book.
type OrderSummary struct {
	BuyQty          decimal.Decimal
	BuyValue        decimal.Decimal
	SellQty         decimal.Decimal
	SellValue       decimal.Decimal
	PendingBuyQty   decimal.Decimal
	PendingBuyValue decimal.Decimal
	PendingSellQty  decimal.Decimal
	PendingSellVal  decimal.Decimal
	Fees            decimal.Decimal
	MissingQty      decimal.Decimal
	Profit          decimal.Decimal
	EstimatedProfit decimal.Decimal
	Orders          int
}

// AnalyzeOrders sums filled and pending legs. MissingQty is base sold but not
// yet bought back; EstimatedProfit values it at price.
func AnalyzeOrders(orders []models.Order, price, feeRate decimal.Decimal) OrderSummary {
	var s OrderSummary
	for _, o := range orders {
		switch {
		case o.Status == models.OrderStatusFilled:
			qty := o.ExecutedQty()
			value := qty.Mul(o.Price)
			if o.Side == models.OrderSideBuy {
				s.BuyQty = s.BuyQty.Add(qty)
				s.BuyValue = s.BuyValue.Add(value)
			} else {
				s.SellQty = s.SellQty.Add(qty)
				s.SellValue = s.SellValue.Add(value)
			}
			s.Fees = s.Fees.Add(value.Mul(feeRate))
		case o.IsOpen():
			qty := o.Qty
			value := qty.Mul(o.Price)
			if o.Side == models.OrderSideBuy {
				s.PendingBuyQty = s.PendingBuyQty.Add(qty)
				s.PendingBuyValue = s.PendingBuyValue.Add(value)
			} else {
				s.PendingSellQty = s.PendingSellQty.Add(qty)
				s.PendingSellVal = s.PendingSellVal.Add(value)
			}
			s.Fees = s.Fees.Add(value.Mul(feeRate))
		default:
			continue
		}
		s.Orders++
	}

	missing := s.SellQty.Add(s.PendingSellQty).Sub(s.BuyQty.Add(s.PendingBuyQty))
	if missing.IsNegative() {
		missing = decimal.Zero
	}
	s.MissingQty = missing
	s.Profit = s.SellValue.Sub(s.BuyValue).Sub(s.Fees)
	s.EstimatedProfit = s.SellValue.Add(s.PendingSellVal).
		Sub(s.BuyValue.Add(s.PendingBuyValue)).
		Sub(s.Fees).
		Sub(missing.Mul(price))
	return s
}

// reportPair logs the history summary of a pair once at startup.
func (e *Engine) reportPair(ctx context.Context, cfg *config.Config, symbol string) {
	defer e.exportProfit(ctx, symbol)

	history, err := e.client.GetOrderHistory(ctx, symbol, time.Time{})
	if err != nil {
		e.logEntry().WithError(err).WithField("symbol", symbol).Warn("Не удалось получить историю ордеров для сводки.")
		return
	}
	price, err := e.client.GetPrice(ctx, symbol)
	if err != nil {
		e.logEntry().WithError(err).WithField("symbol", symbol).Warn("Не удалось получить цену для сводки.")
		return
	}

	var own []models.Order
	for _, o := range history {
		if _, ok := parseLinkID(o.LinkID); ok {
			own = append(own, o)
		}
	}
	s := AnalyzeOrders(own, price, cfg.Runtime.FeeRate)
	e.logEntry().WithFields(logrus.Fields{
		"symbol":           symbol,
		"orders":           s.Orders,
		"sold":             s.SellQty.String(),
		"bought":           s.BuyQty.String(),
		"pending_sell":     s.PendingSellQty.String(),
		"pending_buy":      s.PendingBuyQty.String(),
		"missing":          s.MissingQty.String(),
		"fees":             s.Fees.StringFixed(4),
		"profit":           s.Profit.StringFixed(4),
		"estimated_profit": s.EstimatedProfit.StringFixed(4),
	}).Info("Сводка по ордерам пары.")
}
