package engine

import (
	"rebuybot/internal/quant"

	"github.com/shopspring/decimal"
)

var one = decimal.NewFromInt(1)

// SellPrice is the market price lifted by the buy-increase indicator, floored to tick.
func SellPrice(price, buyIncrease, tick decimal.Decimal) decimal.Decimal {
	return quant.RoundDown(price.Mul(one.Add(buyIncrease)), tick)
}

func BuyPrice(price, profitTarget, tick decimal.Decimal) decimal.Decimal {
	return quant.RoundDown(price.Mul(profitTarget), tick)
}

// RebuyPriceFromSell derives the buy-back price from a sell price when the
// market price the sell was derived from is no longer known.
func RebuyPriceFromSell(sellPrice, buyIncrease, profitTarget, tick decimal.Decimal) decimal.Decimal {
	base := sellPrice.Div(one.Add(buyIncrease))
	return quant.RoundDown(base.Mul(profitTarget), tick)
}

// RoundTripProfit is the net result of selling and buying back qty, with
// feeRate charged on the notional of both legs.
func RoundTripProfit(sellPrice, buyPrice, qty, feeRate decimal.Decimal) decimal.Decimal {
	gross := sellPrice.Sub(buyPrice).Mul(qty)
	sellFee := qty.Mul(sellPrice).Mul(feeRate)
	buyFee := qty.Mul(buyPrice).Mul(feeRate)
	return gross.Sub(sellFee).Sub(buyFee)
}
