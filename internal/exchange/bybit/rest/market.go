package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
)

func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", symbol)

	var resp bybitResponse[tickerList]

	if err := c.doRequest(ctx, http.MethodGet, "/v5/market/tickers", params, nil, false, &resp); err != nil {
		return decimal.Zero, err
	}

	if len(resp.Result.List) == 0 {
		return decimal.Zero, fmt.Errorf("Тикер не найден: %s", symbol)
	}

	price, err := decimal.NewFromString(resp.Result.List[0].LastPrice)
	if err != nil {
		return decimal.Zero, fmt.Errorf("Некорректное значение lastPrice=%q: %w", resp.Result.List[0].LastPrice, err)
	}
	return price, nil
}

func (c *Client) GetTradingRules(ctx context.Context, symbol string) (models.TradingRules, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", symbol)

	var resp bybitResponse[instrumentInfo]

	if err := c.doRequest(ctx, http.MethodGet, "/v5/market/instruments-info", params, nil, false, &resp); err != nil {
		return models.TradingRules{}, err
	}

	if len(resp.Result.List) == 0 {
		return models.TradingRules{}, fmt.Errorf("Торговая пара не найдена: %s: %w", symbol, models.ErrRulesMissing)
	}

	info := resp.Result.List[0]

	tick, err := decimal.NewFromString(info.PriceFilter.TickSize)
	if err != nil {
		return models.TradingRules{}, fmt.Errorf("Некорректное значение tickSize=%q: %w", info.PriceFilter.TickSize, err)
	}

	lot, err := parseDecimalOrZero(info.LotSizeFilter.QtyStep)
	if err != nil {
		return models.TradingRules{}, fmt.Errorf("Некорректное значение qtyStep=%q: %w", info.LotSizeFilter.QtyStep, err)
	}

	if lot.IsZero() {
		lot, err = parseDecimalOrZero(info.LotSizeFilter.BasePrecision)
		if err != nil {
			return models.TradingRules{}, fmt.Errorf("Некорректное значение basePrecision=%q: %w", info.LotSizeFilter.BasePrecision, err)
		}
	}

	if lot.IsZero() {
		return models.TradingRules{}, fmt.Errorf("Не удалось определить lot size для торговой пары: %s", symbol)
	}

	minQty, err := parseDecimalOrZero(info.LotSizeFilter.MinOrderQty)
	if err != nil {
		return models.TradingRules{}, fmt.Errorf("Некорректное значение minOrderQty=%q: %w", info.LotSizeFilter.MinOrderQty, err)
	}

	minNotional, err := parseDecimalOrZero(info.LotSizeFilter.MinOrderAmt)
	if err != nil {
		return models.TradingRules{}, fmt.Errorf("Некорректное значение minOrderAmt=%q: %w", info.LotSizeFilter.MinOrderAmt, err)
	}

	return models.TradingRules{
		TickSize:    tick,
		StepSize:    lot,
		MinQty:      minQty,
		MinNotional: minNotional,
		BaseCoin:    info.BaseCoin,
		QuoteCoin:   info.QuoteCoin,
	}, nil
}
