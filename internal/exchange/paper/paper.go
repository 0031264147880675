package paper

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"rebuybot/internal/exchange"
	"rebuybot/internal/logger"
	"rebuybot/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// MarketData is the read-only part of a venue the paper exchange prices against.
type MarketData interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetTradingRules(ctx context.Context, symbol string) (models.TradingRules, error)
}

// Exchange simulates LIMIT orders against real market data. An open SELL fills
// once the market trades at or above its price, an open BUY at or below.
type Exchange struct {
	mu       sync.Mutex
	market   MarketData
	feeRate  decimal.Decimal
	balances map[string]*models.Balance
	orders   map[string]*models.Order
	links    map[string]string
	rules    map[string]models.TradingRules
	placed   []string
	now      func() time.Time
	log      *logger.Logger
}

func New(market MarketData, balances map[string]decimal.Decimal, feeRate decimal.Decimal, log *logger.Logger) *Exchange {
	e := &Exchange{
		market:   market,
		feeRate:  feeRate,
		balances: map[string]*models.Balance{},
		orders:   map[string]*models.Order{},
		links:    map[string]string{},
		rules:    map[string]models.TradingRules{},
		now:      func() time.Time { return time.Now().UTC() },
		log:      log,
	}
	for coin, amount := range balances {
		e.balances[coin] = &models.Balance{Coin: coin, Free: amount}
	}
	return e
}

func (e *Exchange) SetClock(now func() time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
}

func (e *Exchange) logEntry() *logrus.Entry {
	return e.log.WithComponent("paper")
}

func (e *Exchange) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return e.market.GetPrice(ctx, symbol)
}

func (e *Exchange) GetTradingRules(ctx context.Context, symbol string) (models.TradingRules, error) {
	rules, err := e.market.GetTradingRules(ctx, symbol)
	if err != nil {
		return models.TradingRules{}, err
	}
	e.mu.Lock()
	e.rules[symbol] = rules
	e.mu.Unlock()
	return rules, nil
}

func (e *Exchange) GetBalances(ctx context.Context, coins []string) (map[string]models.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := map[string]models.Balance{}
	if len(coins) == 0 {
		for coin, bal := range e.balances {
			out[coin] = *bal
		}
		return out, nil
	}
	for _, coin := range coins {
		if bal, ok := e.balances[coin]; ok {
			out[coin] = *bal
		} else {
			out[coin] = models.Balance{Coin: coin}
		}
	}
	return out, nil
}

func (e *Exchange) PlaceLimitOrder(ctx context.Context, req exchange.OrderRequest) (models.Order, error) {
	rules, err := e.rulesFor(ctx, req.Symbol)
	if err != nil {
		return models.Order{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if req.LinkID != "" {
		if _, dup := e.links[req.LinkID]; dup {
			return models.Order{}, fmt.Errorf("%s: %w", req.LinkID, models.ErrDuplicateOrder)
		}
	}

	switch req.Side {
	case models.OrderSideSell:
		if err := e.lock(rules.BaseCoin, req.Qty); err != nil {
			return models.Order{}, err
		}
	default:
		if err := e.lock(rules.QuoteCoin, req.Qty.Mul(req.Price)); err != nil {
			return models.Order{}, err
		}
	}

	now := e.now()
	order := &models.Order{
		ID:         "paper-" + uuid.NewString(),
		LinkID:     req.LinkID,
		Symbol:     req.Symbol,
		Strategy:   req.Strategy,
		Side:       req.Side,
		Type:       models.OrderTypeLimit,
		Price:      req.Price,
		Qty:        req.Qty,
		Status:     models.OrderStatusNew,
		CreateTime: now,
		UpdateTime: now,
	}
	e.orders[order.ID] = order
	e.placed = append(e.placed, order.ID)
	if req.LinkID != "" {
		e.links[req.LinkID] = order.ID
	}

	e.logEntry().WithFields(logrus.Fields{
		"symbol":   order.Symbol,
		"side":     order.Side,
		"price":    order.Price.String(),
		"qty":      order.Qty.String(),
		"order_id": order.ID,
	}).Info("Бумажный ордер размещён")

	return *order, nil
}

func (e *Exchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (models.Order, error) {
	if err := e.match(ctx, symbol); err != nil {
		return models.Order{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok || order.Symbol != symbol {
		return models.Order{}, fmt.Errorf("%s %s: %w", symbol, orderID, models.ErrOrderNotFound)
	}
	return *order, nil
}

func (e *Exchange) CancelOrder(ctx context.Context, symbol, orderID string) (exchange.CancelResult, error) {
	if err := e.match(ctx, symbol); err != nil {
		return exchange.CancelResultFailed, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	order, ok := e.orders[orderID]
	if !ok {
		return exchange.CancelResultFailed, nil
	}

	switch order.Status {
	case models.OrderStatusFilled:
		return exchange.CancelResultAlreadyFilled, nil
	case models.OrderStatusCanceled:
		return exchange.CancelResultCanceled, nil
	}

	rules := e.rules[symbol]
	remaining := order.Qty.Sub(order.FilledQty)
	if order.Side == models.OrderSideSell {
		e.unlock(rules.BaseCoin, remaining)
	} else {
		e.unlock(rules.QuoteCoin, remaining.Mul(order.Price))
	}
	order.Status = models.OrderStatusCanceled
	order.UpdateTime = e.now()
	return exchange.CancelResultCanceled, nil
}

func (e *Exchange) GetOrderHistory(ctx context.Context, symbol string, since time.Time) ([]models.Order, error) {
	if err := e.match(ctx, symbol); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []models.Order
	for _, id := range e.placed {
		order := e.orders[id]
		if order.Symbol != symbol {
			continue
		}
		if !since.IsZero() && order.CreateTime.Before(since) {
			continue
		}
		out = append(out, *order)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreateTime.Before(out[j].CreateTime)
	})
	return out, nil
}

func (e *Exchange) Events() <-chan exchange.Event {
	if s, ok := e.market.(exchange.Streamer); ok {
		return s.Events()
	}
	return nil
}

func (e *Exchange) rulesFor(ctx context.Context, symbol string) (models.TradingRules, error) {
	e.mu.Lock()
	rules, ok := e.rules[symbol]
	e.mu.Unlock()
	if ok {
		return rules, nil
	}
	return e.GetTradingRules(ctx, symbol)
}

// match fills every open order of symbol that the current price crosses.
func (e *Exchange) match(ctx context.Context, symbol string) error {
	price, err := e.market.GetPrice(ctx, symbol)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rules := e.rules[symbol]
	for _, order := range e.orders {
		if order.Symbol != symbol || !order.IsOpen() {
			continue
		}
		crossed := (order.Side == models.OrderSideSell && price.GreaterThanOrEqual(order.Price)) ||
			(order.Side == models.OrderSideBuy && price.LessThanOrEqual(order.Price))
		if !crossed {
			continue
		}
		e.fill(order, rules)
	}
	return nil
}

func (e *Exchange) fill(order *models.Order, rules models.TradingRules) {
	qty := order.Qty.Sub(order.FilledQty)
	quote := qty.Mul(order.Price)
	fee := quote.Mul(e.feeRate)

	if order.Side == models.OrderSideSell {
		e.balance(rules.BaseCoin).Locked = e.balance(rules.BaseCoin).Locked.Sub(qty)
		e.balance(rules.QuoteCoin).Free = e.balance(rules.QuoteCoin).Free.Add(quote).Sub(fee)
	} else {
		e.balance(rules.QuoteCoin).Locked = e.balance(rules.QuoteCoin).Locked.Sub(quote)
		e.balance(rules.QuoteCoin).Free = e.balance(rules.QuoteCoin).Free.Sub(fee)
		e.balance(rules.BaseCoin).Free = e.balance(rules.BaseCoin).Free.Add(qty)
	}

	order.FilledQty = order.Qty
	order.Status = models.OrderStatusFilled
	order.UpdateTime = e.now()

	e.logEntry().WithFields(logrus.Fields{
		"symbol":   order.Symbol,
		"side":     order.Side,
		"price":    order.Price.String(),
		"qty":      order.Qty.String(),
		"order_id": order.ID,
	}).Info("Бумажный ордер исполнен")
}

func (e *Exchange) balance(coin string) *models.Balance {
	bal, ok := e.balances[coin]
	if !ok {
		bal = &models.Balance{Coin: coin}
		e.balances[coin] = bal
	}
	return bal
}

func (e *Exchange) lock(coin string, amount decimal.Decimal) error {
	bal := e.balance(coin)
	if bal.Free.LessThan(amount) {
		return fmt.Errorf("Недостаточно средств %s: доступно %s, требуется %s", coin, bal.Free, amount)
	}
	bal.Free = bal.Free.Sub(amount)
	bal.Locked = bal.Locked.Add(amount)
	return nil
}

func (e *Exchange) unlock(coin string, amount decimal.Decimal) {
	bal := e.balance(coin)
	bal.Locked = bal.Locked.Sub(amount)
	bal.Free = bal.Free.Add(amount)
}
