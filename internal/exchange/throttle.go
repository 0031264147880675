package exchange

import (
	"context"
	"time"

	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Throttle shares one token bucket between every context calling the venue.
type Throttle struct {
	next    Client
	limiter *rate.Limiter
}

func NewThrottle(next Client, perSecond float64, burst int) *Throttle {
	if burst < 1 {
		burst = 1
	}
	return &Throttle{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (t *Throttle) wait(ctx context.Context, op string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return models.NewTransportError(op, err)
	}
	return nil
}

func (t *Throttle) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := t.wait(ctx, "GetPrice"); err != nil {
		return decimal.Zero, err
	}
	return t.next.GetPrice(ctx, symbol)
}

func (t *Throttle) GetTradingRules(ctx context.Context, symbol string) (models.TradingRules, error) {
	if err := t.wait(ctx, "GetTradingRules"); err != nil {
		return models.TradingRules{}, err
	}
	return t.next.GetTradingRules(ctx, symbol)
}

func (t *Throttle) GetBalances(ctx context.Context, coins []string) (map[string]models.Balance, error) {
	if err := t.wait(ctx, "GetBalances"); err != nil {
		return nil, err
	}
	return t.next.GetBalances(ctx, coins)
}

func (t *Throttle) PlaceLimitOrder(ctx context.Context, req OrderRequest) (models.Order, error) {
	if err := t.wait(ctx, "PlaceLimitOrder"); err != nil {
		return models.Order{}, err
	}
	return t.next.PlaceLimitOrder(ctx, req)
}

func (t *Throttle) GetOrderStatus(ctx context.Context, symbol, orderID string) (models.Order, error) {
	if err := t.wait(ctx, "GetOrderStatus"); err != nil {
		return models.Order{}, err
	}
	return t.next.GetOrderStatus(ctx, symbol, orderID)
}

func (t *Throttle) CancelOrder(ctx context.Context, symbol, orderID string) (CancelResult, error) {
	if err := t.wait(ctx, "CancelOrder"); err != nil {
		return CancelResultFailed, err
	}
	return t.next.CancelOrder(ctx, symbol, orderID)
}

func (t *Throttle) GetOrderHistory(ctx context.Context, symbol string, since time.Time) ([]models.Order, error) {
	if err := t.wait(ctx, "GetOrderHistory"); err != nil {
		return nil, err
	}
	return t.next.GetOrderHistory(ctx, symbol, since)
}

// Events forwards the wrapped client's stream, if it has one.
func (t *Throttle) Events() <-chan Event {
	if s, ok := t.next.(Streamer); ok {
		return s.Events()
	}
	return nil
}
