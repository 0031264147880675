package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rebuybot/internal/exchange"
	"rebuybot/internal/logger"
	"rebuybot/internal/metrics"
	"rebuybot/internal/models"
	"rebuybot/internal/quant"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Lifecycle places, polls and cancels LIMIT orders. Every call is a single
// attempt; retrying is left to the next tick.
type Lifecycle struct {
	client exchange.Client
	log    *logger.Logger
}

func NewLifecycle(client exchange.Client, log *logger.Logger) *Lifecycle {
	return &Lifecycle{client: client, log: log}
}

// Place quantizes and submits a LIMIT GTC order. Quantization failures are
// returned before any network call.
func (l *Lifecycle) Place(ctx context.Context, pair models.TradingPair, strategy string, side models.OrderSide, qty, price decimal.Decimal, link string) (models.Order, error) {
	q, err := quant.Quantize(price, qty, pair.Rules)
	if err != nil {
		return models.Order{}, err
	}

	entry := l.log.WithFields(logrus.Fields{
		"symbol":   pair.Symbol,
		"strategy": strategy,
		"side":     side,
		"price":    q.PriceStr,
		"qty":      q.QtyStr,
		"notional": q.Notional().String(),
		"link_id":  link,
	})
	entry.Info("Попытка ордера.")

	req := exchange.OrderRequest{
		Symbol:   pair.Symbol,
		Strategy: strategy,
		LinkID:   link,
		Side:     side,
		Price:    q.Price,
		Qty:      q.Qty,
		PriceStr: q.PriceStr,
		QtyStr:   q.QtyStr,
	}

	order, err := l.client.PlaceLimitOrder(ctx, req)
	if errors.Is(err, models.ErrDuplicateOrder) {
		// An earlier attempt reached the venue but its answer was lost.
		if existing, ok := l.findByLinkID(ctx, pair.Symbol, link); ok {
			entry.WithField("order_id", existing.ID).Info("Найден существующий ордер по link_id, повтор не нужен.")
			existing.Strategy = strategy
			return existing, nil
		}
	}
	if err != nil {
		return models.Order{}, fmt.Errorf("Не удалось разместить ордер %s: %w", link, err)
	}

	order.Strategy = strategy
	metrics.IncOrderPlaced(pair.Symbol, strategy, string(side))
	entry.WithField("order_id", order.ID).Info("Ордер размещён.")
	return order, nil
}

func (l *Lifecycle) findByLinkID(ctx context.Context, symbol, link string) (models.Order, bool) {
	history, err := l.client.GetOrderHistory(ctx, symbol, time.Time{})
	if err != nil {
		return models.Order{}, false
	}
	for _, o := range history {
		if o.LinkID == link {
			return o, true
		}
	}
	return models.Order{}, false
}

func (l *Lifecycle) PollStatus(ctx context.Context, symbol, orderID string) (models.Order, error) {
	order, err := l.client.GetOrderStatus(ctx, symbol, orderID)
	if err != nil {
		return models.Order{}, fmt.Errorf("Не удалось получить статус ордера %s: %w", orderID, err)
	}
	return order, nil
}

// Cancel folds transport failures into FAILED; the caller stays put and
// re-checks on the next tick.
func (l *Lifecycle) Cancel(ctx context.Context, symbol, strategy, orderID string) exchange.CancelResult {
	res, err := l.client.CancelOrder(ctx, symbol, orderID)
	if err != nil {
		l.log.WithOrderID(orderID).WithFields(logrus.Fields{
			"symbol":   symbol,
			"strategy": strategy,
		}).WithError(err).Warn("Не удалось отменить ордер.")
		res = exchange.CancelResultFailed
	}
	metrics.IncCancel(symbol, strategy, string(res))
	return res
}
