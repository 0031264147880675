package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"rebuybot/internal/exchange"
	"rebuybot/internal/logger"
	"rebuybot/internal/models"
	"rebuybot/internal/quant"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Reconciler rebuilds a context from the exchange's order history. The
// exchange is the source of truth for order status; the store only adds the
// bookkeeping the exchange does not know about.
type Reconciler struct {
	client exchange.Client
	log    *logger.Logger
	now    func() time.Time
}

func NewReconciler(client exchange.Client, log *logger.Logger, now func() time.Time) *Reconciler {
	if now == nil {
		now = time.Now
	}
	return &Reconciler{client: client, log: log, now: now}
}

type ReconcileInput struct {
	Strategy  models.Strategy
	Rules     models.TradingRules
	FeeRate   decimal.Decimal
	Persisted models.PairStrategyContext
	// Orders are the persisted orders of this context.
	Orders []models.Order
}

type ReconcileResult struct {
	Context models.PairStrategyContext
	// Upserts are orders that are new or whose exchange status changed.
	Upserts []models.Order
}

// Reconcile is idempotent: running it twice against the same history yields
// the same context and no upserts the second time.
func (r *Reconciler) Reconcile(ctx context.Context, in ReconcileInput) (ReconcileResult, error) {
	symbol := in.Persisted.Symbol
	name := in.Strategy.Name

	history, err := r.client.GetOrderHistory(ctx, symbol, time.Time{})
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("Не удалось получить историю ордеров %s: %w", symbol, err)
	}

	known := make(map[string]models.Order, len(in.Orders))
	for _, o := range in.Orders {
		known[o.ID] = o
	}
	for _, o := range []*models.Order{in.Persisted.ActiveSellOrder, in.Persisted.ExecutedSellOrder, in.Persisted.ActiveBuyOrder} {
		if o != nil {
			if _, ok := known[o.ID]; !ok {
				known[o.ID] = *o
			}
		}
	}

	var upserts []models.Order
	listed := make(map[string]struct{}, len(history))
	for _, o := range history {
		if !ownedBy(o, name) {
			continue
		}
		listed[o.ID] = struct{}{}
		if o.Symbol == "" {
			o.Symbol = symbol
		}
		o.Strategy = name

		prev, ok := known[o.ID]
		if ok {
			o.TargetBuyPrice = prev.TargetBuyPrice
			o.Profit = prev.Profit
			if o.CreateTime.IsZero() {
				o.CreateTime = prev.CreateTime
			}
		}
		if !ok || orderChanged(prev, o) {
			upserts = append(upserts, o)
		}
		known[o.ID] = o
	}

	resolved, err := r.resolveUnlisted(ctx, symbol, name, known, listed)
	if err != nil {
		return ReconcileResult{}, err
	}
	for _, o := range resolved {
		upserts = append(upserts, o)
		known[o.ID] = o
	}

	orders := make([]models.Order, 0, len(known))
	for _, o := range known {
		orders = append(orders, o)
	}
	sortOrders(orders)

	// Buys found only in the history have no profit attached yet.
	for i := range upserts {
		buy := &upserts[i]
		if buy.Side != models.OrderSideBuy || !buy.Profit.IsZero() || !buy.ExecutedQty().IsPositive() {
			continue
		}
		if sell := latestOrder(orders, func(o models.Order) bool {
			return o.Side == models.OrderSideSell && cycleOf(&o) == cycleOf(buy) && cycleOf(buy) != ""
		}); sell != nil {
			buy.Profit = RoundTripProfit(sell.Price, buy.Price, buy.ExecutedQty(), in.FeeRate)
		}
	}

	next := r.rebuild(in, orders)
	if sameShape(next, in.Persisted) {
		next.UpdatedAt = in.Persisted.UpdatedAt
	} else {
		next.UpdatedAt = r.now()
	}

	r.log.WithFields(logrus.Fields{
		"symbol":   symbol,
		"strategy": name,
		"history":  len(history),
		"upserts":  len(upserts),
		"from":     in.Persisted.State,
		"to":       next.State,
	}).Info("Сверка с биржей завершена.")

	return ReconcileResult{Context: next, Upserts: upserts}, nil
}

// resolveUnlisted asks the venue about orders we still hold as open but the
// history does not list. An order the venue does not know is closed as
// CANCELED with whatever fill was last recorded.
func (r *Reconciler) resolveUnlisted(ctx context.Context, symbol, name string, known map[string]models.Order, listed map[string]struct{}) ([]models.Order, error) {
	var ids []string
	for id, o := range known {
		if _, ok := listed[id]; !ok && o.IsOpen() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var changed []models.Order
	for _, id := range ids {
		prev := known[id]
		o := prev
		polled, err := r.client.GetOrderStatus(ctx, symbol, id)
		switch {
		case errors.Is(err, models.ErrOrderNotFound):
			o.Status = models.OrderStatusCanceled
			o.UpdateTime = r.now()
			r.log.WithFields(logrus.Fields{
				"symbol":   symbol,
				"strategy": name,
				"order_id": id,
			}).Warn("Ордер не найден на бирже, считается отменённым.")
		case err != nil:
			return nil, fmt.Errorf("Не удалось получить статус ордера %s: %w", id, err)
		default:
			mergeStatus(&o, polled)
		}
		if orderChanged(prev, o) {
			changed = append(changed, o)
		}
	}
	return changed, nil
}

func (r *Reconciler) rebuild(in ReconcileInput, orders []models.Order) models.PairStrategyContext {
	persisted := in.Persisted
	next := models.NewContext(persisted.Symbol, persisted.Strategy)
	strategy := in.Strategy

	withTarget := func(o *models.Order) *models.Order {
		if !o.TargetBuyPrice.IsPositive() {
			o.TargetBuyPrice = RebuyPriceFromSell(o.Price, strategy.BuyIncreaseIndicator, strategy.ProfitTarget, in.Rules.TickSize)
		}
		return o
	}

	if sell := latestOrder(orders, func(o models.Order) bool {
		return o.Side == models.OrderSideSell && o.IsOpen()
	}); sell != nil {
		next.State = models.TradeStateSelling
		next.CycleID = cycleOf(sell)
		next.ActiveSellOrder = withTarget(sell)
		if persisted.ActiveSellOrder != nil && persisted.ActiveSellOrder.ID == sell.ID {
			next.LastCancelAt = persisted.LastCancelAt
		}
		return next
	}

	if buy := latestOrder(orders, func(o models.Order) bool {
		return o.Side == models.OrderSideBuy && o.IsOpen()
	}); buy != nil {
		cycle := cycleOf(buy)
		next.State = models.TradeStateCooldown
		next.CycleID = cycle
		next.ActiveBuyOrder = buy
		next.ExecutedSellOrder = latestOrder(orders, func(o models.Order) bool {
			return o.Side == models.OrderSideSell && cycle != "" && cycleOf(&o) == cycle && o.ExecutedQty().IsPositive()
		})
		return next
	}

	if sell := latestOrder(orders, func(o models.Order) bool {
		return o.Side == models.OrderSideSell && o.ExecutedQty().IsPositive()
	}); sell != nil && !closedByBuy(sell, orders, in.Rules) {
		next.State = models.TradeStateSelling
		next.CycleID = cycleOf(sell)
		next.ExecutedSellOrder = withTarget(sell)
		return next
	}

	if persisted.State == models.TradeStateCooldown && persisted.ExecutedSellOrder != nil {
		exec := persisted.ExecutedSellOrder
		if r.now().Sub(filledAt(exec)) < strategy.Cooldown && !closedByFilledBuy(exec, orders) {
			next.State = models.TradeStateCooldown
			next.CycleID = persisted.CycleID
			next.ExecutedSellOrder = exec.Clone()
			return next
		}
	}

	return next
}

// closedByBuy reports whether a buy-back exists for sell: a same-cycle BUY
// that reached a terminal state, or a later FILLED BUY of the same quantity.
func closedByBuy(sell *models.Order, orders []models.Order, rules models.TradingRules) bool {
	cycle := cycleOf(sell)
	qty := quant.RoundDown(sell.ExecutedQty(), rules.StepSize)
	for _, o := range orders {
		if o.Side != models.OrderSideBuy {
			continue
		}
		if cycle != "" && cycleOf(&o) == cycle && o.Status.IsTerminal() {
			return true
		}
		if o.Status == models.OrderStatusFilled && o.CreateTime.After(sell.CreateTime) && o.Qty.Equal(qty) {
			return true
		}
	}
	return false
}

func closedByFilledBuy(sell *models.Order, orders []models.Order) bool {
	cycle := cycleOf(sell)
	if cycle == "" {
		return false
	}
	for _, o := range orders {
		if o.Side == models.OrderSideBuy && o.Status == models.OrderStatusFilled && cycleOf(&o) == cycle {
			return true
		}
	}
	return false
}

// latestOrder returns a copy of the last order matching pred; orders must be
// sorted oldest first.
func latestOrder(orders []models.Order, pred func(models.Order) bool) *models.Order {
	for i := len(orders) - 1; i >= 0; i-- {
		if pred(orders[i]) {
			o := orders[i]
			return &o
		}
	}
	return nil
}

func sortOrders(orders []models.Order) {
	sort.Slice(orders, func(i, j int) bool {
		if !orders[i].CreateTime.Equal(orders[j].CreateTime) {
			return orders[i].CreateTime.Before(orders[j].CreateTime)
		}
		return orders[i].ID < orders[j].ID
	})
}

func orderChanged(prev, next models.Order) bool {
	return prev.Status != next.Status ||
		!prev.FilledQty.Equal(next.FilledQty) ||
		!prev.Price.Equal(next.Price) ||
		!prev.Qty.Equal(next.Qty) ||
		!prev.Profit.Equal(next.Profit)
}

// sameShape compares everything but timestamps.
func sameShape(a, b models.PairStrategyContext) bool {
	return a.State == b.State &&
		a.CycleID == b.CycleID &&
		sameOrder(a.ActiveSellOrder, b.ActiveSellOrder) &&
		sameOrder(a.ExecutedSellOrder, b.ExecutedSellOrder) &&
		sameOrder(a.ActiveBuyOrder, b.ActiveBuyOrder)
}

func sameOrder(a, b *models.Order) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID == b.ID && a.Status == b.Status && a.FilledQty.Equal(b.FilledQty)
}
