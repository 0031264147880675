package engine

import (
	"context"
	"errors"
	"time"

	"rebuybot/internal/config"
	"rebuybot/internal/exchange"
	"rebuybot/internal/metrics"
	"rebuybot/internal/models"
	"rebuybot/internal/quant"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// stepEnv is everything a step reads besides the context itself. It is built
// from one config snapshot so a step never sees a half-applied reload.
type stepEnv struct {
	cfg      *config.Config
	target   config.Target
	pair     config.PairConfig
	strategy models.Strategy
	rules    models.TradingRules
	now      time.Time
}

type stepOutcome struct {
	next models.PairStrategyContext
	// retired holds final snapshots of orders that left the context this step.
	retired []models.Order
	err     error
}

type stepper struct {
	e       *Engine
	env     stepEnv
	draft   models.PairStrategyContext
	retired []models.Order
	log     *logrus.Entry
}

// step advances one context by at most one transition. It works on a copy;
// next always reflects every exchange side effect that succeeded, even when
// err is set.
func (e *Engine) step(ctx context.Context, env stepEnv, cur models.PairStrategyContext) stepOutcome {
	s := &stepper{
		e:     e,
		env:   env,
		draft: cur.Clone(),
		log:   e.contextEntry(env.target.Symbol, env.target.Strategy),
	}

	var err error
	switch s.draft.State {
	case models.TradeStateMonitoring:
		err = s.monitoring(ctx)
	case models.TradeStateSelling:
		err = s.selling(ctx)
	case models.TradeStateCooldown:
		err = s.cooldown(ctx)
	default:
		s.log.WithField("state", s.draft.State).Warn("Неизвестное состояние, возврат в MONITORING.")
		s.reset()
	}

	return stepOutcome{next: s.draft, retired: s.retired, err: err}
}

func (s *stepper) monitoring(ctx context.Context) error {
	if sell := s.draft.ActiveSellOrder; sell != nil && sell.IsOpen() {
		s.log.WithFields(orderFields(sell)).Warn("В MONITORING найден открытый ордер продажи, возврат в SELLING.")
		s.transition(models.TradeStateSelling)
		return nil
	}

	pair, err := s.e.tradingPair(ctx, s.env.target.Symbol, s.env.rules)
	if err != nil {
		return err
	}

	strategy := s.env.strategy
	rules := pair.Rules
	marketValue := pair.MarketValue()
	exportHoldings(pair)

	if !s.env.target.Allocation.Mul(marketValue).GreaterThan(rules.MinNotional) {
		s.log.WithFields(logrus.Fields{
			"free":         pair.Free.String(),
			"market_value": marketValue.String(),
			"allocation":   s.env.target.Allocation.String(),
		}).Debug("Недостаточно средств для нового цикла.")
		return nil
	}

	sellPrice := SellPrice(pair.Price, strategy.BuyIncreaseIndicator, rules.TickSize)
	buyPrice := BuyPrice(pair.Price, strategy.ProfitTarget, rules.TickSize)

	size := strategy.Size
	if size == nil {
		size = strategy.Kind.SizingRule()
	}
	qty := quant.RoundDown(size(models.SizingInput{
		Pair:              pair,
		Allocation:        s.env.target.Allocation,
		TradingPercentage: s.env.pair.TradingPercentage,
		Margin:            s.env.cfg.Runtime.OrphanMargin,
	}), rules.StepSize)

	notional := qty.Mul(buyPrice)
	if notional.LessThan(rules.MinNotional) || notional.GreaterThanOrEqual(marketValue) {
		s.log.WithFields(logrus.Fields{
			"qty":          qty.String(),
			"buy_price":    buyPrice.String(),
			"notional":     notional.String(),
			"min_notional": rules.MinNotional.String(),
			"market_value": marketValue.String(),
		}).Info("Ордер не прошёл проверку объёма.")
		return nil
	}

	cycle := newCycleID()
	order, err := s.e.orders.Place(ctx, pair, strategy.Name, models.OrderSideSell, qty, sellPrice, linkID(strategy.Name, cycle, legSell))
	if err != nil {
		if isQuantError(err) {
			s.log.WithError(err).Info("Продажа отклонена квантизацией.")
			return nil
		}
		return err
	}
	order.TargetBuyPrice = buyPrice

	s.draft.CycleID = cycle
	s.draft.ActiveSellOrder = &order
	s.draft.ExecutedSellOrder = nil
	s.draft.ActiveBuyOrder = nil
	s.draft.LastCancelAt = time.Time{}
	s.transition(models.TradeStateSelling)

	s.log.WithFields(orderFields(&order)).WithField("target_buy_price", buyPrice.String()).Info("Ордер продажи размещён.")
	return nil
}

func (s *stepper) selling(ctx context.Context) error {
	if s.draft.ExecutedSellOrder != nil {
		return s.placeBuyBack(ctx)
	}

	sell := s.draft.ActiveSellOrder
	if sell == nil {
		s.log.Warn("SELLING без ордера продажи, возврат в MONITORING.")
		s.reset()
		return nil
	}

	polled, err := s.e.orders.PollStatus(ctx, sell.Symbol, sell.ID)
	if err != nil {
		return err
	}
	mergeStatus(sell, polled)

	switch sell.Status {
	case models.OrderStatusFilled:
		return s.onSellFilled(ctx)
	case models.OrderStatusCanceled:
		return s.onSellCanceled(ctx)
	}

	age := s.env.now.Sub(sell.CreateTime)
	if age <= s.env.strategy.Timeout {
		s.log.WithFields(orderFields(sell)).WithField("age", age.Round(time.Second).String()).Debug("Ожидание исполнения продажи.")
		return nil
	}

	// Half a tick absorbs scheduling jitter between consecutive steps.
	if last := s.draft.LastCancelAt; !last.IsZero() && s.env.now.Sub(last) < s.env.cfg.Runtime.TickInterval/2 {
		s.log.WithFields(orderFields(sell)).Debug("Отмена уже запрошена на этом тике.")
		return nil
	}
	s.log.WithFields(orderFields(sell)).WithField("age", age.Round(time.Second).String()).Info("Таймаут продажи, отмена ордера.")
	s.draft.LastCancelAt = s.env.now

	switch s.e.orders.Cancel(ctx, sell.Symbol, s.env.strategy.Name, sell.ID) {
	case exchange.CancelResultAlreadyFilled:
		sell.Status = models.OrderStatusFilled
		sell.FilledQty = sell.Qty
		return s.onSellFilled(ctx)
	case exchange.CancelResultCanceled:
		sell.Status = models.OrderStatusCanceled
		// A cancel can race a partial fill; the re-read decides how much was sold.
		polled, err := s.e.orders.PollStatus(ctx, sell.Symbol, sell.ID)
		if err != nil {
			return err
		}
		mergeStatus(sell, polled)
		if sell.Status == models.OrderStatusFilled {
			return s.onSellFilled(ctx)
		}
		sell.Status = models.OrderStatusCanceled
		return s.onSellCanceled(ctx)
	default:
		s.log.WithFields(orderFields(sell)).Warn("Отмена не удалась, повтор на следующем тике.")
		return nil
	}
}

func (s *stepper) onSellCanceled(ctx context.Context) error {
	sell := s.draft.ActiveSellOrder
	if sell.ExecutedQty().IsPositive() {
		s.log.WithFields(orderFields(sell)).WithField("filled_qty", sell.FilledQty.String()).Info("Продажа отменена после частичного исполнения.")
		return s.onSellFilled(ctx)
	}

	s.log.WithFields(orderFields(sell)).Info("Ордер продажи отменён, возврат в MONITORING.")
	s.retire(sell)
	s.reset()
	return nil
}

func (s *stepper) onSellFilled(ctx context.Context) error {
	exec := s.draft.ActiveSellOrder.Clone()
	if exec.UpdateTime.IsZero() {
		exec.UpdateTime = s.env.now
	}
	s.draft.ExecutedSellOrder = exec
	s.draft.ActiveSellOrder = nil
	s.draft.UpdatedAt = s.env.now

	s.log.WithFields(orderFields(exec)).WithField("executed_qty", exec.ExecutedQty().String()).Info("Продажа исполнена.")
	return s.placeBuyBack(ctx)
}

// placeBuyBack is entered right after a fill and again on every tick while
// the buy could not be placed.
func (s *stepper) placeBuyBack(ctx context.Context) error {
	if s.draft.ActiveBuyOrder != nil {
		s.transition(models.TradeStateCooldown)
		return nil
	}

	exec := s.draft.ExecutedSellOrder
	strategy := s.env.strategy
	rules := s.env.rules

	price := exec.TargetBuyPrice
	if !price.IsPositive() {
		price = RebuyPriceFromSell(exec.Price, strategy.BuyIncreaseIndicator, strategy.ProfitTarget, rules.TickSize)
	}

	if s.draft.CycleID == "" {
		s.draft.CycleID = cycleOf(exec)
		if s.draft.CycleID == "" {
			s.draft.CycleID = newCycleID()
		}
	}

	pair := models.TradingPair{Symbol: s.env.target.Symbol, Rules: rules}
	order, err := s.e.orders.Place(ctx, pair, strategy.Name, models.OrderSideBuy, exec.ExecutedQty(), price, linkID(strategy.Name, s.draft.CycleID, legBuy))
	if err != nil {
		if isQuantError(err) {
			s.log.WithFields(orderFields(exec)).WithError(err).Warn("Исполненный объём слишком мал для обратной покупки, пауза без покупки.")
			s.transition(models.TradeStateCooldown)
			return nil
		}
		s.log.WithError(err).Warn("Обратная покупка не размещена, повтор на следующем тике.")
		return err
	}

	order.Profit = RoundTripProfit(exec.Price, order.Price, order.Qty, s.env.cfg.Runtime.FeeRate)
	s.draft.ActiveBuyOrder = &order
	s.transition(models.TradeStateCooldown)

	s.log.WithFields(orderFields(&order)).WithField("expected_profit", order.Profit.String()).Info("Ордер обратной покупки размещён.")
	return nil
}

func (s *stepper) cooldown(ctx context.Context) error {
	exec := s.draft.ExecutedSellOrder
	fee := s.env.cfg.Runtime.FeeRate

	if buy := s.draft.ActiveBuyOrder; buy != nil {
		polled, err := s.e.orders.PollStatus(ctx, buy.Symbol, buy.ID)
		if err != nil {
			return err
		}
		mergeStatus(buy, polled)

		switch buy.Status {
		case models.OrderStatusFilled:
			if exec != nil {
				buy.Profit = RoundTripProfit(exec.Price, buy.Price, buy.ExecutedQty(), fee)
			}
			s.log.WithFields(orderFields(buy)).WithField("profit", buy.Profit.String()).Info("Обратная покупка исполнена, цикл завершён.")
			s.retire(buy)
			if exec != nil {
				s.retire(exec)
			}
			metrics.SetOpenBuyAge(s.env.target.Symbol, s.env.strategy.Name, 0)
			s.reset()
			return nil
		case models.OrderStatusCanceled:
			if exec != nil && buy.ExecutedQty().IsPositive() {
				buy.Profit = RoundTripProfit(exec.Price, buy.Price, buy.ExecutedQty(), fee)
			} else {
				buy.Profit = decimal.Zero
			}
			s.log.WithFields(orderFields(buy)).Warn("Ордер покупки отменён вне бота.")
			s.retire(buy)
			s.draft.ActiveBuyOrder = nil
			s.draft.UpdatedAt = s.env.now
			metrics.SetOpenBuyAge(s.env.target.Symbol, s.env.strategy.Name, 0)
		default:
			s.watchBuy(ctx, buy)
			return nil
		}
	}

	start := s.draft.UpdatedAt
	if exec != nil {
		start = filledAt(exec)
	}
	if elapsed := s.env.now.Sub(start); elapsed < s.env.strategy.Cooldown {
		s.log.WithField("remaining", (s.env.strategy.Cooldown - elapsed).Round(time.Second).String()).Debug("Пауза.")
		return nil
	}

	s.log.Info("Пауза завершена, возврат в MONITORING.")
	if exec != nil {
		s.retire(exec)
	}
	s.reset()
	return nil
}

// watchBuy reports a resting buy-back. The buy leg has no timeout; an order
// older than the cooldown is flagged once.
func (s *stepper) watchBuy(ctx context.Context, buy *models.Order) {
	age := s.env.now.Sub(buy.CreateTime)
	metrics.SetOpenBuyAge(s.env.target.Symbol, s.env.strategy.Name, age)

	entry := s.log.WithFields(orderFields(buy)).WithField("age", age.Round(time.Second).String())
	if price, err := s.e.client.GetPrice(ctx, buy.Symbol); err == nil {
		entry = entry.WithField("current_price", price.String())
	}

	cooldown := s.env.strategy.Cooldown
	tick := s.env.cfg.Runtime.TickInterval
	switch {
	case age >= cooldown && age-tick < cooldown:
		entry.Warn("Ордер покупки открыт дольше паузы.")
	case s.env.cfg.Runtime.ShowBuyOrders:
		entry.Info("Открытый ордер покупки.")
	default:
		entry.Debug("Открытый ордер покупки.")
	}
}

func (s *stepper) transition(state models.TradeState) {
	s.draft.State = state
	s.draft.UpdatedAt = s.env.now
}

func (s *stepper) reset() {
	s.draft.ResetToMonitoring(s.env.now)
}

func (s *stepper) retire(o *models.Order) {
	if o == nil || o.ID == "" {
		return
	}
	s.retired = append(s.retired, *o)
}

func isQuantError(err error) bool {
	return errors.Is(err, models.ErrInsufficientNotional) || errors.Is(err, models.ErrBelowMinQty)
}

// tradingPair reads price and balances at the start of a step.
func exportHoldings(pair models.TradingPair) {
	free, _ := pair.Free.Float64()
	locked, _ := pair.Locked.Float64()
	value, _ := pair.MarketValue().Float64()
	metrics.SetPairHoldings(pair.Symbol, free, locked, value)
}

func (e *Engine) tradingPair(ctx context.Context, symbol string, rules models.TradingRules) (models.TradingPair, error) {
	price, err := e.client.GetPrice(ctx, symbol)
	if err != nil {
		return models.TradingPair{}, err
	}
	balances, err := e.client.GetBalances(ctx, []string{rules.BaseCoin, rules.QuoteCoin})
	if err != nil {
		return models.TradingPair{}, err
	}
	base := balances[rules.BaseCoin]
	return models.TradingPair{
		Symbol: symbol,
		Rules:  rules,
		Free:   base.Free,
		Locked: base.Locked,
		Price:  price,
	}, nil
}
