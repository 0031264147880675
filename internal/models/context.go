package models

import "time"

// PairStrategyContext is the unit of concurrency: one per (pair, strategy).
type PairStrategyContext struct {
	Symbol            string     `json:"symbol"`
	Strategy          string     `json:"strategy"`
	State             TradeState `json:"state"`
	CycleID           string     `json:"cycle_id"`
	ActiveSellOrder   *Order     `json:"active_sell_order,omitempty"`
	ExecutedSellOrder *Order     `json:"executed_sell_order,omitempty"`
	ActiveBuyOrder    *Order     `json:"active_buy_order,omitempty"`
	LastCancelAt      time.Time  `json:"last_cancel_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

func NewContext(symbol, strategy string) PairStrategyContext {
	return PairStrategyContext{
		Symbol:   symbol,
		Strategy: strategy,
		State:    TradeStateMonitoring,
	}
}

func ContextKey(symbol, strategy string) string {
	return symbol + "/" + strategy
}

func (c PairStrategyContext) Key() string {
	return ContextKey(c.Symbol, c.Strategy)
}

// Clone deep-copies the order snapshots so a step can work on a draft.
func (c PairStrategyContext) Clone() PairStrategyContext {
	c.ActiveSellOrder = c.ActiveSellOrder.Clone()
	c.ExecutedSellOrder = c.ExecutedSellOrder.Clone()
	c.ActiveBuyOrder = c.ActiveBuyOrder.Clone()
	return c
}

func (c PairStrategyContext) MidCycle() bool {
	return c.State != TradeStateMonitoring
}

// ResetToMonitoring clears every leg and starts a fresh cycle on the next sell.
func (c *PairStrategyContext) ResetToMonitoring(now time.Time) {
	c.State = TradeStateMonitoring
	c.CycleID = ""
	c.ActiveSellOrder = nil
	c.ExecutedSellOrder = nil
	c.ActiveBuyOrder = nil
	c.LastCancelAt = time.Time{}
	c.UpdatedAt = now
}
