package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderSide string
type OrderType string
type OrderStatus string
type TradeState string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeLimit OrderType = "LIMIT"

	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"

	TradeStateMonitoring TradeState = "MONITORING"
	TradeStateSelling    TradeState = "SELLING"
	TradeStateCooldown   TradeState = "COOLDOWN"
)

func (s OrderStatus) IsOpen() bool {
	return s == OrderStatusNew || s == OrderStatusPartiallyFilled
}

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCanceled
}

type Order struct {
	ID        string          `json:"id"`
	LinkID    string          `json:"link_id"`
	Symbol    string          `json:"symbol"`
	Strategy  string          `json:"strategy"`
	Side      OrderSide       `json:"side"`
	Type      OrderType       `json:"type"`
	Price     decimal.Decimal `json:"price"`
	Qty       decimal.Decimal `json:"qty"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	Status    OrderStatus     `json:"status"`
	// TargetBuyPrice is the buy-back price derived when a SELL is placed.
	TargetBuyPrice decimal.Decimal `json:"target_buy_price"`
	// Profit is set only on a BUY that closes a SELL.
	Profit     decimal.Decimal `json:"profit"`
	CreateTime time.Time       `json:"create_time"`
	UpdateTime time.Time       `json:"update_time"`
}

func (o Order) IsOpen() bool {
	return o.Status.IsOpen()
}

// ExecutedQty is the filled quantity, falling back to Qty for FILLED orders
// whose report carried no fill amount.
func (o Order) ExecutedQty() decimal.Decimal {
	if o.FilledQty.IsPositive() {
		return o.FilledQty
	}
	if o.Status == OrderStatusFilled {
		return o.Qty
	}
	return decimal.Zero
}

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	return &cp
}

type Ticker struct {
	Symbol    string          `json:"symbol"`
	LastPrice decimal.Decimal `json:"last_price"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

type TradingRules struct {
	TickSize    decimal.Decimal `json:"tick_size"`
	StepSize    decimal.Decimal `json:"step_size"`
	MinQty      decimal.Decimal `json:"min_qty"`
	MinNotional decimal.Decimal `json:"min_notional"`
	BaseCoin    string          `json:"base_coin"`
	QuoteCoin   string          `json:"quote_coin"`
}

// TradingPair is a per-step view of a symbol: exchange rules plus balances and price
// read at the start of the step.
type TradingPair struct {
	Symbol string
	Rules  TradingRules
	Free   decimal.Decimal
	Locked decimal.Decimal
	Price  decimal.Decimal
}

func (p TradingPair) MarketValue() decimal.Decimal {
	return p.Free.Mul(p.Price)
}

type Balance struct {
	Coin   string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

type Heartbeat struct {
	Timestamp  time.Time
	Status     string
	Version    string
	Goroutines int
	MemoryMB   float64
	Contexts   int
	Message    string
}
