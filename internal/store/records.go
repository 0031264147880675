package store

import (
	"time"

	"rebuybot/internal/models"

	"github.com/shopspring/decimal"
)

type contextRecord struct {
	ContextKey   string `gorm:"primaryKey"`
	Symbol       string `gorm:"index"`
	Strategy     string `gorm:"index"`
	State        string
	CycleID      string
	ActiveSell   *models.Order `gorm:"serializer:json"`
	ExecutedSell *models.Order `gorm:"serializer:json"`
	ActiveBuy    *models.Order `gorm:"serializer:json"`
	LastCancelAt time.Time
	UpdatedAt    time.Time `gorm:"autoUpdateTime:false"`
}

func (contextRecord) TableName() string {
	return "contexts"
}

type orderRecord struct {
	ID             string `gorm:"primaryKey"`
	LinkID         string `gorm:"index"`
	Symbol         string `gorm:"index:idx_orders_pair"`
	Strategy       string `gorm:"index:idx_orders_pair"`
	Side           string
	Type           string
	Status         string
	Price          decimal.Decimal `gorm:"type:text"`
	Qty            decimal.Decimal `gorm:"type:text"`
	FilledQty      decimal.Decimal `gorm:"type:text"`
	TargetBuyPrice decimal.Decimal `gorm:"type:text"`
	Profit         decimal.Decimal `gorm:"type:text"`
	CreateTime     time.Time
	UpdateTime     time.Time
}

func (orderRecord) TableName() string {
	return "orders"
}

type heartbeatRecord struct {
	ID         uint `gorm:"primaryKey"`
	Timestamp  time.Time
	Status     string
	Version    string
	Goroutines int
	MemoryMB   float64
	Contexts   int
	Message    string
}

func (heartbeatRecord) TableName() string {
	return "heartbeat"
}

func newContextRecord(c models.PairStrategyContext) contextRecord {
	return contextRecord{
		ContextKey:   c.Key(),
		Symbol:       c.Symbol,
		Strategy:     c.Strategy,
		State:        string(c.State),
		CycleID:      c.CycleID,
		ActiveSell:   c.ActiveSellOrder,
		ExecutedSell: c.ExecutedSellOrder,
		ActiveBuy:    c.ActiveBuyOrder,
		LastCancelAt: c.LastCancelAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

func (r contextRecord) toModel() models.PairStrategyContext {
	return models.PairStrategyContext{
		Symbol:            r.Symbol,
		Strategy:          r.Strategy,
		State:             models.TradeState(r.State),
		CycleID:           r.CycleID,
		ActiveSellOrder:   r.ActiveSell,
		ExecutedSellOrder: r.ExecutedSell,
		ActiveBuyOrder:    r.ActiveBuy,
		LastCancelAt:      r.LastCancelAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func newOrderRecord(o models.Order) orderRecord {
	return orderRecord{
		ID:             o.ID,
		LinkID:         o.LinkID,
		Symbol:         o.Symbol,
		Strategy:       o.Strategy,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Status:         string(o.Status),
		Price:          o.Price,
		Qty:            o.Qty,
		FilledQty:      o.FilledQty,
		TargetBuyPrice: o.TargetBuyPrice,
		Profit:         o.Profit,
		CreateTime:     o.CreateTime,
		UpdateTime:     o.UpdateTime,
	}
}

func (r orderRecord) toModel() models.Order {
	return models.Order{
		ID:             r.ID,
		LinkID:         r.LinkID,
		Symbol:         r.Symbol,
		Strategy:       r.Strategy,
		Side:           models.OrderSide(r.Side),
		Type:           models.OrderType(r.Type),
		Status:         models.OrderStatus(r.Status),
		Price:          r.Price,
		Qty:            r.Qty,
		FilledQty:      r.FilledQty,
		TargetBuyPrice: r.TargetBuyPrice,
		Profit:         r.Profit,
		CreateTime:     r.CreateTime,
		UpdateTime:     r.UpdateTime,
	}
}
